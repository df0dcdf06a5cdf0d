package authority

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/traceforge/internal/domain"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

// Columns with a fixed meaning; every other column becomes an attribute.
const (
	columnName    = "name"
	columnType    = "type"
	columnSummary = "summary"
	columnBody    = "body"
)

// Columns written by WriteWorkbook that the authority owns.
var ignoredColumns = map[string]bool{"id": true, "revision": true}

// ImportRequest is one uploaded table of artifacts.
type ImportRequest struct {
	FileName string
	Data     []byte
}

// ImportRowError reports a row that could not become part of the commit.
type ImportRowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// ImportSummary describes the outcome of an import.
type ImportSummary struct {
	CommitID  uuid.UUID            `json:"commitId"`
	RowsRead  int                  `json:"rowsRead"`
	Added     int                  `json:"added"`
	Updated   int                  `json:"updated"`
	RowErrors []ImportRowError     `json:"rowErrors,omitempty"`
	Rejected  []domain.EntityError `json:"rejected,omitempty"`
}

type tableData struct {
	headers []string
	rows    [][]string
	// spreadsheet row number (1-based) of each entry in rows
	rowNumbers []int
}

// Import turns a CSV or XLSX table into one best-effort commit. Rows whose
// name matches a stored artifact update it; all other rows add artifacts.
func (s *Service) Import(ctx context.Context, versionID uuid.UUID, req ImportRequest) (ImportSummary, error) {
	table, err := parseTable(req.FileName, req.Data)
	if err != nil {
		return ImportSummary{}, domain.NewCommitError(domain.ErrorKindValidation, err.Error())
	}
	nameCol, typeCol := columnIndex(table.headers, columnName), columnIndex(table.headers, columnType)
	if nameCol < 0 || typeCol < 0 {
		return ImportSummary{}, domain.NewCommitError(domain.ErrorKindValidation, "table needs name and type columns")
	}

	stored, err := s.repo.ListArtifacts(ctx, versionID)
	if err != nil {
		return ImportSummary{}, err
	}
	byName := make(map[string]domain.Artifact, len(stored))
	for _, a := range stored {
		byName[a.Name] = a
	}

	summary := ImportSummary{RowsRead: len(table.rows)}
	c := domain.NewCommit(versionID)
	c.FailOnError = false
	seen := map[string]int{}

	for idx, row := range table.rows {
		rowNumber := table.rowNumbers[idx]
		name := strings.TrimSpace(row[nameCol])
		artifactType := strings.TrimSpace(row[typeCol])
		if name == "" || artifactType == "" {
			summary.RowErrors = append(summary.RowErrors, ImportRowError{Row: rowNumber, Message: "name and type are required"})
			continue
		}
		if first, ok := seen[name]; ok {
			summary.RowErrors = append(summary.RowErrors, ImportRowError{
				Row:     rowNumber,
				Message: fmt.Sprintf("name %q already used on row %d", name, first),
			})
			continue
		}
		seen[name] = rowNumber

		a, exists := byName[name]
		if exists {
			a = a.Clone()
		} else {
			a = domain.Artifact{VersionID: versionID, Name: name}
		}
		a.Type = artifactType
		applyColumns(&a, table.headers, row, nameCol, typeCol)

		if exists {
			c.Artifacts.Modified = append(c.Artifacts.Modified, a)
		} else {
			c.Artifacts.Added = append(c.Artifacts.Added, a)
		}
	}

	if c.IsEmpty() {
		return summary, domain.NewCommitError(domain.ErrorKindValidation, "no importable rows")
	}

	result, err := s.Commit(ctx, versionID, c)
	if err != nil {
		return summary, err
	}
	summary.CommitID = result.CommitID
	summary.Added = len(result.Artifacts.Added)
	summary.Updated = len(result.Artifacts.Modified)
	summary.Rejected = result.Errors

	s.logger.Info("import applied", "version", versionID, "file", req.FileName,
		"rows", summary.RowsRead, "added", summary.Added, "updated", summary.Updated,
		"row_errors", len(summary.RowErrors), "rejected", len(summary.Rejected))
	return summary, nil
}

func applyColumns(a *domain.Artifact, headers, row []string, nameCol, typeCol int) {
	for col, header := range headers {
		if col == nameCol || col == typeCol {
			continue
		}
		if ignoredColumns[strings.ToLower(header)] {
			continue
		}
		value := strings.TrimSpace(row[col])
		switch strings.ToLower(header) {
		case columnSummary:
			a.Summary = value
			continue
		case columnBody:
			a.Body = value
			continue
		}
		if value == "" {
			delete(a.Attributes, header)
			continue
		}
		if a.Attributes == nil {
			a.Attributes = map[string]any{}
		}
		a.Attributes[header] = value
	}
}

func columnIndex(headers []string, name string) int {
	for i, h := range headers {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

func parseTable(fileName string, payload []byte) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload)
	case ".xlsx":
		return parseExcel(payload)
	default:
		return tableData{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records)
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows)
}

// normalizeTable takes the first non-empty row as the header and pads or
// truncates every data row to the header width.
func normalizeTable(records [][]string) (tableData, error) {
	headerIndex := -1
	for idx, row := range records {
		if !isEmptyRow(row) {
			headerIndex = idx
			break
		}
	}
	if headerIndex < 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	headers := sanitizeHeaders(records[headerIndex])
	table := tableData{headers: headers}
	for idx := headerIndex + 1; idx < len(records); idx++ {
		row := records[idx]
		if isEmptyRow(row) {
			continue
		}
		table.rows = append(table.rows, padRow(row, len(headers)))
		table.rowNumbers = append(table.rowNumbers, idx+1)
	}
	return table, nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}
