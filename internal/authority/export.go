package authority

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/traceforge/internal/domain"
)

const (
	artifactSheet = "Artifacts"
	traceSheet    = "Trace Links"
)

// WriteWorkbook renders every artifact and trace link of a version as xlsx.
func (s *Service) WriteWorkbook(ctx context.Context, versionID uuid.UUID, w io.Writer) error {
	artifacts, err := s.repo.ListArtifacts(ctx, versionID)
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}
	traces, err := s.repo.ListTraces(ctx, versionID)
	if err != nil {
		return fmt.Errorf("failed to list trace links: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", artifactSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if _, err := f.NewSheet(traceSheet); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}

	attributeKeys := collectAttributeKeys(artifacts)
	header := append([]any{"ID", "Name", "Type", "Summary", "Revision"}, toAny(attributeKeys)...)
	rows := [][]any{header}
	names := make(map[uuid.UUID]string, len(artifacts))
	for _, a := range artifacts {
		names[a.ID] = a.Name
		row := []any{a.ID.String(), a.Name, a.Type, a.Summary, a.Revision}
		for _, key := range attributeKeys {
			if value, ok := a.Attributes[key]; ok {
				row = append(row, fmt.Sprint(value))
			} else {
				row = append(row, "")
			}
		}
		rows = append(rows, row)
	}
	if err := writeRows(f, artifactSheet, rows); err != nil {
		return err
	}

	rows = [][]any{{"ID", "Source", "Target", "Source Type", "Target Type", "Kind", "Approval", "Score"}}
	for _, t := range traces {
		rows = append(rows, []any{
			t.ID.String(), names[t.SourceID], names[t.TargetID],
			t.SourceType, t.TargetType, string(t.Kind), string(t.Approval), t.Score,
		})
	}
	if err := writeRows(f, traceSheet, rows); err != nil {
		return err
	}

	if err := f.SetPanes(artifactSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("failed to resolve cell: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func collectAttributeKeys(artifacts []domain.Artifact) []string {
	seen := map[string]struct{}{}
	for _, a := range artifacts {
		for key := range a.Attributes {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
