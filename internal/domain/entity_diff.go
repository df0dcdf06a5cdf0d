package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// EntitySnapshot is the diffable form of an artifact or trace link: its id,
// its type (artifact type, or "source->target" for links) and a flat bag of
// fields. Revision is carried for labels only and never diffed.
type EntitySnapshot struct {
	ID         uuid.UUID
	EntityType string
	Properties map[string]any
	Revision   int64
}

// CanonicalText renders the snapshot as sorted "key: json" lines; nested
// attributes are flattened to dotted and indexed keys.
func (s EntitySnapshot) CanonicalText() ([]string, error) {
	lines := []string{
		fmt.Sprintf("ID: %s", s.ID),
		fmt.Sprintf("EntityType: %s", s.EntityType),
		"Properties:",
	}

	fields := map[string]string{}
	if len(s.Properties) > 0 {
		if err := flattenAttributes("", s.Properties, fields); err != nil {
			return nil, err
		}
	}
	if len(fields) == 0 {
		return append(lines, "  (empty)"), nil
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("  %s: %s", key, fields[key]))
	}
	return lines, nil
}

// DiffEntitySnapshots produces a unified diff between two snapshots. A nil
// snapshot diffs as empty, so additions and removals render too.
func DiffEntitySnapshots(baseLabel string, base *EntitySnapshot, targetLabel string, target *EntitySnapshot) (string, error) {
	before, err := snapshotLines(base)
	if err != nil {
		return "", err
	}
	after, err := snapshotLines(target)
	if err != nil {
		return "", err
	}
	return renderUnifiedDiff(baseLabel, targetLabel, before, after), nil
}

// snapshotted is an entity the commit summary can diff.
type snapshotted interface {
	VersionedEntity
	Snapshot() EntitySnapshot
}

// DescribeCommit renders a short, user-facing summary of a commit followed by a
// diff of every modified artifact and trace link against its pre-commit
// snapshot.
func DescribeCommit(c Commit) (string, error) {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("artifacts: +%d -%d ~%d, traces: +%d -%d ~%d\n",
		len(c.Artifacts.Added), len(c.Artifacts.Removed), len(c.Artifacts.Modified),
		len(c.Traces.Added), len(c.Traces.Removed), len(c.Traces.Modified)))

	artifactLabel := func(a Artifact) string { return fmt.Sprintf("%s@%d", a.Name, a.Revision) }
	if err := describeModified(&builder, "artifact", c.Artifacts, artifactLabel); err != nil {
		return "", err
	}
	traceLabel := func(t TraceLink) string { return fmt.Sprintf("trace %s@%d", shortID(t.ID), t.Revision) }
	if err := describeModified(&builder, "trace link", c.Traces, traceLabel); err != nil {
		return "", err
	}
	return builder.String(), nil
}

func describeModified[T snapshotted](builder *strings.Builder, noun string, c EntityCommit[T], label func(T) string) error {
	for _, modified := range c.Modified {
		previous, ok := c.Previous[modified.EntityID()]
		if !ok {
			continue
		}
		before, after := previous.Snapshot(), modified.Snapshot()
		diff, err := DiffEntitySnapshots(label(previous), &before, label(modified), &after)
		if err != nil {
			return fmt.Errorf("failed to diff %s %s: %w", noun, modified.EntityID(), err)
		}
		builder.WriteString(diff)
	}
	return nil
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func snapshotLines(snapshot *EntitySnapshot) ([]string, error) {
	if snapshot == nil {
		return nil, nil
	}
	return snapshot.CanonicalText()
}

// flattenAttributes writes every leaf of value into acc keyed by its path.
// Empty containers and nulls are kept so that clearing an attribute shows up.
func flattenAttributes(path string, value any, acc map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			if path != "" {
				acc[path] = "{}"
			}
			return nil
		}
		for key, item := range typed {
			next := key
			if path != "" {
				next = path + "." + key
			}
			if err := flattenAttributes(next, item, acc); err != nil {
				return err
			}
		}
	case []any:
		if len(typed) == 0 {
			if path != "" {
				acc[path] = "[]"
			}
			return nil
		}
		for idx, item := range typed {
			if err := flattenAttributes(fmt.Sprintf("%s[%d]", path, idx), item, acc); err != nil {
				return err
			}
		}
	case nil:
		if path != "" {
			acc[path] = "null"
		}
	default:
		if path == "" {
			return fmt.Errorf("attribute key missing for value %v", typed)
		}
		encoded, err := json.Marshal(typed)
		if err != nil {
			acc[path] = fmt.Sprintf("%v", typed)
			return nil
		}
		acc[path] = string(encoded)
	}
	return nil
}

// renderUnifiedDiff writes the whole snapshot as a single hunk; snapshots
// are a handful of lines, so context trimming is not worth it.
func renderUnifiedDiff(baseLabel, targetLabel string, before, after []string) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "--- %s\n+++ %s\n", baseLabel, targetLabel)
	fmt.Fprintf(&builder, "@@ -%s +%s @@\n", hunkRange(len(before)), hunkRange(len(after)))
	for _, edit := range editScript(before, after) {
		builder.WriteByte(edit.op)
		builder.WriteString(edit.line)
		builder.WriteByte('\n')
	}
	return builder.String()
}

func hunkRange(n int) string {
	if n == 0 {
		return "0,0"
	}
	return fmt.Sprintf("1,%d", n)
}

type lineEdit struct {
	op   byte // ' ', '-' or '+'
	line string
}

// editScript returns the shortest line edit turning before into after,
// found through the longest common subsequence.
func editScript(before, after []string) []lineEdit {
	// common[i][j] is the LCS length of before[i:] and after[j:].
	common := make([][]int, len(before)+1)
	for i := range common {
		common[i] = make([]int, len(after)+1)
	}
	for i := len(before) - 1; i >= 0; i-- {
		for j := len(after) - 1; j >= 0; j-- {
			if before[i] == after[j] {
				common[i][j] = common[i+1][j+1] + 1
			} else {
				common[i][j] = max(common[i+1][j], common[i][j+1])
			}
		}
	}

	edits := make([]lineEdit, 0, len(before)+len(after))
	i, j := 0, 0
	for i < len(before) || j < len(after) {
		switch {
		case i < len(before) && j < len(after) && before[i] == after[j]:
			edits = append(edits, lineEdit{op: ' ', line: before[i]})
			i++
			j++
		case j == len(after) || (i < len(before) && common[i+1][j] >= common[i][j+1]):
			edits = append(edits, lineEdit{op: '-', line: before[i]})
			i++
		default:
			edits = append(edits, lineEdit{op: '+', line: after[j]})
			j++
		}
	}
	return edits
}
