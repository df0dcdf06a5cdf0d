package domain

import (
	"fmt"

	"github.com/google/uuid"
)

type TraceKind string

const (
	TraceKindManual    TraceKind = "MANUAL"
	TraceKindGenerated TraceKind = "GENERATED"
)

type ApprovalStatus string

const (
	ApprovalApproved   ApprovalStatus = "APPROVED"
	ApprovalDeclined   ApprovalStatus = "DECLINED"
	ApprovalUnreviewed ApprovalStatus = "UNREVIEWED"
)

// TraceLink is a directed edge between two artifacts of the same version.
type TraceLink struct {
	ID         uuid.UUID      `json:"id"`
	VersionID  uuid.UUID      `json:"versionId"`
	SourceID   uuid.UUID      `json:"sourceId"`
	TargetID   uuid.UUID      `json:"targetId"`
	SourceType string         `json:"sourceType"`
	TargetType string         `json:"targetType"`
	Kind       TraceKind      `json:"kind"`
	Approval   ApprovalStatus `json:"approval"`
	Score      float64        `json:"score,omitempty"`
	Revision   int64          `json:"revision"`
}

// NewTraceLink creates a manual, approved link between two artifacts.
func NewTraceLink(source, target Artifact) TraceLink {
	return TraceLink{
		ID:         uuid.New(),
		VersionID:  source.VersionID,
		SourceID:   source.ID,
		TargetID:   target.ID,
		SourceType: source.Type,
		TargetType: target.Type,
		Kind:       TraceKindManual,
		Approval:   ApprovalApproved,
	}
}

// EntityID implements VersionedEntity.
func (t TraceLink) EntityID() uuid.UUID {
	return t.ID
}

// WithApproval returns a copy carrying the given review status
func (t TraceLink) WithApproval(status ApprovalStatus) TraceLink {
	t.Approval = status
	return t
}

// Clone returns a copy; TraceLink holds no reference fields.
func (t TraceLink) Clone() TraceLink {
	return t
}

// Snapshot converts the link into the diffable representation.
func (t TraceLink) Snapshot() EntitySnapshot {
	return EntitySnapshot{
		ID:         t.ID,
		EntityType: fmt.Sprintf("%s->%s", t.SourceType, t.TargetType),
		Properties: map[string]any{
			"source":   t.SourceID.String(),
			"target":   t.TargetID.String(),
			"kind":     string(t.Kind),
			"approval": string(t.Approval),
			"score":    t.Score,
		},
		Revision: t.Revision,
	}
}

// ParseApprovalStatus normalises a status string, defaulting to UNREVIEWED.
func ParseApprovalStatus(raw string) ApprovalStatus {
	switch ApprovalStatus(raw) {
	case ApprovalApproved, ApprovalDeclined:
		return ApprovalStatus(raw)
	default:
		return ApprovalUnreviewed
	}
}
