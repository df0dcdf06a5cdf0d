package domain

import (
	"github.com/google/uuid"
)

// VersionedEntity is anything the commit engine can add, modify or remove.
type VersionedEntity interface {
	EntityID() uuid.UUID
}

// Artifact is a node of the traceability graph within one project version.
type Artifact struct {
	ID         uuid.UUID      `json:"id"`
	VersionID  uuid.UUID      `json:"versionId"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Summary    string         `json:"summary,omitempty"`
	Body       string         `json:"body,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Revision   int64          `json:"revision"`
}

// NewArtifact creates an artifact with a client-side provisional id.
func NewArtifact(versionID uuid.UUID, name, artifactType string, attributes map[string]any) Artifact {
	return Artifact{
		ID:         uuid.New(),
		VersionID:  versionID,
		Name:       name,
		Type:       artifactType,
		Attributes: copyAttributes(attributes),
	}
}

// EntityID implements VersionedEntity.
func (a Artifact) EntityID() uuid.UUID {
	return a.ID
}

// WithName returns a copy with an updated name
func (a Artifact) WithName(name string) Artifact {
	out := a.Clone()
	out.Name = name
	return out
}

// WithBody returns a copy with an updated body
func (a Artifact) WithBody(body string) Artifact {
	out := a.Clone()
	out.Body = body
	return out
}

// WithAttribute returns a copy with an added/updated attribute
func (a Artifact) WithAttribute(key string, value any) Artifact {
	out := a.Clone()
	if out.Attributes == nil {
		out.Attributes = map[string]any{}
	}
	out.Attributes[key] = value
	return out
}

// Clone deep-copies the attribute map so snapshots never alias live values.
func (a Artifact) Clone() Artifact {
	out := a
	if a.Attributes != nil {
		out.Attributes = copyAttributes(a.Attributes)
	}
	return out
}

// Snapshot converts the artifact into the diffable representation.
func (a Artifact) Snapshot() EntitySnapshot {
	props := copyAttributes(a.Attributes)
	props["name"] = a.Name
	if a.Summary != "" {
		props["summary"] = a.Summary
	}
	if a.Body != "" {
		props["body"] = a.Body
	}
	return EntitySnapshot{
		ID:         a.ID,
		EntityType: a.Type,
		Properties: props,
		Revision:   a.Revision,
	}
}

func copyAttributes(attributes map[string]any) map[string]any {
	out := make(map[string]any, len(attributes))
	for k, v := range attributes {
		switch typed := v.(type) {
		case map[string]any:
			out[k] = copyAttributes(typed)
		case []any:
			items := make([]any, len(typed))
			copy(items, typed)
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
