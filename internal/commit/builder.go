// Package commit implements the local transaction log: building commits,
// computing their inverses, the undo/redo stacks and the gateway that
// round-trips every transition through the remote authority.
package commit

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
)

// Baseline resolves the committed state a builder edits against.
type Baseline interface {
	Artifact(id uuid.UUID) (domain.Artifact, bool)
	Trace(id uuid.UUID) (domain.TraceLink, bool)
}

type intentKind int

const (
	intentAdd intentKind = iota
	intentModify
	intentRemove
)

type intent[T domain.VersionedEntity] struct {
	kind     intentKind
	entity   T
	previous T
}

// intents coalesces edits of one entity kind to their net effect per id.
type intents[T domain.VersionedEntity] struct {
	order  []uuid.UUID
	byID   map[uuid.UUID]*intent[T]
	lookup func(uuid.UUID) (T, bool)
}

func newIntents[T domain.VersionedEntity](lookup func(uuid.UUID) (T, bool)) *intents[T] {
	return &intents[T]{byID: map[uuid.UUID]*intent[T]{}, lookup: lookup}
}

func (in *intents[T]) add(entity T) error {
	id := entity.EntityID()
	current, ok := in.byID[id]
	if !ok {
		if _, exists := in.lookup(id); exists {
			return fmt.Errorf("%w: %s", domain.ErrEntityExists, id)
		}
		in.record(id, &intent[T]{kind: intentAdd, entity: entity})
		return nil
	}

	switch current.kind {
	case intentRemove:
		// Re-adding something removed earlier in the same build is a modification.
		current.kind = intentModify
		current.entity = entity
		return nil
	default:
		return fmt.Errorf("%w: %s", domain.ErrEntityExists, id)
	}
}

func (in *intents[T]) modify(entity T) error {
	id := entity.EntityID()
	current, ok := in.byID[id]
	if !ok {
		previous, exists := in.lookup(id)
		if !exists {
			return fmt.Errorf("%w: %s", domain.ErrUnknownEntity, id)
		}
		in.record(id, &intent[T]{kind: intentModify, entity: entity, previous: previous})
		return nil
	}

	if current.kind == intentRemove {
		return fmt.Errorf("%w: %s", domain.ErrEntityRemoved, id)
	}
	current.entity = entity
	return nil
}

func (in *intents[T]) remove(id uuid.UUID) error {
	current, ok := in.byID[id]
	if !ok {
		previous, exists := in.lookup(id)
		if !exists {
			return fmt.Errorf("%w: %s", domain.ErrUnknownEntity, id)
		}
		in.record(id, &intent[T]{kind: intentRemove, entity: previous, previous: previous})
		return nil
	}

	switch current.kind {
	case intentAdd:
		in.forget(id)
	case intentModify:
		current.kind = intentRemove
		current.entity = current.previous
	case intentRemove:
		return fmt.Errorf("%w: %s", domain.ErrEntityRemoved, id)
	}
	return nil
}

func (in *intents[T]) record(id uuid.UUID, next *intent[T]) {
	in.order = append(in.order, id)
	in.byID[id] = next
}

func (in *intents[T]) forget(id uuid.UUID) {
	delete(in.byID, id)
	for i, existing := range in.order {
		if existing == id {
			in.order = append(in.order[:i], in.order[i+1:]...)
			return
		}
	}
}

func (in *intents[T]) build() domain.EntityCommit[T] {
	var out domain.EntityCommit[T]
	for _, id := range in.order {
		current := in.byID[id]
		switch current.kind {
		case intentAdd:
			out.Added = append(out.Added, current.entity)
		case intentModify:
			out.Modified = append(out.Modified, current.entity)
			if out.Previous == nil {
				out.Previous = map[uuid.UUID]T{}
			}
			out.Previous[id] = current.previous
		case intentRemove:
			out.Removed = append(out.Removed, current.entity)
		}
	}
	return out
}

// Builder accumulates artifact and trace link edits for one project version.
// Edits to the same id coalesce to their net effect, and the pre-commit
// snapshot of every modified entity is captured from the baseline on first touch.
type Builder struct {
	versionID   uuid.UUID
	failOnError bool
	artifacts   *intents[domain.Artifact]
	traces      *intents[domain.TraceLink]
}

// NewBuilder creates a builder bound to versionID. A nil version is accepted
// here and rejected by Finalize.
func NewBuilder(versionID uuid.UUID, baseline Baseline) *Builder {
	return &Builder{
		versionID:   versionID,
		failOnError: true,
		artifacts:   newIntents(baseline.Artifact),
		traces:      newIntents(baseline.Trace),
	}
}

// SetFailOnError switches between all-or-nothing (default) and best-effort commits.
func (b *Builder) SetFailOnError(failOnError bool) *Builder {
	b.failOnError = failOnError
	return b
}

func (b *Builder) AddArtifact(artifact domain.Artifact) error {
	if artifact.VersionID == uuid.Nil {
		artifact.VersionID = b.versionID
	}
	return b.artifacts.add(artifact.Clone())
}

func (b *Builder) ModifyArtifact(artifact domain.Artifact) error {
	return b.artifacts.modify(artifact.Clone())
}

func (b *Builder) RemoveArtifact(id uuid.UUID) error {
	return b.artifacts.remove(id)
}

func (b *Builder) AddTrace(trace domain.TraceLink) error {
	if trace.VersionID == uuid.Nil {
		trace.VersionID = b.versionID
	}
	return b.traces.add(trace)
}

func (b *Builder) ModifyTrace(trace domain.TraceLink) error {
	return b.traces.modify(trace)
}

func (b *Builder) RemoveTrace(id uuid.UUID) error {
	return b.traces.remove(id)
}

// Finalize produces the immutable commit.
func (b *Builder) Finalize() (domain.Commit, error) {
	if b.versionID == uuid.Nil {
		return domain.Commit{}, &domain.NoActiveVersionError{}
	}
	return FromParts(b.versionID, b.artifacts.build(), b.traces.build(), b.failOnError)
}

// FromParts finalizes pre-assembled entity commits, enforcing disjointness
// and the presence of a snapshot for every modified entity.
func FromParts(
	versionID uuid.UUID,
	artifacts domain.EntityCommit[domain.Artifact],
	traces domain.EntityCommit[domain.TraceLink],
	failOnError bool,
) (domain.Commit, error) {
	c := domain.NewCommit(versionID)
	c.Artifacts = artifacts.Clone()
	c.Traces = traces.Clone()
	c.FailOnError = failOnError
	if err := c.Validate(); err != nil {
		return domain.Commit{}, fmt.Errorf("failed to finalize commit: %w", err)
	}
	return c, nil
}
