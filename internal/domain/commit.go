package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// EntityCommit groups the entities a commit adds, removes and modifies.
//
// Previous holds the pre-commit snapshot of every entity in Modified. It is
// captured when the commit is built and never sent to the authority.
type EntityCommit[T VersionedEntity] struct {
	Added    []T             `json:"added"`
	Removed  []T             `json:"removed"`
	Modified []T             `json:"modified"`
	Previous map[uuid.UUID]T `json:"-"`
}

// IsEmpty reports whether the commit touches no entity.
func (c EntityCommit[T]) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// IDs returns every id touched by the commit.
func (c EntityCommit[T]) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Added)+len(c.Removed)+len(c.Modified))
	for _, group := range [][]T{c.Added, c.Removed, c.Modified} {
		for _, entity := range group {
			ids = append(ids, entity.EntityID())
		}
	}
	return ids
}

// Validate enforces that an id appears in at most one of the three sets and
// that every modified entity carries its pre-commit snapshot.
func (c EntityCommit[T]) Validate() error {
	seen := make(map[uuid.UUID]string, len(c.Added)+len(c.Removed)+len(c.Modified))
	check := func(set string, entities []T) error {
		for _, entity := range entities {
			id := entity.EntityID()
			if prior, ok := seen[id]; ok {
				return fmt.Errorf("%w: %s appears in %s and %s", ErrNotDisjoint, id, prior, set)
			}
			seen[id] = set
		}
		return nil
	}
	if err := check("added", c.Added); err != nil {
		return err
	}
	if err := check("removed", c.Removed); err != nil {
		return err
	}
	if err := check("modified", c.Modified); err != nil {
		return err
	}
	for _, entity := range c.Modified {
		if _, ok := c.Previous[entity.EntityID()]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingSnapshot, entity.EntityID())
		}
	}
	return nil
}

// Clone copies the slices and the snapshot map.
func (c EntityCommit[T]) Clone() EntityCommit[T] {
	out := EntityCommit[T]{
		Added:    append([]T(nil), c.Added...),
		Removed:  append([]T(nil), c.Removed...),
		Modified: append([]T(nil), c.Modified...),
	}
	if c.Previous != nil {
		out.Previous = make(map[uuid.UUID]T, len(c.Previous))
		for id, entity := range c.Previous {
			out.Previous[id] = entity
		}
	}
	return out
}

// Commit is one atomic transaction against one project version.
type Commit struct {
	ID            uuid.UUID               `json:"id"`
	CommitVersion uuid.UUID               `json:"commitVersion"`
	Artifacts     EntityCommit[Artifact]  `json:"artifacts"`
	Traces        EntityCommit[TraceLink] `json:"traces"`
	FailOnError   bool                    `json:"failOnError"`
}

// NewCommit returns an empty all-or-nothing commit bound to a version.
func NewCommit(versionID uuid.UUID) Commit {
	return Commit{
		ID:            uuid.New(),
		CommitVersion: versionID,
		FailOnError:   true,
	}
}

// IsEmpty reports whether neither artifacts nor traces are touched.
func (c Commit) IsEmpty() bool {
	return c.Artifacts.IsEmpty() && c.Traces.IsEmpty()
}

// Validate checks the version binding and both entity groups.
func (c Commit) Validate() error {
	if c.CommitVersion == uuid.Nil {
		return &NoActiveVersionError{}
	}
	if err := c.Artifacts.Validate(); err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}
	if err := c.Traces.Validate(); err != nil {
		return fmt.Errorf("traces: %w", err)
	}
	return nil
}

// Clone returns a commit that shares no slices or maps with c.
func (c Commit) Clone() Commit {
	out := c
	out.Artifacts = c.Artifacts.Clone()
	out.Traces = c.Traces.Clone()
	return out
}

// TouchesTraceModifications reports whether any trace link was modified.
func (c Commit) TouchesTraceModifications() bool {
	return len(c.Traces.Modified) > 0
}

// CommitHistoryEntry pairs an accepted commit with its precomputed inverse.
type CommitHistoryEntry struct {
	Commit Commit
	Revert Commit
}

// EntityError is a per-entity failure reported by the authority.
type EntityError struct {
	EntityID uuid.UUID `json:"entityId"`
	Message  string    `json:"message"`
}

// ResolvedEntities is the authority's view of what it added and modified.
type ResolvedEntities[T VersionedEntity] struct {
	Added    []T `json:"added"`
	Modified []T `json:"modified"`
}

// CommitResult is the authority's response to a commit. Removed entities are
// never echoed back.
type CommitResult struct {
	CommitID  uuid.UUID                   `json:"commitId"`
	Artifacts ResolvedEntities[Artifact]  `json:"artifacts"`
	Traces    ResolvedEntities[TraceLink] `json:"traces"`
	Errors    []EntityError               `json:"errors,omitempty"`
}

// Failed reports whether the authority rejected the given entity.
func (r CommitResult) Failed(id uuid.UUID) bool {
	for _, e := range r.Errors {
		if e.EntityID == id {
			return true
		}
	}
	return false
}

// PeerCommit is a commit applied by the authority and broadcast to every
// subscriber of the version.
type PeerCommit struct {
	OriginCommit uuid.UUID               `json:"originCommit"`
	VersionID    uuid.UUID               `json:"versionId"`
	Artifacts    PeerEntities[Artifact]  `json:"artifacts"`
	Traces       PeerEntities[TraceLink] `json:"traces"`
}

// PeerEntities carries upserts and deletions of one entity kind.
type PeerEntities[T VersionedEntity] struct {
	Upserted []T         `json:"upserted"`
	Removed  []uuid.UUID `json:"removed"`
}
