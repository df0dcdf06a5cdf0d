package commit

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
)

// ComputeRevert returns the inverse of c: added and removed swap, and every
// modified entity is replaced by its pre-commit snapshot. The revert's own
// snapshots are the values c wrote, so reverting the revert yields c again.
func ComputeRevert(c domain.Commit) (domain.Commit, error) {
	artifacts, err := invert(c.Artifacts)
	if err != nil {
		return domain.Commit{}, fmt.Errorf("failed to invert artifacts: %w", err)
	}
	traces, err := invert(c.Traces)
	if err != nil {
		return domain.Commit{}, fmt.Errorf("failed to invert traces: %w", err)
	}

	revert := domain.NewCommit(c.CommitVersion)
	revert.Artifacts = artifacts
	revert.Traces = traces
	return revert, nil
}

func invert[T domain.VersionedEntity](c domain.EntityCommit[T]) (domain.EntityCommit[T], error) {
	out := domain.EntityCommit[T]{
		Added:   append([]T(nil), c.Removed...),
		Removed: append([]T(nil), c.Added...),
	}
	if len(c.Modified) == 0 {
		return out, nil
	}

	out.Modified = make([]T, 0, len(c.Modified))
	out.Previous = make(map[uuid.UUID]T, len(c.Modified))
	for _, modified := range c.Modified {
		id := modified.EntityID()
		previous, ok := c.Previous[id]
		if !ok {
			return domain.EntityCommit[T]{}, fmt.Errorf("%w: %s", domain.ErrMissingSnapshot, id)
		}
		out.Modified = append(out.Modified, previous)
		out.Previous[id] = modified
	}
	return out, nil
}

// NewEntry pairs c with its inverse.
func NewEntry(c domain.Commit) (domain.CommitHistoryEntry, error) {
	revert, err := ComputeRevert(c)
	if err != nil {
		return domain.CommitHistoryEntry{}, err
	}
	return domain.CommitHistoryEntry{Commit: c, Revert: revert}, nil
}

// History owns the undo and redo stacks of one version session. Its methods
// are pure stack operations; the gateway decides when to call them.
type History struct {
	mu     sync.RWMutex
	undo   []domain.CommitHistoryEntry
	redo   []domain.CommitHistoryEntry
	limit  int
	closed bool
}

// NewHistory creates an empty history. limit caps the undo stack; 0 means unbounded.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Push records an accepted commit and invalidates any undone future.
func (h *History) Push(entry domain.CommitHistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.ErrHistoryClosed
	}
	h.undo = append(h.undo, entry)
	h.redo = nil
	if h.limit > 0 && len(h.undo) > h.limit {
		h.undo = append([]domain.CommitHistoryEntry(nil), h.undo[len(h.undo)-h.limit:]...)
	}
	return nil
}

// PeekUndo returns the entry the next undo would revert.
func (h *History) PeekUndo() (domain.CommitHistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.undo) == 0 {
		return domain.CommitHistoryEntry{}, false
	}
	return h.undo[len(h.undo)-1], true
}

// PeekRedo returns the entry the next redo would re-apply.
func (h *History) PeekRedo() (domain.CommitHistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.redo) == 0 {
		return domain.CommitHistoryEntry{}, false
	}
	return h.redo[len(h.redo)-1], true
}

// PopForUndo moves the top undo entry onto the redo stack and returns it.
func (h *History) PopForUndo() (domain.CommitHistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.CommitHistoryEntry{}, domain.ErrHistoryClosed
	}
	if len(h.undo) == 0 {
		return domain.CommitHistoryEntry{}, domain.ErrNothingToUndo
	}
	entry := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, entry)
	return entry, nil
}

// PopForRedo moves the top redo entry back onto the undo stack and returns it.
func (h *History) PopForRedo() (domain.CommitHistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.CommitHistoryEntry{}, domain.ErrHistoryClosed
	}
	if len(h.redo) == 0 {
		return domain.CommitHistoryEntry{}, domain.ErrNothingToRedo
	}
	entry := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = append(h.undo, entry)
	return entry, nil
}

func (h *History) CanUndo() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.undo) > 0
}

func (h *History) CanRedo() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.redo) > 0
}

// Depth returns the sizes of the undo and redo stacks.
func (h *History) Depth() (undo int, redo int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.undo), len(h.redo)
}

// Reset clears both stacks and closes the history. Any round-trip still in
// flight against it will have its result discarded.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undo = nil
	h.redo = nil
	h.closed = true
}

// Closed reports whether Reset has been called.
func (h *History) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}
