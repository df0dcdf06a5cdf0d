// Package store holds the canonical in-memory artifact and trace link
// collections of the active project version.
package store

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
)

// Store is an insertion-ordered collection of one entity kind.
//
// Every write records its origin: local writes come from the commit gateway,
// peer writes from commits other clients applied to the same version.
type Store[T domain.VersionedEntity] struct {
	mu      sync.RWMutex
	order   []uuid.UUID
	items   map[uuid.UUID]T
	peer    map[uuid.UUID]struct{}
	cloneFn func(T) T
}

// New creates an empty store. clone must deep-copy an entity.
func New[T domain.VersionedEntity](clone func(T) T) *Store[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &Store[T]{
		items:   map[uuid.UUID]T{},
		peer:    map[uuid.UUID]struct{}{},
		cloneFn: clone,
	}
}

// GetByID returns a copy of the entity.
func (s *Store[T]) GetByID(id uuid.UUID) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		var zero T
		return zero, false
	}
	return s.cloneFn(item), true
}

// AddOrUpdate upserts entities as local writes.
func (s *Store[T]) AddOrUpdate(entities ...T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entity := range entities {
		s.upsertLocked(entity)
		delete(s.peer, entity.EntityID())
	}
}

// Delete removes entities by id as local writes. Unknown ids are ignored.
func (s *Store[T]) Delete(ids ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.deleteLocked(id)
		delete(s.peer, id)
	}
}

// ApplyPeer upserts and deletes entities on behalf of another client.
func (s *Store[T]) ApplyPeer(upserted []T, removed []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entity := range upserted {
		s.upsertLocked(entity)
		s.peer[entity.EntityID()] = struct{}{}
	}
	for _, id := range removed {
		s.deleteLocked(id)
		s.peer[id] = struct{}{}
	}
}

// PeerTouched reports whether the last write to id came from another client.
func (s *Store[T]) PeerTouched(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peer[id]
	return ok
}

// Replace swaps the whole collection, e.g. after loading a version.
func (s *Store[T]) Replace(entities []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = s.order[:0]
	s.items = make(map[uuid.UUID]T, len(entities))
	s.peer = map[uuid.UUID]struct{}{}
	for _, entity := range entities {
		s.upsertLocked(entity)
	}
}

// All returns copies of every entity in insertion order.
func (s *Store[T]) All() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.cloneFn(s.items[id]))
	}
	return out
}

// Len returns the number of entities.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store[T]) upsertLocked(entity T) {
	id := entity.EntityID()
	if _, exists := s.items[id]; !exists {
		s.order = append(s.order, id)
	}
	s.items[id] = s.cloneFn(entity)
}

func (s *Store[T]) deleteLocked(id uuid.UUID) {
	if _, exists := s.items[id]; !exists {
		return
	}
	delete(s.items, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
