package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
	"github.com/rpattn/traceforge/internal/store"
)

// memoryRepository keeps every version in process memory. It backs the
// authority when no database is configured and in tests.
type memoryRepository struct {
	mu       sync.RWMutex
	versions map[uuid.UUID]*store.Stores
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() CommitRepository {
	return &memoryRepository{versions: map[uuid.UUID]*store.Stores{}}
}

func (r *memoryRepository) version(versionID uuid.UUID) *store.Stores {
	r.mu.RLock()
	stores, ok := r.versions[versionID]
	r.mu.RUnlock()
	if ok {
		return stores
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if stores, ok := r.versions[versionID]; ok {
		return stores
	}
	stores = store.NewStores()
	r.versions[versionID] = stores
	return stores
}

func (r *memoryRepository) ListArtifacts(ctx context.Context, versionID uuid.UUID) ([]domain.Artifact, error) {
	return r.version(versionID).Artifacts.All(), nil
}

func (r *memoryRepository) GetArtifactsByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Artifact, 0, len(ids))
	for _, id := range ids {
		for _, stores := range r.versions {
			if artifact, ok := stores.Artifacts.GetByID(id); ok {
				out = append(out, artifact)
				break
			}
		}
	}
	return out, nil
}

func (r *memoryRepository) ArtifactNames(ctx context.Context, versionID uuid.UUID) (map[string]uuid.UUID, error) {
	artifacts := r.version(versionID).Artifacts.All()
	names := make(map[string]uuid.UUID, len(artifacts))
	for _, artifact := range artifacts {
		names[artifact.Name] = artifact.ID
	}
	return names, nil
}

func (r *memoryRepository) ListTraces(ctx context.Context, versionID uuid.UUID) ([]domain.TraceLink, error) {
	return r.version(versionID).Traces.All(), nil
}

func (r *memoryRepository) ListGeneratedTraces(ctx context.Context, versionID uuid.UUID) ([]domain.TraceLink, error) {
	var out []domain.TraceLink
	for _, trace := range r.version(versionID).Traces.All() {
		if trace.Kind == domain.TraceKindGenerated {
			out = append(out, trace)
		}
	}
	return out, nil
}

func (r *memoryRepository) GetTracesByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.TraceLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TraceLink, 0, len(ids))
	for _, id := range ids {
		for _, stores := range r.versions {
			if trace, ok := stores.Traces.GetByID(id); ok {
				out = append(out, trace)
				break
			}
		}
	}
	return out, nil
}

func (r *memoryRepository) ListTracesByArtifacts(ctx context.Context, versionID uuid.UUID, artifactIDs []uuid.UUID) ([]domain.TraceLink, error) {
	wanted := make(map[uuid.UUID]struct{}, len(artifactIDs))
	for _, id := range artifactIDs {
		wanted[id] = struct{}{}
	}
	var out []domain.TraceLink
	for _, trace := range r.version(versionID).Traces.All() {
		_, source := wanted[trace.SourceID]
		_, target := wanted[trace.TargetID]
		if source || target {
			out = append(out, trace)
		}
	}
	return out, nil
}

func (r *memoryRepository) ApplyCommit(ctx context.Context, versionID uuid.UUID, c domain.Commit) (domain.CommitResult, error) {
	stores := r.version(versionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	result := domain.CommitResult{CommitID: c.ID}
	for _, artifact := range c.Artifacts.Modified {
		if _, ok := stores.Artifacts.GetByID(artifact.ID); !ok {
			return domain.CommitResult{}, domain.NewCommitError(domain.ErrorKindStaleTarget,
				fmt.Sprintf("artifact %s no longer exists", artifact.ID))
		}
	}
	for _, trace := range c.Traces.Modified {
		if _, ok := stores.Traces.GetByID(trace.ID); !ok {
			return domain.CommitResult{}, domain.NewCommitError(domain.ErrorKindStaleTarget,
				fmt.Sprintf("trace link %s no longer exists", trace.ID))
		}
	}

	for _, artifact := range c.Artifacts.Added {
		artifact.VersionID = versionID
		artifact.Revision = 1
		stores.Artifacts.AddOrUpdate(artifact)
		result.Artifacts.Added = append(result.Artifacts.Added, artifact.Clone())
	}
	for _, artifact := range c.Artifacts.Modified {
		current, _ := stores.Artifacts.GetByID(artifact.ID)
		artifact.VersionID = versionID
		artifact.Revision = current.Revision + 1
		stores.Artifacts.AddOrUpdate(artifact)
		result.Artifacts.Modified = append(result.Artifacts.Modified, artifact.Clone())
	}
	for _, trace := range c.Traces.Added {
		trace.VersionID = versionID
		trace.Revision = 1
		stores.Traces.AddOrUpdate(trace)
		result.Traces.Added = append(result.Traces.Added, trace)
	}
	for _, trace := range c.Traces.Modified {
		current, _ := stores.Traces.GetByID(trace.ID)
		trace.VersionID = versionID
		trace.Revision = current.Revision + 1
		stores.Traces.AddOrUpdate(trace)
		result.Traces.Modified = append(result.Traces.Modified, trace)
	}
	for _, trace := range c.Traces.Removed {
		stores.Traces.Delete(trace.ID)
	}
	for _, artifact := range c.Artifacts.Removed {
		stores.Artifacts.Delete(artifact.ID)
	}

	return result, nil
}
