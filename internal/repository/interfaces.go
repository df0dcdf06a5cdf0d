package repository

import (
	"context"

	"github.com/rpattn/traceforge/internal/domain"

	"github.com/google/uuid"
)

// ArtifactRepository defines read operations on persisted artifacts
type ArtifactRepository interface {
	ListArtifacts(ctx context.Context, versionID uuid.UUID) ([]domain.Artifact, error)
	GetArtifactsByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Artifact, error)
	// ArtifactNames maps every artifact name of the version to its id.
	ArtifactNames(ctx context.Context, versionID uuid.UUID) (map[string]uuid.UUID, error)
}

// TraceRepository defines read operations on persisted trace links
type TraceRepository interface {
	ListTraces(ctx context.Context, versionID uuid.UUID) ([]domain.TraceLink, error)
	ListGeneratedTraces(ctx context.Context, versionID uuid.UUID) ([]domain.TraceLink, error)
	GetTracesByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.TraceLink, error)
	ListTracesByArtifacts(ctx context.Context, versionID uuid.UUID, artifactIDs []uuid.UUID) ([]domain.TraceLink, error)
}

// CommitRepository persists validated commits atomically.
type CommitRepository interface {
	ArtifactRepository
	TraceRepository

	// ApplyCommit writes an already validated commit in one transaction and
	// returns the stored added and modified entities with their new revisions.
	// Added entities keep their ids so that undo of a removal restores them.
	ApplyCommit(ctx context.Context, versionID uuid.UUID, c domain.Commit) (domain.CommitResult, error)
}
