package store

import (
	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
)

type (
	ArtifactStore = Store[domain.Artifact]
	TraceStore    = Store[domain.TraceLink]
)

// Stores bundles the artifact and trace link collections of one version.
type Stores struct {
	Artifacts *ArtifactStore
	Traces    *TraceStore
}

// NewStores creates empty artifact and trace stores.
func NewStores() *Stores {
	return &Stores{
		Artifacts: New(domain.Artifact.Clone),
		Traces:    New(domain.TraceLink.Clone),
	}
}

// Apply writes a reconciled commit: added and modified entities are upserted,
// removed entities deleted.
func (s *Stores) Apply(c domain.Commit) {
	s.Artifacts.AddOrUpdate(c.Artifacts.Added...)
	s.Artifacts.AddOrUpdate(c.Artifacts.Modified...)
	s.Artifacts.Delete(ids(c.Artifacts.Removed)...)

	s.Traces.AddOrUpdate(c.Traces.Added...)
	s.Traces.AddOrUpdate(c.Traces.Modified...)
	s.Traces.Delete(ids(c.Traces.Removed)...)
}

// ApplyPeer writes a commit another client made to the same version.
func (s *Stores) ApplyPeer(c domain.PeerCommit) {
	s.Artifacts.ApplyPeer(c.Artifacts.Upserted, c.Artifacts.Removed)
	s.Traces.ApplyPeer(c.Traces.Upserted, c.Traces.Removed)
}

// Artifact implements the commit builder baseline.
func (s *Stores) Artifact(id uuid.UUID) (domain.Artifact, bool) {
	return s.Artifacts.GetByID(id)
}

// Trace implements the commit builder baseline.
func (s *Stores) Trace(id uuid.UUID) (domain.TraceLink, bool) {
	return s.Traces.GetByID(id)
}

func ids[T domain.VersionedEntity](entities []T) []uuid.UUID {
	out := make([]uuid.UUID, len(entities))
	for i, entity := range entities {
		out[i] = entity.EntityID()
	}
	return out
}
