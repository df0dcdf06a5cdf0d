package store

import (
	"testing"

	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
)

func TestStoreKeepsInsertionOrderAndCopies(t *testing.T) {
	versionID := uuid.New()
	s := New(domain.Artifact.Clone)

	a := domain.NewArtifact(versionID, "A", "requirement", map[string]any{"k": "v"})
	b := domain.NewArtifact(versionID, "B", "design", nil)
	s.AddOrUpdate(a, b)
	s.AddOrUpdate(a.WithName("A2"))

	all := s.All()
	if len(all) != 2 || all[0].Name != "A2" || all[1].Name != "B" {
		t.Fatalf("unexpected order or content: %+v", all)
	}

	got, _ := s.GetByID(a.ID)
	got.Attributes["k"] = "mutated"
	again, _ := s.GetByID(a.ID)
	if again.Attributes["k"] != "v" {
		t.Fatalf("store must hand out copies, got %v", again.Attributes["k"])
	}

	s.Delete(a.ID, uuid.New())
	if s.Len() != 1 {
		t.Fatalf("expected one artifact after delete, got %d", s.Len())
	}
	if _, ok := s.GetByID(a.ID); ok {
		t.Fatalf("deleted artifact still present")
	}
}

func TestStorePeerTracking(t *testing.T) {
	versionID := uuid.New()
	s := New(domain.Artifact.Clone)
	a := domain.NewArtifact(versionID, "A", "requirement", nil)
	b := domain.NewArtifact(versionID, "B", "design", nil)
	s.AddOrUpdate(a, b)

	s.ApplyPeer([]domain.Artifact{a.WithName("peer")}, []uuid.UUID{b.ID})
	if !s.PeerTouched(a.ID) || !s.PeerTouched(b.ID) {
		t.Fatalf("peer writes must be tracked")
	}
	if _, ok := s.GetByID(b.ID); ok {
		t.Fatalf("peer removal must delete the entity")
	}

	s.AddOrUpdate(a.WithName("local"))
	if s.PeerTouched(a.ID) {
		t.Fatalf("a local write must clear the peer mark")
	}

	s.Replace([]domain.Artifact{b})
	if s.PeerTouched(b.ID) || s.Len() != 1 {
		t.Fatalf("replace must reset contents and peer marks")
	}
}

func TestStoresApplyCommit(t *testing.T) {
	versionID := uuid.New()
	stores := NewStores()
	a := domain.NewArtifact(versionID, "A", "requirement", nil)
	b := domain.NewArtifact(versionID, "B", "design", nil)
	link := domain.NewTraceLink(a, b)
	stores.Artifacts.AddOrUpdate(a)

	c := domain.NewCommit(versionID)
	c.Artifacts.Added = []domain.Artifact{b}
	c.Artifacts.Modified = []domain.Artifact{a.WithName("A2")}
	c.Artifacts.Previous = map[uuid.UUID]domain.Artifact{a.ID: a}
	c.Traces.Added = []domain.TraceLink{link}
	stores.Apply(c)

	if got, _ := stores.Artifact(a.ID); got.Name != "A2" {
		t.Fatalf("expected modified artifact, got %q", got.Name)
	}
	if _, ok := stores.Trace(link.ID); !ok {
		t.Fatalf("expected trace link to be added")
	}

	revert := domain.NewCommit(versionID)
	revert.Traces.Removed = []domain.TraceLink{link}
	revert.Artifacts.Removed = []domain.Artifact{b}
	stores.Apply(revert)
	if stores.Traces.Len() != 0 || stores.Artifacts.Len() != 1 {
		t.Fatalf("expected removals applied, got %d traces and %d artifacts", stores.Traces.Len(), stores.Artifacts.Len())
	}

	stores.ApplyPeer(domain.PeerCommit{
		VersionID: versionID,
		Artifacts: domain.PeerEntities[domain.Artifact]{Removed: []uuid.UUID{a.ID}},
	})
	if stores.Artifacts.Len() != 0 || !stores.Artifacts.PeerTouched(a.ID) {
		t.Fatalf("expected peer removal to be applied and tracked")
	}
}
