package commit

import (
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
	"github.com/rpattn/traceforge/internal/store"
)

func seededStores(t *testing.T, versionID uuid.UUID) (*store.Stores, domain.Artifact, domain.Artifact) {
	t.Helper()
	stores := store.NewStores()
	existing := domain.NewArtifact(versionID, "REQ-1", "requirement", map[string]any{"priority": "low"})
	other := domain.NewArtifact(versionID, "DES-1", "design", nil)
	stores.Artifacts.AddOrUpdate(existing, other)
	return stores, existing, other
}

func TestBuilderCoalescesEditsPerEntity(t *testing.T) {
	versionID := uuid.New()

	t.Run("add then modify collapses to add", func(t *testing.T) {
		stores, _, _ := seededStores(t, versionID)
		b := NewBuilder(versionID, stores)
		fresh := domain.NewArtifact(versionID, "draft", "requirement", nil)
		if err := b.AddArtifact(fresh); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := b.ModifyArtifact(fresh.WithName("final")); err != nil {
			t.Fatalf("modify: %v", err)
		}
		c, err := b.Finalize()
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if len(c.Artifacts.Added) != 1 || len(c.Artifacts.Modified) != 0 {
			t.Fatalf("expected a single add, got %+v", c.Artifacts)
		}
		if c.Artifacts.Added[0].Name != "final" {
			t.Fatalf("expected final fields, got %q", c.Artifacts.Added[0].Name)
		}
	})

	t.Run("add then remove cancels out", func(t *testing.T) {
		stores, _, _ := seededStores(t, versionID)
		b := NewBuilder(versionID, stores)
		fresh := domain.NewArtifact(versionID, "draft", "requirement", nil)
		if err := b.AddArtifact(fresh); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := b.RemoveArtifact(fresh.ID); err != nil {
			t.Fatalf("remove: %v", err)
		}
		c, err := b.Finalize()
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if !c.IsEmpty() {
			t.Fatalf("expected empty commit, got %+v", c.Artifacts)
		}
	})

	t.Run("modify twice keeps the first snapshot", func(t *testing.T) {
		stores, existing, _ := seededStores(t, versionID)
		b := NewBuilder(versionID, stores)
		if err := b.ModifyArtifact(existing.WithName("REQ-1a")); err != nil {
			t.Fatalf("modify: %v", err)
		}
		if err := b.ModifyArtifact(existing.WithName("REQ-1b")); err != nil {
			t.Fatalf("modify: %v", err)
		}
		c, err := b.Finalize()
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if len(c.Artifacts.Modified) != 1 || c.Artifacts.Modified[0].Name != "REQ-1b" {
			t.Fatalf("expected single modify with final name, got %+v", c.Artifacts.Modified)
		}
		if !reflect.DeepEqual(c.Artifacts.Previous[existing.ID], existing) {
			t.Fatalf("expected baseline snapshot, got %+v", c.Artifacts.Previous[existing.ID])
		}
	})

	t.Run("modify then remove becomes remove of baseline", func(t *testing.T) {
		stores, existing, _ := seededStores(t, versionID)
		b := NewBuilder(versionID, stores)
		if err := b.ModifyArtifact(existing.WithName("renamed")); err != nil {
			t.Fatalf("modify: %v", err)
		}
		if err := b.RemoveArtifact(existing.ID); err != nil {
			t.Fatalf("remove: %v", err)
		}
		c, err := b.Finalize()
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if len(c.Artifacts.Modified) != 0 || len(c.Artifacts.Removed) != 1 {
			t.Fatalf("expected a single remove, got %+v", c.Artifacts)
		}
		if c.Artifacts.Removed[0].Name != existing.Name {
			t.Fatalf("remove must carry the baseline entity, got %q", c.Artifacts.Removed[0].Name)
		}
	})

	t.Run("remove then add becomes modify", func(t *testing.T) {
		stores, existing, _ := seededStores(t, versionID)
		b := NewBuilder(versionID, stores)
		if err := b.RemoveArtifact(existing.ID); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if err := b.AddArtifact(existing.WithBody("rewritten")); err != nil {
			t.Fatalf("re-add: %v", err)
		}
		c, err := b.Finalize()
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if len(c.Artifacts.Modified) != 1 || len(c.Artifacts.Removed) != 0 || len(c.Artifacts.Added) != 0 {
			t.Fatalf("expected a single modify, got %+v", c.Artifacts)
		}
		if c.Artifacts.Previous[existing.ID].Body != existing.Body {
			t.Fatalf("expected baseline snapshot to be kept")
		}
	})
}

func TestBuilderRejectsImpossibleEdits(t *testing.T) {
	versionID := uuid.New()
	stores, existing, _ := seededStores(t, versionID)

	b := NewBuilder(versionID, stores)
	if err := b.ModifyArtifact(domain.NewArtifact(versionID, "ghost", "requirement", nil)); !errors.Is(err, domain.ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	if err := b.RemoveTrace(uuid.New()); !errors.Is(err, domain.ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity for trace, got %v", err)
	}
	if err := b.AddArtifact(existing); !errors.Is(err, domain.ErrEntityExists) {
		t.Fatalf("expected ErrEntityExists, got %v", err)
	}
	if err := b.RemoveArtifact(existing.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := b.ModifyArtifact(existing.WithName("late")); !errors.Is(err, domain.ErrEntityRemoved) {
		t.Fatalf("expected ErrEntityRemoved, got %v", err)
	}
	if err := b.RemoveArtifact(existing.ID); !errors.Is(err, domain.ErrEntityRemoved) {
		t.Fatalf("expected ErrEntityRemoved on double remove, got %v", err)
	}
}

func TestBuilderFinalizeWithoutVersion(t *testing.T) {
	b := NewBuilder(uuid.Nil, store.NewStores())
	if err := b.AddArtifact(domain.NewArtifact(uuid.Nil, "A", "requirement", nil)); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := b.Finalize()
	var noVersion *domain.NoActiveVersionError
	if !errors.As(err, &noVersion) {
		t.Fatalf("expected NoActiveVersionError, got %v", err)
	}
	if !errors.Is(err, domain.ErrNoActiveVersion) {
		t.Fatalf("expected ErrNoActiveVersion in chain")
	}
}

func TestBuilderSnapshotIndependentOfLaterStoreWrites(t *testing.T) {
	versionID := uuid.New()
	stores, existing, _ := seededStores(t, versionID)

	b := NewBuilder(versionID, stores)
	if err := b.ModifyArtifact(existing.WithAttribute("priority", "high")); err != nil {
		t.Fatalf("modify: %v", err)
	}
	// An optimistic UI write to the store must not leak into the snapshot.
	stores.Artifacts.AddOrUpdate(existing.WithAttribute("priority", "high"))

	c, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := c.Artifacts.Previous[existing.ID].Attributes["priority"]; got != "low" {
		t.Fatalf("expected snapshot priority low, got %v", got)
	}
}

func TestFromPartsEnforcesDisjointness(t *testing.T) {
	versionID := uuid.New()
	shared := domain.NewArtifact(versionID, "A", "requirement", nil)

	cases := []struct {
		name      string
		artifacts domain.EntityCommit[domain.Artifact]
		want      error
	}{
		{
			name:      "added and removed",
			artifacts: domain.EntityCommit[domain.Artifact]{Added: []domain.Artifact{shared}, Removed: []domain.Artifact{shared}},
			want:      domain.ErrNotDisjoint,
		},
		{
			name: "removed and modified",
			artifacts: domain.EntityCommit[domain.Artifact]{
				Removed:  []domain.Artifact{shared},
				Modified: []domain.Artifact{shared},
				Previous: map[uuid.UUID]domain.Artifact{shared.ID: shared},
			},
			want: domain.ErrNotDisjoint,
		},
		{
			name:      "modified without snapshot",
			artifacts: domain.EntityCommit[domain.Artifact]{Modified: []domain.Artifact{shared}},
			want:      domain.ErrMissingSnapshot,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromParts(versionID, tc.artifacts, domain.EntityCommit[domain.TraceLink]{}, true)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
