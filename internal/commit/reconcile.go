package commit

import (
	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
)

// Reconcile merges the authority's resolved view into the locally built commit.
// Added and modified entities come from the authority since they carry
// server-assigned ids and computed fields; removed entities come from the
// local commit because the authority does not echo deletions. Entities the
// authority rejected in a best-effort commit are left out, so the result
// describes exactly what was applied.
func Reconcile(local domain.Commit, result domain.CommitResult) domain.Commit {
	out := domain.NewCommit(local.CommitVersion)
	out.ID = local.ID
	out.FailOnError = local.FailOnError
	out.Artifacts = reconcileEntities(local.Artifacts, result.Artifacts, result.Failed)
	out.Traces = reconcileEntities(local.Traces, result.Traces, result.Failed)
	return out
}

func reconcileEntities[T domain.VersionedEntity](
	local domain.EntityCommit[T],
	resolved domain.ResolvedEntities[T],
	failed func(uuid.UUID) bool,
) domain.EntityCommit[T] {
	out := domain.EntityCommit[T]{
		Added:    append([]T(nil), resolved.Added...),
		Modified: append([]T(nil), resolved.Modified...),
	}
	for _, removed := range local.Removed {
		if failed(removed.EntityID()) {
			continue
		}
		out.Removed = append(out.Removed, removed)
	}
	for _, modified := range out.Modified {
		previous, ok := local.Previous[modified.EntityID()]
		if !ok {
			continue
		}
		if out.Previous == nil {
			out.Previous = map[uuid.UUID]T{}
		}
		out.Previous[modified.EntityID()] = previous
	}
	return out
}
