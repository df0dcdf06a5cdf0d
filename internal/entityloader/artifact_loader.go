package entityloader

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/traceforge/internal/domain"
	"github.com/rpattn/traceforge/internal/repository"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"
)

// ArtifactLoader batches artifact lookups issued while one commit is validated.
type ArtifactLoader struct {
	Loader *dataloader.Loader
}

func NewArtifactLoader(repo repository.ArtifactRepository) *ArtifactLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		// Convert keys to []uuid.UUID
		ids := make([]uuid.UUID, len(keys))
		for i, k := range keys {
			id, err := uuid.Parse(k.String())
			if err != nil {
				results := make([]*dataloader.Result, len(keys))
				for j := range results {
					results[j] = &dataloader.Result{Error: fmt.Errorf("invalid UUID: %w", err)}
				}
				return results
			}
			ids[i] = id
		}

		artifacts, err := repo.GetArtifactsByIDs(ctx, ids)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		// Map UUID -> artifact for ordering
		artifactMap := make(map[uuid.UUID]domain.Artifact, len(artifacts))
		for _, a := range artifacts {
			artifactMap[a.ID] = a
		}

		// Build results in the same order as keys
		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			if a, ok := artifactMap[id]; ok {
				results[i] = &dataloader.Result{Data: a}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}

		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn,
		dataloader.WithWait(2*time.Millisecond),
		dataloader.WithCache(&dataloader.NoCache{}),
	)

	return &ArtifactLoader{Loader: loader}
}

// Load resolves ids in one batch. Unknown ids are absent from the result.
func (l *ArtifactLoader) Load(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.Artifact, error) {
	found := make(map[uuid.UUID]domain.Artifact, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	keys := make(dataloader.Keys, len(ids))
	for i, id := range ids {
		keys[i] = dataloader.StringKey(id.String())
	}

	values, errs := l.Loader.LoadMany(ctx, keys)()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	for _, value := range values {
		if artifact, ok := value.(domain.Artifact); ok {
			found[artifact.ID] = artifact
		}
	}
	return found, nil
}
