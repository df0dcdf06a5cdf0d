package middleware

import (
	"context"
	"net/http"

	"github.com/rpattn/traceforge/internal/entityloader"
	"github.com/rpattn/traceforge/internal/repository"
)

type ctxKey string

const artifactLoaderKey ctxKey = "artifactLoader"

// DataLoaderMiddleware attaches a fresh artifact loader to the request context
func DataLoaderMiddleware(repo repository.ArtifactRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithArtifactLoader(r.Context(), entityloader.NewArtifactLoader(repo))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func WithArtifactLoader(ctx context.Context, loader *entityloader.ArtifactLoader) context.Context {
	return context.WithValue(ctx, artifactLoaderKey, loader)
}

// ArtifactLoaderFromContext retrieves the loader from context
func ArtifactLoaderFromContext(ctx context.Context) *entityloader.ArtifactLoader {
	if l, ok := ctx.Value(artifactLoaderKey).(*entityloader.ArtifactLoader); ok {
		return l
	}
	return nil
}
