package commit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
	"github.com/rpattn/traceforge/internal/store"
)

// fakeAuthority echoes added and modified entities back, optionally
// rejecting individual entities or blocking until released. Like the real
// authority it fails an all-or-nothing commit as a whole when any entity is
// rejected, unless ignoreFailOnError is set.
type fakeAuthority struct {
	mu                sync.Mutex
	received          []domain.Commit
	err               error
	reject            map[uuid.UUID]string
	ignoreFailOnError bool
	assignIDs         bool
	block             chan struct{}
	started           chan struct{}
}

func (f *fakeAuthority) Commit(ctx context.Context, versionID uuid.UUID, c domain.Commit) (domain.CommitResult, error) {
	f.mu.Lock()
	f.received = append(f.received, c.Clone())
	err, block, started := f.err, f.block, f.started
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.CommitResult{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.CommitResult{}, err
	}

	result := domain.CommitResult{CommitID: c.ID}
	for _, artifact := range c.Artifacts.Added {
		if f.rejected(&result, artifact.ID) {
			continue
		}
		if f.assignIDs {
			artifact.ID = uuid.New()
		}
		result.Artifacts.Added = append(result.Artifacts.Added, artifact)
	}
	result.Artifacts.Modified = echo(f, &result, c.Artifacts.Modified)
	for _, removed := range c.Artifacts.Removed {
		f.rejected(&result, removed.ID)
	}
	result.Traces.Added = echo(f, &result, c.Traces.Added)
	result.Traces.Modified = echo(f, &result, c.Traces.Modified)
	for _, removed := range c.Traces.Removed {
		f.rejected(&result, removed.ID)
	}
	if c.FailOnError && len(result.Errors) > 0 && !f.ignoreFailOnError {
		return domain.CommitResult{}, domain.NewCommitError(domain.ErrorKindValidation, "commit rejected", result.Errors...)
	}
	return result, nil
}

func echo[T domain.VersionedEntity](f *fakeAuthority, result *domain.CommitResult, entities []T) []T {
	var out []T
	for _, entity := range entities {
		if f.rejected(result, entity.EntityID()) {
			continue
		}
		out = append(out, entity)
	}
	return out
}

func (f *fakeAuthority) rejected(result *domain.CommitResult, id uuid.UUID) bool {
	message, ok := f.reject[id]
	if ok {
		result.Errors = append(result.Errors, domain.EntityError{EntityID: id, Message: message})
	}
	return ok
}

func (f *fakeAuthority) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAuthority) last(t *testing.T) domain.Commit {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.received) == 0 {
		t.Fatalf("authority received no commits")
	}
	return f.received[len(f.received)-1]
}

func (f *fakeAuthority) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

type harness struct {
	versionID uuid.UUID
	authority *fakeAuthority
	stores    *store.Stores
	history   *History
	gateway   *Gateway
	reloads   atomic.Int32

	noticeMu sync.Mutex
	notices  []Notice
}

func newHarness(t *testing.T, opts ...GatewayOption) *harness {
	t.Helper()
	h := &harness{
		versionID: uuid.New(),
		authority: &fakeAuthority{},
		stores:    store.NewStores(),
		history:   NewHistory(0),
	}
	dispatcher := NewDispatcher(func(ctx context.Context) error {
		h.reloads.Add(1)
		return nil
	}, discardLogger())
	base := []GatewayOption{
		WithLogger(discardLogger()),
		WithNotifier(NotifierFunc(func(ctx context.Context, notice Notice) {
			h.noticeMu.Lock()
			defer h.noticeMu.Unlock()
			h.notices = append(h.notices, notice)
		})),
	}
	h.gateway = NewGateway(h.authority, h.stores, h.history, dispatcher, append(base, opts...)...)
	return h
}

func (h *harness) lastNotice(t *testing.T) Notice {
	t.Helper()
	h.noticeMu.Lock()
	defer h.noticeMu.Unlock()
	if len(h.notices) == 0 {
		t.Fatalf("expected a notice")
	}
	return h.notices[len(h.notices)-1]
}

func (h *harness) builder() *Builder {
	return NewBuilder(h.versionID, h.stores)
}

func (h *harness) artifact(name string) domain.Artifact {
	return domain.NewArtifact(h.versionID, name, "requirement", map[string]any{"priority": "high"})
}

func (h *harness) save(t *testing.T, build func(b *Builder) error) domain.Commit {
	t.Helper()
	b := h.builder()
	if err := build(b); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	c, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	saved, err := h.gateway.Save(context.Background(), c)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	return saved
}

func artifactState(s *store.Stores) map[uuid.UUID]domain.Artifact {
	out := map[uuid.UUID]domain.Artifact{}
	for _, artifact := range s.Artifacts.All() {
		out[artifact.ID] = artifact
	}
	return out
}

func traceState(s *store.Stores) map[uuid.UUID]domain.TraceLink {
	out := map[uuid.UUID]domain.TraceLink{}
	for _, trace := range s.Traces.All() {
		out[trace.ID] = trace
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
