// Package session binds the commit engine to one project version at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/traceforge/internal/approval"
	"github.com/rpattn/traceforge/internal/commit"
	"github.com/rpattn/traceforge/internal/domain"
	"github.com/rpattn/traceforge/internal/remote"
	"github.com/rpattn/traceforge/internal/store"
)

// Remote is everything a session needs from the authority.
type Remote interface {
	commit.Authority
	approval.Source
	ListArtifacts(ctx context.Context, versionID uuid.UUID) ([]domain.Artifact, error)
	ListTraces(ctx context.Context, versionID uuid.UUID) ([]domain.TraceLink, error)
	Subscribe(ctx context.Context, versionID uuid.UUID, handle func(domain.PeerCommit)) error
}

// Options configures every session a manager opens.
type Options struct {
	Policy       commit.Policy
	HistoryLimit int
	Notifier     commit.Notifier
	Logger       *slog.Logger
	// RetryDelay is the pause before resubscribing after a dropped
	// subscription. Zero means one second.
	RetryDelay time.Duration
}

// Manager owns the active session. Opening a version or closing the manager
// resets the previous session's history, so results still in flight for it
// are discarded.
type Manager struct {
	remote Remote
	opts   Options

	mu      sync.Mutex
	current *Session
}

func NewManager(remote Remote, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == (commit.Policy{}) {
		opts.Policy = commit.DefaultPolicy()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Manager{remote: remote, opts: opts}
}

// Open closes the current session and loads versionID into a new one.
func (m *Manager) Open(ctx context.Context, versionID uuid.UUID) (*Session, error) {
	if versionID == uuid.Nil {
		return nil, &domain.NoActiveVersionError{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.close()
		m.current = nil
	}

	logger := m.opts.Logger.With("version", versionID)
	stores := store.NewStores()
	approvals := approval.NewView(m.remote, versionID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		artifacts, err := m.remote.ListArtifacts(gctx, versionID)
		if err != nil {
			return fmt.Errorf("failed to load artifacts: %w", err)
		}
		stores.Artifacts.Replace(artifacts)
		return nil
	})
	g.Go(func() error {
		traces, err := m.remote.ListTraces(gctx, versionID)
		if err != nil {
			return fmt.Errorf("failed to load trace links: %w", err)
		}
		stores.Traces.Replace(traces)
		return nil
	})
	g.Go(func() error {
		return approvals.Reload(gctx)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	history := commit.NewHistory(m.opts.HistoryLimit)
	dispatcher := commit.NewDispatcher(approvals.Reload, logger)
	gatewayOpts := []commit.GatewayOption{
		commit.WithLogger(logger),
		commit.WithPolicy(m.opts.Policy),
	}
	if m.opts.Notifier != nil {
		gatewayOpts = append(gatewayOpts, commit.WithNotifier(m.opts.Notifier))
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		versionID: versionID,
		stores:    stores,
		history:   history,
		gateway:   commit.NewGateway(m.remote, stores, history, dispatcher, gatewayOpts...),
		approvals: approvals,
		remote:    m.remote,
		logger:    logger,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.subscribe(subCtx, m.opts.RetryDelay)

	logger.Info("session opened", "artifacts", stores.Artifacts.Len(), "traces", stores.Traces.Len())
	m.current = s
	return s, nil
}

// Current returns the active session or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close ends the active session, e.g. on logout.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.close()
		m.current = nil
	}
}

// Session is the editing context of one project version.
type Session struct {
	versionID uuid.UUID
	stores    *store.Stores
	history   *commit.History
	gateway   *commit.Gateway
	approvals *approval.View
	remote    Remote
	logger    *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) VersionID() uuid.UUID { return s.versionID }
func (s *Session) Stores() *store.Stores { return s.stores }
func (s *Session) Approvals() *approval.View { return s.approvals }
func (s *Session) Gateway() *commit.Gateway { return s.gateway }
func (s *Session) Closed() bool { return s.history.Closed() }

// NewBuilder starts a commit against the session's current store contents.
func (s *Session) NewBuilder() *commit.Builder {
	return commit.NewBuilder(s.versionID, s.stores)
}

// Save finalizes b and sends it through the gateway.
func (s *Session) Save(ctx context.Context, b *commit.Builder) (domain.Commit, error) {
	c, err := b.Finalize()
	if err != nil {
		return domain.Commit{}, err
	}
	return s.gateway.Save(ctx, c)
}

func (s *Session) Undo(ctx context.Context) (domain.Commit, error) {
	return s.gateway.Undo(ctx)
}

func (s *Session) Redo(ctx context.Context) (domain.Commit, error) {
	return s.gateway.Redo(ctx)
}

func (s *Session) CanUndo() bool { return s.gateway.CanUndo() }
func (s *Session) CanRedo() bool { return s.gateway.CanRedo() }

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.history.Reset()
		s.cancel()
		<-s.done
		s.logger.Info("session closed")
	})
}

// subscribe keeps the peer-commit stream open until the session closes.
func (s *Session) subscribe(ctx context.Context, retryDelay time.Duration) {
	defer close(s.done)
	for {
		err := s.remote.Subscribe(ctx, s.versionID, func(pc domain.PeerCommit) {
			s.applyPeer(ctx, pc)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil && !remote.IsTransient(err) {
			s.logger.Error("peer subscription failed", "error", err)
			return
		}
		s.logger.Warn("peer subscription dropped, retrying", "error", err, "delay", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

func (s *Session) applyPeer(ctx context.Context, pc domain.PeerCommit) {
	if pc.VersionID != s.versionID || s.gateway.IsOwnCommit(pc.OriginCommit) {
		return
	}
	s.stores.ApplyPeer(pc)
	s.logger.Debug("applied peer commit",
		"origin", pc.OriginCommit,
		"artifacts", len(pc.Artifacts.Upserted)+len(pc.Artifacts.Removed),
		"traces", len(pc.Traces.Upserted)+len(pc.Traces.Removed))

	if len(pc.Traces.Upserted) == 0 && len(pc.Traces.Removed) == 0 {
		return
	}
	if err := s.approvals.Reload(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("approval reload after peer commit failed", "error", err)
	}
}
