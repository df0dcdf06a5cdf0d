package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/rpattn/traceforge/internal/domain"
	"github.com/rpattn/traceforge/internal/store"
)

// Authority is the remote service that validates and persists commits.
type Authority interface {
	Commit(ctx context.Context, versionID uuid.UUID, c domain.Commit) (domain.CommitResult, error)
}

// AuthorityFunc adapts a function to Authority.
type AuthorityFunc func(ctx context.Context, versionID uuid.UUID, c domain.Commit) (domain.CommitResult, error)

func (f AuthorityFunc) Commit(ctx context.Context, versionID uuid.UUID, c domain.Commit) (domain.CommitResult, error) {
	return f(ctx, versionID, c)
}

type Operation string

const (
	OperationSave Operation = "save"
	OperationUndo Operation = "undo"
	OperationRedo Operation = "redo"
)

// SerializePolicy decides what happens when an operation starts while
// another one is still waiting on the authority.
type SerializePolicy string

const (
	SerializeReject SerializePolicy = "reject"
	SerializeQueue  SerializePolicy = "queue"
)

// ConflictPolicy decides what undo/redo does when a peer changed a target.
type ConflictPolicy string

const (
	ConflictRefuse ConflictPolicy = "refuse"
	ConflictWarn   ConflictPolicy = "warn"
)

// Policy configures a gateway.
type Policy struct {
	Serialize SerializePolicy
	Conflict  ConflictPolicy
}

// DefaultPolicy rejects concurrent operations and refuses conflicting undos.
func DefaultPolicy() Policy {
	return Policy{Serialize: SerializeReject, Conflict: ConflictRefuse}
}

// Notice is a user-visible message about a gateway operation.
type Notice struct {
	Operation Operation
	Failed    bool
	Kind      domain.ErrorKind
	Message   string
	Summary   string
}

// Notifier delivers notices to the user.
type Notifier interface {
	Notify(ctx context.Context, notice Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, notice Notice)

func (f NotifierFunc) Notify(ctx context.Context, notice Notice) {
	f(ctx, notice)
}

// Gateway orchestrates save, undo and redo against the authority and keeps
// the history and entity stores consistent with what the authority applied.
// Stacks are only mutated after the authority confirms success.
type Gateway struct {
	authority  Authority
	stores     *store.Stores
	history    *History
	dispatcher *Dispatcher
	notifier   Notifier
	logger     *slog.Logger
	policy     Policy
	sem        *semaphore.Weighted

	sentMu sync.Mutex
	sent   map[uuid.UUID]struct{}
}

// GatewayOption customises a gateway.
type GatewayOption func(*Gateway)

func WithNotifier(n Notifier) GatewayOption {
	return func(g *Gateway) { g.notifier = n }
}

func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

func WithPolicy(policy Policy) GatewayOption {
	return func(g *Gateway) { g.policy = policy }
}

// NewGateway creates a gateway over one session's history and stores.
func NewGateway(authority Authority, stores *store.Stores, history *History, dispatcher *Dispatcher, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		authority:  authority,
		stores:     stores,
		history:    history,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		policy:     DefaultPolicy(),
		sem:        semaphore.NewWeighted(1),
		sent:       map[uuid.UUID]struct{}{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Save sends c to the authority, records the reconciled commit in the
// history and applies it to the stores. It returns the reconciled commit.
func (g *Gateway) Save(ctx context.Context, c domain.Commit) (domain.Commit, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return domain.Commit{}, err
	}
	defer release()

	if err := c.Validate(); err != nil {
		return domain.Commit{}, fmt.Errorf("invalid commit: %w", err)
	}
	if c.IsEmpty() {
		return domain.Commit{}, domain.ErrEmptyCommit
	}

	result, err := g.send(ctx, c)
	if err != nil {
		return domain.Commit{}, g.fail(ctx, OperationSave, c, err)
	}
	if g.history.Closed() {
		g.logger.Info("discarding save result for closed session", "commit_id", c.ID)
		return domain.Commit{}, domain.ErrSuperseded
	}

	reconciled := Reconcile(c, result)
	if reconciled.IsEmpty() {
		rejected := domain.NewCommitError(domain.ErrorKindValidation, "no change was applied", result.Errors...)
		return domain.Commit{}, g.fail(ctx, OperationSave, c, rejected)
	}

	entry, err := NewEntry(reconciled)
	if err != nil {
		// The authority applied the commit, so the stores must reflect it even
		// though it cannot be undone.
		g.logger.Error("applied commit cannot be inverted", "commit_id", c.ID, "error", err)
	} else if err := g.history.Push(entry); err != nil {
		return domain.Commit{}, err
	}
	g.stores.Apply(reconciled)
	g.dispatcher.Dispatch(ctx, reconciled)

	g.succeed(ctx, OperationSave, reconciled, result.Errors)
	return reconciled, nil
}

// Undo reverts the most recent commit. The undo stack is peeked, the revert
// round-trips through the authority, and only on success is the entry moved
// to the redo stack.
func (g *Gateway) Undo(ctx context.Context) (domain.Commit, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return domain.Commit{}, err
	}
	defer release()

	entry, ok := g.history.PeekUndo()
	if !ok {
		return domain.Commit{}, domain.ErrNothingToUndo
	}
	return g.replay(ctx, OperationUndo, entry, entry.Revert, g.history.PopForUndo)
}

// Redo re-applies the most recently undone commit.
func (g *Gateway) Redo(ctx context.Context) (domain.Commit, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return domain.Commit{}, err
	}
	defer release()

	entry, ok := g.history.PeekRedo()
	if !ok {
		return domain.Commit{}, domain.ErrNothingToRedo
	}
	return g.replay(ctx, OperationRedo, entry, entry.Commit, g.history.PopForRedo)
}

func (g *Gateway) replay(
	ctx context.Context,
	op Operation,
	entry domain.CommitHistoryEntry,
	target domain.Commit,
	pop func() (domain.CommitHistoryEntry, error),
) (domain.Commit, error) {
	// A history entry moves between stacks as a whole, so it is replayed
	// all-or-nothing even when the original save was best-effort.
	target = target.Clone()
	target.FailOnError = true

	if err := g.checkTargets(ctx, op, target); err != nil {
		return domain.Commit{}, g.fail(ctx, op, target, err)
	}

	result, err := g.send(ctx, target)
	if err != nil {
		return domain.Commit{}, g.fail(ctx, op, target, err)
	}
	if g.history.Closed() {
		g.logger.Info("discarding result for closed session", "operation", op, "commit_id", target.ID)
		return domain.Commit{}, domain.ErrSuperseded
	}
	if len(result.Errors) > 0 {
		// The authority ignored FailOnError. Keep the stores in line with what
		// it applied but leave both stacks alone.
		partial := Reconcile(target, result)
		g.stores.Apply(partial)
		g.dispatcher.Dispatch(ctx, partial)
		rejected := domain.NewCommitError(domain.ErrorKindConflict,
			fmt.Sprintf("%s was only partly applied", op), result.Errors...)
		return domain.Commit{}, g.fail(ctx, op, target, rejected)
	}

	popped, err := pop()
	if err != nil {
		return domain.Commit{}, err
	}
	if popped.Commit.ID != entry.Commit.ID {
		return domain.Commit{}, fmt.Errorf("history changed during %s: expected %s, got %s", op, entry.Commit.ID, popped.Commit.ID)
	}

	applied := Reconcile(target, result)
	g.stores.Apply(applied)
	g.dispatcher.Dispatch(ctx, applied)

	g.succeed(ctx, op, applied, result.Errors)
	return applied, nil
}

// IsOwnCommit reports whether this gateway sent the commit with the given id.
// Peer notifications echoing our own commits are ignored by the session.
func (g *Gateway) IsOwnCommit(id uuid.UUID) bool {
	g.sentMu.Lock()
	defer g.sentMu.Unlock()
	_, ok := g.sent[id]
	return ok
}

func (g *Gateway) CanUndo() bool { return g.history.CanUndo() }
func (g *Gateway) CanRedo() bool { return g.history.CanRedo() }

func (g *Gateway) acquire(ctx context.Context) (func(), error) {
	if g.policy.Serialize == SerializeQueue {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	} else if !g.sem.TryAcquire(1) {
		return nil, domain.ErrOperationPending
	}
	return func() { g.sem.Release(1) }, nil
}

func (g *Gateway) send(ctx context.Context, c domain.Commit) (domain.CommitResult, error) {
	g.sentMu.Lock()
	g.sent[c.ID] = struct{}{}
	g.sentMu.Unlock()

	result, err := g.authority.Commit(ctx, c.CommitVersion, c)
	if err == nil {
		return result, nil
	}

	var commitErr *domain.CommitError
	if errors.As(err, &commitErr) || errors.Is(err, domain.ErrNetwork) {
		return domain.CommitResult{}, err
	}
	return domain.CommitResult{}, fmt.Errorf("%w: %v", domain.ErrNetwork, err)
}

// checkTargets refuses to replay a commit whose targets were deleted or last
// written by another client. The stores only know which client wrote last,
// so an intervening peer change is detected but not merged.
func (g *Gateway) checkTargets(ctx context.Context, op Operation, c domain.Commit) error {
	stale, conflicts := inspectTargets(c.Artifacts, g.stores.Artifacts)
	staleTraces, traceConflicts := inspectTargets(c.Traces, g.stores.Traces)
	stale = append(stale, staleTraces...)
	conflicts = append(conflicts, traceConflicts...)

	if len(stale) > 0 {
		return domain.NewCommitError(domain.ErrorKindStaleTarget,
			fmt.Sprintf("cannot %s: target no longer exists", op), stale...)
	}
	if len(conflicts) == 0 {
		return nil
	}
	if g.policy.Conflict == ConflictWarn {
		g.logger.Warn("replaying over peer changes",
			"operation", op,
			"commit_id", c.ID,
			"entities", len(conflicts))
		return nil
	}
	return domain.NewCommitError(domain.ErrorKindConflict,
		fmt.Sprintf("cannot %s: revision mismatch, another user changed the target", op), conflicts...)
}

func inspectTargets[T domain.VersionedEntity](c domain.EntityCommit[T], s *store.Store[T]) (stale, conflicts []domain.EntityError) {
	for _, group := range [][]T{c.Removed, c.Modified} {
		for _, entity := range group {
			id := entity.EntityID()
			if _, ok := s.GetByID(id); !ok {
				stale = append(stale, domain.EntityError{EntityID: id, Message: "deleted"})
				continue
			}
			if s.PeerTouched(id) {
				conflicts = append(conflicts, domain.EntityError{EntityID: id, Message: "modified by another user"})
			}
		}
	}
	for _, entity := range c.Added {
		id := entity.EntityID()
		if _, ok := s.GetByID(id); ok {
			conflicts = append(conflicts, domain.EntityError{EntityID: id, Message: "already exists"})
		}
	}
	return stale, conflicts
}

func (g *Gateway) fail(ctx context.Context, op Operation, c domain.Commit, err error) error {
	kind := domain.KindOf(err)
	g.logger.Error("commit operation failed",
		"operation", op,
		"commit_id", c.ID,
		"version_id", c.CommitVersion,
		"kind", kind,
		"error", err)
	if g.notifier != nil {
		g.notifier.Notify(ctx, Notice{
			Operation: op,
			Failed:    true,
			Kind:      kind,
			Message:   userMessage(op, kind, err),
		})
	}
	return err
}

func (g *Gateway) succeed(ctx context.Context, op Operation, applied domain.Commit, partial []domain.EntityError) {
	summary, err := domain.DescribeCommit(applied)
	if err != nil {
		g.logger.Warn("failed to describe commit", "commit_id", applied.ID, "error", err)
	}
	g.logger.Info("commit operation applied",
		"operation", op,
		"commit_id", applied.ID,
		"version_id", applied.CommitVersion,
		"rejected_entities", len(partial))
	if g.notifier == nil {
		return
	}
	message := successMessages[op]
	if len(partial) > 0 {
		message = fmt.Sprintf("%s (%d change(s) were rejected)", message, len(partial))
	}
	g.notifier.Notify(ctx, Notice{Operation: op, Message: message, Summary: summary})
}

var successMessages = map[Operation]string{
	OperationSave: "Changes saved",
	OperationUndo: "Undid last change",
	OperationRedo: "Redid change",
}

func userMessage(op Operation, kind domain.ErrorKind, err error) string {
	var commitErr *domain.CommitError
	detail := err.Error()
	if errors.As(err, &commitErr) {
		detail = commitErr.Message
	}
	switch kind {
	case domain.ErrorKindValidation:
		return fmt.Sprintf("Could not %s: %s", op, detail)
	case domain.ErrorKindConflict:
		return fmt.Sprintf("Could not %s because of a conflict: %s", op, detail)
	case domain.ErrorKindStaleTarget:
		return fmt.Sprintf("Could not %s: the affected items were deleted by another user", op)
	default:
		return fmt.Sprintf("Could not %s: the server could not be reached, please retry", op)
	}
}
