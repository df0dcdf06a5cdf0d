package commit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
)

func TestGatewayCreateUndoRedoArtifact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.artifact("A")

	h.save(t, func(b *Builder) error { return b.AddArtifact(a) })
	if !h.gateway.CanUndo() {
		t.Fatalf("expected canUndo after save")
	}

	if _, err := h.gateway.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	sent := h.authority.last(t)
	if len(sent.Artifacts.Removed) != 1 || sent.Artifacts.Removed[0].ID != a.ID || len(sent.Artifacts.Added) != 0 {
		t.Fatalf("expected authority to receive removal of A, got %+v", sent.Artifacts)
	}
	if _, ok := h.stores.Artifacts.GetByID(a.ID); ok {
		t.Fatalf("store should no longer contain A")
	}
	if h.gateway.CanUndo() || !h.gateway.CanRedo() {
		t.Fatalf("expected canUndo=false canRedo=true")
	}

	if _, err := h.gateway.Redo(ctx); err != nil {
		t.Fatalf("redo: %v", err)
	}
	sent = h.authority.last(t)
	if len(sent.Artifacts.Added) != 1 || sent.Artifacts.Added[0].ID != a.ID {
		t.Fatalf("expected authority to receive A again, got %+v", sent.Artifacts)
	}
	if _, ok := h.stores.Artifacts.GetByID(a.ID); !ok {
		t.Fatalf("store should contain A again")
	}
	if h.gateway.CanRedo() || !h.gateway.CanUndo() {
		t.Fatalf("expected canRedo=false canUndo=true")
	}
}

func TestGatewayUndoTraceApprovalReloadsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	source := h.artifact("REQ")
	target := h.artifact("DES")
	trace := domain.NewTraceLink(source, target).WithApproval(domain.ApprovalUnreviewed)
	h.stores.Artifacts.AddOrUpdate(source, target)
	h.stores.Traces.AddOrUpdate(trace)

	h.save(t, func(b *Builder) error { return b.ModifyTrace(trace.WithApproval(domain.ApprovalApproved)) })
	afterSave := h.reloads.Load()

	if _, err := h.gateway.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	restored, ok := h.stores.Traces.GetByID(trace.ID)
	if !ok || restored.Approval != domain.ApprovalUnreviewed {
		t.Fatalf("expected prior approval to be restored, got %+v", restored)
	}
	if got := h.reloads.Load() - afterSave; got != 1 {
		t.Fatalf("expected exactly one approval reload for undo, got %d", got)
	}
}

func TestGatewaySideEffectFiring(t *testing.T) {
	h := newHarness(t)
	source := h.artifact("REQ")
	target := h.artifact("DES")
	first := domain.NewTraceLink(source, target)
	second := domain.NewTraceLink(target, source)
	h.stores.Artifacts.AddOrUpdate(source, target)
	h.stores.Traces.AddOrUpdate(first, second)

	h.save(t, func(b *Builder) error { return b.ModifyArtifact(source.WithBody("no trace change")) })
	if got := h.reloads.Load(); got != 0 {
		t.Fatalf("expected no reload without trace modifications, got %d", got)
	}

	h.save(t, func(b *Builder) error {
		if err := b.ModifyTrace(first.WithApproval(domain.ApprovalDeclined)); err != nil {
			return err
		}
		return b.ModifyTrace(second.WithApproval(domain.ApprovalDeclined))
	})
	if got := h.reloads.Load(); got != 1 {
		t.Fatalf("expected exactly one reload, got %d", got)
	}
}

func TestGatewayNewCommitClearsRedo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.save(t, func(b *Builder) error { return b.AddArtifact(h.artifact("A")) })
	h.save(t, func(b *Builder) error { return b.AddArtifact(h.artifact("B")) })
	if _, err := h.gateway.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if !h.gateway.CanRedo() {
		t.Fatalf("expected redo to be available")
	}
	h.save(t, func(b *Builder) error { return b.AddArtifact(h.artifact("C")) })
	if h.gateway.CanRedo() {
		t.Fatalf("new commit must clear the redo stack")
	}
}

func TestGatewayUndoRedoSymmetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x := h.artifact("X")
	y := h.artifact("Y")
	h.stores.Artifacts.AddOrUpdate(x, y)
	initial := artifactState(h.stores)

	h.save(t, func(b *Builder) error {
		if err := b.ModifyArtifact(x.WithAttribute("priority", "low")); err != nil {
			return err
		}
		if err := b.RemoveArtifact(y.ID); err != nil {
			return err
		}
		return b.AddArtifact(h.artifact("Z"))
	})
	committed := artifactState(h.stores)

	if _, err := h.gateway.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if !reflect.DeepEqual(artifactState(h.stores), initial) {
		t.Fatalf("undo should restore the initial state")
	}
	if _, err := h.gateway.Redo(ctx); err != nil {
		t.Fatalf("redo: %v", err)
	}
	if !reflect.DeepEqual(artifactState(h.stores), committed) {
		t.Fatalf("redo should restore the committed state")
	}
}

func TestGatewayUndoFailureLeavesStacksUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.artifact("A")
	saved := h.save(t, func(b *Builder) error { return b.AddArtifact(a) })

	h.authority.setErr(fmt.Errorf("connection reset by peer"))
	_, err := h.gateway.Undo(ctx)
	if !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}

	top, ok := h.history.PeekUndo()
	if !ok || top.Commit.ID != saved.ID {
		t.Fatalf("undo stack must still hold the commit")
	}
	if h.gateway.CanRedo() {
		t.Fatalf("redo stack must not contain the entry")
	}
	if _, ok := h.stores.Artifacts.GetByID(a.ID); !ok {
		t.Fatalf("store must be unchanged after failed undo")
	}
	notice := h.lastNotice(t)
	if !notice.Failed || notice.Operation != OperationUndo || notice.Kind != domain.ErrorKindNetwork {
		t.Fatalf("unexpected notice %+v", notice)
	}

	h.authority.setErr(nil)
	if _, err := h.gateway.Undo(ctx); err != nil {
		t.Fatalf("retry undo: %v", err)
	}
	if !h.gateway.CanRedo() {
		t.Fatalf("retry should move the entry to redo")
	}
}

func TestGatewaySaveRejectedByAuthority(t *testing.T) {
	h := newHarness(t)
	h.authority.setErr(domain.NewCommitError(domain.ErrorKindValidation, "duplicate artifact name"))

	b := h.builder()
	a := h.artifact("A")
	if err := b.AddArtifact(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	c, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	_, err = h.gateway.Save(context.Background(), c)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.gateway.CanUndo() || h.stores.Artifacts.Len() != 0 {
		t.Fatalf("rejected commit must not be applied")
	}
	if notice := h.lastNotice(t); !strings.Contains(notice.Message, "duplicate artifact name") {
		t.Fatalf("expected user-visible reason, got %q", notice.Message)
	}
}

func TestGatewayBestEffortCommitPushesOnlyApplied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	kept := h.artifact("kept")
	dropped := h.artifact("dropped")
	h.authority.reject = map[uuid.UUID]string{dropped.ID: "duplicate name"}

	b := h.builder().SetFailOnError(false)
	if err := b.AddArtifact(kept); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.AddArtifact(dropped); err != nil {
		t.Fatalf("add: %v", err)
	}
	c, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	applied, err := h.gateway.Save(ctx, c)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(applied.Artifacts.Added) != 1 || applied.Artifacts.Added[0].ID != kept.ID {
		t.Fatalf("expected only the kept artifact, got %+v", applied.Artifacts.Added)
	}
	if _, ok := h.stores.Artifacts.GetByID(dropped.ID); ok {
		t.Fatalf("rejected artifact must not be stored")
	}
	if notice := h.lastNotice(t); !strings.Contains(notice.Message, "rejected") {
		t.Fatalf("expected partial notice, got %q", notice.Message)
	}

	if _, err := h.gateway.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	sent := h.authority.last(t)
	if len(sent.Artifacts.Removed) != 1 || sent.Artifacts.Removed[0].ID != kept.ID {
		t.Fatalf("undo should only revert what was applied, got %+v", sent.Artifacts.Removed)
	}
}

func TestGatewayRedoOfBestEffortCommitIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.artifact("A")
	b := h.artifact("B")

	builder := h.builder().SetFailOnError(false)
	if err := builder.AddArtifact(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := builder.AddArtifact(b); err != nil {
		t.Fatalf("add: %v", err)
	}
	c, err := builder.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := h.gateway.Save(ctx, c); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := h.gateway.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}

	h.authority.reject = map[uuid.UUID]string{a.ID: "duplicate name"}
	_, err = h.gateway.Redo(ctx)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected the redo to be rejected as a whole, got %v", err)
	}
	if sent := h.authority.last(t); !sent.FailOnError {
		t.Fatalf("redo must be sent all-or-nothing")
	}
	if undo, redo := h.history.Depth(); undo != 0 || redo != 1 {
		t.Fatalf("stacks must be unchanged, got %d/%d", undo, redo)
	}
	if h.stores.Artifacts.Len() != 0 {
		t.Fatalf("nothing may be applied by a rejected redo")
	}

	h.authority.reject = nil
	if _, err := h.gateway.Redo(ctx); err != nil {
		t.Fatalf("retry redo: %v", err)
	}
	if h.stores.Artifacts.Len() != 2 {
		t.Fatalf("expected both artifacts after redo, got %d", h.stores.Artifacts.Len())
	}
	if _, err := h.gateway.Undo(ctx); err != nil {
		t.Fatalf("undo after redo: %v", err)
	}
}

func TestGatewayReplayTreatsPartialResultAsFailure(t *testing.T) {
	h := newHarness(t)
	h.authority.ignoreFailOnError = true
	ctx := context.Background()
	a := h.artifact("A")
	b := h.artifact("B")
	h.save(t, func(builder *Builder) error {
		if err := builder.AddArtifact(a); err != nil {
			return err
		}
		return builder.AddArtifact(b)
	})
	if _, err := h.gateway.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}

	h.authority.reject = map[uuid.UUID]string{a.ID: "duplicate name"}
	_, err := h.gateway.Redo(ctx)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected a partial redo to fail, got %v", err)
	}
	if undo, redo := h.history.Depth(); undo != 0 || redo != 1 {
		t.Fatalf("stacks must be unchanged, got %d/%d", undo, redo)
	}
	if _, ok := h.stores.Artifacts.GetByID(b.ID); !ok {
		t.Fatalf("stores must reflect what the authority applied")
	}
	if _, ok := h.stores.Artifacts.GetByID(a.ID); ok {
		t.Fatalf("rejected artifact must not be stored")
	}
}

func TestGatewayRedoFailureLeavesStacksUntouched(t *testing.T) {
	t.Run("network failure", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		a := h.artifact("A")
		saved := h.save(t, func(b *Builder) error { return b.AddArtifact(a) })
		if _, err := h.gateway.Undo(ctx); err != nil {
			t.Fatalf("undo: %v", err)
		}

		h.authority.setErr(fmt.Errorf("connection reset by peer"))
		_, err := h.gateway.Redo(ctx)
		if !errors.Is(err, domain.ErrNetwork) {
			t.Fatalf("expected network error, got %v", err)
		}
		top, ok := h.history.PeekRedo()
		if !ok || top.Commit.ID != saved.ID {
			t.Fatalf("redo stack must still hold the commit")
		}
		if h.gateway.CanUndo() {
			t.Fatalf("undo stack must not contain the entry")
		}
		if _, ok := h.stores.Artifacts.GetByID(a.ID); ok {
			t.Fatalf("store must be unchanged after failed redo")
		}
		notice := h.lastNotice(t)
		if !notice.Failed || notice.Operation != OperationRedo || notice.Kind != domain.ErrorKindNetwork {
			t.Fatalf("unexpected notice %+v", notice)
		}

		h.authority.setErr(nil)
		if _, err := h.gateway.Redo(ctx); err != nil {
			t.Fatalf("retry redo: %v", err)
		}
		if !h.gateway.CanUndo() || h.gateway.CanRedo() {
			t.Fatalf("retry should move the entry to undo")
		}
	})

	t.Run("modified by peer is refused", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		x := h.artifact("X")
		h.stores.Artifacts.AddOrUpdate(x)
		h.save(t, func(b *Builder) error { return b.ModifyArtifact(x.WithName("mine")) })
		if _, err := h.gateway.Undo(ctx); err != nil {
			t.Fatalf("undo: %v", err)
		}
		h.stores.ApplyPeer(domain.PeerCommit{Artifacts: domain.PeerEntities[domain.Artifact]{
			Upserted: []domain.Artifact{x.WithName("theirs")},
		}})
		sent := h.authority.count()

		_, err := h.gateway.Redo(ctx)
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if h.authority.count() != sent {
			t.Fatalf("refused redo must not reach the authority")
		}
		if undo, redo := h.history.Depth(); undo != 0 || redo != 1 {
			t.Fatalf("stacks must be unchanged, got %d/%d", undo, redo)
		}
		if current, _ := h.stores.Artifacts.GetByID(x.ID); current.Name != "theirs" {
			t.Fatalf("peer change must survive a refused redo")
		}
	})

	t.Run("re-created by peer is refused", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		a := h.artifact("A")
		h.save(t, func(b *Builder) error { return b.AddArtifact(a) })
		if _, err := h.gateway.Undo(ctx); err != nil {
			t.Fatalf("undo: %v", err)
		}
		h.stores.ApplyPeer(domain.PeerCommit{Artifacts: domain.PeerEntities[domain.Artifact]{
			Upserted: []domain.Artifact{a},
		}})

		_, err := h.gateway.Redo(ctx)
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if !h.gateway.CanRedo() || h.gateway.CanUndo() {
			t.Fatalf("stacks must be unchanged")
		}
	})
}

func TestGatewayUsesServerAssignedIDs(t *testing.T) {
	h := newHarness(t)
	h.authority.assignIDs = true
	local := h.artifact("A")

	applied := h.save(t, func(b *Builder) error { return b.AddArtifact(local) })
	serverID := applied.Artifacts.Added[0].ID
	if serverID == local.ID {
		t.Fatalf("expected a server-assigned id")
	}
	if _, ok := h.stores.Artifacts.GetByID(serverID); !ok {
		t.Fatalf("store should hold the server id")
	}
	if _, err := h.gateway.Undo(context.Background()); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if sent := h.authority.last(t); sent.Artifacts.Removed[0].ID != serverID {
		t.Fatalf("undo must target the server id")
	}
}

func TestGatewayRejectsConcurrentOperations(t *testing.T) {
	h := newHarness(t)
	h.authority.block = make(chan struct{})
	h.authority.started = make(chan struct{}, 1)

	b := h.builder()
	if err := b.AddArtifact(h.artifact("A")); err != nil {
		t.Fatalf("add: %v", err)
	}
	c, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.gateway.Save(context.Background(), c)
		done <- err
	}()
	<-h.authority.started

	if _, err := h.gateway.Undo(context.Background()); !errors.Is(err, domain.ErrOperationPending) {
		t.Fatalf("expected ErrOperationPending, got %v", err)
	}
	close(h.authority.block)
	if err := <-done; err != nil {
		t.Fatalf("save: %v", err)
	}
	if !h.gateway.CanUndo() {
		t.Fatalf("first save should have been applied")
	}
}

func TestGatewayQueuesOperationsInOrder(t *testing.T) {
	h := newHarness(t, WithPolicy(Policy{Serialize: SerializeQueue, Conflict: ConflictRefuse}))
	h.authority.block = make(chan struct{})
	h.authority.started = make(chan struct{}, 1)

	commits := make([]domain.Commit, 2)
	for i := range commits {
		b := h.builder()
		if err := b.AddArtifact(h.artifact(fmt.Sprintf("A%d", i))); err != nil {
			t.Fatalf("add: %v", err)
		}
		c, err := b.Finalize()
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		commits[i] = c
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.gateway.Save(context.Background(), commits[0])
		errs <- err
	}()
	<-h.authority.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.gateway.Save(context.Background(), commits[1])
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if got := h.authority.count(); got != 1 {
		t.Fatalf("second save must wait for the first, authority saw %d", got)
	}

	close(h.authority.block)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("queued save failed: %v", err)
		}
	}
	if undo, _ := h.history.Depth(); undo != 2 {
		t.Fatalf("expected both commits in history, got %d", undo)
	}
}

func TestGatewayDiscardsResultAfterReset(t *testing.T) {
	h := newHarness(t)
	h.authority.block = make(chan struct{})
	h.authority.started = make(chan struct{}, 1)

	b := h.builder()
	a := h.artifact("A")
	if err := b.AddArtifact(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	c, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.gateway.Save(context.Background(), c)
		done <- err
	}()
	<-h.authority.started
	h.history.Reset()
	close(h.authority.block)

	if err := <-done; !errors.Is(err, domain.ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if _, ok := h.stores.Artifacts.GetByID(a.ID); ok {
		t.Fatalf("superseded result must not be applied")
	}
}

func TestGatewayUndoDetectsPeerChanges(t *testing.T) {
	t.Run("deleted by peer", func(t *testing.T) {
		h := newHarness(t)
		a := h.artifact("A")
		h.save(t, func(b *Builder) error { return b.AddArtifact(a) })
		h.stores.ApplyPeer(domain.PeerCommit{Artifacts: domain.PeerEntities[domain.Artifact]{Removed: []uuid.UUID{a.ID}}})

		_, err := h.gateway.Undo(context.Background())
		if !errors.Is(err, domain.ErrStaleTarget) {
			t.Fatalf("expected ErrStaleTarget, got %v", err)
		}
		if h.authority.count() != 1 {
			t.Fatalf("stale undo must not reach the authority")
		}
		if undo, redo := h.history.Depth(); undo != 1 || redo != 0 {
			t.Fatalf("stacks must be unchanged, got %d/%d", undo, redo)
		}
	})

	t.Run("modified by peer is refused", func(t *testing.T) {
		h := newHarness(t)
		x := h.artifact("X")
		h.stores.Artifacts.AddOrUpdate(x)
		h.save(t, func(b *Builder) error { return b.ModifyArtifact(x.WithName("mine")) })
		h.stores.ApplyPeer(domain.PeerCommit{Artifacts: domain.PeerEntities[domain.Artifact]{
			Upserted: []domain.Artifact{x.WithName("theirs")},
		}})

		_, err := h.gateway.Undo(context.Background())
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		current, _ := h.stores.Artifacts.GetByID(x.ID)
		if current.Name != "theirs" {
			t.Fatalf("peer change must survive a refused undo")
		}
	})

	t.Run("modified by peer with warn policy", func(t *testing.T) {
		h := newHarness(t, WithPolicy(Policy{Serialize: SerializeReject, Conflict: ConflictWarn}))
		x := h.artifact("X")
		h.stores.Artifacts.AddOrUpdate(x)
		h.save(t, func(b *Builder) error { return b.ModifyArtifact(x.WithName("mine")) })
		h.stores.ApplyPeer(domain.PeerCommit{Artifacts: domain.PeerEntities[domain.Artifact]{
			Upserted: []domain.Artifact{x.WithName("theirs")},
		}})

		if _, err := h.gateway.Undo(context.Background()); err != nil {
			t.Fatalf("undo: %v", err)
		}
		current, _ := h.stores.Artifacts.GetByID(x.ID)
		if current.Name != "X" {
			t.Fatalf("expected pre-commit name, got %q", current.Name)
		}
	})
}

func TestGatewayNothingToUndo(t *testing.T) {
	h := newHarness(t)
	if _, err := h.gateway.Undo(context.Background()); !errors.Is(err, domain.ErrNothingToUndo) {
		t.Fatalf("expected ErrNothingToUndo, got %v", err)
	}
	if _, err := h.gateway.Redo(context.Background()); !errors.Is(err, domain.ErrNothingToRedo) {
		t.Fatalf("expected ErrNothingToRedo, got %v", err)
	}
}

func TestGatewayTracksOwnCommits(t *testing.T) {
	h := newHarness(t)
	saved := h.save(t, func(b *Builder) error { return b.AddArtifact(h.artifact("A")) })
	if !h.gateway.IsOwnCommit(saved.ID) {
		t.Fatalf("saved commit should be recognised as own")
	}
	if h.gateway.IsOwnCommit(uuid.New()) {
		t.Fatalf("unknown commit must not be own")
	}
}
