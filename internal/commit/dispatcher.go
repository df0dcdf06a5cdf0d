package commit

import (
	"context"
	"log/slog"

	"github.com/rpattn/traceforge/internal/domain"
)

// ReloadFunc refreshes the generated trace link approval view.
type ReloadFunc func(ctx context.Context) error

// Dispatcher triggers dependent recomputation after a commit or revert has
// been applied to the entity stores.
type Dispatcher struct {
	reload ReloadFunc
	logger *slog.Logger
}

// NewDispatcher wraps the approval reload callback. A nil reload disables dispatching.
func NewDispatcher(reload ReloadFunc, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{reload: reload, logger: logger}
}

// Dispatch reloads approvals at most once if the applied commit modified any
// trace link. Reload failures are logged and never fail the commit. It
// reports whether the reload was invoked.
func (d *Dispatcher) Dispatch(ctx context.Context, applied domain.Commit) bool {
	if d == nil || d.reload == nil || !applied.TouchesTraceModifications() {
		return false
	}
	if err := d.reload(ctx); err != nil {
		d.logger.Warn("approval reload failed",
			"commit_id", applied.ID,
			"modified_traces", len(applied.Traces.Modified),
			"error", err)
	}
	return true
}
