// Package approval keeps the review state of generated trace links for the
// active project version.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
)

// Source lists the generated trace links of a version.
type Source interface {
	ListGeneratedTraces(ctx context.Context, versionID uuid.UUID) ([]domain.TraceLink, error)
}

// Counts summarises the view.
type Counts struct {
	Approved   int
	Declined   int
	Unreviewed int
}

// View partitions generated trace links by approval status.
type View struct {
	source    Source
	versionID uuid.UUID

	// reloadMu orders reloads so a slow fetch never replaces a newer one.
	reloadMu sync.Mutex

	mu       sync.RWMutex
	byStatus map[domain.ApprovalStatus][]domain.TraceLink
	status   map[uuid.UUID]domain.ApprovalStatus
	loadedAt time.Time
	reloads  int
}

func NewView(source Source, versionID uuid.UUID) *View {
	return &View{
		source:    source,
		versionID: versionID,
		byStatus:  map[domain.ApprovalStatus][]domain.TraceLink{},
		status:    map[uuid.UUID]domain.ApprovalStatus{},
	}
}

// Reload re-fetches generated links and recomputes the partitions. The
// previous view is kept when the fetch fails. Concurrent reloads run one
// after another.
func (v *View) Reload(ctx context.Context) error {
	v.reloadMu.Lock()
	defer v.reloadMu.Unlock()

	links, err := v.source.ListGeneratedTraces(ctx, v.versionID)
	if err != nil {
		return fmt.Errorf("failed to list generated traces: %w", err)
	}

	byStatus := map[domain.ApprovalStatus][]domain.TraceLink{}
	status := make(map[uuid.UUID]domain.ApprovalStatus, len(links))
	for _, link := range links {
		if link.Kind != domain.TraceKindGenerated {
			continue
		}
		s := domain.ParseApprovalStatus(string(link.Approval))
		byStatus[s] = append(byStatus[s], link)
		status[link.ID] = s
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.byStatus = byStatus
	v.status = status
	v.loadedAt = time.Now()
	v.reloads++
	return nil
}

// Links returns the generated links with the given status.
func (v *View) Links(status domain.ApprovalStatus) []domain.TraceLink {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]domain.TraceLink(nil), v.byStatus[status]...)
}

// Status returns the approval status of a generated link.
func (v *View) Status(id uuid.UUID) (domain.ApprovalStatus, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.status[id]
	return s, ok
}

func (v *View) Counts() Counts {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Counts{
		Approved:   len(v.byStatus[domain.ApprovalApproved]),
		Declined:   len(v.byStatus[domain.ApprovalDeclined]),
		Unreviewed: len(v.byStatus[domain.ApprovalUnreviewed]),
	}
}

// Reloads returns how many successful reloads happened and when the last one finished.
func (v *View) Reloads() (int, time.Time) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.reloads, v.loadedAt
}
