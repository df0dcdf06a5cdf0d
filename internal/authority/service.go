// Package authority is the reference remote authority: it validates commits,
// persists them through a repository and broadcasts them to subscribers.
package authority

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
	"github.com/rpattn/traceforge/internal/entityloader"
	"github.com/rpattn/traceforge/internal/middleware"
	"github.com/rpattn/traceforge/internal/repository"
	"github.com/rpattn/traceforge/internal/rules"
)

// Service applies commits against a repository.
type Service struct {
	mu     sync.Mutex
	repo   repository.CommitRepository
	matrix *rules.Matrix
	hub    *Hub
	logger *slog.Logger
}

func NewService(repo repository.CommitRepository, matrix *rules.Matrix, hub *Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, matrix: matrix, hub: hub, logger: logger}
}

func (s *Service) Repository() repository.CommitRepository {
	return s.repo
}

// Commit validates c against the stored state of the version and applies it.
// All-or-nothing commits fail as a whole on the first class of error;
// best-effort commits apply what passes and report the rest in Errors.
func (s *Service) Commit(ctx context.Context, versionID uuid.UUID, c domain.Commit) (domain.CommitResult, error) {
	if versionID == uuid.Nil {
		return domain.CommitResult{}, domain.NewCommitError(domain.ErrorKindValidation, "no version selected")
	}
	if c.CommitVersion != uuid.Nil && c.CommitVersion != versionID {
		return domain.CommitResult{}, domain.NewCommitError(domain.ErrorKindValidation,
			fmt.Sprintf("commit targets version %s, not %s", c.CommitVersion, versionID))
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CommitVersion = versionID
	if c.IsEmpty() {
		return domain.CommitResult{}, domain.NewCommitError(domain.ErrorKindValidation, "commit is empty")
	}
	assignIDs(&c)
	if err := checkDisjoint(c); err != nil {
		return domain.CommitResult{}, err
	}

	loader := middleware.ArtifactLoaderFromContext(ctx)
	if loader == nil {
		loader = entityloader.NewArtifactLoader(s.repo)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.newValidation(ctx, loader, versionID, c)
	if err != nil {
		return domain.CommitResult{}, err
	}
	v.run()

	if len(v.failures) > 0 && (c.FailOnError || v.accepted.IsEmpty()) {
		s.logger.Info("commit rejected", "commit", c.ID, "version", versionID, "errors", len(v.failures))
		return domain.CommitResult{}, v.commitError()
	}

	result, err := s.repo.ApplyCommit(ctx, versionID, v.accepted)
	if err != nil {
		return domain.CommitResult{}, err
	}
	result.CommitID = c.ID
	result.Errors = v.entityErrors()

	s.logger.Info("commit applied", "commit", c.ID, "version", versionID,
		"artifacts", len(v.accepted.Artifacts.IDs()), "traces", len(v.accepted.Traces.IDs()),
		"rejected", len(result.Errors))

	if s.hub != nil {
		s.hub.Broadcast(peerCommitOf(versionID, v.accepted, result))
	}
	return result, nil
}

func assignIDs(c *domain.Commit) {
	for i := range c.Artifacts.Added {
		if c.Artifacts.Added[i].ID == uuid.Nil {
			c.Artifacts.Added[i].ID = uuid.New()
		}
	}
	for i := range c.Traces.Added {
		if c.Traces.Added[i].ID == uuid.Nil {
			c.Traces.Added[i].ID = uuid.New()
		}
	}
}

// checkDisjoint mirrors EntityCommit.Validate without the snapshot check;
// snapshots never travel over the wire.
func checkDisjoint(c domain.Commit) error {
	seen := map[uuid.UUID]struct{}{}
	for _, id := range append(c.Artifacts.IDs(), c.Traces.IDs()...) {
		if _, ok := seen[id]; ok {
			return domain.NewCommitError(domain.ErrorKindValidation,
				fmt.Sprintf("entity %s appears more than once", id),
				domain.EntityError{EntityID: id, Message: "duplicate"})
		}
		seen[id] = struct{}{}
	}
	return nil
}

func peerCommitOf(versionID uuid.UUID, applied domain.Commit, result domain.CommitResult) domain.PeerCommit {
	pc := domain.PeerCommit{OriginCommit: applied.ID, VersionID: versionID}
	pc.Artifacts.Upserted = append(append([]domain.Artifact(nil), result.Artifacts.Added...), result.Artifacts.Modified...)
	pc.Traces.Upserted = append(append([]domain.TraceLink(nil), result.Traces.Added...), result.Traces.Modified...)
	for _, a := range applied.Artifacts.Removed {
		pc.Artifacts.Removed = append(pc.Artifacts.Removed, a.ID)
	}
	for _, t := range applied.Traces.Removed {
		pc.Traces.Removed = append(pc.Traces.Removed, t.ID)
	}
	return pc
}

type failure struct {
	kind domain.ErrorKind
	err  domain.EntityError
}

// validation holds the stored state one commit is checked against.
type validation struct {
	commit    domain.Commit
	matrix    *rules.Matrix
	artifacts map[uuid.UUID]domain.Artifact
	traces    map[uuid.UUID]domain.TraceLink
	names     map[string]uuid.UUID
	attached  map[uuid.UUID][]uuid.UUID
	edges     map[[2]uuid.UUID]uuid.UUID

	accepted domain.Commit
	failures []failure
}

func (s *Service) newValidation(ctx context.Context, loader *entityloader.ArtifactLoader, versionID uuid.UUID, c domain.Commit) (*validation, error) {
	var artifactIDs []uuid.UUID
	for _, a := range c.Artifacts.Added {
		artifactIDs = append(artifactIDs, a.ID)
	}
	for _, a := range c.Artifacts.Modified {
		artifactIDs = append(artifactIDs, a.ID)
	}
	for _, a := range c.Artifacts.Removed {
		artifactIDs = append(artifactIDs, a.ID)
	}
	for _, group := range [][]domain.TraceLink{c.Traces.Added, c.Traces.Modified} {
		for _, t := range group {
			artifactIDs = append(artifactIDs, t.SourceID, t.TargetID)
		}
	}

	loaded, err := loader.Load(ctx, artifactIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifacts: %w", err)
	}
	artifacts := make(map[uuid.UUID]domain.Artifact, len(loaded))
	for id, a := range loaded {
		if a.VersionID == versionID {
			artifacts[id] = a
		}
	}

	names, err := s.repo.ArtifactNames(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact names: %w", err)
	}

	storedTraces, err := s.repo.GetTracesByIDs(ctx, c.Traces.IDs())
	if err != nil {
		return nil, fmt.Errorf("failed to load trace links: %w", err)
	}
	traces := make(map[uuid.UUID]domain.TraceLink, len(storedTraces))
	for _, t := range storedTraces {
		if t.VersionID == versionID {
			traces[t.ID] = t
		}
	}

	var touched []uuid.UUID
	for _, a := range c.Artifacts.Removed {
		touched = append(touched, a.ID)
	}
	for _, t := range c.Traces.Added {
		touched = append(touched, t.SourceID)
	}
	neighbours, err := s.repo.ListTracesByArtifacts(ctx, versionID, touched)
	if err != nil {
		return nil, fmt.Errorf("failed to load attached trace links: %w", err)
	}
	attached := map[uuid.UUID][]uuid.UUID{}
	edges := map[[2]uuid.UUID]uuid.UUID{}
	for _, t := range neighbours {
		attached[t.SourceID] = append(attached[t.SourceID], t.ID)
		attached[t.TargetID] = append(attached[t.TargetID], t.ID)
		edges[[2]uuid.UUID{t.SourceID, t.TargetID}] = t.ID
	}

	accepted := domain.NewCommit(versionID)
	accepted.ID = c.ID
	accepted.FailOnError = c.FailOnError
	return &validation{
		commit:    c,
		matrix:    s.matrix,
		artifacts: artifacts,
		traces:    traces,
		names:     names,
		attached:  attached,
		edges:     edges,
		accepted:  accepted,
	}, nil
}

func (v *validation) fail(kind domain.ErrorKind, id uuid.UUID, format string, args ...any) {
	v.failures = append(v.failures, failure{kind: kind, err: domain.EntityError{EntityID: id, Message: fmt.Sprintf(format, args...)}})
}

func (v *validation) run() {
	c := v.commit

	// Names released by removals and renames may be reused in the same commit.
	removedArtifacts := map[uuid.UUID]struct{}{}
	for _, a := range c.Artifacts.Removed {
		removedArtifacts[a.ID] = struct{}{}
	}
	names := make(map[string]uuid.UUID, len(v.names))
	for name, id := range v.names {
		if _, gone := removedArtifacts[id]; !gone {
			names[name] = id
		}
	}
	for _, a := range c.Artifacts.Modified {
		if stored, ok := v.artifacts[a.ID]; ok && names[stored.Name] == a.ID {
			delete(names, stored.Name)
		}
	}

	removedTraces := map[uuid.UUID]struct{}{}
	for _, t := range c.Traces.Removed {
		if _, ok := v.traces[t.ID]; !ok {
			v.fail(domain.ErrorKindStaleTarget, t.ID, "trace link no longer exists")
			continue
		}
		removedTraces[t.ID] = struct{}{}
		v.accepted.Traces.Removed = append(v.accepted.Traces.Removed, t)
	}

	acceptedArtifacts := map[uuid.UUID]domain.Artifact{}
	for _, a := range c.Artifacts.Removed {
		if _, ok := v.artifacts[a.ID]; !ok {
			v.fail(domain.ErrorKindStaleTarget, a.ID, "artifact no longer exists")
			continue
		}
		if dangling := v.danglingTraces(a.ID, removedTraces); dangling > 0 {
			v.fail(domain.ErrorKindConflict, a.ID, "artifact still has %d trace link(s)", dangling)
			continue
		}
		v.accepted.Artifacts.Removed = append(v.accepted.Artifacts.Removed, a)
	}
	rejectedRemovals := map[uuid.UUID]struct{}{}
	for id := range removedArtifacts {
		rejectedRemovals[id] = struct{}{}
	}
	for _, a := range v.accepted.Artifacts.Removed {
		delete(rejectedRemovals, a.ID)
	}

	for _, a := range c.Artifacts.Modified {
		if _, ok := v.artifacts[a.ID]; !ok {
			v.fail(domain.ErrorKindStaleTarget, a.ID, "artifact no longer exists")
			continue
		}
		if !v.checkArtifactFields(a, names) {
			continue
		}
		names[a.Name] = a.ID
		acceptedArtifacts[a.ID] = a
		v.accepted.Artifacts.Modified = append(v.accepted.Artifacts.Modified, a)
	}

	for _, a := range c.Artifacts.Added {
		if _, ok := v.artifacts[a.ID]; ok {
			if _, removing := removedArtifacts[a.ID]; !removing {
				v.fail(domain.ErrorKindConflict, a.ID, "artifact already exists")
				continue
			}
		}
		if !v.checkArtifactFields(a, names) {
			continue
		}
		names[a.Name] = a.ID
		acceptedArtifacts[a.ID] = a
		v.accepted.Artifacts.Added = append(v.accepted.Artifacts.Added, a)
	}

	endpoint := func(id uuid.UUID) (domain.Artifact, bool) {
		if a, ok := acceptedArtifacts[id]; ok {
			return a, true
		}
		if _, ok := rejectedRemovals[id]; !ok {
			if _, ok := removedArtifacts[id]; ok {
				return domain.Artifact{}, false
			}
		}
		a, ok := v.artifacts[id]
		return a, ok
	}

	for _, t := range c.Traces.Modified {
		stored, ok := v.traces[t.ID]
		if !ok {
			v.fail(domain.ErrorKindStaleTarget, t.ID, "trace link no longer exists")
			continue
		}
		if t.SourceID != stored.SourceID || t.TargetID != stored.TargetID {
			v.fail(domain.ErrorKindValidation, t.ID, "trace link endpoints cannot change")
			continue
		}
		t.Kind = stored.Kind
		t.Approval = domain.ParseApprovalStatus(string(t.Approval))
		if t.Kind == domain.TraceKindManual && t.Approval != domain.ApprovalApproved {
			v.fail(domain.ErrorKindValidation, t.ID, "manual trace links are always approved")
			continue
		}
		t.SourceType, t.TargetType = stored.SourceType, stored.TargetType
		v.accepted.Traces.Modified = append(v.accepted.Traces.Modified, t)
	}

	for _, t := range c.Traces.Added {
		if _, ok := v.traces[t.ID]; ok {
			v.fail(domain.ErrorKindConflict, t.ID, "trace link already exists")
			continue
		}
		if t.SourceID == t.TargetID {
			v.fail(domain.ErrorKindValidation, t.ID, "an artifact cannot be traced to itself")
			continue
		}
		source, ok := endpoint(t.SourceID)
		if !ok {
			v.fail(domain.ErrorKindStaleTarget, t.ID, "source artifact %s no longer exists", t.SourceID)
			continue
		}
		target, ok := endpoint(t.TargetID)
		if !ok {
			v.fail(domain.ErrorKindStaleTarget, t.ID, "target artifact %s no longer exists", t.TargetID)
			continue
		}
		if !v.matrix.IsLinkAllowedByType(source.Type, target.Type) {
			v.fail(domain.ErrorKindConflict, t.ID, "links from %s to %s are not allowed", source.Type, target.Type)
			continue
		}
		edge := [2]uuid.UUID{t.SourceID, t.TargetID}
		if existing, ok := v.edges[edge]; ok {
			if _, removing := removedTraces[existing]; !removing {
				v.fail(domain.ErrorKindValidation, t.ID, "%s is already traced to %s", source.Name, target.Name)
				continue
			}
		}
		v.edges[edge] = t.ID
		if t.Kind == "" {
			t.Kind = domain.TraceKindManual
		}
		if t.Kind == domain.TraceKindManual {
			t.Approval = domain.ApprovalApproved
		} else {
			t.Approval = domain.ParseApprovalStatus(string(t.Approval))
		}
		t.SourceType, t.TargetType = source.Type, target.Type
		v.accepted.Traces.Added = append(v.accepted.Traces.Added, t)
	}
}

func (v *validation) checkArtifactFields(a domain.Artifact, names map[string]uuid.UUID) bool {
	switch {
	case strings.TrimSpace(a.Name) == "":
		v.fail(domain.ErrorKindValidation, a.ID, "artifact name is required")
		return false
	case strings.TrimSpace(a.Type) == "":
		v.fail(domain.ErrorKindValidation, a.ID, "artifact type is required")
		return false
	}
	if owner, taken := names[a.Name]; taken && owner != a.ID {
		v.fail(domain.ErrorKindValidation, a.ID, "artifact name %q is already in use", a.Name)
		return false
	}
	return true
}

// danglingTraces counts stored links of an artifact that the commit does not
// also remove.
func (v *validation) danglingTraces(artifactID uuid.UUID, removed map[uuid.UUID]struct{}) int {
	count := 0
	for _, traceID := range v.attached[artifactID] {
		if _, ok := removed[traceID]; !ok {
			count++
		}
	}
	return count
}

// commitError reports the most specific failure kind: stale targets outrank
// conflicts, which outrank plain validation errors.
func (v *validation) commitError() error {
	rank := map[domain.ErrorKind]int{
		domain.ErrorKindValidation:  1,
		domain.ErrorKindConflict:    2,
		domain.ErrorKindStaleTarget: 3,
	}
	kind := domain.ErrorKindValidation
	for _, f := range v.failures {
		if rank[f.kind] > rank[kind] {
			kind = f.kind
		}
	}
	message := v.failures[0].err.Message
	if len(v.failures) > 1 {
		message = fmt.Sprintf("%s (and %d more)", message, len(v.failures)-1)
	}
	return domain.NewCommitError(kind, message, v.entityErrors()...)
}

func (v *validation) entityErrors() []domain.EntityError {
	if len(v.failures) == 0 {
		return nil
	}
	out := make([]domain.EntityError, len(v.failures))
	for i, f := range v.failures {
		out[i] = f.err
	}
	return out
}
