package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/traceforge/internal/db"
	"github.com/rpattn/traceforge/internal/domain"
)

const (
	artifactColumns = `id, version_id, name, type, summary, body, attributes, revision`
	traceColumns    = `id, version_id, source_id, target_id, source_type, target_type, kind, approval, score, revision`

	uniqueViolation = "23505"
)

// postgresRepository implements CommitRepository on top of pgx
type postgresRepository struct {
	conn *db.Connection
}

// NewPostgresRepository creates a repository backed by the connection pool
func NewPostgresRepository(conn *db.Connection) CommitRepository {
	return &postgresRepository{conn: conn}
}

// ListArtifacts retrieves all artifacts of a version
func (r *postgresRepository) ListArtifacts(ctx context.Context, versionID uuid.UUID) ([]domain.Artifact, error) {
	rows, err := r.conn.Pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE version_id = $1 ORDER BY created_at, id`, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return collectArtifacts(rows)
}

// GetArtifactsByIDs retrieves multiple artifacts by their IDs.
func (r *postgresRepository) GetArtifactsByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Artifact, error) {
	if len(ids) == 0 {
		return []domain.Artifact{}, nil
	}
	rows, err := r.conn.Pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = ANY($1)`, uuidStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get artifacts by IDs: %w", err)
	}
	return collectArtifacts(rows)
}

func (r *postgresRepository) ArtifactNames(ctx context.Context, versionID uuid.UUID) (map[string]uuid.UUID, error) {
	rows, err := r.conn.Pool.Query(ctx, `SELECT name, id FROM artifacts WHERE version_id = $1`, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact names: %w", err)
	}
	defer rows.Close()

	names := map[string]uuid.UUID{}
	for rows.Next() {
		var (
			name string
			id   uuid.UUID
		)
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("failed to scan artifact name: %w", err)
		}
		names[name] = id
	}
	return names, rows.Err()
}

func (r *postgresRepository) ListTraces(ctx context.Context, versionID uuid.UUID) ([]domain.TraceLink, error) {
	rows, err := r.conn.Pool.Query(ctx,
		`SELECT `+traceColumns+` FROM trace_links WHERE version_id = $1 ORDER BY created_at, id`, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace links: %w", err)
	}
	return collectTraces(rows)
}

func (r *postgresRepository) ListGeneratedTraces(ctx context.Context, versionID uuid.UUID) ([]domain.TraceLink, error) {
	rows, err := r.conn.Pool.Query(ctx,
		`SELECT `+traceColumns+` FROM trace_links WHERE version_id = $1 AND kind = $2 ORDER BY score DESC, id`,
		versionID, string(domain.TraceKindGenerated))
	if err != nil {
		return nil, fmt.Errorf("failed to list generated trace links: %w", err)
	}
	return collectTraces(rows)
}

func (r *postgresRepository) GetTracesByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.TraceLink, error) {
	if len(ids) == 0 {
		return []domain.TraceLink{}, nil
	}
	rows, err := r.conn.Pool.Query(ctx,
		`SELECT `+traceColumns+` FROM trace_links WHERE id = ANY($1)`, uuidStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get trace links by IDs: %w", err)
	}
	return collectTraces(rows)
}

func (r *postgresRepository) ListTracesByArtifacts(ctx context.Context, versionID uuid.UUID, artifactIDs []uuid.UUID) ([]domain.TraceLink, error) {
	if len(artifactIDs) == 0 {
		return []domain.TraceLink{}, nil
	}
	rows, err := r.conn.Pool.Query(ctx,
		`SELECT `+traceColumns+` FROM trace_links
		 WHERE version_id = $1 AND (source_id = ANY($2) OR target_id = ANY($2))`,
		versionID, uuidStrings(artifactIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list trace links by artifacts: %w", err)
	}
	return collectTraces(rows)
}

// ApplyCommit writes the commit inside one transaction. Name uniqueness is a
// deferred constraint, so renames may swap names within a commit.
func (r *postgresRepository) ApplyCommit(ctx context.Context, versionID uuid.UUID, c domain.Commit) (domain.CommitResult, error) {
	result := domain.CommitResult{CommitID: c.ID}

	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		// Removals run first so that freed names can be reused by inserts.
		for _, trace := range c.Traces.Removed {
			if err := deleteRow(ctx, tx, "trace_links", versionID, trace.ID); err != nil {
				return err
			}
		}
		for _, artifact := range c.Artifacts.Removed {
			if err := deleteRow(ctx, tx, "artifacts", versionID, artifact.ID); err != nil {
				return err
			}
		}
		for _, artifact := range c.Artifacts.Added {
			stored, err := insertArtifact(ctx, tx, versionID, artifact)
			if err != nil {
				return err
			}
			result.Artifacts.Added = append(result.Artifacts.Added, stored)
		}
		for _, artifact := range c.Artifacts.Modified {
			stored, err := updateArtifact(ctx, tx, versionID, artifact)
			if err != nil {
				return err
			}
			result.Artifacts.Modified = append(result.Artifacts.Modified, stored)
		}
		for _, trace := range c.Traces.Added {
			stored, err := insertTrace(ctx, tx, versionID, trace)
			if err != nil {
				return err
			}
			result.Traces.Added = append(result.Traces.Added, stored)
		}
		for _, trace := range c.Traces.Modified {
			stored, err := updateTrace(ctx, tx, versionID, trace)
			if err != nil {
				return err
			}
			result.Traces.Modified = append(result.Traces.Modified, stored)
		}
		return nil
	})
	if err != nil {
		return domain.CommitResult{}, err
	}
	return result, nil
}

func insertArtifact(ctx context.Context, tx pgx.Tx, versionID uuid.UUID, artifact domain.Artifact) (domain.Artifact, error) {
	attributes, err := attributesJSON(artifact.Attributes)
	if err != nil {
		return domain.Artifact{}, err
	}
	row := tx.QueryRow(ctx,
		`INSERT INTO artifacts (id, version_id, name, type, summary, body, attributes, revision)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		 RETURNING `+artifactColumns,
		artifact.ID, versionID, artifact.Name, artifact.Type, artifact.Summary, artifact.Body, attributes)
	stored, err := scanArtifact(row)
	if err != nil {
		return domain.Artifact{}, classifyWriteError(err, artifact.ID, "failed to create artifact")
	}
	return stored, nil
}

func updateArtifact(ctx context.Context, tx pgx.Tx, versionID uuid.UUID, artifact domain.Artifact) (domain.Artifact, error) {
	attributes, err := attributesJSON(artifact.Attributes)
	if err != nil {
		return domain.Artifact{}, err
	}
	row := tx.QueryRow(ctx,
		`UPDATE artifacts
		 SET name = $3, type = $4, summary = $5, body = $6, attributes = $7,
		     revision = revision + 1, updated_at = now()
		 WHERE id = $1 AND version_id = $2
		 RETURNING `+artifactColumns,
		artifact.ID, versionID, artifact.Name, artifact.Type, artifact.Summary, artifact.Body, attributes)
	stored, err := scanArtifact(row)
	if err != nil {
		return domain.Artifact{}, classifyWriteError(err, artifact.ID, "failed to update artifact")
	}
	return stored, nil
}

func insertTrace(ctx context.Context, tx pgx.Tx, versionID uuid.UUID, trace domain.TraceLink) (domain.TraceLink, error) {
	row := tx.QueryRow(ctx,
		`INSERT INTO trace_links (id, version_id, source_id, target_id, source_type, target_type, kind, approval, score, revision)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		 RETURNING `+traceColumns,
		trace.ID, versionID, trace.SourceID, trace.TargetID, trace.SourceType, trace.TargetType,
		string(trace.Kind), string(trace.Approval), trace.Score)
	stored, err := scanTrace(row)
	if err != nil {
		return domain.TraceLink{}, classifyWriteError(err, trace.ID, "failed to create trace link")
	}
	return stored, nil
}

func updateTrace(ctx context.Context, tx pgx.Tx, versionID uuid.UUID, trace domain.TraceLink) (domain.TraceLink, error) {
	row := tx.QueryRow(ctx,
		`UPDATE trace_links
		 SET source_id = $3, target_id = $4, source_type = $5, target_type = $6,
		     kind = $7, approval = $8, score = $9, revision = revision + 1, updated_at = now()
		 WHERE id = $1 AND version_id = $2
		 RETURNING `+traceColumns,
		trace.ID, versionID, trace.SourceID, trace.TargetID, trace.SourceType, trace.TargetType,
		string(trace.Kind), string(trace.Approval), trace.Score)
	stored, err := scanTrace(row)
	if err != nil {
		return domain.TraceLink{}, classifyWriteError(err, trace.ID, "failed to update trace link")
	}
	return stored, nil
}

func deleteRow(ctx context.Context, tx pgx.Tx, table string, versionID, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1 AND version_id = $2`, id, versionID)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewCommitError(domain.ErrorKindStaleTarget, "entity no longer exists",
			domain.EntityError{EntityID: id, Message: "deleted"})
	}
	return nil
}

func classifyWriteError(err error, id uuid.UUID, message string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewCommitError(domain.ErrorKindStaleTarget, "entity no longer exists",
			domain.EntityError{EntityID: id, Message: "deleted"})
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.NewCommitError(domain.ErrorKindValidation, "duplicate entity",
			domain.EntityError{EntityID: id, Message: pgErr.Detail})
	}
	return fmt.Errorf("%s: %w", message, err)
}

func scanArtifact(row pgx.Row) (domain.Artifact, error) {
	var (
		artifact   domain.Artifact
		attributes []byte
	)
	if err := row.Scan(&artifact.ID, &artifact.VersionID, &artifact.Name, &artifact.Type,
		&artifact.Summary, &artifact.Body, &attributes, &artifact.Revision); err != nil {
		return domain.Artifact{}, err
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &artifact.Attributes); err != nil {
			return domain.Artifact{}, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}
	return artifact, nil
}

func scanTrace(row pgx.Row) (domain.TraceLink, error) {
	var (
		trace    domain.TraceLink
		kind     string
		approval string
	)
	if err := row.Scan(&trace.ID, &trace.VersionID, &trace.SourceID, &trace.TargetID,
		&trace.SourceType, &trace.TargetType, &kind, &approval, &trace.Score, &trace.Revision); err != nil {
		return domain.TraceLink{}, err
	}
	trace.Kind = domain.TraceKind(kind)
	trace.Approval = domain.ParseApprovalStatus(approval)
	return trace, nil
}

func collectArtifacts(rows pgx.Rows) ([]domain.Artifact, error) {
	artifacts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Artifact, error) {
		return scanArtifact(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifacts: %w", err)
	}
	return artifacts, nil
}

func collectTraces(rows pgx.Rows) ([]domain.TraceLink, error) {
	traces, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.TraceLink, error) {
		return scanTrace(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan trace links: %w", err)
	}
	return traces, nil
}

func attributesJSON(attributes map[string]any) ([]byte, error) {
	if attributes == nil {
		attributes = map[string]any{}
	}
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}
	return encoded, nil
}

// uuidStrings converts ids for ANY($1) parameters typed as uuid[].
func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
