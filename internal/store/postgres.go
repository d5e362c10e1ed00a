package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"asset-orchestrator/internal/models"
)

// PostgresStore wraps pgxpool for durable job records.
type PostgresStore struct {
	pool    *pgxpool.Pool
	history int
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, history int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool, history: historyOrDefault(history)}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Persist upserts the job row, keeping the original created_at.
func (s *PostgresStore) Persist(ctx context.Context, job models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO asset_jobs (id, status, job, schema_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, job = EXCLUDED.job, schema_version = EXCLUDED.schema_version, updated_at = NOW()
	`, job.ID, string(job.Status), raw, models.SchemaVersion, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

// Checkpoint inserts a snapshot and prunes history beyond the configured bound.
func (s *PostgresStore) Checkpoint(ctx context.Context, cp models.Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if _, err := tx.Exec(ctx, `
		INSERT INTO asset_job_checkpoints (job_id, taken_at, progress, checkpoint)
		VALUES ($1, $2, $3, $4)
	`, cp.JobID, cp.Timestamp, cp.Progress, raw); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM asset_job_checkpoints
		WHERE job_id = $1 AND id NOT IN (
			SELECT id FROM asset_job_checkpoints WHERE job_id = $1 ORDER BY id DESC LIMIT $2
		)
	`, cp.JobID, s.history); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load fetches a job record with progress reconciled against the newest checkpoint.
func (s *PostgresStore) Load(ctx context.Context, jobID string) (models.Record, bool, error) {
	var rec models.Record
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT job, schema_version, created_at, updated_at FROM asset_jobs WHERE id = $1
	`, jobID).Scan(&raw, &rec.SchemaVersion, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Record{}, false, nil
	}
	if err != nil {
		return models.Record{}, false, fmt.Errorf("scan job %s: %w", jobID, err)
	}
	if err := json.Unmarshal(raw, &rec.Job); err != nil {
		return models.Record{}, false, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	if rec.Checkpoints, err = s.checkpoints(ctx, jobID, s.history); err != nil {
		return models.Record{}, false, err
	}
	rec.Reconcile()
	return rec, true, nil
}

func (s *PostgresStore) checkpoints(ctx context.Context, jobID string, limit int) ([]models.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT checkpoint FROM asset_job_checkpoints WHERE job_id = $1 ORDER BY id DESC LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints %s: %w", jobID, err)
	}
	defer rows.Close()

	out := make([]models.Checkpoint, 0, limit)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		var cp models.Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// LatestCheckpoint returns the newest checkpoint for a job.
func (s *PostgresStore) LatestCheckpoint(ctx context.Context, jobID string) (models.Checkpoint, bool, error) {
	cps, err := s.checkpoints(ctx, jobID, 1)
	if err != nil {
		return models.Checkpoint{}, false, err
	}
	if len(cps) == 0 {
		return models.Checkpoint{}, false, nil
	}
	return cps[0], true, nil
}

// List returns every record, oldest first.
func (s *PostgresStore) List(ctx context.Context) ([]models.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM asset_jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect job ids: %w", err)
	}
	out := make([]models.Record, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListRecoverable returns the non-completed jobs with their recovery eligibility.
func (s *PostgresStore) ListRecoverable(ctx context.Context) ([]Recoverable, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return recoverableFrom(records), nil
}

// Delete removes a job; checkpoints and audit rows cascade.
func (s *PostgresStore) Delete(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM asset_jobs WHERE id = $1`, jobID)
	return err
}

// AppendAudit adds an audit row.
func (s *PostgresStore) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// ListAudit returns up to limit events, newest first.
func (s *PostgresStore) ListAudit(ctx context.Context, jobID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = auditHistory
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id DESC LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		if err := rows.Scan(&ev.JobID, &ev.Event, &ev.Detail, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
