package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"asset-orchestrator/internal/models"
)

const auditHistory = 100

// RedisStore keeps one hash per job plus a capped checkpoint list and an id index.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	history int
}

// NewRedisStore wraps an existing client. history bounds the checkpoints kept per job.
func NewRedisStore(client *redis.Client, history int) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  "assetjobs:",
		history: historyOrDefault(history),
	}
}

func (s *RedisStore) jobKey(id string) string {
	return s.prefix + "job:" + id
}

func (s *RedisStore) checkpointKey(id string) string {
	return s.prefix + "checkpoints:" + id
}

func (s *RedisStore) auditKey(id string) string {
	return s.prefix + "audit:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

// Persist writes the job, keeping the original creation time.
func (s *RedisStore) Persist(ctx context.Context, job models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, s.jobKey(job.ID), "created_at", created.UTC().Format(time.RFC3339Nano))
	pipe.HSet(ctx, s.jobKey(job.ID),
		"job", raw,
		"status", string(job.Status),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
		"schema_version", models.SchemaVersion,
	)
	pipe.SAdd(ctx, s.indexKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

// Checkpoint prepends a snapshot and trims the history.
func (s *RedisStore) Checkpoint(ctx context.Context, cp models.Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.checkpointKey(cp.JobID), raw)
	pipe.LTrim(ctx, s.checkpointKey(cp.JobID), 0, int64(s.history-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpoint job %s: %w", cp.JobID, err)
	}
	return nil
}

// Load returns the record with its progress reconciled against the newest checkpoint.
func (s *RedisStore) Load(ctx context.Context, jobID string) (models.Record, bool, error) {
	pipe := s.client.Pipeline()
	fields := pipe.HGetAll(ctx, s.jobKey(jobID))
	cps := pipe.LRange(ctx, s.checkpointKey(jobID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.Record{}, false, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(fields.Val()) == 0 {
		return models.Record{}, false, nil
	}
	rec, err := decodeRecord(fields.Val(), cps.Val())
	if err != nil {
		return models.Record{}, false, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	rec.Reconcile()
	return rec, true, nil
}

// LatestCheckpoint returns the newest checkpoint for a job.
func (s *RedisStore) LatestCheckpoint(ctx context.Context, jobID string) (models.Checkpoint, bool, error) {
	raw, err := s.client.LIndex(ctx, s.checkpointKey(jobID), 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Checkpoint{}, false, nil
	}
	if err != nil {
		return models.Checkpoint{}, false, fmt.Errorf("latest checkpoint %s: %w", jobID, err)
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return models.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", jobID, err)
	}
	return cp, true, nil
}

// List returns every record, oldest first.
func (s *RedisStore) List(ctx context.Context) ([]models.Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	out := make([]models.Record, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Index entry outlived its record.
			_ = s.client.SRem(ctx, s.indexKey(), id).Err()
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListRecoverable returns the non-completed jobs with their recovery eligibility.
func (s *RedisStore) ListRecoverable(ctx context.Context) ([]Recoverable, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return recoverableFrom(records), nil
}

// Delete removes a job record, its checkpoints and audit trail.
func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.jobKey(jobID), s.checkpointKey(jobID), s.auditKey(jobID))
	pipe.SRem(ctx, s.indexKey(), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// AppendAudit records a lifecycle event for a job.
func (s *RedisStore) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	raw, err := json.Marshal(models.AuditEvent{
		JobID:    jobID,
		Event:    event,
		Detail:   detail,
		Recorded: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.auditKey(jobID), raw)
	pipe.LTrim(ctx, s.auditKey(jobID), 0, auditHistory-1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListAudit returns up to limit events, newest first.
func (s *RedisStore) ListAudit(ctx context.Context, jobID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = auditHistory
	}
	items, err := s.client.LRange(ctx, s.auditKey(jobID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list audit %s: %w", jobID, err)
	}
	out := make([]models.AuditEvent, 0, len(items))
	for _, item := range items {
		var ev models.AuditEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecord(fields map[string]string, checkpoints []string) (models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal([]byte(fields["job"]), &rec.Job); err != nil {
		return rec, fmt.Errorf("unmarshal job: %w", err)
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return rec, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return rec, fmt.Errorf("parse updated_at: %w", err)
	}
	if rec.SchemaVersion, err = strconv.Atoi(fields["schema_version"]); err != nil {
		return rec, fmt.Errorf("parse schema_version: %w", err)
	}
	rec.Checkpoints = make([]models.Checkpoint, 0, len(checkpoints))
	for _, raw := range checkpoints {
		var cp models.Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			return rec, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		rec.Checkpoints = append(rec.Checkpoints, cp)
	}
	return rec, nil
}
