package store

import (
	"context"
	"errors"

	"asset-orchestrator/internal/models"
)

// DefaultCheckpointHistory is how many checkpoints are kept per job when not configured.
const DefaultCheckpointHistory = 10

// ErrNotFound is returned when a job record does not exist.
var ErrNotFound = errors.New("job record not found")

// Store persists job records and their bounded checkpoint history. It holds
// no business logic: callers decide what to write and when.
type Store interface {
	Persist(ctx context.Context, job models.Job) error
	Checkpoint(ctx context.Context, cp models.Checkpoint) error
	Load(ctx context.Context, jobID string) (models.Record, bool, error)
	LatestCheckpoint(ctx context.Context, jobID string) (models.Checkpoint, bool, error)
	ListRecoverable(ctx context.Context) ([]Recoverable, error)
	List(ctx context.Context) ([]models.Record, error)
	Delete(ctx context.Context, jobID string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	ListAudit(ctx context.Context, jobID string, limit int) ([]models.AuditEvent, error)
	Close() error
}

// Recoverable describes a persisted job found at startup.
type Recoverable struct {
	JobID      string
	Job        models.Job
	CanRecover bool
	Checkpoint *models.Checkpoint
}

// Get loads a record, returning ErrNotFound when it does not exist.
func Get(ctx context.Context, s Store, jobID string) (models.Record, error) {
	rec, ok, err := s.Load(ctx, jobID)
	if err != nil {
		return models.Record{}, err
	}
	if !ok {
		return models.Record{}, ErrNotFound
	}
	return rec, nil
}

func recoverableFrom(records []models.Record) []Recoverable {
	out := make([]Recoverable, 0, len(records))
	for _, rec := range records {
		switch rec.Job.Status {
		case models.StatusPending, models.StatusProcessing, models.StatusError:
		default:
			continue
		}
		r := Recoverable{
			JobID:      rec.Job.ID,
			Job:        rec.Job,
			CanRecover: rec.Job.CanRecover(),
		}
		if cp, ok := rec.Latest(); ok {
			r.Checkpoint = &cp
		}
		out = append(out, r)
	}
	return out
}

func historyOrDefault(n int) int {
	if n <= 0 {
		return DefaultCheckpointHistory
	}
	return n
}
