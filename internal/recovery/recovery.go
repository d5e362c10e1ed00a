// Package recovery re-admits interrupted jobs at startup and prunes old
// terminal records.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"asset-orchestrator/internal/models"
	"asset-orchestrator/internal/store"
)

// Admitter is the part of the scheduler recovery feeds.
type Admitter interface {
	Requeue(job models.Job, resume *models.Checkpoint)
	Track(job models.Job)
	Forget(id string)
}

// Report summarizes one recovery pass.
type Report struct {
	Resumed  int
	Requeued int
	Retried  int
	Skipped  int
}

// Manager restores state from the Store.
type Manager struct {
	store     store.Store
	admit     Admitter
	retention time.Duration
	now       func() time.Time
}

func NewManager(st store.Store, admit Admitter, retention time.Duration) *Manager {
	return &Manager{store: st, admit: admit, retention: retention, now: time.Now}
}

// Recover re-admits interrupted, pending and retryable jobs. Completed and
// exhausted jobs are only made visible to status queries.
func (m *Manager) Recover(ctx context.Context) (Report, error) {
	var rep Report
	records, err := m.store.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list records: %w", err)
	}
	for _, rec := range records {
		if rec.Job.Status == models.StatusCompleted {
			m.admit.Track(rec.Job)
		}
	}

	items, err := m.store.ListRecoverable(ctx)
	if err != nil {
		return rep, fmt.Errorf("list recoverable: %w", err)
	}
	for _, it := range items {
		if !it.CanRecover {
			m.admit.Track(it.Job)
			rep.Skipped++
			continue
		}
		job := it.Job

		var event string
		switch job.Status {
		case models.StatusProcessing:
			job.Status = models.StatusPending
			job.Error = ""
			job.ClearCursor()
			event = "recovered"
			rep.Resumed++
		case models.StatusPending:
			event = "requeued"
			rep.Requeued++
		case models.StatusError:
			job.RetryCount++
			job.Status = models.StatusPending
			job.Error = ""
			job.EndTime = nil
			event = "retried"
			rep.Retried++
		}

		if err := m.store.Persist(ctx, job); err != nil {
			return rep, fmt.Errorf("persist recovered job %s: %w", job.ID, err)
		}
		progress := 0
		if it.Checkpoint != nil {
			progress = it.Checkpoint.Progress
		}
		_ = m.store.AppendAudit(ctx, job.ID, event, fmt.Sprintf("progress=%d retries=%d", progress, job.RetryCount))
		m.admit.Requeue(job, it.Checkpoint)
		slog.Info("job recovered", "job_id", job.ID, "event", event, "progress", progress, "retries", job.RetryCount)
	}

	slog.Info("recovery complete",
		"resumed", rep.Resumed, "requeued", rep.Requeued, "retried", rep.Retried, "skipped", rep.Skipped)
	return rep, nil
}

// Cleanup deletes terminal records last updated before the retention window.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}
	cutoff := m.now().Add(-m.retention)
	removed := 0
	for _, rec := range records {
		if !rec.Job.Status.Terminal() || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, rec.Job.ID); err != nil {
			return removed, fmt.Errorf("delete %s: %w", rec.Job.ID, err)
		}
		m.admit.Forget(rec.Job.ID)
		removed++
	}
	if removed > 0 {
		slog.Info("expired job records removed", "count", removed, "retention", m.retention)
	}
	return removed, nil
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Cleanup(ctx); err != nil {
				slog.Warn("cleanup failed", "error", err)
			}
		}
	}
}
