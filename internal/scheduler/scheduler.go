// Package scheduler owns the job table and the admission loop. Every job and
// queue mutation happens under one mutex; executors report back through it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"asset-orchestrator/internal/breaker"
	"asset-orchestrator/internal/models"
	"asset-orchestrator/internal/notify"
	"asset-orchestrator/internal/queue"
	"asset-orchestrator/internal/resource"
	"asset-orchestrator/internal/store"
	"asset-orchestrator/internal/telemetry"
	"asset-orchestrator/internal/worker"
)

var (
	ErrQueueFull      = errors.New("queue is full")
	ErrJobNotFound    = errors.New("job not found")
	ErrDuplicateJob   = errors.New("job already exists")
	ErrInvalidRequest = errors.New("invalid request")
)

const cancelledMessage = "cancelled by user"

// Executor runs one job to completion.
type Executor interface {
	Execute(ctx context.Context, job models.Job, resume *models.Checkpoint, rep worker.Reporter) error
}

// HealthSource reports host health for admission decisions.
type HealthSource interface {
	Health() resource.Health
}

// EventPublisher accepts progress events without blocking.
type EventPublisher interface {
	Publish(ev notify.Event) bool
}

// Options are the scheduler's tunables.
type Options struct {
	MaxConcurrent   int
	MaxQueueSize    int
	MaxRetries      int
	DefaultPriority int
	PollInterval    time.Duration
}

// SubmitRequest is the caller-facing shape of a new job.
type SubmitRequest struct {
	ID         string            `json:"id" validate:"omitempty,jobid"`
	Models     []string          `json:"models" validate:"required,min=1,max=200,dive,required"`
	Materials  []string          `json:"materials" validate:"omitempty,max=16,dive,required"`
	Settings   map[string]string `json:"settings" validate:"omitempty,max=64"`
	Priority   *int              `json:"priority" validate:"omitempty,min=1,max=10"`
	MaxRetries *int              `json:"max_retries" validate:"omitempty,min=1,max=10"`
}

// Metrics summarizes the job table.
type Metrics struct {
	TotalJobs             int     `json:"total_jobs"`
	CompletedJobs         int     `json:"completed_jobs"`
	FailedJobs            int     `json:"failed_jobs"`
	AverageCompletionTime float64 `json:"average_completion_time_seconds"`
	RetryCount            int     `json:"retry_count"`
	ActiveJobs            int     `json:"active_jobs"`
	QueueSize             int     `json:"queue_size"`
	CircuitBreakerState   string  `json:"circuit_breaker_state"`
}

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Scheduler admits queued jobs up to a concurrency cap and tracks their lifecycle.
type Scheduler struct {
	opts     Options
	store    store.Store
	exec     Executor
	breaker  *breaker.Breaker
	health   HealthSource
	events   EventPublisher
	validate *validator.Validate

	mu        sync.Mutex
	jobs      map[string]*models.Job
	reserved  map[string]bool
	resume    map[string]*models.Checkpoint
	running   map[string]context.CancelFunc
	cancelled map[string]bool
	queue     *queue.PriorityQueue

	wake chan struct{}
	wg   sync.WaitGroup
}

func New(opts Options, st store.Store, exec Executor, br *breaker.Breaker, health HealthSource, events EventPublisher) *Scheduler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.DefaultPriority < 1 || opts.DefaultPriority > 10 {
		opts.DefaultPriority = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	v := validator.New()
	_ = v.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
		return jobIDPattern.MatchString(fl.Field().String())
	})
	return &Scheduler{
		opts:      opts,
		store:     st,
		exec:      exec,
		breaker:   br,
		health:    health,
		events:    events,
		validate:  v,
		jobs:      make(map[string]*models.Job),
		reserved:  make(map[string]bool),
		resume:    make(map[string]*models.Checkpoint),
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
		queue:     queue.New(opts.MaxQueueSize),
		wake:      make(chan struct{}, 1),
	}
}

func (s *Scheduler) buildJob(req SubmitRequest) (models.Job, error) {
	if err := s.validate.Struct(req); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	seen := make(map[models.ModelID]bool, len(req.Models))
	var ids []models.ModelID
	for _, raw := range req.Models {
		id, err := models.ParseModelID(raw)
		if err != nil {
			return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	mats := models.DefaultMaterials()
	if len(req.Materials) > 0 {
		mats = nil
		dup := make(map[models.Material]bool)
		for _, raw := range req.Materials {
			m, err := models.ParseMaterial(raw)
			if err != nil {
				return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			if !dup[m] {
				dup[m] = true
				mats = append(mats, m)
			}
		}
	}

	job := models.Job{
		ID:             req.ID,
		Status:         models.StatusPending,
		Priority:       s.opts.DefaultPriority,
		MaxRetries:     s.opts.MaxRetries,
		Request:        models.Request{Models: ids, Materials: mats, Settings: req.Settings},
		FailureHistory: []models.FailureEntry{},
		CreatedAt:      time.Now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	return job, nil
}

// Submit validates, persists and enqueues a new job.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	job, err := s.buildJob(req)
	if err != nil {
		return "", err
	}

	// The id and a queue slot are reserved so the write can happen unlocked.
	s.mu.Lock()
	if _, ok := s.jobs[job.ID]; ok || s.reserved[job.ID] {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	if s.opts.MaxQueueSize > 0 && s.queue.Depth()+len(s.reserved) >= s.opts.MaxQueueSize {
		s.mu.Unlock()
		return "", ErrQueueFull
	}
	s.reserved[job.ID] = true
	s.mu.Unlock()

	if err := s.store.Persist(ctx, job); err != nil {
		s.mu.Lock()
		delete(s.reserved, job.ID)
		s.mu.Unlock()
		return "", fmt.Errorf("persist job: %w", err)
	}

	s.mu.Lock()
	delete(s.reserved, job.ID)
	if err := s.queue.Enqueue(job.ID, job.Priority); err != nil {
		s.mu.Unlock()
		_ = s.store.Delete(context.WithoutCancel(ctx), job.ID)
		return "", ErrQueueFull
	}
	s.jobs[job.ID] = &job
	ev := notify.FromJob(job)
	s.observeLocked()
	s.mu.Unlock()

	_ = s.store.AppendAudit(ctx, job.ID, "submitted",
		fmt.Sprintf("models=%d materials=%d priority=%d", len(job.Request.Models), len(job.Request.Materials), job.Priority))
	telemetry.JobsSubmitted.Inc()
	slog.Info("job submitted", "job_id", job.ID, "priority", job.Priority, "models", len(job.Request.Models))
	s.publish(ev)
	s.signal()
	return job.ID, nil
}

// Cancel stops a job. Pending jobs are removed entirely; a processing job has
// its context cancelled and ends in a permanent error. Terminal or unknown
// jobs report false.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}

	switch job.Status {
	case models.StatusPending:
		s.queue.Cancel(id)
		delete(s.jobs, id)
		delete(s.resume, id)
		s.observeLocked()
		s.mu.Unlock()
		if err := s.store.Delete(ctx, id); err != nil {
			return true, fmt.Errorf("delete cancelled job %s: %w", id, err)
		}
		slog.Info("pending job cancelled", "job_id", id)
		return true, nil

	case models.StatusProcessing:
		stop := s.running[id]
		s.cancelled[id] = true
		now := time.Now().UTC()
		job.Status = models.StatusError
		job.Error = cancelledMessage
		job.Permanent = true
		job.EndTime = &now
		job.ClearCursor()
		snapshot := job.Clone()
		s.mu.Unlock()

		if stop != nil {
			stop()
		}
		err := s.store.Persist(ctx, snapshot)
		_ = s.store.AppendAudit(ctx, id, "cancelled", cancelledMessage)
		s.publish(notify.FromJob(snapshot))
		slog.Info("running job cancelled", "job_id", id)
		if err != nil {
			return true, fmt.Errorf("persist cancelled job %s: %w", id, err)
		}
		return true, nil
	}
	s.mu.Unlock()
	return false, nil
}

// Status returns a snapshot of a job.
func (s *Scheduler) Status(id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns every known job ordered by creation time.
func (s *Scheduler) List() []models.Job {
	s.mu.Lock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Metrics aggregates the job table.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		TotalJobs:           len(s.jobs),
		ActiveJobs:          len(s.running),
		QueueSize:           s.queue.Depth(),
		CircuitBreakerState: s.breaker.State(),
	}
	var total time.Duration
	for _, j := range s.jobs {
		m.RetryCount += j.RetryCount
		switch j.Status {
		case models.StatusCompleted:
			m.CompletedJobs++
			if j.StartTime != nil && j.EndTime != nil {
				total += j.EndTime.Sub(*j.StartTime)
			}
		case models.StatusError:
			m.FailedJobs++
		}
	}
	if m.CompletedJobs > 0 {
		m.AverageCompletionTime = (total / time.Duration(m.CompletedJobs)).Seconds()
	}
	return m
}

// Requeue admits a job loaded from storage. resume is the checkpoint to
// continue from, if any.
func (s *Scheduler) Requeue(job models.Job, resume *models.Checkpoint) {
	s.mu.Lock()
	j := job.Clone()
	s.jobs[j.ID] = &j
	if resume != nil {
		cp := *resume
		s.resume[j.ID] = &cp
	}
	s.queue.Requeue(j.ID, j.Priority)
	s.observeLocked()
	s.mu.Unlock()
	s.signal()
}

// Track makes a stored job visible to Status and List without queueing it.
func (s *Scheduler) Track(job models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return
	}
	j := job.Clone()
	s.jobs[j.ID] = &j
}

// Forget drops a job from the table. Running jobs are left alone.
func (s *Scheduler) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.running[id]; running {
		return
	}
	s.queue.Cancel(id)
	delete(s.jobs, id)
	delete(s.resume, id)
	s.observeLocked()
}

// Run is the admission loop. It returns once ctx is cancelled and every
// running job has stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		s.admit(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// admit starts queued jobs while a concurrency slot and a breaker slot are
// both free. A job only leaves the queue once it holds both, so a rejected
// job keeps its position and its record is never touched.
func (s *Scheduler) admit(ctx context.Context) {
	for ctx.Err() == nil {
		if s.health != nil && s.health.Health().Overall == resource.LevelCritical {
			slog.Debug("admission paused: host resources critical")
			return
		}

		s.mu.Lock()
		if len(s.running) >= s.opts.MaxConcurrent {
			s.mu.Unlock()
			return
		}
		job := s.nextLocked()
		if job == nil {
			s.mu.Unlock()
			return
		}
		done, err := s.breaker.Acquire()
		if err != nil {
			s.mu.Unlock()
			slog.Debug("admission paused: circuit open", "next_job", job.ID)
			return
		}
		s.queue.Dequeue()
		s.startLocked(ctx, job, done)
		s.mu.Unlock()
	}
}

// nextLocked returns the pending job at the head of the queue, dropping
// stale entries on the way.
func (s *Scheduler) nextLocked() *models.Job {
	for {
		item, ok := s.queue.Peek()
		if !ok {
			return nil
		}
		job, ok := s.jobs[item.JobID]
		if ok && job.Status == models.StatusPending {
			return job
		}
		s.queue.Dequeue()
	}
}

func (s *Scheduler) startLocked(ctx context.Context, job *models.Job, done func(error)) {
	now := time.Now().UTC()
	job.Status = models.StatusProcessing
	job.Error = ""
	if job.StartTime == nil {
		job.StartTime = &now
	}
	resume := s.resume[job.ID]
	delete(s.resume, job.ID)
	if resume != nil && resume.Progress > job.Progress {
		job.Progress = resume.Progress
	}
	snapshot := job.Clone()

	jobCtx, cancel := context.WithCancel(ctx)
	s.running[job.ID] = cancel
	s.observeLocked()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		persistCtx := context.WithoutCancel(ctx)
		if err := s.store.Persist(persistCtx, snapshot); err != nil {
			slog.Warn("persist job start failed", "job_id", snapshot.ID, "error", err)
		}
		_ = s.store.AppendAudit(persistCtx, snapshot.ID, "started", fmt.Sprintf("attempt=%d", snapshot.RetryCount+1))
		s.publish(notify.FromJob(snapshot))
		slog.Info("job started", "job_id", snapshot.ID, "attempt", snapshot.RetryCount+1, "resume", resume != nil)

		err := s.exec.Execute(jobCtx, snapshot, resume, &jobReporter{s: s, id: snapshot.ID})
		done(err)
		s.finish(ctx, snapshot.ID, err)
	}()
}

func (s *Scheduler) finish(ctx context.Context, id string, err error) {
	persistCtx := context.WithoutCancel(ctx)

	var resume *models.Checkpoint
	if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) && !errors.Is(err, worker.ErrInvalidJob) {
		resume = s.latestCheckpoint(persistCtx, id)
	}

	s.mu.Lock()
	delete(s.running, id)
	job, ok := s.jobs[id]

	switch {
	case s.cancelled[id]:
		delete(s.cancelled, id)
		var snapshot models.Job
		if ok {
			snapshot = job.Clone()
		}
		s.observeLocked()
		s.mu.Unlock()
		// The start write may have landed after Cancel's; settle on the cancelled state.
		if ok {
			if perr := s.store.Persist(persistCtx, snapshot); perr != nil {
				slog.Error("persist cancelled job failed", "job_id", id, "error", perr)
			}
		}
		s.signal()
		return
	case !ok:
		s.observeLocked()
		s.mu.Unlock()
		return
	case err != nil && ctx.Err() != nil:
		// Shutdown: leave the record as processing so startup recovery resumes it.
		s.observeLocked()
		s.mu.Unlock()
		slog.Info("job interrupted by shutdown", "job_id", id, "progress", job.Progress)
		return
	case err == nil:
		s.completeLocked(job)
	default:
		s.failLocked(job, err, resume)
	}
	snapshot := job.Clone()
	s.observeLocked()
	s.mu.Unlock()

	if perr := s.store.Persist(persistCtx, snapshot); perr != nil {
		slog.Error("persist job result failed", "job_id", id, "error", perr)
	}
	s.audit(persistCtx, snapshot)
	s.publish(notify.FromJob(snapshot))
	s.signal()
}

func (s *Scheduler) completeLocked(job *models.Job) {
	now := time.Now().UTC()
	job.Status = models.StatusCompleted
	job.Progress = 100
	job.ProcessedModels = len(job.Request.Models)
	job.Error = ""
	job.EndTime = &now
	job.ClearCursor()

	telemetry.JobsCompleted.Inc()
	if job.StartTime != nil {
		telemetry.JobDuration.Observe(now.Sub(*job.StartTime).Seconds())
	}
	slog.Info("job completed", "job_id", job.ID, "retries", job.RetryCount)
}

// latestCheckpoint reads the resume point for a retry. A read error means the
// retry starts from scratch.
func (s *Scheduler) latestCheckpoint(ctx context.Context, id string) *models.Checkpoint {
	cp, ok, err := s.store.LatestCheckpoint(ctx, id)
	if err != nil {
		slog.Warn("load checkpoint for retry failed, restarting from scratch", "job_id", id, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return &cp
}

// failLocked records a failed run and either re-queues the job or marks it
// terminal. Invalid request data is never retried.
func (s *Scheduler) failLocked(job *models.Job, err error, resume *models.Checkpoint) {
	now := time.Now().UTC()
	msg := err.Error()
	job.FailureHistory = append(job.FailureHistory, models.FailureEntry{Timestamp: now, Error: msg})
	job.RetryCount++
	job.ClearCursor()

	if errors.Is(err, worker.ErrInvalidJob) {
		job.Status = models.StatusError
		job.Permanent = true
		job.Error = msg
		job.EndTime = &now
		telemetry.JobsFailed.Inc()
		slog.Error("job rejected", "job_id", job.ID, "error", err)
		return
	}

	if job.RetryCount < job.MaxRetries {
		job.Status = models.StatusPending
		job.Error = ""
		if resume != nil {
			s.resume[job.ID] = resume
			job.Progress = resume.Progress
			job.ProcessedModels = len(resume.CompletedModels)
		} else {
			job.Progress = 0
			job.ProcessedModels = 0
		}
		s.queue.Requeue(job.ID, job.Priority)
		telemetry.JobRetries.Inc()
		slog.Warn("job failed, retrying", "job_id", job.ID, "attempt", job.RetryCount, "max_retries", job.MaxRetries, "error", err)
		return
	}

	job.Status = models.StatusError
	job.Error = fmt.Sprintf("failed after %d attempts: %s", job.RetryCount, msg)
	job.EndTime = &now
	telemetry.JobsFailed.Inc()
	slog.Error("job failed permanently", "job_id", job.ID, "attempts", job.RetryCount, "error", err)
}

func (s *Scheduler) audit(ctx context.Context, job models.Job) {
	var event, detail string
	switch job.Status {
	case models.StatusCompleted:
		event, detail = "completed", fmt.Sprintf("retries=%d", job.RetryCount)
	case models.StatusPending:
		last := job.FailureHistory[len(job.FailureHistory)-1]
		event, detail = "retry_scheduled", fmt.Sprintf("attempts=%d error=%s", job.RetryCount, last.Error)
	case models.StatusError:
		event, detail = "failed", job.Error
	default:
		return
	}
	_ = s.store.AppendAudit(ctx, job.ID, event, detail)
}

// report applies executor progress to the job table.
func (s *Scheduler) report(id string, p worker.Progress) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusProcessing {
		s.mu.Unlock()
		return
	}
	if p.Progress > job.Progress {
		job.Progress = p.Progress
	}
	job.CurrentModel = p.Model
	job.CurrentMaterial = p.Material
	job.CurrentFrame = p.Frame
	job.TotalFrames = p.TotalFrames
	job.ProcessedModels = p.ProcessedModels
	ev := notify.FromJob(*job)
	s.mu.Unlock()

	if p.ModelCompleted {
		slog.Info("model completed", "job_id", id, "model", p.Model, "processed", p.ProcessedModels, "total", p.TotalModels)
		_ = s.store.AppendAudit(context.Background(), id, "model_completed",
			fmt.Sprintf("model=%s processed=%d/%d", p.Model, p.ProcessedModels, p.TotalModels))
	}
	s.publish(ev)
}

type jobReporter struct {
	s  *Scheduler
	id string
}

func (r *jobReporter) Report(p worker.Progress) {
	r.s.report(r.id, p)
}

func (s *Scheduler) publish(ev notify.Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) observeLocked() {
	telemetry.QueueDepthGauge.Set(float64(s.queue.Depth()))
	telemetry.ActiveGauge.Set(float64(len(s.running)))
}
