package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asset-orchestrator/internal/breaker"
	"asset-orchestrator/internal/models"
	"asset-orchestrator/internal/scheduler"
	"asset-orchestrator/internal/store"
	"asset-orchestrator/internal/worker"
)

type admitLog struct {
	mu        sync.Mutex
	requeued  map[string]*models.Checkpoint
	jobs      map[string]models.Job
	tracked   []string
	forgotten []string
}

func newAdmitLog() *admitLog {
	return &admitLog{requeued: map[string]*models.Checkpoint{}, jobs: map[string]models.Job{}}
}

func (a *admitLog) Requeue(job models.Job, resume *models.Checkpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requeued[job.ID] = resume
	a.jobs[job.ID] = job
}

func (a *admitLog) Track(job models.Job) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tracked = append(a.tracked, job.ID)
}

func (a *admitLog) Forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forgotten = append(a.forgotten, id)
}

func newStore(t *testing.T) *store.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStore(client, 10)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func persist(t *testing.T, st store.Store, job models.Job) {
	t.Helper()
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}
	if job.Request.Models == nil {
		job.Request = models.Request{Models: []models.ModelID{"sofa", "chair"}, Materials: models.DefaultMaterials()}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, st.Persist(context.Background(), job))
}

func TestRecover_ClassifiesRecords(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	persist(t, st, models.Job{ID: "interrupted", Status: models.StatusProcessing, Progress: 80, CurrentModel: "chair"})
	require.NoError(t, st.Checkpoint(ctx, models.Checkpoint{JobID: "interrupted", Progress: 50, CompletedModels: []models.ModelID{"sofa"}}))
	persist(t, st, models.Job{ID: "waiting", Status: models.StatusPending})
	persist(t, st, models.Job{ID: "errored", Status: models.StatusError, RetryCount: 1, Error: "boom"})
	persist(t, st, models.Job{ID: "exhausted", Status: models.StatusError, RetryCount: 3})
	persist(t, st, models.Job{ID: "cancelled", Status: models.StatusError, Permanent: true, Error: "cancelled by user"})
	persist(t, st, models.Job{ID: "done", Status: models.StatusCompleted, Progress: 100})

	admit := newAdmitLog()
	rep, err := NewManager(st, admit, time.Hour).Recover(ctx)
	require.NoError(t, err)

	assert.Equal(t, Report{Resumed: 1, Requeued: 1, Retried: 1, Skipped: 2}, rep)
	assert.Len(t, admit.requeued, 3)
	assert.ElementsMatch(t, []string{"done", "exhausted", "cancelled"}, admit.tracked)

	resume := admit.requeued["interrupted"]
	require.NotNil(t, resume)
	assert.Equal(t, 50, resume.Progress)
	assert.Equal(t, []models.ModelID{"sofa"}, resume.CompletedModels)
	assert.Equal(t, models.StatusPending, admit.jobs["interrupted"].Status)
	assert.Empty(t, admit.jobs["interrupted"].CurrentModel)

	assert.Equal(t, 2, admit.jobs["errored"].RetryCount)
	assert.Empty(t, admit.jobs["errored"].Error)

	rec, ok, err := st.Load(ctx, "interrupted")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, rec.Job.Status)
	assert.Equal(t, 50, rec.Job.Progress, "progress comes from the checkpoint, not the last job write")

	events, err := st.ListAudit(ctx, "interrupted", 1)
	require.NoError(t, err)
	assert.Equal(t, "recovered", events[0].Event)
}

func TestRecover_EmptyStore(t *testing.T) {
	rep, err := NewManager(newStore(t), newAdmitLog(), time.Hour).Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
}

func TestCleanup_RemovesOnlyExpiredTerminalRecords(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	persist(t, st, models.Job{ID: "done", Status: models.StatusCompleted})
	persist(t, st, models.Job{ID: "failed", Status: models.StatusError, RetryCount: 3})
	persist(t, st, models.Job{ID: "running", Status: models.StatusProcessing})
	persist(t, st, models.Job{ID: "queued", Status: models.StatusPending})

	admit := newAdmitLog()
	m := NewManager(st, admit, 7*24*time.Hour)

	removed, err := m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "fresh records are kept")

	m.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	removed, err = m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.ElementsMatch(t, []string{"done", "failed"}, admit.forgotten)

	records, err := st.List(ctx)
	require.NoError(t, err)
	var left []string
	for _, r := range records {
		left = append(left, r.Job.ID)
	}
	assert.ElementsMatch(t, []string{"running", "queued"}, left)
}

type blockingExecutor struct {
	mu      sync.Mutex
	resumes map[string]*models.Checkpoint
	block   bool
	started chan string
}

func (b *blockingExecutor) Execute(ctx context.Context, job models.Job, resume *models.Checkpoint, _ worker.Reporter) error {
	b.mu.Lock()
	b.resumes[job.ID] = resume
	block := b.block
	b.mu.Unlock()
	if b.started != nil {
		b.started <- job.ID
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func TestRecover_SimulatedCrashResumesFromCheckpoint(t *testing.T) {
	st := newStore(t)
	br := breaker.New(breaker.Settings{Name: "test", FailureThreshold: 5, Cooldown: time.Minute})
	opts := scheduler.Options{MaxConcurrent: 1, MaxQueueSize: 10, MaxRetries: 3, PollInterval: 10 * time.Millisecond}

	// First process: the job starts, checkpoints one model, then the process dies.
	first := &blockingExecutor{resumes: map[string]*models.Checkpoint{}, block: true, started: make(chan string, 1)}
	s1 := scheduler.New(opts, st, first, br, nil, nil)
	ctx1, crash := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s1.Run(ctx1) }()

	id, err := s1.Submit(context.Background(), scheduler.SubmitRequest{ID: "sofa-set", Models: []string{"sofa", "chair"}})
	require.NoError(t, err)
	<-first.started
	require.NoError(t, st.Checkpoint(context.Background(), models.Checkpoint{
		JobID: id, Progress: 50, CompletedModels: []models.ModelID{"sofa"}, CurrentModel: "chair",
	}))
	crash()
	require.True(t, errors.Is(<-done, context.Canceled))

	// Second process: recovery resumes the job from its checkpoint.
	second := &blockingExecutor{resumes: map[string]*models.Checkpoint{}}
	s2 := scheduler.New(opts, st, second, br, nil, nil)
	rep, err := NewManager(st, s2, time.Hour).Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resumed)

	ctx2, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = s2.Run(ctx2) }()

	require.Eventually(t, func() bool {
		j, err := s2.Status(id)
		return err == nil && j.Status == models.StatusCompleted
	}, 3*time.Second, 5*time.Millisecond)

	second.mu.Lock()
	defer second.mu.Unlock()
	resume := second.resumes[id]
	require.NotNil(t, resume)
	assert.Equal(t, 50, resume.Progress)
	assert.Equal(t, []models.ModelID{"sofa"}, resume.CompletedModels)
}
