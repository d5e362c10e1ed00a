package worker

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

	"asset-orchestrator/internal/models"
	"asset-orchestrator/internal/retry"
	"asset-orchestrator/internal/store"
)

type fakeRenderer struct {
	mu     sync.Mutex
	calls  []RenderTask
	frames int
	fail   func(call int) error
	delay  time.Duration
}

func (f *fakeRenderer) Render(ctx context.Context, task RenderTask, onFrame FrameFunc) error {
	f.mu.Lock()
	f.calls = append(f.calls, task)
	call := len(f.calls)
	f.mu.Unlock()

	for i := 1; i <= f.frames; i++ {
		if f.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.delay):
			}
		}
		onFrame(i, f.frames)
		if f.fail != nil && i == f.frames/2 {
			if err := f.fail(call); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeRenderer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []Progress
}

func (r *recordingReporter) Report(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, p)
}

func (r *recordingReporter) all() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.reports...)
}

type assetSet map[models.ModelID]bool

func (a assetSet) Exists(m models.ModelID) (bool, error) { return a[m], nil }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStore(client, 10)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestExecutor(st store.Store, r Renderer, assets AssetChecker) *Executor {
	return NewExecutor(ExecutorConfig{
		Renderer:          r,
		Assets:            assets,
		Store:             st,
		Retry:             retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		FramesPerSequence: 4,
	})
}

func testJob(id string, modelIDs ...models.ModelID) models.Job {
	return models.Job{
		ID:         id,
		Status:     models.StatusProcessing,
		MaxRetries: 3,
		Request:    models.Request{Models: modelIDs, Materials: []models.Material{models.MaterialOak, models.MaterialWalnut}},
	}
}

func assertMonotonic(t *testing.T, reports []Progress) {
	t.Helper()
	for i := 1; i < len(reports); i++ {
		require.GreaterOrEqual(t, reports[i].Progress, reports[i-1].Progress, "progress went backwards at report %d", i)
	}
}

func TestExecutor_RunsEverySubtaskAndCheckpointsModels(t *testing.T) {
	st := newTestStore(t)
	r := &fakeRenderer{frames: 10}
	rep := &recordingReporter{}
	exec := newTestExecutor(st, r, nil)

	require.NoError(t, exec.Execute(context.Background(), testJob("job-1", "sofa", "chair"), nil, rep))

	assert.Equal(t, 4, r.callCount())
	reports := rep.all()
	assertMonotonic(t, reports)
	assert.Equal(t, 100, reports[len(reports)-1].Progress)

	var completedEvents int
	for _, p := range reports {
		if p.ModelCompleted {
			completedEvents++
		}
	}
	assert.Equal(t, 2, completedEvents)

	cp, ok, err := st.LatestCheckpoint(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100, cp.Progress)
	assert.Equal(t, []models.ModelID{"sofa", "chair"}, cp.CompletedModels)
}

func TestExecutor_RetriedSubtaskKeepsProgressMonotonic(t *testing.T) {
	st := newTestStore(t)
	r := &fakeRenderer{frames: 8, fail: func(call int) error {
		if call <= 2 {
			return errors.New("gpu lost")
		}
		return nil
	}}
	rep := &recordingReporter{}

	require.NoError(t, newTestExecutor(st, r, nil).Execute(context.Background(), testJob("job-1", "sofa"), nil, rep))
	assert.Equal(t, 4, r.callCount(), "two failed attempts plus two materials")
	assertMonotonic(t, rep.all())
}

func TestExecutor_ExhaustedSubtaskFailsJob(t *testing.T) {
	st := newTestStore(t)
	r := &fakeRenderer{frames: 4, fail: func(int) error { return errors.New("segfault") }}

	err := newTestExecutor(st, r, nil).Execute(context.Background(), testJob("job-1", "sofa"), nil, &recordingReporter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segfault")
	assert.Equal(t, 4, r.callCount(), "first attempt plus three retries")
}

func TestExecutor_SkipsModelsWithoutPrerequisites(t *testing.T) {
	st := newTestStore(t)
	r := &fakeRenderer{frames: 4}
	rep := &recordingReporter{}

	exec := newTestExecutor(st, r, assetSet{"sofa": true})
	require.NoError(t, exec.Execute(context.Background(), testJob("job-1", "sofa", "chair"), nil, rep))

	for _, task := range r.calls {
		assert.Equal(t, models.ModelID("sofa"), task.Model)
	}
	reports := rep.all()
	assert.Equal(t, 100, reports[len(reports)-1].Progress)
	assert.Equal(t, 2, reports[len(reports)-1].ProcessedModels)
}

func TestExecutor_ResumeSkipsCompletedModels(t *testing.T) {
	st := newTestStore(t)
	r := &fakeRenderer{frames: 4}
	rep := &recordingReporter{}
	resume := &models.Checkpoint{JobID: "job-1", Progress: 50, CompletedModels: []models.ModelID{"sofa"}}

	require.NoError(t, newTestExecutor(st, r, nil).Execute(context.Background(), testJob("job-1", "sofa", "chair"), resume, rep))

	require.Equal(t, 2, r.callCount())
	for _, task := range r.calls {
		assert.Equal(t, models.ModelID("chair"), task.Model)
	}
	reports := rep.all()
	assertMonotonic(t, reports)
	assert.GreaterOrEqual(t, reports[0].Progress, 50)
}

func TestExecutor_PeriodicCheckpoints(t *testing.T) {
	st := newTestStore(t)
	r := &fakeRenderer{frames: 10, delay: 10 * time.Millisecond}
	exec := NewExecutor(ExecutorConfig{
		Renderer:           r,
		Store:              st,
		Retry:              retry.Policy{MaxRetries: 0, BaseDelay: time.Millisecond},
		FramesPerSequence:  10,
		CheckpointInterval: 15 * time.Millisecond,
	})
	job := testJob("job-1", "sofa")
	job.Request.Materials = []models.Material{models.MaterialOak}
	require.NoError(t, st.Persist(context.Background(), job))

	require.NoError(t, exec.Execute(context.Background(), job, nil, &recordingReporter{}))

	rec, ok, err := st.Load(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	// periodic snapshots plus the per-model and completion checkpoints
	assert.GreaterOrEqual(t, len(rec.Checkpoints), 3)
	assert.Equal(t, 100, rec.Checkpoints[0].Progress)
}

func TestExecutor_CancelStopsBetweenFrames(t *testing.T) {
	st := newTestStore(t)
	r := &fakeRenderer{frames: 100, delay: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := newTestExecutor(st, r, nil).Execute(ctx, testJob("job-1", "sofa"), nil, &recordingReporter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, r.callCount(), "cancellation must not be retried")
}

func TestExecutor_RejectsEmptyRequest(t *testing.T) {
	err := newTestExecutor(newTestStore(t), &fakeRenderer{}, nil).Execute(context.Background(), models.Job{ID: "x"}, nil, &recordingReporter{})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestNewExecutor_ZeroDelaysUseDefaultPolicy(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Retry: retry.Policy{MaxRetries: 1}})
	def := retry.DefaultPolicy()

	assert.Equal(t, 1, e.cfg.Retry.MaxRetries)
	assert.Equal(t, def.BaseDelay, e.cfg.Retry.BaseDelay)
	assert.Equal(t, def.MaxDelay, e.cfg.Retry.MaxDelay)
	assert.Equal(t, 36, e.cfg.FramesPerSequence)
}
