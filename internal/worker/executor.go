package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"asset-orchestrator/internal/models"
	"asset-orchestrator/internal/retry"
	"asset-orchestrator/internal/store"
)

// ErrInvalidJob marks request data the executor can never process.
var ErrInvalidJob = errors.New("invalid job request")

// Progress is a snapshot of an executing job.
type Progress struct {
	JobID           string
	Model           string
	Material        string
	Frame           int
	TotalFrames     int
	Progress        int
	ProcessedModels int
	TotalModels     int
	ModelCompleted  bool
}

// Reporter receives progress from a running job.
type Reporter interface {
	Report(p Progress)
}

// AssetChecker reports whether a model's prerequisite asset is present.
type AssetChecker interface {
	Exists(model models.ModelID) (bool, error)
}

// Publisher ships the output of a finished subtask.
type Publisher interface {
	Publish(ctx context.Context, task RenderTask) error
}

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Renderer           Renderer
	Assets             AssetChecker
	Publisher          Publisher
	Store              store.Store
	Retry              retry.Policy
	FramesPerSequence  int
	CheckpointInterval time.Duration
	OutputRoot         string
}

// Executor runs a job's subtasks in order and writes its checkpoints.
type Executor struct {
	cfg ExecutorConfig
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.FramesPerSequence < 1 {
		cfg.FramesPerSequence = 36
	}
	if cfg.Publisher == nil {
		cfg.Publisher = (*FramePublisher)(nil)
	}
	if cfg.Assets == nil {
		cfg.Assets = allPresent{}
	}
	if cfg.Retry.BaseDelay <= 0 {
		def := retry.DefaultPolicy()
		cfg.Retry.BaseDelay = def.BaseDelay
		if cfg.Retry.MaxDelay <= 0 {
			cfg.Retry.MaxDelay = def.MaxDelay
		}
	}
	return &Executor{cfg: cfg}
}

// run is the mutable state of one execution. The periodic checkpointer reads
// it concurrently with the render loop.
type run struct {
	mu        sync.Mutex
	job       models.Job
	total     int
	done      int
	progress  int
	completed []models.ModelID
	model     string
	material  string
	frame     int
	frames    int
}

func (r *run) snapshot() models.Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.Checkpoint{
		JobID:           r.job.ID,
		Timestamp:       time.Now().UTC(),
		Progress:        r.progress,
		CompletedModels: append([]models.ModelID(nil), r.completed...),
		CurrentModel:    r.model,
		CurrentMaterial: r.material,
		CurrentFrame:    r.frame,
	}
}

func (r *run) progressReport() Progress {
	return Progress{
		JobID:           r.job.ID,
		Model:           r.model,
		Material:        r.material,
		Frame:           r.frame,
		TotalFrames:     r.frames,
		Progress:        r.progress,
		ProcessedModels: len(r.completed),
		TotalModels:     len(r.job.Request.Models),
	}
}

// advance moves the cursor to step within the current subtask. Progress
// never moves backwards, including across subtask retries.
func (r *run) advance(step int) Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frame = step
	if pct := (r.done + step) * 100 / r.total; pct > r.progress {
		r.progress = pct
	}
	if r.progress > 100 {
		r.progress = 100
	}
	return r.progressReport()
}

func (r *run) finishModel(model models.ModelID, steps int) Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done += steps
	r.completed = append(r.completed, model)
	if pct := r.done * 100 / r.total; pct > r.progress {
		r.progress = pct
	}
	r.model, r.material, r.frame = "", "", 0
	p := r.progressReport()
	p.ModelCompleted = true
	p.Model = string(model)
	return p
}

// Execute renders every (model, material) pair of job. When resume is set,
// models it lists as completed are skipped and progress starts from its value.
func (e *Executor) Execute(ctx context.Context, job models.Job, resume *models.Checkpoint, rep Reporter) error {
	mats := job.Request.Materials
	if len(mats) == 0 {
		mats = models.DefaultMaterials()
	}
	if len(job.Request.Models) == 0 {
		return fmt.Errorf("%w: no models", ErrInvalidJob)
	}
	frames := e.cfg.FramesPerSequence
	perModel := len(mats) * frames

	r := &run{
		job:    job,
		total:  len(job.Request.Models) * perModel,
		frames: frames,
	}
	var skip map[models.ModelID]bool
	if resume != nil {
		skip = resume.Completed()
		r.progress = resume.Progress
		slog.Info("resuming job", "job_id", job.ID, "progress", resume.Progress, "completed_models", len(resume.CompletedModels))
	}

	stop := e.startCheckpointer(ctx, r)
	defer stop()

	for _, model := range job.Request.Models {
		if err := ctx.Err(); err != nil {
			return err
		}
		if skip[model] {
			rep.Report(r.finishModel(model, perModel))
			continue
		}

		ok, err := e.cfg.Assets.Exists(model)
		if err != nil {
			return fmt.Errorf("check prerequisites for %s: %w", model, err)
		}
		if !ok {
			slog.Warn("prerequisite asset missing, skipping model", "job_id", job.ID, "model", model)
			rep.Report(r.finishModel(model, perModel))
			e.checkpoint(r)
			continue
		}

		for i, mat := range mats {
			if err := e.renderSubtask(ctx, r, model, mat, i*frames, rep); err != nil {
				return err
			}
		}
		rep.Report(r.finishModel(model, perModel))
		e.checkpoint(r)
	}

	final := r.snapshot()
	final.Progress = 100
	final.Metadata = map[string]string{"phase": "completed"}
	e.writeCheckpoint(final)
	return nil
}

func (e *Executor) renderSubtask(ctx context.Context, r *run, model models.ModelID, mat models.Material, offset int, rep Reporter) error {
	task := RenderTask{
		JobID:     r.job.ID,
		Model:     model,
		Material:  mat,
		Settings:  r.job.Request.Settings,
		OutputDir: filepath.Join(e.cfg.OutputRoot, r.job.ID, string(model), string(mat)),
	}
	frames := r.frames

	r.mu.Lock()
	r.model, r.material, r.frame = string(model), string(mat), 0
	r.mu.Unlock()

	return retry.Do(ctx, e.cfg.Retry, task.Name(), func(ctx context.Context) error {
		err := e.cfg.Renderer.Render(ctx, task, func(frame, total int) {
			scaled := frame * frames / total
			if scaled > frames {
				scaled = frames
			}
			rep.Report(r.advance(offset + scaled))
		})
		if err != nil {
			return err
		}
		return e.cfg.Publisher.Publish(ctx, task)
	})
}

func (e *Executor) startCheckpointer(ctx context.Context, r *run) func() {
	if e.cfg.CheckpointInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.checkpoint(r)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (e *Executor) checkpoint(r *run) {
	e.writeCheckpoint(r.snapshot())
}

// writeCheckpoint uses a detached context so the last snapshot lands even
// after the job context is cancelled.
func (e *Executor) writeCheckpoint(cp models.Checkpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.cfg.Store.Checkpoint(ctx, cp); err != nil {
		slog.Warn("checkpoint write failed", "job_id", cp.JobID, "progress", cp.Progress, "error", err)
	}
}

type allPresent struct{}

func (allPresent) Exists(models.ModelID) (bool, error) { return true, nil }
