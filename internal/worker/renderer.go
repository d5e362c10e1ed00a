package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"asset-orchestrator/internal/models"
)

// ErrRenderTimeout is returned when a renderer exceeds its wall-clock budget.
var ErrRenderTimeout = errors.New("render timed out")

// RenderTask is one (model, material) subtask of a job.
type RenderTask struct {
	JobID     string
	Model     models.ModelID
	Material  models.Material
	Settings  map[string]string
	OutputDir string
}

// Name identifies the subtask in logs.
func (t RenderTask) Name() string {
	return fmt.Sprintf("%s/%s/%s", t.JobID, t.Model, t.Material)
}

// FrameFunc receives frame progress as reported by the renderer.
type FrameFunc func(frame, total int)

// Renderer produces the image sequence for one subtask.
type Renderer interface {
	Render(ctx context.Context, task RenderTask, onFrame FrameFunc) error
}

var frameLine = regexp.MustCompile(`Frame (\d+)/(\d+)`)

const (
	defaultRenderTimeout = 10 * time.Minute
	defaultKillGrace     = 5 * time.Second
)

// ProcessRenderer runs an external rendering binary per subtask. A zero
// Timeout or KillGrace falls back to 10m and 5s; the timeout is always hard.
type ProcessRenderer struct {
	Bin       string
	Args      []string
	Timeout   time.Duration
	KillGrace time.Duration
}

// Render starts the subprocess and parses "Frame n/total" lines from stdout.
// On timeout or cancellation the process receives SIGTERM and is killed
// after KillGrace if it is still running.
func (r *ProcessRenderer) Render(ctx context.Context, task RenderTask, onFrame FrameFunc) error {
	if err := os.MkdirAll(task.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	grace := r.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Bin, expandArgs(r.Args, task)...)
	cmd.Env = append(os.Environ(), settingsEnv(task.Settings)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	stdout := &lineWriter{onLine: func(line string) {
		if frame, total, ok := parseFrame(line); ok && onFrame != nil {
			onFrame(frame, total)
		}
	}}
	stderr := &tailBuffer{max: 2048}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start renderer: %w", err)
	}
	err := cmd.Wait()
	stdout.flush()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrRenderTimeout, timeout)
	case err != nil:
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return fmt.Errorf("renderer %s: %w: %s", task.Name(), err, tail)
		}
		return fmt.Errorf("renderer %s: %w", task.Name(), err)
	}
	return nil
}

func expandArgs(args []string, task RenderTask) []string {
	rep := strings.NewReplacer(
		"{model}", string(task.Model),
		"{material}", string(task.Material),
		"{job}", task.JobID,
		"{output}", task.OutputDir,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = rep.Replace(a)
	}
	return out
}

// settingsEnv passes renderer settings as RENDER_<KEY>=value.
func settingsEnv(settings map[string]string) []string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		name := strings.ToUpper(strings.Map(func(r rune) rune {
			if r == '-' || r == '.' || r == ' ' {
				return '_'
			}
			return r
		}, k))
		env = append(env, "RENDER_"+name+"="+settings[k])
	}
	return env
}

func parseFrame(line string) (frame, total int, ok bool) {
	m := frameLine.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	frame, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || total <= 0 {
		return 0, 0, false
	}
	return frame, total, true
}

// lineWriter splits a byte stream into lines.
type lineWriter struct {
	buf    []byte
	onLine func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.onLine(strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.onLine(string(w.buf))
		w.buf = nil
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// FileAssets checks for model prerequisites under Root/models/<model>.glb.
type FileAssets struct {
	Root string
}

// Path returns where the prerequisite for a model is expected.
func (a FileAssets) Path(model models.ModelID) string {
	return filepath.Join(a.Root, "models", string(model)+".glb")
}

func (a FileAssets) Exists(model models.ModelID) (bool, error) {
	_, err := os.Stat(a.Path(model))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
