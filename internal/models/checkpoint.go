package models

import "time"

// SchemaVersion is written with every persisted record.
const SchemaVersion = 1

// Checkpoint is an immutable snapshot of a job's progress.
type Checkpoint struct {
	JobID           string            `json:"job_id"`
	Timestamp       time.Time         `json:"timestamp"`
	Progress        int               `json:"progress"`
	CompletedModels []ModelID         `json:"completed_models"`
	CurrentModel    string            `json:"current_model,omitempty"`
	CurrentMaterial string            `json:"current_material,omitempty"`
	CurrentFrame    int               `json:"current_frame,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Completed returns the completed models as a set.
func (c Checkpoint) Completed() map[ModelID]bool {
	out := make(map[ModelID]bool, len(c.CompletedModels))
	for _, m := range c.CompletedModels {
		out[m] = true
	}
	return out
}

// Record is the durable unit written to storage for each job.
type Record struct {
	Job           Job          `json:"job"`
	Checkpoints   []Checkpoint `json:"checkpoints"` // newest first
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	SchemaVersion int          `json:"schema_version"`
}

// Latest returns the newest checkpoint, if any.
func (r Record) Latest() (Checkpoint, bool) {
	if len(r.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return r.Checkpoints[0], true
}

// Reconcile derives the job's visible progress and cursor from the newest
// checkpoint. A crash can leave the last job write ahead of what was
// checkpointed; the checkpoint is the durable truth for unfinished jobs.
func (r *Record) Reconcile() {
	if r.Job.Status == StatusCompleted {
		return
	}
	cp, ok := r.Latest()
	if !ok {
		r.Job.Progress = 0
		r.Job.ClearCursor()
		return
	}
	r.Job.Progress = cp.Progress
	r.Job.CurrentModel = cp.CurrentModel
	r.Job.CurrentMaterial = cp.CurrentMaterial
	r.Job.CurrentFrame = cp.CurrentFrame
	r.Job.ProcessedModels = len(cp.CompletedModels)
}

// AuditEvent is a lifecycle transition worth keeping for diagnostics.
type AuditEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
