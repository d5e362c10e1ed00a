package models

import (
	"time"
)

// JobStatus enumerates lifecycle states of a generation job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
)

// Terminal reports whether no further execution will happen for the status on its own.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Request is the immutable work description captured at submission. It is
// persisted verbatim so that retries and recovery reproduce the same work.
type Request struct {
	Models    []ModelID         `json:"models"`
	Materials []Material        `json:"materials"`
	Settings  map[string]string `json:"settings,omitempty"`
}

// FailureEntry is one element of a job's failure history.
type FailureEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// Job represents one request to generate image sequences for a set of models across materials.
type Job struct {
	ID             string         `json:"id"`
	Status         JobStatus      `json:"status"`
	Progress       int            `json:"progress"`
	Priority       int            `json:"priority"`
	Request        Request        `json:"request"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	FailureHistory []FailureEntry `json:"failure_history"`
	Error          string         `json:"error,omitempty"`
	// Permanent marks a failure that must never be retried (cancellation, bad request data).
	Permanent bool `json:"permanent,omitempty"`

	CurrentModel    string `json:"current_model,omitempty"`
	CurrentMaterial string `json:"current_material,omitempty"`
	CurrentFrame    int    `json:"current_frame,omitempty"`
	TotalFrames     int    `json:"total_frames,omitempty"`
	ProcessedModels int    `json:"processed_models"`

	CreatedAt time.Time  `json:"created_at"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// CanRecover reports whether a persisted job is eligible to be re-admitted after a restart.
func (j Job) CanRecover() bool {
	if j.Permanent || j.RetryCount >= j.MaxRetries {
		return false
	}
	switch j.Status {
	case StatusPending, StatusProcessing, StatusError:
		return true
	}
	return false
}

// ClearCursor resets the transient position fields that are only valid while processing.
func (j *Job) ClearCursor() {
	j.CurrentModel = ""
	j.CurrentMaterial = ""
	j.CurrentFrame = 0
	j.TotalFrames = 0
}

// Clone returns a deep copy safe to hand out of a locked section.
func (j Job) Clone() Job {
	out := j
	out.Request.Models = append([]ModelID(nil), j.Request.Models...)
	out.Request.Materials = append([]Material(nil), j.Request.Materials...)
	if j.Request.Settings != nil {
		out.Request.Settings = make(map[string]string, len(j.Request.Settings))
		for k, v := range j.Request.Settings {
			out.Request.Settings[k] = v
		}
	}
	out.FailureHistory = append([]FailureEntry(nil), j.FailureHistory...)
	if j.StartTime != nil {
		t := *j.StartTime
		out.StartTime = &t
	}
	if j.EndTime != nil {
		t := *j.EndTime
		out.EndTime = &t
	}
	return out
}
