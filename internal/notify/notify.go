// Package notify fans job progress out to an external sink without ever
// blocking the executor that produced it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"asset-orchestrator/internal/models"
	"asset-orchestrator/internal/telemetry"
)

// Event is one progress or lifecycle update for a job.
type Event struct {
	JobID           string           `json:"job_id"`
	Status          models.JobStatus `json:"status"`
	Progress        int              `json:"progress"`
	CurrentModel    string           `json:"current_model,omitempty"`
	CurrentMaterial string           `json:"current_material,omitempty"`
	CurrentFrame    int              `json:"current_frame,omitempty"`
	TotalFrames     int              `json:"total_frames,omitempty"`
	ProcessedModels int              `json:"processed_models"`
	TotalModels     int              `json:"total_models"`
	Error           string           `json:"error,omitempty"`
	StartTime       *time.Time       `json:"start_time,omitempty"`
	EndTime         *time.Time       `json:"end_time,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// FromJob builds an event from a job snapshot.
func FromJob(j models.Job) Event {
	return Event{
		JobID:           j.ID,
		Status:          j.Status,
		Progress:        j.Progress,
		CurrentModel:    j.CurrentModel,
		CurrentMaterial: j.CurrentMaterial,
		CurrentFrame:    j.CurrentFrame,
		TotalFrames:     j.TotalFrames,
		ProcessedModels: j.ProcessedModels,
		TotalModels:     len(j.Request.Models),
		Error:           j.Error,
		StartTime:       j.StartTime,
		EndTime:         j.EndTime,
		Timestamp:       time.Now().UTC(),
	}
}

// Sink delivers events to whatever is listening.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Broadcaster buffers events on a bounded channel drained by Run.
type Broadcaster struct {
	events chan Event
	sink   Sink
}

// NewBroadcaster creates a broadcaster with room for buffer pending events.
func NewBroadcaster(sink Sink, buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{events: make(chan Event, buffer), sink: sink}
}

// Publish enqueues an event. When the buffer is full the event is dropped.
func (b *Broadcaster) Publish(ev Event) bool {
	select {
	case b.events <- ev:
		return true
	default:
		telemetry.NotificationsDropped.Inc()
		slog.Debug("notification dropped", "job_id", ev.JobID, "status", ev.Status)
		return false
	}
}

// Run forwards buffered events to the sink until ctx is done, then flushes
// whatever is still buffered.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case ev := <-b.events:
			b.send(ctx, ev)
		case <-ctx.Done():
			b.flush()
			return
		}
	}
}

func (b *Broadcaster) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-b.events:
			b.send(ctx, ev)
		default:
			return
		}
	}
}

func (b *Broadcaster) send(ctx context.Context, ev Event) {
	if err := b.sink.Send(ctx, ev); err != nil {
		slog.Warn("notification delivery failed", "job_id", ev.JobID, "error", err)
	}
}

// RedisSink publishes each event on a shared channel and on a per-job channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink publishes to channel and channel:<job id>.
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// JobChannel is the per-job channel name.
func (s *RedisSink) JobChannel(jobID string) string {
	return s.channel + ":" + jobID
}

func (s *RedisSink) Send(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Publish(ctx, s.channel, raw)
	pipe.Publish(ctx, s.JobChannel(ev.JobID), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.JobID, err)
	}
	return nil
}

// LogSink writes events to the default logger. Used when no broker is configured.
type LogSink struct{}

func (LogSink) Send(_ context.Context, ev Event) error {
	slog.Info("job progress",
		"job_id", ev.JobID,
		"status", ev.Status,
		"progress", ev.Progress,
		"model", ev.CurrentModel,
		"material", ev.CurrentMaterial,
		"frame", ev.CurrentFrame,
	)
	return nil
}
