// Package resource turns host utilisation into a coarse admission verdict.
package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Level is the overall health verdict.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Health is the cached result of the last poll.
type Health struct {
	Overall       Level     `json:"overall"`
	MemoryPercent float64   `json:"memory_percent"`
	CPUPercent    float64   `json:"cpu_percent"`
	CheckedAt     time.Time `json:"checked_at"`
	Error         string    `json:"error,omitempty"`
}

// Usage is a raw utilisation sample.
type Usage struct {
	MemoryPercent float64
	CPUPercent    float64
}

// Sampler reads current host utilisation.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// Thresholds are percentages at which a resource counts as warning or critical.
type Thresholds struct {
	MemoryWarning  float64
	MemoryCritical float64
	CPUWarning     float64
	CPUCritical    float64
}

// DefaultThresholds returns conservative limits for a render host.
func DefaultThresholds() Thresholds {
	return Thresholds{MemoryWarning: 80, MemoryCritical: 92, CPUWarning: 85, CPUCritical: 97}
}

// Gate polls a Sampler on a fixed interval and serves the cached verdict.
type Gate struct {
	sampler    Sampler
	thresholds Thresholds
	interval   time.Duration

	mu   sync.RWMutex
	last Health
}

// NewGate builds a gate. Until the first poll it reports healthy.
func NewGate(s Sampler, t Thresholds, interval time.Duration) *Gate {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Gate{
		sampler:    s,
		thresholds: t,
		interval:   interval,
		last:       Health{Overall: LevelHealthy},
	}
}

// Health returns the cached verdict without sampling.
func (g *Gate) Health() Health {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last
}

// Refresh samples once and updates the cached verdict.
func (g *Gate) Refresh(ctx context.Context) Health {
	u, err := g.sampler.Sample(ctx)
	h := Health{CheckedAt: time.Now().UTC()}
	if err != nil {
		// Unknown is not critical: keep admitting, but flag it.
		h.Overall = LevelWarning
		h.Error = err.Error()
		slog.Warn("resource sample failed", "error", err)
	} else {
		h.MemoryPercent = u.MemoryPercent
		h.CPUPercent = u.CPUPercent
		h.Overall = g.classify(u)
	}

	g.mu.Lock()
	prev := g.last.Overall
	g.last = h
	g.mu.Unlock()

	if prev != h.Overall {
		slog.Info("resource health changed", "from", prev, "to", h.Overall,
			"memory_percent", h.MemoryPercent, "cpu_percent", h.CPUPercent)
	}
	return h
}

func (g *Gate) classify(u Usage) Level {
	t := g.thresholds
	switch {
	case u.MemoryPercent >= t.MemoryCritical || u.CPUPercent >= t.CPUCritical:
		return LevelCritical
	case u.MemoryPercent >= t.MemoryWarning || u.CPUPercent >= t.CPUWarning:
		return LevelWarning
	default:
		return LevelHealthy
	}
}

// Run polls until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	g.Refresh(ctx)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}

// HostSampler reads memory and CPU utilisation of the local host.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context) (Usage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{MemoryPercent: vm.UsedPercent}
	if len(pct) > 0 {
		u.CPUPercent = pct[0]
	}
	return u, nil
}
