package rooms

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/discord-room-lab/internal/logging"
)

// OccupantFunc reads the live occupants of the monitored channel.
type OccupantFunc func(ctx context.Context) ([]Occupant, error)

// MonitorConfig configures one SilenceMonitor.
type MonitorConfig struct {
	Interval  time.Duration
	Timeout   time.Duration
	Occupants OccupantFunc
	// IsWorker filters recorder workers out of the occupant list.
	IsWorker func(userID string) bool
	// OnExpire is called at most once, from the monitor goroutine.
	OnExpire func()
	// Fields are attached to every log entry.
	Fields []interface{}
}

// SilenceMonitor samples a room on a fixed interval and fires OnExpire once
// nobody has been audible for Timeout. It is either watching or closed;
// cancelling the Run context closes it without firing.
type SilenceMonitor struct {
	cfg    MonitorConfig
	limit  int64
	silent atomic.Int64
	closed atomic.Bool
}

func NewSilenceMonitor(cfg MonitorConfig) *SilenceMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.IsWorker == nil {
		cfg.IsWorker = func(string) bool { return false }
	}
	limit := int64(cfg.Timeout / cfg.Interval)
	if cfg.Timeout%cfg.Interval != 0 {
		limit++
	}
	if limit < 1 {
		limit = 1
	}
	return &SilenceMonitor{cfg: cfg, limit: limit}
}

// SilentTicks is the current count of consecutive silent samples.
func (m *SilenceMonitor) SilentTicks() int { return int(m.silent.Load()) }

// Limit is the number of consecutive silent samples that expires the room.
func (m *SilenceMonitor) Limit() int { return int(m.limit) }

// Closed reports whether the monitor has stopped watching.
func (m *SilenceMonitor) Closed() bool { return m.closed.Load() }

// Tick takes one sample and reports whether the room just expired. Once
// expired or closed, further ticks are no-ops returning false.
func (m *SilenceMonitor) Tick(ctx context.Context) bool {
	if m.closed.Load() || ctx.Err() != nil {
		return false
	}
	occupants, err := m.cfg.Occupants(ctx)
	// The room may have been closed while the query was in flight.
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, ErrUnknownReference):
		logging.Infow("silence monitor: channel is gone", m.fields("err", err)...)
		return m.expire()
	case err != nil:
		logging.Debugw("silence monitor: occupant query failed, skipping sample", m.fields("err", err)...)
		return false
	}

	if m.audible(occupants) {
		m.silent.Store(0)
		return false
	}
	if m.silent.Add(1) >= m.limit {
		return m.expire()
	}
	return false
}

func (m *SilenceMonitor) audible(occupants []Occupant) bool {
	for _, o := range occupants {
		if o.Bot || m.cfg.IsWorker(o.UserID) {
			continue
		}
		if o.Speaking() {
			return true
		}
	}
	return false
}

func (m *SilenceMonitor) fields(kv ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(m.cfg.Fields)+len(kv))
	out = append(out, m.cfg.Fields...)
	return append(out, kv...)
}

func (m *SilenceMonitor) expire() bool {
	return m.closed.CompareAndSwap(false, true)
}

// Run samples until the room expires or ctx is cancelled. OnExpire fires
// only in the first case.
func (m *SilenceMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closed.Store(true)
			return
		case <-ticker.C:
			if m.Tick(ctx) {
				if ctx.Err() != nil {
					return
				}
				logging.Infow("silence monitor: room expired", m.fields("silent_ticks", m.SilentTicks())...)
				if m.cfg.OnExpire != nil {
					m.cfg.OnExpire()
				}
				return
			}
		}
	}
}
