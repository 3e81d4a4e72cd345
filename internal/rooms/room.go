package rooms

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/discord-room-lab/internal/protocol"
)

// Reason records which trigger tore a room down.
type Reason string

const (
	ReasonEmpty    Reason = "empty"
	ReasonSilence  Reason = "silence"
	ReasonOperator Reason = "operator"
	ReasonShutdown Reason = "shutdown"
	ReasonAborted  Reason = "aborted"
)

// Room is one open discussion room. Occupants are never cached here; they
// are always read live from the Platform.
type Room struct {
	Slot      int
	ChannelID string
	Name      string
	OwnerID   string
	SessionID string
	CreatedAt time.Time

	mu     sync.Mutex
	worker *protocol.Worker

	closing       atomic.Bool
	cancelMonitor context.CancelFunc
	monitor       *SilenceMonitor
}

// Worker returns the recorder assigned to the room, if any.
func (r *Room) Worker() (protocol.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.worker == nil {
		return protocol.Worker{}, false
	}
	return *r.worker, true
}

func (r *Room) setWorker(w *protocol.Worker) {
	r.mu.Lock()
	r.worker = w
	r.mu.Unlock()
}

// takeWorker clears and returns the assigned worker so it can be returned
// to the pool exactly once.
func (r *Room) takeWorker() (protocol.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.worker == nil {
		return protocol.Worker{}, false
	}
	w := *r.worker
	r.worker = nil
	return w, true
}

func (r *Room) setMonitor(m *SilenceMonitor, cancel context.CancelFunc) {
	r.mu.Lock()
	r.monitor = m
	r.cancelMonitor = cancel
	r.mu.Unlock()
}

func (r *Room) stopMonitor() {
	r.mu.Lock()
	cancel := r.cancelMonitor
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Closing reports whether teardown has started.
func (r *Room) Closing() bool { return r.closing.Load() }

// Info is a point-in-time copy of a room for reporting.
type Info struct {
	Slot        int       `json:"slot"`
	ChannelID   string    `json:"channel_id"`
	Name        string    `json:"name"`
	OwnerID     string    `json:"owner_id"`
	SessionID   string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	WorkerID    string    `json:"worker_id,omitempty"`
	SilentTicks int       `json:"silent_ticks"`
	Closing     bool      `json:"closing"`
}

func (r *Room) info() Info {
	in := Info{
		Slot:      r.Slot,
		ChannelID: r.ChannelID,
		Name:      r.Name,
		OwnerID:   r.OwnerID,
		SessionID: r.SessionID,
		CreatedAt: r.CreatedAt,
		Closing:   r.Closing(),
	}
	r.mu.Lock()
	if r.worker != nil {
		in.WorkerID = r.worker.ID
	}
	m := r.monitor
	r.mu.Unlock()
	if m != nil {
		in.SilentTicks = m.SilentTicks()
	}
	return in
}
