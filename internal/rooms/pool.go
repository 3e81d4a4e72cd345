package rooms

import (
	"sort"
	"sync"

	"github.com/discord-room-lab/internal/protocol"
)

// WorkerPool hands out recorder workers first-in first-out. A worker is
// either idle in the queue or assigned; the set never changes size.
type WorkerPool struct {
	mu       sync.Mutex
	all      map[string]protocol.Worker
	idle     []protocol.Worker
	assigned map[string]struct{}
}

// NewWorkerPool builds a pool whose FIFO order is the order of workers.
func NewWorkerPool(workers []protocol.Worker) (*WorkerPool, error) {
	if err := protocol.Validate(workers); err != nil {
		return nil, err
	}
	p := &WorkerPool{
		all:      make(map[string]protocol.Worker, len(workers)),
		idle:     make([]protocol.Worker, 0, len(workers)),
		assigned: make(map[string]struct{}, len(workers)),
	}
	for _, w := range workers {
		p.all[w.ID] = w
		p.idle = append(p.idle, w)
	}
	return p, nil
}

// Acquire pops the longest-idle worker.
func (p *WorkerPool) Acquire() (protocol.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return protocol.Worker{}, ErrPoolEmpty
	}
	w := p.idle[0]
	p.idle = p.idle[1:]
	p.assigned[w.ID] = struct{}{}
	return w, nil
}

// Release returns an assigned worker to the back of the queue. Unknown or
// already idle ids are ignored so a worker can never be queued twice.
func (p *WorkerPool) Release(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.assigned[id]; !ok {
		return false
	}
	delete(p.assigned, id)
	p.idle = append(p.idle, p.all[id])
	return true
}

// IsWorker reports whether userID is one of the configured recorders.
func (p *WorkerPool) IsWorker(userID string) bool {
	_, ok := p.all[userID]
	return ok
}

func (p *WorkerPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *WorkerPool) Size() int { return len(p.all) }

// PoolStatus is a snapshot of the pool for reporting.
type PoolStatus struct {
	Size     int      `json:"size"`
	Idle     []string `json:"idle"`
	Assigned []string `json:"assigned"`
}

func (p *WorkerPool) Snapshot() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStatus{Size: len(p.all), Idle: make([]string, 0, len(p.idle)), Assigned: make([]string, 0, len(p.assigned))}
	for _, w := range p.idle {
		st.Idle = append(st.Idle, w.ID)
	}
	for id := range p.assigned {
		st.Assigned = append(st.Assigned, id)
	}
	sort.Strings(st.Assigned)
	return st
}
