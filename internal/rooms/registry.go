package rooms

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps slot numbers in [1, max] to open rooms. Allocate reserves a
// number before the room exists so concurrent joins never share a slot.
type Registry struct {
	mu       sync.Mutex
	max      int
	rooms    map[int]*Room
	reserved map[int]struct{}
}

func NewRegistry(max int) *Registry {
	if max < 1 {
		max = 1
	}
	return &Registry{
		max:      max,
		rooms:    make(map[int]*Room, max),
		reserved: make(map[int]struct{}),
	}
}

// Capacity is the configured maximum number of rooms.
func (r *Registry) Capacity() int { return r.max }

// Allocate reserves the lowest free slot number.
func (r *Registry) Allocate() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for n := 1; n <= r.max; n++ {
		if _, ok := r.rooms[n]; ok {
			continue
		}
		if _, ok := r.reserved[n]; ok {
			continue
		}
		r.reserved[n] = struct{}{}
		return n, nil
	}
	return 0, ErrNoFreeSlot
}

// Register binds a reserved slot to room.
func (r *Registry) Register(slot int, room *Room) error {
	if slot < 1 || slot > r.max {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrSlotOutOfRange, slot, r.max)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reserved[slot]; !ok {
		return fmt.Errorf("%w: %d", ErrSlotNotReserved, slot)
	}
	delete(r.reserved, slot)
	room.Slot = slot
	r.rooms[slot] = room
	return nil
}

// Release frees slot whether it is reserved or registered. Releasing a free
// slot is a no-op; the return value reports whether anything was freed.
func (r *Registry) Release(slot int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[slot]; ok {
		delete(r.rooms, slot)
		return true
	}
	if _, ok := r.reserved[slot]; ok {
		delete(r.reserved, slot)
		return true
	}
	return false
}

// Reserved reports whether slot is allocated but not yet registered.
func (r *Registry) Reserved(slot int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.reserved[slot]
	return ok
}

func (r *Registry) Lookup(slot int) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[slot]
	return room, ok
}

// FindByChannel returns the open room backed by channelID.
func (r *Registry) FindByChannel(channelID string) (*Room, bool) {
	if channelID == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range r.rooms {
		if room.ChannelID == channelID {
			return room, true
		}
	}
	return nil, false
}

// Rooms returns the registered rooms ordered by slot.
func (r *Registry) Rooms() []*Room {
	r.mu.Lock()
	out := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Len counts registered rooms plus outstanding reservations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms) + len(r.reserved)
}
