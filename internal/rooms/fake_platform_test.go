package rooms

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePlatform is an in-memory guild: channels, who sits where, and every
// side effect the coordinator produced.
type fakePlatform struct {
	mu       sync.Mutex
	nextID   int
	channels map[string]string // id -> name
	where    map[string]string // user -> channel
	state    map[string]Occupant
	owners   map[string]string // channel -> owner

	dms      []fakeDM
	commands []string
	deletes  map[string]int

	createErr  error
	moveErr    error
	commandErr error
	dmErr      error
	// deleteDelay widens the teardown window in race tests.
	deleteDelay time.Duration
	// beforeOccupants runs outside the lock at the start of Occupants.
	beforeOccupants func(channelID string)
	// afterCreate runs outside the lock once CreateRoom has made a channel.
	afterCreate func(channelID string)
}

type fakeDM struct {
	UserID string
	Text   string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		channels: map[string]string{"lobby": "Lobby"},
		where:    make(map[string]string),
		state:    make(map[string]Occupant),
		owners:   make(map[string]string),
		deletes:  make(map[string]int),
	}
}

func (f *fakePlatform) CreateRoom(ctx context.Context, name, ownerID string) (string, error) {
	f.mu.Lock()
	if f.createErr != nil {
		f.mu.Unlock()
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("room-%d", f.nextID)
	f.channels[id] = name
	f.owners[id] = ownerID
	hook := f.afterCreate
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return id, nil
}

func (f *fakePlatform) DeleteChannel(ctx context.Context, channelID string) error {
	if f.deleteDelay > 0 {
		time.Sleep(f.deleteDelay)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes[channelID]++
	if _, ok := f.channels[channelID]; !ok {
		return fmt.Errorf("%w: channel %s", ErrUnknownReference, channelID)
	}
	delete(f.channels, channelID)
	for u, ch := range f.where {
		if ch == channelID {
			delete(f.where, u)
		}
	}
	return nil
}

func (f *fakePlatform) MoveMember(ctx context.Context, userID, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	if channelID == "" {
		delete(f.where, userID)
		return nil
	}
	if _, ok := f.channels[channelID]; !ok {
		return fmt.Errorf("%w: channel %s", ErrUnknownReference, channelID)
	}
	f.where[userID] = channelID
	return nil
}

func (f *fakePlatform) Occupants(ctx context.Context, channelID string) ([]Occupant, error) {
	f.mu.Lock()
	hook := f.beforeOccupants
	f.mu.Unlock()
	if hook != nil {
		hook(channelID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[channelID]; !ok {
		return nil, fmt.Errorf("%w: channel %s", ErrUnknownReference, channelID)
	}
	var out []Occupant
	for u, ch := range f.where {
		if ch != channelID {
			continue
		}
		o := f.state[u]
		o.UserID = u
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *fakePlatform) DirectMessage(ctx context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return f.dmErr
	}
	f.dms = append(f.dms, fakeDM{UserID: userID, Text: text})
	return nil
}

func (f *fakePlatform) SendCommand(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commandErr != nil {
		return f.commandErr
	}
	f.commands = append(f.commands, text)
	return nil
}

func (f *fakePlatform) ListRoomChannels(ctx context.Context, prefix string) ([]Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Channel
	for id, name := range f.channels {
		if strings.HasPrefix(name, prefix) {
			out = append(out, Channel{ID: id, Name: name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// place puts userID into channelID directly, as if they had clicked it.
func (f *fakePlatform) place(userID, channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if channelID == "" {
		delete(f.where, userID)
		return
	}
	f.where[userID] = channelID
}

func (f *fakePlatform) setState(userID string, o Occupant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[userID] = o
}

func (f *fakePlatform) channelOf(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.where[userID]
}

func (f *fakePlatform) deleteCount(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes[channelID]
}

func (f *fakePlatform) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakePlatform) sentDMs() []fakeDM {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeDM(nil), f.dms...)
}

func (f *fakePlatform) hasChannel(channelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.channels[channelID]
	return ok
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
