package rooms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/discord-room-lab/internal/logging"
	"github.com/discord-room-lab/internal/protocol"
)

// Notices are the only user-visible messages the coordinator sends.
type Notices struct {
	Capacity string `yaml:"capacity"`
	Silence  string `yaml:"silence"`
	Closed   string `yaml:"closed"`
}

var DefaultNotices = Notices{
	Capacity: "No discussion room is available right now, please try again later.",
	Silence:  "The discussion room was closed because nobody spoke for a while.",
	Closed:   "The discussion room has been closed.",
}

// Config holds the coordinator's behaviour knobs. Capacity lives on the
// Registry and WorkerPool passed to New.
type Config struct {
	LobbyChannelID  string
	RoomNamePrefix  string
	SampleInterval  time.Duration
	SilenceTimeout  time.Duration
	PlatformTimeout time.Duration
	Notices         Notices
}

const DefaultRoomNamePrefix = "Discussion Room "

func (c Config) withDefaults() Config {
	if c.RoomNamePrefix == "" {
		c.RoomNamePrefix = DefaultRoomNamePrefix
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 300 * time.Second
	}
	if c.Notices.Capacity == "" {
		c.Notices.Capacity = DefaultNotices.Capacity
	}
	if c.Notices.Silence == "" {
		c.Notices.Silence = DefaultNotices.Silence
	}
	if c.Notices.Closed == "" {
		c.Notices.Closed = DefaultNotices.Closed
	}
	return c
}

// Coordinator owns the lifecycle of discussion rooms: it opens a room for
// each member entering the lobby, staffs it with a recorder when one is
// idle, and tears it down exactly once when it empties, goes silent, or is
// closed by an operator.
type Coordinator struct {
	cfg      Config
	platform Platform
	registry *Registry
	pool     *WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, platform Platform, registry *Registry, pool *WorkerPool) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		platform: platform,
		registry: registry,
		pool:     pool,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Coordinator) Registry() *Registry { return c.registry }

func (c *Coordinator) Pool() *WorkerPool { return c.pool }

// HandleMembershipChange reacts to a member moving between voice channels.
// Bots and recorder workers are ignored. Leaving an open room is handled
// before entering the lobby so a member hopping from their room back to
// the lobby frees the slot first.
func (c *Coordinator) HandleMembershipChange(ctx context.Context, ev MembershipChange) error {
	if ev.Bot || c.pool.IsWorker(ev.UserID) {
		return nil
	}
	if ev.Before != "" && ev.Before != ev.After {
		if room, ok := c.registry.FindByChannel(ev.Before); ok {
			c.handleDeparture(ctx, room)
		}
	}
	if c.cfg.LobbyChannelID != "" && ev.After == c.cfg.LobbyChannelID && ev.Before != c.cfg.LobbyChannelID {
		_, err := c.Join(ctx, ev.UserID)
		return err
	}
	return nil
}

// Join opens a room for userID. When every slot is taken the member gets the
// capacity notice and ErrNoFreeSlot is returned with nothing else changed.
func (c *Coordinator) Join(ctx context.Context, userID string) (*Room, error) {
	slot, err := c.registry.Allocate()
	if err != nil {
		logging.Infow("no free discussion room", append(logging.UserFields(userID, ""), "capacity", c.registry.Capacity())...)
		if derr := c.directMessage(ctx, userID, c.cfg.Notices.Capacity); derr != nil {
			logging.Warnw("capacity notice not delivered", append(logging.UserFields(userID, ""), "err", derr)...)
		}
		return nil, err
	}

	name := c.cfg.RoomNamePrefix + strconv.Itoa(slot)
	channelID, err := c.createRoom(ctx, name, userID)
	if err != nil {
		c.registry.Release(slot)
		logging.Errorw("room channel create failed", "room.slot", slot, "room.name", name, "user.id", userID, "err", err)
		return nil, err
	}

	room := &Room{
		ChannelID: channelID,
		Name:      name,
		OwnerID:   userID,
		SessionID: uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if err := c.registry.Register(slot, room); err != nil {
		c.registry.Release(slot)
		if derr := c.deleteChannel(ctx, channelID); derr != nil && !errors.Is(derr, ErrUnknownReference) {
			logging.Errorw("orphan room channel delete failed", "channel.id", channelID, "err", derr)
		}
		return nil, err
	}
	fields := logging.RoomFields(room.Slot, room.ChannelID, room.SessionID)
	logging.Infow("room opened", append(fields, "room.name", name, "user.id", userID)...)

	if err := c.moveMember(ctx, userID, channelID); err != nil {
		logging.Warnw("moving member into room failed; closing room", append(fields, "user.id", userID, "err", err)...)
		c.closeRoom(ctx, room, ReasonAborted)
		return nil, err
	}

	c.assignWorker(ctx, room)
	c.startMonitor(room)
	return room, nil
}

// assignWorker staffs room with an idle recorder. An empty pool is not an
// error: the room stays open without a recording.
func (c *Coordinator) assignWorker(ctx context.Context, room *Room) {
	fields := logging.RoomFields(room.Slot, room.ChannelID, room.SessionID)
	w, err := c.pool.Acquire()
	if err != nil {
		logging.Warnw("no idle recorder; room opens without recording", append(fields, "err", err, "pool.size", c.pool.Size())...)
		return
	}
	if err := c.sendCommand(ctx, protocol.StartRecording(w, room.ChannelID)); err != nil {
		c.pool.Release(w.ID)
		logging.Warnw("start_recording not delivered; recorder returned to pool", append(fields, append(logging.WorkerFields(w.ID, w.Prefix), "err", err)...)...)
		return
	}
	room.setWorker(&w)
	logging.Infow("recorder assigned", append(fields, logging.WorkerFields(w.ID, w.Prefix)...)...)

	// Teardown may have run while the command was in flight.
	if room.Closing() {
		if w, ok := room.takeWorker(); ok {
			c.releaseWorker(ctx, room, w)
		}
	}
}

func (c *Coordinator) startMonitor(room *Room) {
	fields := logging.RoomFields(room.Slot, room.ChannelID, room.SessionID)
	channelID := room.ChannelID
	m := NewSilenceMonitor(MonitorConfig{
		Interval: c.cfg.SampleInterval,
		Timeout:  c.cfg.SilenceTimeout,
		Occupants: func(ctx context.Context) ([]Occupant, error) {
			return c.occupants(ctx, channelID)
		},
		IsWorker: c.pool.IsWorker,
		// Bound to this room, not its slot: the slot may already belong to
		// a newer room.
		OnExpire: func() {
			c.closeRoom(c.ctx, room, ReasonSilence)
		},
		Fields: fields,
	})
	mctx, cancel := context.WithCancel(c.ctx)
	room.setMonitor(m, cancel)
	if room.Closing() {
		cancel()
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		m.Run(mctx)
	}()
}

func (c *Coordinator) handleDeparture(ctx context.Context, room *Room) {
	occ, err := c.occupants(ctx, room.ChannelID)
	if err != nil && !errors.Is(err, ErrUnknownReference) {
		logging.Warnw("occupancy check failed", append(logging.RoomFields(room.Slot, room.ChannelID, room.SessionID), "err", err)...)
		return
	}
	if c.humans(occ) == 0 {
		c.closeRoom(ctx, room, ReasonEmpty)
	}
}

func (c *Coordinator) humans(occ []Occupant) int {
	n := 0
	for _, o := range occ {
		if !o.Bot && !c.pool.IsWorker(o.UserID) {
			n++
		}
	}
	return n
}

// Close tears down the room in slot. It is safe to call concurrently and
// repeatedly; only the first call for a room does any work, and the result
// reports whether this call was that one.
func (c *Coordinator) Close(ctx context.Context, slot int, reason Reason) bool {
	room, ok := c.registry.Lookup(slot)
	if !ok {
		return false
	}
	return c.closeRoom(ctx, room, reason)
}

// CloseRoom is the operator entry point for Close.
func (c *Coordinator) CloseRoom(ctx context.Context, slot int) bool {
	return c.Close(ctx, slot, ReasonOperator)
}

func (c *Coordinator) closeRoom(ctx context.Context, room *Room, reason Reason) bool {
	fields := append(logging.RoomFields(room.Slot, room.ChannelID, room.SessionID), "reason", string(reason))
	if !room.closing.CompareAndSwap(false, true) {
		logging.Debugw("room already closing", fields...)
		return false
	}
	room.stopMonitor()
	// Once started, teardown finishes even if the caller's context ends;
	// each platform call is still bounded by PlatformTimeout.
	ctx = context.WithoutCancel(ctx)

	occ, err := c.occupants(ctx, room.ChannelID)
	if err != nil && !errors.Is(err, ErrUnknownReference) {
		logging.Warnw("listing occupants for teardown failed", append(fields, "err", err)...)
	}
	notice := c.cfg.Notices.Closed
	if reason == ReasonSilence {
		notice = c.cfg.Notices.Silence
	}
	for _, o := range occ {
		if o.Bot || c.pool.IsWorker(o.UserID) {
			continue
		}
		if err := c.directMessage(ctx, o.UserID, notice); err != nil {
			logging.Warnw("closure notice not delivered", append(fields, "user.id", o.UserID, "err", err)...)
		}
		if err := c.moveMember(ctx, o.UserID, ""); err != nil && !errors.Is(err, ErrUnknownReference) {
			logging.Warnw("disconnecting occupant failed", append(fields, "user.id", o.UserID, "err", err)...)
		}
	}

	if w, ok := room.takeWorker(); ok {
		c.releaseWorker(ctx, room, w)
	}

	if err := c.deleteChannel(ctx, room.ChannelID); err != nil && !errors.Is(err, ErrUnknownReference) {
		logging.Errorw("room channel delete failed", append(fields, "err", err)...)
	}
	c.registry.Release(room.Slot)
	logging.Infow("room closed", append(fields, "lifetime", time.Since(room.CreatedAt).Round(time.Second).String())...)
	return true
}

// releaseWorker tells w to stop and returns it to the pool even when the
// command cannot be delivered, so capacity is never lost.
func (c *Coordinator) releaseWorker(ctx context.Context, room *Room, w protocol.Worker) {
	fields := append(logging.RoomFields(room.Slot, room.ChannelID, room.SessionID), logging.WorkerFields(w.ID, w.Prefix)...)
	if err := c.sendCommand(ctx, protocol.StopRecording(w)); err != nil {
		logging.Warnw("stop_recording not delivered", append(fields, "err", err)...)
	}
	if c.pool.Release(w.ID) {
		logging.Infow("recorder returned to pool", fields...)
	}
}

// Rooms reports every open room ordered by slot.
func (c *Coordinator) Rooms() []Info {
	rooms := c.registry.Rooms()
	out := make([]Info, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.info())
	}
	return out
}

func (c *Coordinator) PoolStatus() PoolStatus { return c.pool.Snapshot() }

// Reconcile deletes room channels left behind by a previous run: voice
// channels named like a room that no open room owns. It returns how many
// were deleted.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	lctx, cancel := c.bounded(ctx)
	channels, err := c.platform.ListRoomChannels(lctx, c.cfg.RoomNamePrefix)
	cancel()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, ch := range channels {
		slot, ok := c.roomSlot(ch.Name)
		if !ok {
			continue
		}
		// A reserved slot is a join between CreateRoom and Register; its
		// channel is not registered yet. Check it before FindByChannel so a
		// Register landing in between is still seen.
		if c.registry.Reserved(slot) {
			continue
		}
		if _, open := c.registry.FindByChannel(ch.ID); open {
			continue
		}
		if err := c.deleteChannel(ctx, ch.ID); err != nil && !errors.Is(err, ErrUnknownReference) {
			logging.Warnw("stale room delete failed", append(logging.ChannelFields(ch.ID, ch.Name), "err", err)...)
			continue
		}
		logging.Infow("stale room deleted", logging.ChannelFields(ch.ID, ch.Name)...)
		deleted++
	}
	return deleted, nil
}

// roomSlot parses the slot number out of a room channel name.
func (c *Coordinator) roomSlot(name string) (int, bool) {
	if !strings.HasPrefix(name, c.cfg.RoomNamePrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, c.cfg.RoomNamePrefix))
	return n, err == nil && n >= 1
}

// Shutdown closes every open room and waits for the silence monitors to
// exit or ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	for _, room := range c.registry.Rooms() {
		c.closeRoom(ctx, room, ReasonShutdown)
	}
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for silence monitors: %w", ctx.Err())
	}
}

func (c *Coordinator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.PlatformTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.PlatformTimeout)
}

func (c *Coordinator) createRoom(ctx context.Context, name, ownerID string) (string, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.platform.CreateRoom(ctx, name, ownerID)
}

func (c *Coordinator) deleteChannel(ctx context.Context, channelID string) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.platform.DeleteChannel(ctx, channelID)
}

func (c *Coordinator) moveMember(ctx context.Context, userID, channelID string) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.platform.MoveMember(ctx, userID, channelID)
}

func (c *Coordinator) occupants(ctx context.Context, channelID string) ([]Occupant, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.platform.Occupants(ctx, channelID)
}

func (c *Coordinator) directMessage(ctx context.Context, userID, text string) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.platform.DirectMessage(ctx, userID, text)
}

func (c *Coordinator) sendCommand(ctx context.Context, text string) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.platform.SendCommand(ctx, text)
}
