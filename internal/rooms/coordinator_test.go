package rooms

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/discord-room-lab/internal/logging"
)

func newTestCoordinator(t *testing.T, maxRooms, workers int, tune func(*Config)) (*Coordinator, *fakePlatform) {
	t.Helper()
	fp := newFakePlatform()
	pool, err := NewWorkerPool(testWorkers(workers))
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	cfg := Config{
		LobbyChannelID:  "lobby",
		SampleInterval:  time.Hour,
		SilenceTimeout:  5 * time.Hour,
		PlatformTimeout: time.Second,
	}
	if tune != nil {
		tune(&cfg)
	}
	c := New(cfg, fp, NewRegistry(maxRooms), pool)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, fp
}

func enterLobby(t *testing.T, c *Coordinator, fp *fakePlatform, userID string) error {
	t.Helper()
	before := fp.channelOf(userID)
	fp.place(userID, "lobby")
	return c.HandleMembershipChange(context.Background(), MembershipChange{UserID: userID, Before: before, After: "lobby"})
}

func leave(t *testing.T, c *Coordinator, fp *fakePlatform, userID string) {
	t.Helper()
	before := fp.channelOf(userID)
	fp.place(userID, "")
	if err := c.HandleMembershipChange(context.Background(), MembershipChange{UserID: userID, Before: before}); err != nil {
		t.Fatalf("leave: %v", err)
	}
}

func onlyRoom(t *testing.T, c *Coordinator) *Room {
	t.Helper()
	rooms := c.Registry().Rooms()
	if len(rooms) != 1 {
		t.Fatalf("want 1 open room, got %d", len(rooms))
	}
	return rooms[0]
}

// Scenario A: one slot, two members; the second gets the capacity notice.
func TestJoinBeyondCapacitySendsNotice(t *testing.T) {
	c, fp := newTestCoordinator(t, 1, 2, nil)

	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	room := onlyRoom(t, c)
	if room.Slot != 1 || room.Name != "Discussion Room 1" {
		t.Fatalf("unexpected room: slot=%d name=%q", room.Slot, room.Name)
	}
	if fp.channelOf("alice") != room.ChannelID {
		t.Fatalf("alice not moved into the new room")
	}

	err := enterLobby(t, c, fp, "bob")
	if !errors.Is(err, ErrNoFreeSlot) {
		t.Fatalf("bob join: want ErrNoFreeSlot, got %v", err)
	}
	dms := fp.sentDMs()
	if len(dms) != 1 || dms[0].UserID != "bob" || dms[0].Text != DefaultNotices.Capacity {
		t.Fatalf("capacity notice not sent to bob: %+v", dms)
	}
	if fp.channelOf("bob") != "lobby" {
		t.Fatalf("bob should remain in the lobby")
	}
	if c.Registry().Len() != 1 {
		t.Fatalf("rejected join left state behind: len=%d", c.Registry().Len())
	}
}

// Scenario B: the sole occupant leaves, the room is deleted and slot 1 is
// handed to the next member.
func TestDepartureClosesEmptyRoomAndFreesSlot(t *testing.T) {
	c, fp := newTestCoordinator(t, 1, 1, nil)

	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	room := onlyRoom(t, c)
	if _, ok := room.Worker(); !ok {
		t.Fatalf("room should have a recorder")
	}

	leave(t, c, fp, "alice")

	if fp.deleteCount(room.ChannelID) != 1 {
		t.Fatalf("want one delete, got %d", fp.deleteCount(room.ChannelID))
	}
	if c.Registry().Len() != 0 {
		t.Fatalf("slot not released")
	}
	if c.Pool().Available() != 1 {
		t.Fatalf("recorder not returned to pool")
	}
	cmds := fp.sentCommands()
	if len(cmds) != 2 || cmds[0] != "!1start_recording "+room.ChannelID || cmds[1] != "<@rec-1> stop_recording" {
		t.Fatalf("unexpected command log: %v", cmds)
	}

	if err := enterLobby(t, c, fp, "carol"); err != nil {
		t.Fatalf("carol join: %v", err)
	}
	if next := onlyRoom(t, c); next.Slot != 1 {
		t.Fatalf("carol should reuse slot 1, got %d", next.Slot)
	}
}

// Scenario C: the sole occupant stays muted past the timeout.
func TestSilenceExpiryTearsDownOnce(t *testing.T) {
	c, fp := newTestCoordinator(t, 2, 1, func(cfg *Config) {
		cfg.SampleInterval = 2 * time.Millisecond
		cfg.SilenceTimeout = 10 * time.Millisecond
	})
	fp.setState("alice", Occupant{SelfMute: true})

	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	room := onlyRoom(t, c)

	waitFor(t, 2*time.Second, "silence teardown", func() bool { return c.Registry().Len() == 0 })
	time.Sleep(20 * time.Millisecond)

	if n := fp.deleteCount(room.ChannelID); n != 1 {
		t.Fatalf("want exactly one delete, got %d", n)
	}
	if fp.channelOf("alice") != "" {
		t.Fatalf("alice was not disconnected")
	}
	var notified bool
	for _, dm := range fp.sentDMs() {
		if dm.UserID == "alice" && dm.Text == DefaultNotices.Silence {
			notified = true
		}
	}
	if !notified {
		t.Fatalf("silence notice missing: %+v", fp.sentDMs())
	}
	if c.Pool().Available() != 1 {
		t.Fatalf("recorder not returned after silence teardown")
	}
}

func TestSpeakingOccupantKeepsRoomOpen(t *testing.T) {
	c, fp := newTestCoordinator(t, 1, 0, func(cfg *Config) {
		cfg.SampleInterval = 2 * time.Millisecond
		cfg.SilenceTimeout = 10 * time.Millisecond
	})
	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if c.Registry().Len() != 1 {
		t.Fatalf("room with an unmuted occupant was closed")
	}
}

// Scenario D: both recorders are busy; the third room opens unstaffed and
// the shortfall is logged.
func TestRoomOpensUnstaffedWhenPoolEmpty(t *testing.T) {
	capture := logging.NewCaptureLogger()
	logging.SetLogger(capture)
	t.Cleanup(func() { logging.SetLogger(nil) })

	c, fp := newTestCoordinator(t, 3, 2, nil)
	for _, u := range []string{"alice", "bob"} {
		if err := enterLobby(t, c, fp, u); err != nil {
			t.Fatalf("%s join: %v", u, err)
		}
	}
	if err := enterLobby(t, c, fp, "carol"); err != nil {
		t.Fatalf("carol join: %v", err)
	}

	rooms := c.Registry().Rooms()
	if len(rooms) != 3 {
		t.Fatalf("want 3 rooms, got %d", len(rooms))
	}
	if _, ok := rooms[2].Worker(); ok {
		t.Fatalf("third room should have no recorder")
	}
	if !capture.Has("warn", "no idle recorder; room opens without recording") {
		t.Fatalf("pool shortfall not logged")
	}
	starts := 0
	for _, cmd := range fp.sentCommands() {
		if strings.Contains(cmd, "start_recording") {
			starts++
		}
	}
	if starts != 2 {
		t.Fatalf("want 2 start commands, got %d", starts)
	}
}

func TestConcurrentTeardownRunsOnce(t *testing.T) {
	c, fp := newTestCoordinator(t, 1, 1, nil)
	fp.deleteDelay = 20 * time.Millisecond

	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	room := onlyRoom(t, c)
	fp.place("alice", "")

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Close(context.Background(), room.Slot, ReasonSilence) {
				wins.Add(1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.HandleMembershipChange(context.Background(), MembershipChange{UserID: "alice", Before: room.ChannelID})
	}()
	wg.Wait()

	if wins.Load() > 1 {
		t.Fatalf("%d Close calls claimed the teardown", wins.Load())
	}
	if n := fp.deleteCount(room.ChannelID); n != 1 {
		t.Fatalf("want exactly one delete, got %d", n)
	}
	if c.Registry().Len() != 0 || c.Pool().Available() != 1 {
		t.Fatalf("resources not released: rooms=%d idle=%d", c.Registry().Len(), c.Pool().Available())
	}
	stops := 0
	for _, cmd := range fp.sentCommands() {
		if strings.HasSuffix(cmd, "stop_recording") {
			stops++
		}
	}
	if stops != 1 {
		t.Fatalf("want one stop command, got %d", stops)
	}
	if c.Close(context.Background(), room.Slot, ReasonEmpty) {
		t.Fatalf("closing a released slot should be a no-op")
	}
}

func TestDepartureKeepsOccupiedRoom(t *testing.T) {
	c, fp := newTestCoordinator(t, 1, 1, nil)
	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	room := onlyRoom(t, c)
	fp.place("bob", room.ChannelID)
	fp.place("rec-1", room.ChannelID)

	leave(t, c, fp, "alice")
	if c.Registry().Len() != 1 || fp.deleteCount(room.ChannelID) != 0 {
		t.Fatalf("room with bob inside was closed")
	}

	leave(t, c, fp, "bob")
	if c.Registry().Len() != 0 {
		t.Fatalf("room holding only a recorder should close")
	}
}

func TestReturningToLobbyReopensRoom(t *testing.T) {
	c, fp := newTestCoordinator(t, 1, 1, nil)
	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	first := onlyRoom(t, c)

	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("second join: %v", err)
	}
	second := onlyRoom(t, c)
	if second.ChannelID == first.ChannelID || second.Slot != 1 {
		t.Fatalf("expected a fresh room in slot 1, got %+v", second.info())
	}
	if fp.hasChannel(first.ChannelID) {
		t.Fatalf("abandoned room was not deleted")
	}
}

func TestWorkerAndBotEventsIgnored(t *testing.T) {
	c, fp := newTestCoordinator(t, 2, 1, nil)
	ctx := context.Background()
	_ = c.HandleMembershipChange(ctx, MembershipChange{UserID: "rec-1", After: "lobby"})
	_ = c.HandleMembershipChange(ctx, MembershipChange{UserID: "music", Bot: true, After: "lobby"})
	if c.Registry().Len() != 0 || len(fp.sentCommands()) != 0 {
		t.Fatalf("worker or bot triggered a room")
	}
}

func TestCreateFailureReleasesSlot(t *testing.T) {
	c, fp := newTestCoordinator(t, 1, 1, nil)
	fp.createErr = errors.New("missing permissions")
	if err := enterLobby(t, c, fp, "alice"); err == nil {
		t.Fatalf("expected create failure")
	}
	if c.Registry().Len() != 0 {
		t.Fatalf("slot leaked after create failure")
	}
	fp.createErr = nil
	if _, err := c.Join(context.Background(), "alice"); err != nil {
		t.Fatalf("retry join: %v", err)
	}
	if onlyRoom(t, c).Slot != 1 {
		t.Fatalf("slot 1 not reused")
	}
}

func TestMoveFailureAbortsRoom(t *testing.T) {
	c, fp := newTestCoordinator(t, 1, 1, nil)
	fp.moveErr = errors.New("member left voice")
	if err := enterLobby(t, c, fp, "alice"); err == nil {
		t.Fatalf("expected move failure")
	}
	if c.Registry().Len() != 0 {
		t.Fatalf("aborted room still registered")
	}
	if fp.deleteCount("room-1") != 1 {
		t.Fatalf("aborted room channel not deleted")
	}
	if c.Pool().Available() != 1 {
		t.Fatalf("recorder consumed by aborted room")
	}
}

func TestStartCommandFailureReturnsWorker(t *testing.T) {
	c, fp := newTestCoordinator(t, 1, 1, nil)
	fp.commandErr = errors.New("command channel gone")
	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, ok := onlyRoom(t, c).Worker(); ok {
		t.Fatalf("room kept a worker that was never told to start")
	}
	if c.Pool().Available() != 1 {
		t.Fatalf("worker not returned to pool")
	}
}

func TestTeardownContinuesWhenNoticeFails(t *testing.T) {
	c, fp := newTestCoordinator(t, 1, 1, nil)
	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	room := onlyRoom(t, c)
	fp.dmErr = errors.New("DMs closed")
	if !c.CloseRoom(context.Background(), room.Slot) {
		t.Fatalf("operator close did not run")
	}
	if fp.deleteCount(room.ChannelID) != 1 || c.Registry().Len() != 0 {
		t.Fatalf("teardown aborted after notice failure")
	}
	if fp.channelOf("alice") != "" {
		t.Fatalf("alice not disconnected")
	}
}

func TestReconcileDeletesStaleRooms(t *testing.T) {
	c, fp := newTestCoordinator(t, 3, 0, nil)
	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	fp.mu.Lock()
	fp.channels["old-2"] = "Discussion Room 2"
	fp.channels["notes"] = "Discussion Room notes"
	fp.mu.Unlock()

	n, err := c.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 1 || fp.hasChannel("old-2") || !fp.hasChannel("notes") {
		t.Fatalf("reconcile deleted %d; old-2 present=%v notes present=%v", n, fp.hasChannel("old-2"), fp.hasChannel("notes"))
	}
	if c.Registry().Len() != 1 {
		t.Fatalf("open room was touched by reconcile")
	}
}

func TestShutdownClosesEveryRoom(t *testing.T) {
	c, fp := newTestCoordinator(t, 2, 2, func(cfg *Config) {
		cfg.SampleInterval = time.Millisecond
	})
	for _, u := range []string{"alice", "bob"} {
		if err := enterLobby(t, c, fp, u); err != nil {
			t.Fatalf("%s join: %v", u, err)
		}
	}
	infos := c.Rooms()
	if len(infos) != 2 || infos[0].WorkerID == "" {
		t.Fatalf("unexpected room report: %+v", infos)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if c.Registry().Len() != 0 || c.Pool().Available() != 2 {
		t.Fatalf("shutdown left rooms=%d idle=%d", c.Registry().Len(), c.Pool().Available())
	}
	closed := 0
	for _, dm := range fp.sentDMs() {
		if dm.Text == DefaultNotices.Closed {
			closed++
		}
	}
	if closed != 2 {
		t.Fatalf("want 2 closure notices, got %d", closed)
	}
}

// A monitor whose sample was in flight when its room closed must not tear
// down the next room that takes the same slot.
func TestStaleMonitorLeavesNewerRoomInSlot(t *testing.T) {
	c, fp := newTestCoordinator(t, 1, 1, func(cfg *Config) {
		cfg.SampleInterval = 2 * time.Millisecond
		cfg.SilenceTimeout = 2 * time.Millisecond
	})
	entered := make(chan struct{})
	release := make(chan struct{})
	var first, unblock sync.Once
	fp.beforeOccupants = func(channelID string) {
		if channelID != "room-1" {
			return
		}
		hold := false
		first.Do(func() { hold = true })
		if hold {
			close(entered)
			<-release
		}
	}
	t.Cleanup(func() { unblock.Do(func() { close(release) }) })

	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor of room-1 never sampled")
	}

	leave(t, c, fp, "alice")
	if fp.deleteCount("room-1") != 1 {
		t.Fatalf("room-1 not closed on departure")
	}
	if err := enterLobby(t, c, fp, "bob"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	room := onlyRoom(t, c)
	if room.Slot != 1 || room.ChannelID != "room-2" {
		t.Fatalf("want room-2 in slot 1, got %s in slot %d", room.ChannelID, room.Slot)
	}

	// The held sample now sees room-1 gone.
	unblock.Do(func() { close(release) })
	time.Sleep(30 * time.Millisecond)

	if got := onlyRoom(t, c); got != room {
		t.Fatalf("slot 1 no longer holds room-2")
	}
	if n := fp.deleteCount("room-2"); n != 0 {
		t.Fatalf("room-2 deleted %d times by a closed room's monitor", n)
	}
	if fp.channelOf("bob") != "room-2" {
		t.Fatalf("bob was disconnected from room-2")
	}
	if n := fp.deleteCount("room-1"); n != 1 {
		t.Fatalf("room-1 deleted %d times", n)
	}
}

func TestReconcileSparesRoomBeingCreated(t *testing.T) {
	c, fp := newTestCoordinator(t, 2, 0, nil)
	swept := 0
	// A gateway reconnect can trigger a sweep between CreateRoom and
	// Register.
	fp.afterCreate = func(string) {
		n, err := c.Reconcile(context.Background())
		if err != nil {
			t.Errorf("Reconcile: %v", err)
		}
		swept += n
	}

	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	room := onlyRoom(t, c)
	if swept != 0 || fp.deleteCount(room.ChannelID) != 0 {
		t.Fatalf("sweep deleted the room being opened (swept=%d deletes=%d)", swept, fp.deleteCount(room.ChannelID))
	}
	if fp.channelOf("alice") != room.ChannelID {
		t.Fatalf("alice in %q, want %q", fp.channelOf("alice"), room.ChannelID)
	}
}

func TestTeardownOutlivesCancelledCaller(t *testing.T) {
	c, fp := newTestCoordinator(t, 1, 1, nil)
	if err := enterLobby(t, c, fp, "alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	room := onlyRoom(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !c.Close(ctx, room.Slot, ReasonOperator) {
		t.Fatalf("Close reported no teardown")
	}
	if fp.hasChannel(room.ChannelID) || fp.deleteCount(room.ChannelID) != 1 {
		t.Fatalf("channel survived teardown (deletes=%d)", fp.deleteCount(room.ChannelID))
	}
	if fp.channelOf("alice") != "" {
		t.Fatalf("alice not disconnected")
	}
	if c.Registry().Len() != 0 || c.Pool().Available() != 1 {
		t.Fatalf("teardown left rooms=%d idle=%d", c.Registry().Len(), c.Pool().Available())
	}
}
