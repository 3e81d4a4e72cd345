// Package recorder implements the recorder bots: each Worker listens on the
// command channel for its own start/stop commands, joins the named voice
// channel, captures every speaker, and writes one WAV per speaker when the
// session ends.
package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/discord-room-lab/internal/logging"
	"github.com/discord-room-lab/internal/protocol"
	"github.com/discord-room-lab/internal/rooms"
)

// Stop reasons recorded in sidecars.
const (
	StopCommand      = "stop_command"
	StopIdle         = "idle"
	StopDisconnected = "disconnected"
	StopChannelGone  = "channel_gone"
	StopReassigned   = "reassigned"
	StopShutdown     = "shutdown"
)

type Config struct {
	Identity         protocol.Worker
	GuildID          string
	CommandChannelID string
	// CoordinatorID is the only author whose commands are obeyed.
	CoordinatorID string
	// IdleTimeout ends a session after the channel has had no humans for
	// this long.
	IdleTimeout   time.Duration
	IdleInterval  time.Duration
	MaxTrack      time.Duration
	UploadTimeout time.Duration
	NewDecoder    DecoderFactory
	Store         *Store
	Uploader      *Uploader
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = time.Second
	}
	if c.MaxTrack <= 0 {
		c.MaxTrack = 3 * time.Hour
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 5 * time.Minute
	}
	if c.NewDecoder == nil {
		c.NewDecoder = NewOpusDecoder
	}
	return c
}

type session struct {
	info    SessionInfo
	conn    Conn
	capture *Capture
	cancel  context.CancelFunc
	done    chan struct{}

	mu         sync.Mutex
	reason     string
	recordings []Recording
}

func (s *session) requestStop(reason string) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *session) stopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		return StopShutdown
	}
	return s.reason
}

// Worker is one recorder identity. It records at most one channel at a time.
type Worker struct {
	cfg Config
	gw  Gateway

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ops serializes Start and Stop.
	ops    sync.Mutex
	mu     sync.Mutex
	active *session
}

func NewWorker(cfg Config, gw Gateway) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{cfg: cfg.withDefaults(), gw: gw, ctx: ctx, cancel: cancel}
}

func (w *Worker) fields() []interface{} {
	return logging.WorkerFields(w.cfg.Identity.ID, w.cfg.Identity.Prefix)
}

// OnMessage is registered with Session.AddHandler.
func (w *Worker) OnMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if err := w.HandleCommand(w.ctx, m.ChannelID, m.Author.ID, m.Content); err != nil {
		logging.Warnw("recorder command failed", append(w.fields(), "err", err, "command", m.Content)...)
	}
}

// HandleCommand obeys text when it was posted by the coordinator in the
// command channel and is addressed to this worker.
func (w *Worker) HandleCommand(ctx context.Context, channelID, authorID, text string) error {
	if channelID != w.cfg.CommandChannelID {
		return nil
	}
	cmd, ok := protocol.Parse(text, w.cfg.Identity)
	if !ok {
		return nil
	}
	if w.cfg.CoordinatorID != "" && authorID != w.cfg.CoordinatorID {
		logging.Warnw("ignoring command from unexpected author", append(w.fields(), "user.id", authorID, "command", cmd.Kind.String())...)
		return nil
	}
	switch cmd.Kind {
	case protocol.KindStart:
		return w.Start(ctx, cmd.ChannelID)
	case protocol.KindStop:
		w.Stop(StopCommand)
	}
	return nil
}

// Start joins channelID and begins recording. A session already running in
// another channel is finished first.
func (w *Worker) Start(ctx context.Context, channelID string) error {
	w.ops.Lock()
	defer w.ops.Unlock()

	if cur := w.current(); cur != nil {
		if cur.info.ChannelID == channelID {
			return nil
		}
		w.finishAndWait(cur, StopReassigned)
	}

	fields := append(w.fields(), "channel.id", channelID)
	if err := w.gw.EnsurePermissions(ctx, channelID); err != nil {
		logging.Warnw("granting recorder permissions failed", append(fields, "err", err)...)
	}
	conn, err := w.gw.JoinVoice(ctx, channelID)
	if err != nil {
		return err
	}
	if conn.Packets() == nil {
		logging.Warnw("voice connection has no receive channel", fields...)
	}

	sctx, cancel := context.WithCancel(w.ctx)
	sess := &session{
		info: SessionInfo{
			ID:        uuid.NewString(),
			WorkerID:  w.cfg.Identity.ID,
			GuildID:   w.cfg.GuildID,
			ChannelID: channelID,
			Started:   time.Now(),
		},
		conn:    conn,
		capture: NewCapture(w.cfg.NewDecoder, w.cfg.MaxTrack),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	conn.OnSpeaking(sess.capture.MapSSRC)

	w.mu.Lock()
	w.active = sess
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		reason := w.pump(sctx, sess)
		w.finish(sess, reason)
	}()
	logging.Infow("recording started", append(fields, "recording.session", sess.info.ID)...)
	return nil
}

// Stop ends the current session, if any, and returns what it saved.
func (w *Worker) Stop(reason string) []Recording {
	w.ops.Lock()
	defer w.ops.Unlock()
	sess := w.current()
	if sess == nil {
		return nil
	}
	return w.finishAndWait(sess, reason)
}

func (w *Worker) finishAndWait(sess *session, reason string) []Recording {
	sess.requestStop(reason)
	<-sess.done
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.recordings
}

// Channel reports the channel being recorded.
func (w *Worker) Channel() (string, bool) {
	if s := w.current(); s != nil {
		return s.info.ChannelID, true
	}
	return "", false
}

func (w *Worker) current() *session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Close finishes any running session and waits for it to be saved.
func (w *Worker) Close() {
	w.Stop(StopShutdown)
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) pump(ctx context.Context, sess *session) string {
	ticker := time.NewTicker(w.cfg.IdleInterval)
	defer ticker.Stop()
	packets := sess.conn.Packets()
	var empty time.Duration
	warnedDecoder := false
	for {
		select {
		case <-ctx.Done():
			return sess.stopReason()
		case pkt, ok := <-packets:
			if !ok {
				return StopDisconnected
			}
			if pkt == nil {
				continue
			}
			if err := sess.capture.Feed(pkt.SSRC, pkt.Opus); err != nil {
				if errors.Is(err, ErrNoDecoder) {
					if !warnedDecoder {
						logging.Warnw("audio is not being decoded", append(w.fields(), "err", err)...)
						warnedDecoder = true
					}
					continue
				}
				logging.Debugw("opus decode error", "ssrc", pkt.SSRC, "err", err)
			}
		case <-ticker.C:
			n, err := w.gw.Humans(ctx, sess.info.ChannelID)
			if errors.Is(err, rooms.ErrUnknownReference) {
				return StopChannelGone
			}
			if err != nil {
				continue
			}
			if n > 0 {
				empty = 0
				continue
			}
			empty += w.cfg.IdleInterval
			if empty >= w.cfg.IdleTimeout {
				return StopIdle
			}
		}
	}
}

// finish disconnects, saves every track and uploads them when configured.
func (w *Worker) finish(sess *session, reason string) {
	defer close(sess.done)
	sess.info.Ended = time.Now()
	sess.info.Reason = reason
	fields := append(w.fields(), "channel.id", sess.info.ChannelID, "recording.session", sess.info.ID, "reason", reason)

	if err := sess.conn.Disconnect(); err != nil {
		logging.Warnw("voice disconnect error", append(fields, "err", err)...)
	}
	w.mu.Lock()
	if w.active == sess {
		w.active = nil
	}
	w.mu.Unlock()

	tracks := sess.capture.Tracks()
	var recs []Recording
	if len(tracks) > 0 && w.cfg.Store != nil {
		var err error
		recs, err = w.cfg.Store.Save(sess.info, tracks)
		if err != nil {
			logging.Errorw("saving recording failed", append(fields, "err", err)...)
		}
	}
	if w.cfg.Uploader != nil {
		for i := range recs {
			w.upload(&recs[i], fields)
		}
	}
	sess.mu.Lock()
	sess.recordings = recs
	sess.mu.Unlock()
	logging.Infow("recording finished", append(fields, "speakers", len(tracks), "files", len(recs),
		"duration", sess.info.Ended.Sub(sess.info.Started).Round(time.Second).String())...)
}

func (w *Worker) upload(rec *Recording, fields []interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.UploadTimeout)
	defer cancel()
	if err := w.cfg.Uploader.Upload(ctx, *rec); err != nil {
		rec.Meta.UploadError = err.Error()
		logging.Warnw("recording upload failed", append(fields, "path", rec.WAVPath, "err", err)...)
	} else {
		now := time.Now().UTC()
		rec.Meta.UploadedAt = &now
		rec.Meta.UploadError = ""
		logging.Infow("recording uploaded", append(fields, "path", rec.WAVPath)...)
	}
	if err := w.cfg.Store.Update(*rec); err != nil {
		logging.Warnw("updating sidecar failed", append(fields, "err", err)...)
	}
}
