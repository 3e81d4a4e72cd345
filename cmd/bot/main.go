// Command bot runs the room coordinator: it watches the lobby voice
// channel, opens a private discussion room for every member who joins,
// assigns recorder bots and tears rooms down when they empty or go quiet.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/pflag"

	"github.com/discord-room-lab/internal/config"
	"github.com/discord-room-lab/internal/discord"
	"github.com/discord-room-lab/internal/logging"
	"github.com/discord-room-lab/internal/mcp"
	"github.com/discord-room-lab/internal/rooms"
)

var version = "dev"

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML config file (defaults to $ROOMS_CONFIG_PATH)")
	traceEvents := pflag.Bool("trace-events", false, "log every gateway event at debug level")
	maxPayload := pflag.Int("trace-max-bytes", 8*1024, "truncate traced event payloads to this many bytes")
	shutdownTimeout := pflag.Duration("shutdown-timeout", 10*time.Second, "time allowed to close rooms on exit")
	pflag.Parse()

	sugar := logging.Init()
	defer func() { _ = logging.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.FatalExitf("loading config failed", "err", err)
	}
	if err := cfg.Validate(); err != nil {
		logging.FatalExitf("invalid config", "err", err, "source", cfg.Source)
	}
	if len(cfg.Recorders) == 0 {
		sugar.Warnw("no recorders configured; rooms will open without recording")
	}

	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		logging.FatalExitf("discordgo.New failed", "err", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	dg.State.TrackVoice = true
	dg.State.TrackChannels = true
	dg.State.TrackMembers = true
	sugar.Infow("using gateway intents", "intents", dg.Identify.Intents)

	workers := cfg.Workers()
	workerIDs := make([]string, len(workers))
	for i, w := range workers {
		workerIDs[i] = w.ID
	}
	pool, err := rooms.NewWorkerPool(workers)
	if err != nil {
		logging.FatalExitf("building recorder pool failed", "err", err)
	}
	platform := discord.NewPlatform(dg, discord.PlatformConfig{
		GuildID:          cfg.GuildID,
		LobbyChannelID:   cfg.LobbyChannelID,
		CommandChannelID: cfg.CommandChannelID,
		UserLimit:        cfg.RoomUserLimit,
		WorkerIDs:        workerIDs,
	})
	coord := rooms.New(cfg.Rooms(), platform, rooms.NewRegistry(cfg.MaxRooms), pool)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := discord.NewRouter(ctx, cfg.GuildID, coord, discord.NewSessionResolver(dg, cfg.GuildID))
	dg.AddHandler(router.OnVoiceStateUpdate)
	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		sugar.Infow("discord session ready", "user.id", r.User.ID, "guilds", len(r.Guilds))
	})
	// Room channels left by a previous run are only visible once the guild
	// arrives with its channel list. GuildCreate repeats after reconnects;
	// rooms from this process are already tracked, so one sweep suffices.
	var sweep sync.Once
	dg.AddHandler(func(s *discordgo.Session, g *discordgo.GuildCreate) {
		if g.ID != cfg.GuildID {
			return
		}
		sweep.Do(func() {
			go func() {
				n, err := coord.Reconcile(ctx)
				if err != nil {
					sugar.Warnw("stale room sweep failed", "err", err)
					return
				}
				sugar.Infow("stale room sweep finished", "deleted", n)
			}()
		})
	})
	if *traceEvents {
		dg.AddHandler((&eventTracer{guildID: cfg.GuildID, maxPayload: *maxPayload}).handle)
	}

	sugar.Infow("opening discord session", "guild.id", cfg.GuildID, "lobby.id", cfg.LobbyChannelID, "max_rooms", cfg.MaxRooms, "recorders", len(workers))
	if err := dg.Open(); err != nil {
		logging.FatalExitf("discord session open failed", "err", err)
	}

	adminDone := make(chan struct{})
	if cfg.AdminAddr != "" {
		go func() {
			defer close(adminDone)
			h := mcp.Handler(ctx, mcp.NewServer(coord, version))
			if err := mcp.ListenAndServe(ctx, cfg.AdminAddr, h); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sugar.Errorw("admin server stopped", "addr", cfg.AdminAddr, "err", err)
			}
		}()
	} else {
		close(adminDone)
	}

	<-ctx.Done()
	sugar.Infow("shutdown signal received, closing rooms", "open", len(coord.Rooms()))

	sctx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := coord.Shutdown(sctx); err != nil {
		sugar.Warnw("room shutdown incomplete", "err", err)
	}
	<-adminDone
	if err := dg.Close(); err != nil {
		sugar.Warnw("discord session close error", "err", err)
	}
	sugar.Infow("shutdown complete")
}
