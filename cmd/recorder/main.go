// Command recorder runs every configured recorder bot in one process. Each
// bot waits for start_recording commands from the coordinator, records the
// named room and saves one WAV per speaker.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/pflag"

	"github.com/discord-room-lab/internal/config"
	"github.com/discord-room-lab/internal/logging"
	"github.com/discord-room-lab/internal/recorder"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML config file (defaults to $ROOMS_CONFIG_PATH)")
	maxTrack := pflag.Duration("max-track", 3*time.Hour, "longest audio kept per speaker")
	pflag.Parse()

	sugar := logging.Init()
	defer func() { _ = logging.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.FatalExitf("loading config failed", "err", err)
	}
	if err := cfg.ValidateRecorders(); err != nil {
		logging.FatalExitf("invalid config", "err", err, "source", cfg.Source)
	}
	if _, err := recorder.NewOpusDecoder(); errors.Is(err, recorder.ErrNoDecoder) {
		sugar.Warnw("built without opus support; recordings will be empty", "err", err)
	}

	store := recorder.NewStore(cfg.Recording.Dir)
	uploader := recorder.NewUploader(cfg.Recording.UploadURL, cfg.Recording.UploadToken)
	if uploader == nil {
		sugar.Infow("recording upload disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	intents := discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	sugar.Warnw("recorders request the privileged message content intent; ensure it is enabled in the Discord Developer Portal", "intents", intents)

	var (
		sessions []*discordgo.Session
		workers  []*recorder.Worker
	)
	identities := cfg.Workers()
	for i, rc := range cfg.Recorders {
		identity := identities[i]
		fields := logging.WorkerFields(identity.ID, identity.Prefix)

		dg, err := discordgo.New("Bot " + rc.Token)
		if err != nil {
			logging.FatalExitf("discordgo.New failed", append(fields, "err", err)...)
		}
		dg.Identify.Intents = intents

		w := recorder.NewWorker(recorder.Config{
			Identity:         identity,
			GuildID:          cfg.GuildID,
			CommandChannelID: cfg.CommandChannelID,
			CoordinatorID:    cfg.MainBotID,
			IdleTimeout:      cfg.Recording.IdleTimeout,
			MaxTrack:         *maxTrack,
			Store:            store,
			Uploader:         uploader,
		}, recorder.NewGateway(dg, cfg.GuildID))
		dg.AddHandler(w.OnMessage)
		dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
			if r.User.ID != identity.ID {
				sugar.Warnw("recorder token belongs to a different bot user", append(fields, "token.user", r.User.ID)...)
				return
			}
			sugar.Infow("recorder ready", fields...)
		})

		if err := dg.Open(); err != nil {
			logging.FatalExitf("discord session open failed", append(fields, "err", err)...)
		}
		sessions = append(sessions, dg)
		workers = append(workers, w)
	}

	cleaner := recorder.NewCleaner(cfg.Recording.Dir, cfg.Recording.Retention, cfg.Recording.MaxFiles)
	var bg sync.WaitGroup
	if cleaner.Enabled() {
		bg.Add(1)
		go func() {
			defer bg.Done()
			cleaner.Run(ctx)
		}()
	}

	sugar.Infow("recorders running", "count", len(workers), "dir", cfg.Recording.Dir)
	<-ctx.Done()
	sugar.Infow("shutdown signal received, finishing recordings")

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *recorder.Worker) {
			defer wg.Done()
			w.Close()
		}(w)
	}
	wg.Wait()
	bg.Wait()
	for _, dg := range sessions {
		if err := dg.Close(); err != nil {
			sugar.Warnw("discord session close error", "err", err)
		}
	}
	sugar.Infow("shutdown complete")
}
