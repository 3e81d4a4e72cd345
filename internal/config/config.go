// Package config loads coordinator and recorder settings. Values start from
// defaults, are overlaid by an optional YAML file, and finally by the
// environment variables the bots have always used.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/discord-room-lab/internal/protocol"
	"github.com/discord-room-lab/internal/rooms"
)

// Recorder is one recorder bot identity. Token is only needed by the
// recorder process.
type Recorder struct {
	ID     string `yaml:"id"`
	Prefix string `yaml:"prefix"`
	Token  string `yaml:"token"`
}

// Recording configures what recorders do with captured audio.
type Recording struct {
	Dir         string        `yaml:"dir"`
	UploadURL   string        `yaml:"upload_url"`
	UploadToken string        `yaml:"upload_token"`
	Retention   time.Duration `yaml:"retention"`
	MaxFiles    int           `yaml:"max_files"`
	// IdleTimeout is how long a recorder stays in a channel with no humans.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type Config struct {
	Token            string        `yaml:"token"`
	GuildID          string        `yaml:"guild_id"`
	LobbyChannelID   string        `yaml:"lobby_channel_id"`
	CommandChannelID string        `yaml:"command_channel_id"`
	MainBotID        string        `yaml:"main_bot_id"`
	MaxRooms         int           `yaml:"max_rooms"`
	RoomNamePrefix   string        `yaml:"room_name_prefix"`
	RoomUserLimit    int           `yaml:"room_user_limit"`
	SilenceTimeout   time.Duration `yaml:"silence_timeout"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
	PlatformTimeout  time.Duration `yaml:"platform_timeout"`
	AdminAddr        string        `yaml:"admin_addr"`
	Recorders        []Recorder    `yaml:"recorders"`
	Notices          rooms.Notices `yaml:"notices"`
	Recording        Recording     `yaml:"recording"`

	// Source is the YAML file the config was read from, if any.
	Source string `yaml:"-"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		MaxRooms:        3,
		RoomNamePrefix:  rooms.DefaultRoomNamePrefix,
		SilenceTimeout:  300 * time.Second,
		SampleInterval:  time.Second,
		PlatformTimeout: 10 * time.Second,
		AdminAddr:       "127.0.0.1:8090",
		Notices:         rooms.DefaultNotices,
		Recording: Recording{
			Dir:         "recordings",
			Retention:   7 * 24 * time.Hour,
			IdleTimeout: 300 * time.Second,
		},
	}
}

// Load builds the configuration from path (or ROOMS_CONFIG_PATH when path
// is empty) and the process environment. It does not validate; callers pick
// Validate or ValidateRecorders depending on which binary they are.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path == "" {
		path, _ = lookup("ROOMS_CONFIG_PATH")
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.fillPrefixes()
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	c.Source = path
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	duration := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := ParseSeconds(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}

	str("DISCORD_BOT_TOKEN", &c.Token)
	str("GUILD_ID", &c.GuildID)
	str("MONITOR_CHANNEL_ID", &c.LobbyChannelID)
	str("BOT_COMMAND_CHANNEL_ID", &c.CommandChannelID)
	str("MAIN_BOT_ID", &c.MainBotID)
	if v, ok := lookup("ROOM_NAME_PREFIX"); ok {
		// Trailing whitespace separates the prefix from the room number.
		c.RoomNamePrefix = strings.TrimLeft(v, " \t")
	}
	str("ADMIN_ADDR", &c.AdminAddr)
	integer("MAX_DISCUSSION_ROOMS", &c.MaxRooms)
	integer("ROOM_USER_LIMIT", &c.RoomUserLimit)
	duration("SILENCE_TIMEOUT", &c.SilenceTimeout)
	duration("SILENCE_SAMPLE_INTERVAL", &c.SampleInterval)
	duration("PLATFORM_TIMEOUT", &c.PlatformTimeout)

	str("RECORDING_DIR", &c.Recording.Dir)
	str("RECORDING_UPLOAD_URL", &c.Recording.UploadURL)
	str("RECORDING_UPLOAD_TOKEN", &c.Recording.UploadToken)
	duration("RECORDING_RETENTION", &c.Recording.Retention)
	integer("RECORDING_MAX_FILES", &c.Recording.MaxFiles)
	duration("RECORDER_SILENCE_TIMEOUT", &c.Recording.IdleTimeout)

	if v, ok := lookup("RECORDER_BOT_IDS"); ok {
		ids := splitList(v)
		recs := make([]Recorder, len(ids))
		for i, id := range ids {
			recs[i].ID = id
			if i < len(c.Recorders) {
				recs[i].Prefix = c.Recorders[i].Prefix
				recs[i].Token = c.Recorders[i].Token
			}
		}
		c.Recorders = recs
	}
	if v, ok := lookup("RECORDER_BOT_PREFIXES"); ok {
		prefixes := splitList(v)
		if len(prefixes) != len(c.Recorders) {
			errs = append(errs, fmt.Errorf("RECORDER_BOT_PREFIXES: %d prefixes for %d recorders", len(prefixes), len(c.Recorders)))
		} else {
			for i := range c.Recorders {
				c.Recorders[i].Prefix = prefixes[i]
			}
		}
	}
	for i := range c.Recorders {
		if v, ok := lookup("RECORDER_BOT_TOKEN_" + strconv.Itoa(i+1)); ok {
			c.Recorders[i].Token = strings.TrimSpace(v)
		}
	}
	return errors.Join(errs...)
}

// fillPrefixes gives recorders without an explicit prefix the positional
// default !1, !2, ...
func (c *Config) fillPrefixes() {
	for i := range c.Recorders {
		if c.Recorders[i].Prefix == "" {
			c.Recorders[i].Prefix = "!" + strconv.Itoa(i+1)
		}
	}
}

// Validate checks the settings the coordinator needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New("DISCORD_BOT_TOKEN is required"))
	}
	if c.GuildID == "" {
		errs = append(errs, errors.New("GUILD_ID is required"))
	}
	if c.LobbyChannelID == "" {
		errs = append(errs, errors.New("MONITOR_CHANNEL_ID is required"))
	}
	if c.CommandChannelID == "" && len(c.Recorders) > 0 {
		errs = append(errs, errors.New("BOT_COMMAND_CHANNEL_ID is required when recorders are configured"))
	}
	if c.MaxRooms < 1 {
		errs = append(errs, fmt.Errorf("max_rooms must be at least 1, got %d", c.MaxRooms))
	}
	if c.RoomUserLimit < 0 || c.RoomUserLimit > 99 {
		errs = append(errs, fmt.Errorf("room_user_limit must be between 0 and 99, got %d", c.RoomUserLimit))
	}
	if strings.TrimSpace(c.RoomNamePrefix) == "" {
		errs = append(errs, errors.New("room_name_prefix must not be empty"))
	}
	if c.SilenceTimeout <= 0 {
		errs = append(errs, errors.New("silence_timeout must be positive"))
	}
	if c.SampleInterval <= 0 {
		errs = append(errs, errors.New("sample_interval must be positive"))
	}
	if c.SampleInterval > c.SilenceTimeout && c.SilenceTimeout > 0 {
		errs = append(errs, errors.New("sample_interval must not exceed silence_timeout"))
	}
	if c.PlatformTimeout <= 0 {
		errs = append(errs, errors.New("platform_timeout must be positive"))
	}
	if err := protocol.Validate(c.Workers()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateRecorders checks the settings the recorder process needs.
func (c *Config) ValidateRecorders() error {
	var errs []error
	if len(c.Recorders) == 0 {
		errs = append(errs, errors.New("no recorders configured (RECORDER_BOT_IDS)"))
	}
	if c.CommandChannelID == "" {
		errs = append(errs, errors.New("BOT_COMMAND_CHANNEL_ID is required"))
	}
	if c.MainBotID == "" {
		errs = append(errs, errors.New("MAIN_BOT_ID is required"))
	}
	for i, r := range c.Recorders {
		if r.Token == "" {
			errs = append(errs, fmt.Errorf("recorder %d (%s): RECORDER_BOT_TOKEN_%d is required", i+1, r.ID, i+1))
		}
	}
	if c.Recording.Dir == "" {
		errs = append(errs, errors.New("recording dir must not be empty"))
	}
	if c.Recording.IdleTimeout <= 0 {
		errs = append(errs, errors.New("RECORDER_SILENCE_TIMEOUT must be positive"))
	}
	if c.Recording.MaxFiles < 0 {
		errs = append(errs, errors.New("RECORDING_MAX_FILES must not be negative"))
	}
	if err := protocol.Validate(c.Workers()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Workers returns the recorder identities in pool order.
func (c *Config) Workers() []protocol.Worker {
	out := make([]protocol.Worker, len(c.Recorders))
	for i, r := range c.Recorders {
		out[i] = protocol.Worker{ID: r.ID, Prefix: r.Prefix}
	}
	return out
}

// Rooms returns the coordinator settings.
func (c *Config) Rooms() rooms.Config {
	return rooms.Config{
		LobbyChannelID:  c.LobbyChannelID,
		RoomNamePrefix:  c.RoomNamePrefix,
		SampleInterval:  c.SampleInterval,
		SilenceTimeout:  c.SilenceTimeout,
		PlatformTimeout: c.PlatformTimeout,
		Notices:         c.Notices,
	}
}

// ParseSeconds accepts either a bare number of seconds ("300") or a Go
// duration string ("5m").
func ParseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
