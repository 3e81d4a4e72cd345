package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const timestampLayout = "20060102_150405"

// Sidecar is the JSON metadata written next to every WAV file.
type Sidecar struct {
	SessionID    string     `json:"session_id"`
	WorkerID     string     `json:"worker_id"`
	GuildID      string     `json:"guild_id"`
	ChannelID    string     `json:"channel_id"`
	UserID       string     `json:"user_id,omitempty"`
	SSRC         uint32     `json:"ssrc"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      time.Time  `json:"ended_at"`
	DurationMs   int64      `json:"duration_ms"`
	Frames       int        `json:"frames"`
	DecodeErrors int        `json:"decode_errors"`
	SampleRate   int        `json:"sample_rate"`
	Channels     int        `json:"channels"`
	StopReason   string     `json:"stop_reason"`
	WAVPath      string     `json:"wav_path"`
	UploadedAt   *time.Time `json:"uploaded_at,omitempty"`
	UploadError  string     `json:"upload_error,omitempty"`
}

// SessionInfo describes a finished recording session.
type SessionInfo struct {
	ID        string
	WorkerID  string
	GuildID   string
	ChannelID string
	Started   time.Time
	Ended     time.Time
	Reason    string
}

// Recording is one saved track.
type Recording struct {
	WAVPath     string
	SidecarPath string
	Meta        Sidecar
}

// Store writes finished sessions to a directory.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store { return &Store{Dir: dir} }

// Save writes one WAV and sidecar per track. Tracks that fail to save are
// reported in the joined error; the rest are still returned.
func (s *Store) Save(info SessionInfo, tracks []Track) ([]Recording, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recording dir: %w", err)
	}
	var (
		out  []Recording
		errs []error
	)
	for _, t := range tracks {
		base := fileBase(info, t)
		rec := Recording{
			WAVPath:     filepath.Join(s.Dir, base+".wav"),
			SidecarPath: filepath.Join(s.Dir, base+".json"),
		}
		rec.Meta = Sidecar{
			SessionID:    info.ID,
			WorkerID:     info.WorkerID,
			GuildID:      info.GuildID,
			ChannelID:    info.ChannelID,
			UserID:       t.UserID,
			SSRC:         t.SSRC,
			StartedAt:    info.Started.UTC(),
			EndedAt:      info.Ended.UTC(),
			DurationMs:   t.Duration().Milliseconds(),
			Frames:       t.Frames,
			DecodeErrors: t.DecodeErrors,
			SampleRate:   SampleRate,
			Channels:     Channels,
			StopReason:   info.Reason,
			WAVPath:      rec.WAVPath,
		}
		if err := saveFileAtomic(rec.WAVPath, encodeWAV(t.Samples, SampleRate, Channels), 0o644); err != nil {
			errs = append(errs, fmt.Errorf("writing %s: %w", rec.WAVPath, err))
			continue
		}
		if err := s.Update(rec); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Join(errs...)
}

// Update rewrites the sidecar of rec from rec.Meta.
func (s *Store) Update(rec Recording) error {
	b, err := json.MarshalIndent(rec.Meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sidecar %s: %w", rec.SidecarPath, err)
	}
	if err := saveFileAtomic(rec.SidecarPath, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", rec.SidecarPath, err)
	}
	return nil
}

func readSidecar(path string) (Sidecar, error) {
	var sc Sidecar
	b, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	err = json.Unmarshal(b, &sc)
	return sc, err
}

// fileBase names a track recording-<start>-<end>-<channel>-<speaker>.
func fileBase(info SessionInfo, t Track) string {
	speaker := t.UserID
	if speaker == "" {
		speaker = "ssrc" + strconv.FormatUint(uint64(t.SSRC), 10)
	}
	return fmt.Sprintf("recording-%s-%s-%s-%s",
		info.Started.UTC().Format(timestampLayout),
		info.Ended.UTC().Format(timestampLayout),
		info.ChannelID, speaker)
}
