package recorder

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/discord-room-lab/internal/logging"
)

// Cleaner enforces retention on a recording directory. Recordings are
// handled as sidecar/WAV pairs: a pair is removed when it is older than
// Retention, and the oldest pairs go first when more than MaxFiles remain.
type Cleaner struct {
	Dir       string
	Retention time.Duration
	MaxFiles  int
	Interval  time.Duration
	now       func() time.Time
}

func NewCleaner(dir string, retention time.Duration, maxFiles int) *Cleaner {
	return &Cleaner{Dir: dir, Retention: retention, MaxFiles: maxFiles, Interval: 10 * time.Minute, now: time.Now}
}

// Enabled reports whether the cleaner has anything to enforce.
func (c *Cleaner) Enabled() bool { return c.Retention > 0 || c.MaxFiles > 0 }

// Run sweeps on every Interval until ctx ends.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Sweep(); err != nil {
				logging.Warnw("recording cleanup failed", "dir", c.Dir, "err", err)
			} else if n > 0 {
				logging.Infow("recordings removed", "dir", c.Dir, "count", n)
			}
		}
	}
}

type recordingPair struct {
	sidecar string
	wav     string
	mod     time.Time
}

// Sweep performs one cleanup pass and returns how many pairs it removed.
func (c *Cleaner) Sweep() (int, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var pairs []recordingPair
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(c.Dir, name)
		info, err := e.Info()
		if err != nil {
			continue
		}
		wav := strings.TrimSuffix(path, ".json") + ".wav"
		if sc, err := readSidecar(path); err == nil && sc.WAVPath != "" {
			wav = sc.WAVPath
		}
		pairs = append(pairs, recordingPair{sidecar: path, wav: wav, mod: info.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	removed := 0
	keep := pairs[:0]
	if c.Retention > 0 {
		cutoff := c.now().Add(-c.Retention)
		for _, p := range pairs {
			if p.mod.Before(cutoff) {
				c.remove(p)
				removed++
				continue
			}
			keep = append(keep, p)
		}
	} else {
		keep = pairs
	}
	if c.MaxFiles > 0 && len(keep) > c.MaxFiles {
		for _, p := range keep[:len(keep)-c.MaxFiles] {
			c.remove(p)
			removed++
		}
	}
	return removed, nil
}

func (c *Cleaner) remove(p recordingPair) {
	if err := os.Remove(p.sidecar); err != nil && !os.IsNotExist(err) {
		logging.Debugw("removing sidecar failed", "path", p.sidecar, "err", err)
	}
	if err := os.Remove(p.wav); err != nil && !os.IsNotExist(err) {
		logging.Debugw("removing recording failed", "path", p.wav, "err", err)
	}
}
