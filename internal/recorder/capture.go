package recorder

import (
	"sort"
	"sync"
	"time"
)

// Track is the decoded audio of one speaker.
type Track struct {
	SSRC         uint32
	UserID       string
	Samples      []int16
	First        time.Time
	Last         time.Time
	Frames       int
	DecodeErrors int
}

// Duration is the length of the decoded audio.
func (t Track) Duration() time.Duration {
	return time.Duration(len(t.Samples)) * time.Second / time.Duration(SampleRate*Channels)
}

type stream struct {
	dec   FrameDecoder
	track Track
}

// Capture accumulates decoded audio per SSRC for one recording session.
// Speaking updates map an SSRC to a user; the mapping may arrive after the
// first packets.
type Capture struct {
	mu         sync.Mutex
	newDecoder DecoderFactory
	now        func() time.Time
	streams    map[uint32]*stream
	users      map[uint32]string
	maxSamples int
}

// NewCapture creates an empty capture. maxTrack caps the audio kept per
// speaker; zero keeps everything.
func NewCapture(newDecoder DecoderFactory, maxTrack time.Duration) *Capture {
	return &Capture{
		newDecoder: newDecoder,
		maxSamples: int(maxTrack.Seconds() * SampleRate * Channels),
		now:        time.Now,
		streams:    make(map[uint32]*stream),
		users:      make(map[uint32]string),
	}
}

// MapSSRC records which user speaks on ssrc.
func (c *Capture) MapSSRC(ssrc uint32, userID string) {
	if userID == "" {
		return
	}
	c.mu.Lock()
	c.users[ssrc] = userID
	if s, ok := c.streams[ssrc]; ok {
		s.track.UserID = userID
	}
	c.mu.Unlock()
}

// Feed decodes one Opus packet from ssrc. Decode failures are counted on
// the track and returned.
func (c *Capture) Feed(ssrc uint32, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[ssrc]
	if !ok {
		dec, err := c.newDecoder()
		if err != nil {
			return err
		}
		s = &stream{dec: dec, track: Track{SSRC: ssrc, UserID: c.users[ssrc], First: c.now()}}
		c.streams[ssrc] = s
	}
	s.track.Frames++
	s.track.Last = c.now()

	pcm := make([]int16, maxFrameSamples)
	n, err := s.dec.Decode(payload, pcm)
	if err != nil {
		s.track.DecodeErrors++
		return err
	}
	if c.maxSamples > 0 && len(s.track.Samples)+n > c.maxSamples {
		n = c.maxSamples - len(s.track.Samples)
		if n <= 0 {
			return nil
		}
	}
	s.track.Samples = append(s.track.Samples, pcm[:n]...)
	return nil
}

// Tracks returns a copy of every non-empty track ordered by SSRC.
func (c *Capture) Tracks() []Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Track, 0, len(c.streams))
	for _, s := range c.streams {
		if len(s.track.Samples) == 0 {
			continue
		}
		t := s.track
		t.Samples = append([]int16(nil), s.track.Samples...)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SSRC < out[j].SSRC })
	return out
}

// Speakers is the number of streams seen so far.
func (c *Capture) Speakers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}
