package recorder

import "errors"

// Discord voice is 48kHz Opus in 20ms frames. Captures are downmixed to mono.
const (
	SampleRate = 48000
	Channels   = 1
	// maxFrameSamples fits the longest Opus frame (120ms).
	maxFrameSamples = SampleRate / 1000 * 120 * Channels
)

// ErrNoDecoder is returned by NewOpusDecoder in builds without libopus.
var ErrNoDecoder = errors.New("recorder built without opus support (build with -tags opus)")

// FrameDecoder turns one Opus packet into PCM samples. Opus decoders are
// stateful, so every SSRC needs its own.
type FrameDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// DecoderFactory creates a fresh decoder for a new stream.
type DecoderFactory func() (FrameDecoder, error)
