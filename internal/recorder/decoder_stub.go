//go:build !opus

package recorder

// NewOpusDecoder reports ErrNoDecoder; build with -tags opus to record audio.
func NewOpusDecoder() (FrameDecoder, error) {
	return nil, ErrNoDecoder
}
