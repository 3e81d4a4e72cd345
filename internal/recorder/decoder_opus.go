//go:build opus

package recorder

import "github.com/hraban/opus"

// NewOpusDecoder returns a libopus decoder producing mono 48kHz PCM.
func NewOpusDecoder() (FrameDecoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, err
	}
	return dec, nil
}
