package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-speech/internal/protocol"
)

// StreamOptions controls how StreamPCM slices audio into frames.
type StreamOptions struct {
	// Chunk is the audio duration carried by each frame. Defaults to 100ms.
	Chunk time.Duration
	// Realtime sleeps one chunk between frames, like a live microphone.
	Realtime bool
}

// StreamPCM publishes 16-bit PCM to the engine as frames from source. The
// last frame is marked final, which ends the utterance on the engine.
func (c *Client) StreamPCM(ctx context.Context, source string, pcm []byte, sampleRate, channels int, opts StreamOptions) error {
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid audio format rate=%d channels=%d", sampleRate, channels)
	}
	chunk := opts.Chunk
	if chunk <= 0 {
		chunk = 100 * time.Millisecond
	}
	frameBytes := int(int64(sampleRate*channels*2) * int64(chunk) / int64(time.Second))
	frameBytes -= frameBytes % (2 * channels)
	if frameBytes <= 0 {
		frameBytes = 2 * channels
	}

	subject := protocol.AudioFrameSubject(c.prefix, source)
	seq := 0
	for offset := 0; ; offset += frameBytes {
		end := offset + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := protocol.AudioFrame{
			SessionID:  source,
			Sequence:   seq,
			SampleRate: sampleRate,
			Channels:   channels,
			PCM:        pcm[offset:end],
			Final:      end == len(pcm),
		}
		if err := c.bus.PublishJSON(subject, frame); err != nil {
			return fmt.Errorf("publish frame %d: %w", seq, err)
		}
		if frame.Final {
			return nil
		}
		seq++

		if opts.Realtime {
			timer := time.NewTimer(chunk)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
}
