// Package synth streams synthesized reply audio to the caller.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/claimline/claimline/internal/generate"
	"github.com/claimline/claimline/pkg/audio"
)

// ErrUnavailable means the synthesis backend could not be reached.
// Synthesis is essential: if the single retry also fails the call is
// ended gracefully.
var ErrUnavailable = errors.New("synth: synthesis unavailable")

// Synthesizer converts one text chunk into an ordered audio frame
// stream. The channel closes when the chunk is fully synthesized or
// ctx is cancelled.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan audio.Frame, error)
}

// Streamer plays one reply at a time: it consumes generator chunks
// strictly in order, synthesizes each, and forwards the audio to the
// egress channel. Frames of one reply are never reordered or
// interleaved with another reply's audio because Speak owns the whole
// reply end to end.
type Streamer struct {
	synth   Synthesizer
	backoff time.Duration

	callID string
	seq    uint64
}

// NewStreamer creates a streamer stamping frames for the given call.
// backoff <= 0 selects 200ms.
func NewStreamer(synth Synthesizer, callID string, backoff time.Duration) *Streamer {
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &Streamer{synth: synth, callID: callID, backoff: backoff}
}

// Speak synthesizes every chunk and forwards the frames to egress.
// onChunk is invoked as each chunk starts playing, in chunk order.
// Cancelling ctx stops the reply immediately: no frame for this reply
// is emitted after the cancellation point, buffered or not. Returns
// nil when the reply completed, ctx.Err() on barge-in or hangup, and
// ErrUnavailable when the backend stayed unreachable.
func (s *Streamer) Speak(ctx context.Context, chunks <-chan generate.Chunk, egress chan<- audio.Frame, onChunk func(generate.Chunk)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return ctx.Err()
			}
			if onChunk != nil {
				onChunk(chunk)
			}
			if err := s.speakChunk(ctx, chunk.Text, egress); err != nil {
				return err
			}
		}
	}
}

func (s *Streamer) speakChunk(ctx context.Context, text string, egress chan<- audio.Frame) error {
	frames, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.WarnContext(ctx, "synth: backend failed, retrying",
			slog.String("call_id", s.callID),
			slog.String("error", err.Error()))

		select {
		case <-time.After(s.backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		frames, err = s.synth.Synthesize(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return ctx.Err()
			}
			s.seq++
			frame.CallID = s.callID
			frame.Seq = s.seq
			frame.Timestamp = time.Now().UTC()
			select {
			case egress <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
