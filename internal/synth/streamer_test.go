package synth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/claimline/claimline/internal/generate"
	"github.com/claimline/claimline/pkg/audio"
)

// fakeSynth yields one frame per word of the chunk text.
type fakeSynth struct {
	mu       sync.Mutex
	calls    int
	failNext int
	block    chan struct{}
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (<-chan audio.Frame, error) {
	f.mu.Lock()
	f.calls++
	shouldFail := f.failNext > 0
	if shouldFail {
		f.failNext--
	}
	block := f.block
	f.mu.Unlock()

	if shouldFail {
		return nil, errors.New("backend down")
	}

	out := make(chan audio.Frame)
	go func() {
		defer close(out)
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return
			}
		}
		for _, word := range strings.Fields(text) {
			select {
			case out <- audio.Frame{Payload: []byte(word)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func chunksFrom(texts ...string) <-chan generate.Chunk {
	ch := make(chan generate.Chunk, len(texts))
	for i, text := range texts {
		ch <- generate.Chunk{Text: text, Index: i}
	}
	close(ch)
	return ch
}

func TestSpeakForwardsFramesInOrder(t *testing.T) {
	synth := &fakeSynth{}
	s := NewStreamer(synth, "call-1", time.Millisecond)
	egress := make(chan audio.Frame, 32)

	var spoken []int
	err := s.Speak(context.Background(), chunksFrom("one two.", "three four."), egress,
		func(c generate.Chunk) { spoken = append(spoken, c.Index) })
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	close(egress)

	var payloads []string
	var lastSeq uint64
	for frame := range egress {
		payloads = append(payloads, string(frame.Payload))
		if frame.Seq <= lastSeq {
			t.Errorf("seq not increasing: %d after %d", frame.Seq, lastSeq)
		}
		lastSeq = frame.Seq
		if frame.CallID != "call-1" {
			t.Errorf("frame call id = %q", frame.CallID)
		}
	}

	want := []string{"one", "two.", "three", "four."}
	if strings.Join(payloads, " ") != strings.Join(want, " ") {
		t.Fatalf("payloads = %v, want %v", payloads, want)
	}
	if len(spoken) != 2 || spoken[0] != 0 || spoken[1] != 1 {
		t.Fatalf("chunk callbacks = %v", spoken)
	}
}

func TestSpeakRetriesOnceThenSucceeds(t *testing.T) {
	synth := &fakeSynth{failNext: 1}
	s := NewStreamer(synth, "call-1", time.Millisecond)
	egress := make(chan audio.Frame, 8)

	if err := s.Speak(context.Background(), chunksFrom("hello."), egress, nil); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if synth.calls != 2 {
		t.Fatalf("synthesizer called %d times, want 2", synth.calls)
	}
}

func TestSpeakPersistentFailure(t *testing.T) {
	synth := &fakeSynth{failNext: 2}
	s := NewStreamer(synth, "call-1", time.Millisecond)
	egress := make(chan audio.Frame, 8)

	if err := s.Speak(context.Background(), chunksFrom("hello."), egress, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Speak = %v, want ErrUnavailable", err)
	}
}

func TestSpeakCancelledEmitsNoFurtherFrames(t *testing.T) {
	block := make(chan struct{})
	synth := &fakeSynth{block: block}
	s := NewStreamer(synth, "call-1", time.Millisecond)
	egress := make(chan audio.Frame, 32)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Speak(ctx, chunksFrom("never spoken words."), egress, nil)
	}()

	// Cancel while synthesis is still blocked, then release it.
	cancel()
	close(block)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Speak = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Speak did not return after cancel")
	}

	close(egress)
	for frame := range egress {
		t.Errorf("frame emitted after cancellation: %q", frame.Payload)
	}
}
