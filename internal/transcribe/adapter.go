// Package transcribe adapts a streaming speech-to-text capability into
// an ordered utterance stream for one call.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/claimline/claimline/pkg/audio"
)

var (
	// ErrStreamOverrun means the bounded ingest buffer is full and a
	// frame was rejected rather than silently dropped.
	ErrStreamOverrun = errors.New("transcribe: audio buffer overrun")
	// ErrUnavailable means the upstream transcription connection was
	// lost or could not be established.
	ErrUnavailable = errors.New("transcribe: stream unavailable")
)

// DefaultBufferFrames bounds the ingest buffer. At 20ms per frame this
// holds about four seconds of audio.
const DefaultBufferFrames = 200

// Utterance is one transcript event. Partials with the same or higher
// Seq supersede earlier partials; a final closes the utterance.
type Utterance struct {
	Text       string
	Seq        uint64
	Final      bool
	Confidence float32
}

// Source is a vendor streaming-recognition session. Results must be
// closed by the implementation when the upstream connection is lost.
type Source interface {
	Send(ctx context.Context, frame audio.Frame) error
	Results() <-chan Utterance
	Close() error
}

// ConnectFunc dials a new recognition session.
type ConnectFunc func(ctx context.Context) (Source, error)

// Adapter pumps call audio into a Source without ever blocking the
// audio ingress path, and relays utterances with stale-sequence
// filtering. A lost connection is surfaced on Failures; the session
// manager decides whether to Reconnect or end the call.
type Adapter struct {
	connect   ConnectFunc
	buf       chan audio.Frame
	results   chan Utterance
	failures  chan error
	installed chan struct{}

	mu     sync.Mutex
	source Source
}

// NewAdapter creates an adapter with the given dialer and ingest
// buffer size (frames). bufFrames <= 0 selects DefaultBufferFrames.
func NewAdapter(connect ConnectFunc, bufFrames int) *Adapter {
	if bufFrames <= 0 {
		bufFrames = DefaultBufferFrames
	}
	return &Adapter{
		connect:   connect,
		buf:       make(chan audio.Frame, bufFrames),
		results:   make(chan Utterance),
		failures:  make(chan error, 1),
		installed: make(chan struct{}, 1),
	}
}

// Start dials the initial session and begins pumping. The adapter
// stops when ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	src, err := a.connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	a.swap(src)
	go a.forward(ctx, src)
	go a.pump(ctx)
	return nil
}

// Reconnect replaces a lost session with a fresh one. The ingest
// buffer is retained, so audio accepted during the gap is not lost.
func (a *Adapter) Reconnect(ctx context.Context) error {
	src, err := a.connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	old := a.swap(src)
	if old != nil {
		old.Close()
	}
	go a.forward(ctx, src)
	return nil
}

// Submit accepts one inbound frame without blocking. A full buffer
// fails with ErrStreamOverrun.
func (a *Adapter) Submit(frame audio.Frame) error {
	select {
	case a.buf <- frame:
		return nil
	default:
		return ErrStreamOverrun
	}
}

// Utterances returns the ordered utterance stream for the call.
func (a *Adapter) Utterances() <-chan Utterance {
	return a.results
}

// Failures surfaces connection-loss errors (ErrUnavailable).
func (a *Adapter) Failures() <-chan error {
	return a.failures
}

// Close closes the current session.
func (a *Adapter) Close() error {
	old := a.swap(nil)
	if old != nil {
		return old.Close()
	}
	return nil
}

func (a *Adapter) swap(src Source) (old Source) {
	a.mu.Lock()
	old = a.source
	a.source = src
	a.mu.Unlock()
	if src != nil {
		select {
		case a.installed <- struct{}{}:
		default:
		}
	}
	return old
}

// evict removes a session that failed a Send, unless a newer session
// has already replaced it.
func (a *Adapter) evict(src Source) {
	a.mu.Lock()
	if a.source == src {
		a.source = nil
	}
	a.mu.Unlock()
}

func (a *Adapter) current() Source {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.source
}

// pump drains the ingest buffer into whatever session is current. A
// frame whose Send fails is held, the dead session is evicted, and
// delivery resumes with that same frame once Reconnect installs a new
// session, so audio accepted during the gap is not lost.
func (a *Adapter) pump(ctx context.Context) {
	var frame audio.Frame
	var held bool
	for {
		if !held {
			select {
			case <-ctx.Done():
				return
			case frame = <-a.buf:
				held = true
			}
		}
		src := a.current()
		if src == nil {
			select {
			case <-ctx.Done():
				return
			case <-a.installed:
			}
			continue
		}
		if err := src.Send(ctx, frame); err != nil {
			a.evict(src)
			a.fail()
			continue
		}
		held = false
	}
}

// forward relays results for one session until it closes. The stale
// high-water mark is per session: each new connection restarts its
// sequence counter, so the mark must not carry across a reconnect.
func (a *Adapter) forward(ctx context.Context, src Source) {
	var maxSeq uint64
	var seen bool
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-src.Results():
			if !ok {
				// Only report loss if this session is still current;
				// a swapped-out session closing is expected.
				if a.current() == src {
					a.fail()
				}
				return
			}
			if seen && u.Seq < maxSeq {
				continue
			}
			maxSeq = u.Seq
			seen = true
			select {
			case a.results <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Adapter) fail() {
	select {
	case a.failures <- ErrUnavailable:
	default:
	}
}
