package session

import (
	"context"
	"sync"
	"time"

	"github.com/claimline/claimline/internal/synth"
	"github.com/claimline/claimline/internal/transcribe"
	"github.com/claimline/claimline/internal/turn"
	"github.com/claimline/claimline/pkg/audio"
	"github.com/claimline/claimline/pkg/dialogue"
)

// Session is the full per-call state: the turn-taking machine, the
// append-only dialogue history, and the audio channels. It is created
// on call start, destroyed on call end, and mutated only by the
// Manager; no cross-session state exists outside the registry.
type Session struct {
	ID        string
	CreatedAt time.Time

	machine  *turn.Machine
	adapter  *transcribe.Adapter
	egress   chan audio.Frame
	streamer *synth.Streamer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	history []dialogue.Turn
	endedAt time.Time

	// pipeline guards the single active reply pipeline; a new final
	// utterance cancels the current one and chains behind its done
	// channel, so pipelines never overlap for one call.
	pipelineMu     sync.Mutex
	pipelineCancel context.CancelFunc
	pipelineDone   chan struct{}

	teardown sync.Once
}

func newSession(ctx context.Context, id string, adapter *transcribe.Adapter, observer turn.Observer, egressBuf int) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		machine:   turn.NewMachine(observer),
		adapter:   adapter,
		egress:    make(chan audio.Frame, egressBuf),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current turn-taking state.
func (s *Session) State() turn.State {
	return s.machine.Current()
}

// History returns a snapshot of the dialogue history in conversational
// order.
func (s *Session) History() []dialogue.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dialogue.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Egress is the outbound audio stream for the call.
func (s *Session) Egress() <-chan audio.Frame {
	return s.egress
}

// Done closes when the call has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// EndedAt returns the teardown time, zero while the call is live.
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

func (s *Session) appendTurn(t dialogue.Turn) {
	s.mu.Lock()
	s.history = append(s.history, t)
	s.mu.Unlock()
}

func (s *Session) markEnded() {
	s.mu.Lock()
	s.endedAt = time.Now().UTC()
	s.mu.Unlock()
}

// claimPipeline cancels any active pipeline and installs a fresh
// cancellable slot. It returns the new pipeline context, the previous
// pipeline's done channel (to chain behind), and the done channel the
// new pipeline must close when it unwinds.
func (s *Session) claimPipeline() (ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()

	if s.pipelineCancel != nil {
		s.pipelineCancel()
	}
	prev = s.pipelineDone

	ctx, cancel := context.WithCancel(s.ctx)
	done = make(chan struct{})
	s.pipelineCancel = cancel
	s.pipelineDone = done
	return ctx, prev, done
}
