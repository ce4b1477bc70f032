// Package session owns the per-call orchestration: the turn-taking
// discipline across transcription, understanding, retrieval,
// generation and synthesis, barge-in cancellation, and the call
// registry.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pitabwire/frame/workerpool"

	"github.com/claimline/claimline/internal/claims"
	"github.com/claimline/claimline/internal/generate"
	"github.com/claimline/claimline/internal/synth"
	"github.com/claimline/claimline/internal/transcribe"
	"github.com/claimline/claimline/internal/turn"
	"github.com/claimline/claimline/internal/understand"
	"github.com/claimline/claimline/pkg/audio"
	"github.com/claimline/claimline/pkg/dialogue"
	"github.com/claimline/claimline/pkg/events"
	"github.com/claimline/claimline/pkg/persona"
)

// HistoryStore persists call lifecycles and transcripts. Failures are
// logged and never affect call processing.
type HistoryStore interface {
	CallStarted(ctx context.Context, callID string, at time.Time) error
	CallEnded(ctx context.Context, callID string, at time.Time) error
	AppendTurn(ctx context.Context, callID string, t dialogue.Turn) error
}

// Config wires the manager to its capabilities.
type Config struct {
	Publisher   *events.Publisher
	Connect     transcribe.ConnectFunc
	Extractor   understand.Extractor
	Retriever   claims.Retriever
	Generator   generate.Generator
	Synthesizer synth.Synthesizer
	Persona     *persona.Spec

	// Store and Pool are optional; without a pool, persistence runs
	// on plain goroutines.
	Store HistoryStore
	Pool  workerpool.WorkerPool

	BufferFrames     int
	EgressBuffer     int
	ReconnectBackoff time.Duration
	SynthBackoff     time.Duration
}

// Manager runs one orchestration unit per active call. It is the only
// component that mutates a Session.
type Manager struct {
	cfg      Config
	gateway  *claims.Gateway
	registry *Registry
}

// NewManager creates a manager over the given registry.
func NewManager(cfg Config, registry *Registry) *Manager {
	if cfg.EgressBuffer <= 0 {
		cfg.EgressBuffer = 64
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 500 * time.Millisecond
	}
	if cfg.Persona == nil {
		cfg.Persona = persona.Default()
	}
	return &Manager{
		cfg:      cfg,
		gateway:  claims.NewGateway(cfg.Retriever, 0, 0),
		registry: registry,
	}
}

// Registry exposes the active-session index for admission and lookup.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// OnCallStart admits a new call: registers it, opens the transcription
// stream (one retry), starts the per-call loop, and speaks the persona
// greeting. The session lives until OnCallEnd or a fatal stage error.
func (m *Manager) OnCallStart(ctx context.Context, callID string) (*Session, error) {
	adapter := transcribe.NewAdapter(m.cfg.Connect, m.cfg.BufferFrames)

	var sess *Session
	observer := func(from, to turn.State, trigger turn.Trigger) {
		m.cfg.Publisher.Emit(context.Background(), events.StateChanged, callID, &events.StateChangedData{
			FromState: string(from),
			ToState:   string(to),
			Trigger:   string(trigger),
		})
	}
	sess = newSession(ctx, callID, adapter, observer, m.cfg.EgressBuffer)
	sess.streamer = synth.NewStreamer(m.cfg.Synthesizer, callID, m.cfg.SynthBackoff)

	if err := m.registry.Add(sess); err != nil {
		sess.cancel()
		return nil, err
	}

	if err := adapter.Start(sess.ctx); err != nil {
		select {
		case <-time.After(m.cfg.ReconnectBackoff):
		case <-sess.ctx.Done():
		}
		if err = adapter.Start(sess.ctx); err != nil {
			m.emitError(sess, "transcription", err)
			m.endCall(sess, "transcription unavailable")
			return nil, err
		}
	}

	m.cfg.Publisher.Emit(sess.ctx, events.CallStarted, callID, &events.CallStartedData{})
	slog.InfoContext(sess.ctx, "session: call started", slog.String("call_id", callID))

	if m.cfg.Store != nil {
		startedAt := sess.CreatedAt
		m.submit(sess.ctx, func() {
			if err := m.cfg.Store.CallStarted(context.Background(), callID, startedAt); err != nil {
				slog.Warn("session: persist call start", slog.String("call_id", callID), slog.String("error", err.Error()))
			}
		})
	}

	go m.transcriptLoop(sess)

	if m.cfg.Persona.Greeting != "" {
		m.startGreeting(sess)
	}
	return sess, nil
}

// OnAudioFrame forwards one inbound frame to the transcription
// adapter. It never blocks; a full buffer fails with StreamOverrun.
func (m *Manager) OnAudioFrame(callID string, frame audio.Frame) error {
	sess, ok := m.registry.Get(callID)
	if !ok {
		return fmt.Errorf("session: unknown call %q", callID)
	}
	if err := sess.adapter.Submit(frame); err != nil {
		m.emitError(sess, "transcription", err)
		return err
	}
	return nil
}

// OnCallEnd tears the call down: cancels all in-flight stage work,
// flushes the final CallEnded event, and removes the session from the
// registry. Safe to call concurrently and more than once.
func (m *Manager) OnCallEnd(callID string) {
	sess, ok := m.registry.Get(callID)
	if !ok {
		return
	}
	m.endCall(sess, "call ended")
}

// endCall releases a call's resources exactly once, even under
// concurrent OnCallEnd and an in-flight barge-in.
func (m *Manager) endCall(sess *Session, reason string) {
	sess.teardown.Do(func() {
		sess.markEnded()
		m.registry.Remove(sess.ID)
		sess.cancel()
		sess.adapter.Close()

		duration := time.Since(sess.CreatedAt)
		m.cfg.Publisher.Emit(context.Background(), events.CallEnded, sess.ID, &events.CallEndedData{
			Reason:     reason,
			DurationMs: duration.Milliseconds(),
		})
		slog.Info("session: call ended",
			slog.String("call_id", sess.ID),
			slog.String("reason", reason),
			slog.Int64("duration_ms", duration.Milliseconds()))

		if m.cfg.Store != nil {
			callID := sess.ID
			endedAt := sess.EndedAt()
			m.submit(context.Background(), func() {
				if err := m.cfg.Store.CallEnded(context.Background(), callID, endedAt); err != nil {
					slog.Warn("session: persist call end", slog.String("call_id", callID), slog.String("error", err.Error()))
				}
			})
		}
	})
}

// transcriptLoop consumes the adapter's utterance stream for the
// call's lifetime. Partials are published live; finals drive the
// turn-taking machine through the reply pipeline. A lost transcription
// connection gets exactly one reconnect attempt before the call ends.
func (m *Manager) transcriptLoop(sess *Session) {
	for {
		select {
		case <-sess.ctx.Done():
			return

		case <-sess.adapter.Failures():
			m.emitError(sess, "transcription", transcribe.ErrUnavailable)
			select {
			case <-time.After(m.cfg.ReconnectBackoff):
			case <-sess.ctx.Done():
				return
			}
			if err := sess.adapter.Reconnect(sess.ctx); err != nil {
				m.emitError(sess, "transcription", err)
				m.endCall(sess, "transcription unavailable")
				return
			}
			slog.InfoContext(sess.ctx, "session: transcription reconnected", slog.String("call_id", sess.ID))

		case u := <-sess.adapter.Utterances():
			if !u.Final {
				m.cfg.Publisher.Emit(sess.ctx, events.TranscriptPartial, sess.ID, &events.TranscriptPartialData{
					Transcript: u.Text,
					Seq:        u.Seq,
				})
				continue
			}
			if u.Text == "" {
				continue
			}
			m.cfg.Publisher.Emit(sess.ctx, events.TranscriptFinal, sess.ID, &events.TranscriptFinalData{
				Transcript: u.Text,
				Seq:        u.Seq,
				Confidence: u.Confidence,
			})
			m.startPipeline(sess, u)
		}
	}
}

func (m *Manager) emitError(sess *Session, stage string, err error) {
	m.cfg.Publisher.Emit(context.Background(), events.SystemError, sess.ID, &events.ErrorData{
		Stage: stage,
		Error: err.Error(),
	})
}

func (m *Manager) persistTurn(sess *Session, t dialogue.Turn) {
	if m.cfg.Store == nil {
		return
	}
	callID := sess.ID
	m.submit(context.Background(), func() {
		if err := m.cfg.Store.AppendTurn(context.Background(), callID, t); err != nil {
			slog.Warn("session: persist turn", slog.String("call_id", callID), slog.String("error", err.Error()))
		}
	})
}

func (m *Manager) submit(ctx context.Context, fn func()) {
	if m.cfg.Pool != nil {
		if err := m.cfg.Pool.Submit(ctx, fn); err == nil {
			return
		}
	}
	go fn()
}
