package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/claimline/claimline/internal/generate"
	"github.com/claimline/claimline/internal/synth"
	"github.com/claimline/claimline/internal/transcribe"
	"github.com/claimline/claimline/internal/turn"
	"github.com/claimline/claimline/internal/understand"
	"github.com/claimline/claimline/pkg/dialogue"
	"github.com/claimline/claimline/pkg/events"
)

// startPipeline runs the reply pipeline for one final utterance. The
// current pipeline, if any, is cancelled immediately; the new one
// waits for it to unwind before touching the state machine, so all
// transitions for a call happen from exactly one goroutine at a time.
func (m *Manager) startPipeline(sess *Session, u transcribe.Utterance) {
	pctx, prev, done := sess.claimPipeline()
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if pctx.Err() != nil {
			return
		}
		m.runPipeline(pctx, sess, u)
	}()
}

// startGreeting speaks the persona greeting through the pipeline slot
// so the first caller utterance cuts it off like any other reply. The
// state machine stays in Listening throughout.
func (m *Manager) startGreeting(sess *Session) {
	pctx, prev, done := sess.claimPipeline()
	greeting := m.cfg.Persona.Greeting
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if pctx.Err() != nil {
			return
		}
		chunks := make(chan generate.Chunk, 1)
		chunks <- generate.Chunk{Text: greeting, Index: 0}
		close(chunks)
		m.speak(pctx, sess, chunks, false)
	}()
}

// runPipeline is the single serialized reply path: align the state
// machine with the utterance, extract entities, look up claims,
// generate, and synthesize. Every stage checks the pipeline context so
// a barge-in stops the turn at whatever stage it reached.
func (m *Manager) runPipeline(ctx context.Context, sess *Session, u transcribe.Utterance) {
	switch sess.machine.Current() {
	case turn.Speaking:
		m.fire(sess, turn.TriggerBargeIn)
		m.fire(sess, turn.TriggerFinalUtterance)
	case turn.Listening:
		m.fire(sess, turn.TriggerFinalUtterance)
	case turn.Thinking:
		// Superseded mid-thought; the restarted pipeline keeps the
		// state as is.
	}

	entities, err := m.cfg.Extractor.Extract(ctx, u.Text, sess.History())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, understand.ErrExtractionTimeout) {
			m.emitError(sess, "understanding", err)
		}
	}

	records, err := m.gateway.Lookup(ctx, entities)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.emitError(sess, "retrieval", err)
		records = nil
	}

	m.cfg.Publisher.Emit(ctx, events.EntitiesExtracted, sess.ID, &events.EntitiesExtractedData{
		Intent:     entities.Intent,
		Confidence: entities.Confidence,
		Fields:     entities.Fields,
		Matches:    len(records),
	})

	callerTurn := dialogue.Turn{
		Speaker:   dialogue.Caller,
		Text:      u.Text,
		Timestamp: time.Now().UTC(),
		Entities:  entities.Fields,
	}
	sess.appendTurn(callerTurn)
	m.persistTurn(sess, callerTurn)

	chunks, err := m.cfg.Generator.Generate(ctx, sess.History(), records, m.cfg.Persona)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.emitError(sess, "generation", err)
		fallback := make(chan generate.Chunk, 1)
		fallback <- generate.Chunk{Text: m.cfg.Persona.Apology, Index: 0}
		close(fallback)
		chunks = fallback
	}

	m.fire(sess, turn.TriggerReplyReady)
	m.speak(ctx, sess, chunks, true)
}

// speak drains reply chunks through the synthesizer onto the call's
// egress stream and records the spoken text as an agent turn. When
// transitions is true it completes the Speaking leg of the turn cycle.
func (m *Manager) speak(ctx context.Context, sess *Session, chunks <-chan generate.Chunk, transitions bool) {
	var parts []string
	err := sess.streamer.Speak(ctx, chunks, sess.egress, func(c generate.Chunk) {
		parts = append(parts, c.Text)
		m.cfg.Publisher.Emit(ctx, events.ReplyChunk, sess.ID, &events.ReplyChunkData{
			Text:  c.Text,
			Index: c.Index,
		})
	})

	record := func() {
		if len(parts) == 0 {
			return
		}
		agentTurn := dialogue.Turn{
			Speaker:   dialogue.Agent,
			Text:      strings.Join(parts, " "),
			Timestamp: time.Now().UTC(),
		}
		sess.appendTurn(agentTurn)
		m.persistTurn(sess, agentTurn)
	}

	switch {
	case err == nil:
		record()
		if transitions {
			m.fire(sess, turn.TriggerSynthesisComplete)
		}
	case errors.Is(err, context.Canceled):
		// Barge-in or hangup; audio already sent stays sent, and the
		// canceller owns the next transition.
		record()
	case errors.Is(err, synth.ErrUnavailable):
		record()
		m.emitError(sess, "synthesis", err)
		m.endCall(sess, "synthesis unavailable")
	default:
		record()
		m.emitError(sess, "synthesis", err)
		m.endCall(sess, "synthesis unavailable")
	}
}

// fire applies one trigger and logs the rejected ones. Rejections here
// indicate a serialization bug, not a caller error.
func (m *Manager) fire(sess *Session, trigger turn.Trigger) {
	if _, _, err := sess.machine.Fire(trigger); err != nil {
		slog.Warn("session: transition rejected",
			slog.String("call_id", sess.ID),
			slog.String("trigger", string(trigger)),
			slog.String("state", string(sess.machine.Current())))
	}
}
