// Package events carries the ordered conversation-event stream
// consumed by external monitoring.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Publisher emits typed conversation events to a sink and fans them
// out to local in-process subscribers. Emission is fire-and-forget:
// sink failures are logged and dropped, never surfaced to callers, so
// a monitoring outage cannot affect call processing.
type Publisher struct {
	sink   Sink
	source string

	subMu       sync.RWMutex
	subscribers map[string]chan Envelope
}

// NewPublisher creates a publisher emitting on behalf of source.
// A nil sink keeps local subscriptions working with no external
// delivery, which tests rely on.
func NewPublisher(sink Sink, source string) *Publisher {
	return &Publisher{
		sink:        sink,
		source:      source,
		subscribers: make(map[string]chan Envelope),
	}
}

// Emit publishes a typed event for the given call. Callers emit
// sequentially per call, which is what preserves per-call ordering.
func (p *Publisher) Emit(ctx context.Context, eventType EventType, callID string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.ErrorContext(ctx, "events: marshal payload",
			slog.String("event_type", string(eventType)),
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
		return
	}

	env := Envelope{
		ID:        xid.New().String(),
		Type:      eventType,
		Source:    p.source,
		CallID:    callID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}

	p.Dispatch(env)

	if p.sink == nil {
		return
	}
	if err := p.sink.Publish(ctx, env); err != nil {
		slog.WarnContext(ctx, "events: sink publish failed",
			slog.String("event_type", string(eventType)),
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
}

// Dispatch fans an envelope out to local subscribers without
// blocking; a slow subscriber misses events rather than stalling the
// producing call.
func (p *Publisher) Dispatch(env Envelope) {
	p.subMu.RLock()
	for id, ch := range p.subscribers {
		select {
		case ch <- env:
		default:
			slog.Warn("events: dropped for slow subscriber",
				slog.String("subscriber", id),
				slog.String("event_type", string(env.Type)))
		}
	}
	p.subMu.RUnlock()
}

// Subscribe creates a local in-process subscription. The caller must
// Unsubscribe with the same id to release the channel.
func (p *Publisher) Subscribe(id string, bufSize int) <-chan Envelope {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Envelope, bufSize)
	p.subMu.Lock()
	p.subscribers[id] = ch
	p.subMu.Unlock()
	return ch
}

// Unsubscribe removes a local subscription and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.subMu.Lock()
	if ch, ok := p.subscribers[id]; ok {
		close(ch)
		delete(p.subscribers, id)
	}
	p.subMu.Unlock()
}
