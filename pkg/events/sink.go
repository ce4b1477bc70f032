package events

import (
	"context"

	"github.com/pitabwire/frame/queue"
)

// Sink delivers event envelopes to an external monitoring channel.
// Delivery is at-least-once; ordering within one call follows the
// order of Publish calls.
type Sink interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// QueueSink publishes envelopes through frame's queue manager.
type QueueSink struct {
	mgr queue.Manager
	ref string
}

// NewQueueSink creates a sink publishing to the given queue reference.
func NewQueueSink(mgr queue.Manager, ref string) *QueueSink {
	return &QueueSink{mgr: mgr, ref: ref}
}

func (s *QueueSink) Publish(ctx context.Context, env Envelope) error {
	return s.mgr.Publish(ctx, s.ref, env)
}

func (s *QueueSink) Close() error { return nil }
