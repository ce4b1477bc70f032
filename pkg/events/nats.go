package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes envelopes to NATS, one subject per event type
// (e.g. claimline.events.transcript.final).
type NATSSink struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSSink connects to the given NATS URL.
func NewNATSSink(url, subjectPrefix string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "claimline.events"
	}
	return &NATSSink{conn: conn, subjectPrefix: subjectPrefix}, nil
}

func (s *NATSSink) Publish(_ context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subject := s.subjectPrefix + "." + string(env.Type)
	if err := s.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	s.conn.Drain()
	s.conn.Close()
	return nil
}
