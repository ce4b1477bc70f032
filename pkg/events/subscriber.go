package events

import (
	"context"
	"encoding/json"

	"github.com/pitabwire/util"
)

// Subscriber implements frame's queue.SubscribeWorker, feeding queued
// envelopes into a local publisher's subscriptions. It is what lets
// one instance's event stream show calls handled elsewhere.
type Subscriber struct {
	Publisher *Publisher
}

// Handle is called by frame's pub/sub for each queued event message.
func (s *Subscriber) Handle(ctx context.Context, _ map[string]string, message []byte) error {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		util.Log(ctx).WithError(err).Error("events subscriber: unmarshal envelope")
		return err
	}
	s.Publisher.Dispatch(env)
	return nil
}
