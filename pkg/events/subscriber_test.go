package events

import (
	"context"
	"encoding/json"
	"testing"
)

func TestSubscriberDispatchesToLocalSubscriptions(t *testing.T) {
	pub := NewPublisher(nil, "test")
	ch := pub.Subscribe("sse", 4)
	defer pub.Unsubscribe("sse")

	env := Envelope{ID: "e1", Type: TranscriptFinal, CallID: "call-1"}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	sub := &Subscriber{Publisher: pub}
	if err := sub.Handle(context.Background(), nil, raw); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != "e1" || got.CallID != "call-1" {
			t.Fatalf("dispatched = %+v", got)
		}
	default:
		t.Fatal("envelope not dispatched")
	}
}

func TestSubscriberRejectsBadPayload(t *testing.T) {
	sub := &Subscriber{Publisher: NewPublisher(nil, "test")}
	if err := sub.Handle(context.Background(), nil, []byte("not json")); err == nil {
		t.Fatal("expected unmarshal error")
	}
}
