package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of conversation event flowing to the
// monitoring sink.
type EventType string

const (
	CallStarted       EventType = "call.started"
	CallEnded         EventType = "call.ended"
	TranscriptPartial EventType = "transcript.partial"
	TranscriptFinal   EventType = "transcript.final"
	EntitiesExtracted EventType = "entities.extracted"
	ReplyChunk        EventType = "reply.chunk"
	StateChanged      EventType = "state.changed"
	SystemError       EventType = "error"
)

// Envelope is the standard wrapper for every published conversation
// event. Events for one call are published in the order the producing
// stage emitted them; no ordering holds across calls.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Source    string          `json:"source"`
	CallID    string          `json:"call_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// CallStartedData is the payload for call.started events.
type CallStartedData struct {
	CallerNumber string `json:"caller_number,omitempty"`
	CalledNumber string `json:"called_number,omitempty"`
}

// CallEndedData is the payload for call.ended events.
type CallEndedData struct {
	Reason     string `json:"reason"`
	DurationMs int64  `json:"duration_ms"`
}

// TranscriptPartialData is the payload for transcript.partial events.
type TranscriptPartialData struct {
	Transcript string `json:"transcript"`
	Seq        uint64 `json:"seq"`
}

// TranscriptFinalData is the payload for transcript.final events.
type TranscriptFinalData struct {
	Transcript string  `json:"transcript"`
	Seq        uint64  `json:"seq"`
	Confidence float32 `json:"confidence"`
}

// EntitiesExtractedData is the payload for entities.extracted events.
type EntitiesExtractedData struct {
	Intent     string            `json:"intent"`
	Confidence float32           `json:"confidence"`
	Fields     map[string]string `json:"fields,omitempty"`
	Matches    int               `json:"matches"`
}

// ReplyChunkData is the payload for reply.chunk events.
type ReplyChunkData struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// StateChangedData is the payload for state.changed events.
type StateChangedData struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Trigger   string `json:"trigger"`
}

// ErrorData is the payload for error events.
type ErrorData struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}
