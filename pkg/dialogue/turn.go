// Package dialogue defines the conversational turn type shared by the
// understanding and generation stages.
package dialogue

import "time"

// Speaker identifies who produced a turn.
type Speaker string

const (
	Caller Speaker = "caller"
	Agent  Speaker = "agent"
)

// Turn is one contiguous unit of dialogue attributable to a single
// speaker. Turns are immutable once appended to a history.
type Turn struct {
	Speaker   Speaker           `json:"speaker"`
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
	Entities  map[string]string `json:"entities,omitempty"`
}
