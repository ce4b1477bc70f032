// Package audio defines the audio frame type shared by the ingress and
// egress sides of a call.
package audio

import "time"

// DefaultFrameDuration is the wall-clock span of one media frame as
// delivered by the telephony stream (20ms of 8kHz mulaw).
const DefaultFrameDuration = 20 * time.Millisecond

// Frame is one fixed-duration chunk of call audio. Frames are ordered
// by Seq within a single direction; ingress and egress sequences are
// independent.
type Frame struct {
	CallID    string
	Seq       uint64
	Timestamp time.Time
	Payload   []byte
}
