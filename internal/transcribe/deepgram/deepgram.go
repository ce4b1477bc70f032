// Package deepgram implements transcribe.Source over Deepgram's live
// websocket API.
package deepgram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/claimline/claimline/internal/transcribe"
	"github.com/claimline/claimline/pkg/audio"
)

const liveURL = "wss://api.deepgram.com/v1/listen"

// Config tunes the live recognition session. The defaults are the
// phone-call settings that keep end-of-utterance detection fast.
type Config struct {
	APIKey         string
	Model          string
	Language       string
	Encoding       string
	SampleRate     int
	UtteranceEndMs int
	EndpointingMs  int
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "nova-2-phonecall"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.UtteranceEndMs == 0 {
		c.UtteranceEndMs = 700
	}
	if c.EndpointingMs == 0 {
		c.EndpointingMs = 300
	}
}

type liveResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	// SpeechFinal marks the end of a spoken utterance, not just a
	// stabilized segment.
	SpeechFinal bool `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float32 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Session is one live recognition connection.
type Session struct {
	conn    *websocket.Conn
	results chan transcribe.Utterance

	writeMu sync.Mutex
	closed  sync.Once
}

// Connect dials a live session with the given config.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	cfg.applyDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram: API key required")
	}

	params := url.Values{}
	params.Set("model", cfg.Model)
	params.Set("language", cfg.Language)
	params.Set("encoding", cfg.Encoding)
	params.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	params.Set("smart_format", "true")
	params.Set("interim_results", "true")
	params.Set("utterance_end_ms", fmt.Sprintf("%d", cfg.UtteranceEndMs))
	params.Set("endpointing", fmt.Sprintf("%d", cfg.EndpointingMs))

	header := http.Header{}
	header.Set("Authorization", "Token "+cfg.APIKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, liveURL+"?"+params.Encode(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	s := &Session{
		conn:    conn,
		results: make(chan transcribe.Utterance, 16),
	}
	go s.readLoop(ctx)
	return s, nil
}

// Send forwards one audio frame as a binary websocket message.
func (s *Session) Send(_ context.Context, frame audio.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.Payload); err != nil {
		return fmt.Errorf("deepgram send: %w", err)
	}
	return nil
}

// Results returns the utterance stream. The channel closes when the
// upstream connection is lost.
func (s *Session) Results() <-chan transcribe.Utterance {
	return s.results
}

// Close tears the connection down.
func (s *Session) Close() error {
	var err error
	s.closed.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// readLoop assembles stabilized segments into utterances the way the
// recognizer reports them: is_final segments accumulate until
// speech_final closes the utterance.
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.results)

	var segments []string
	var seq uint64

	for {
		var res liveResult
		if err := s.conn.ReadJSON(&res); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("deepgram: read failed", slog.String("error", err.Error()))
			}
			return
		}
		if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
			continue
		}

		alt := res.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}

		seq++
		switch {
		case res.IsFinal && res.SpeechFinal:
			segments = append(segments, alt.Transcript)
			full := strings.TrimSpace(strings.Join(segments, " "))
			segments = nil
			s.deliver(ctx, transcribe.Utterance{
				Text:       full,
				Seq:        seq,
				Final:      true,
				Confidence: alt.Confidence,
			})
		case res.IsFinal:
			segments = append(segments, alt.Transcript)
		default:
			interim := strings.TrimSpace(strings.Join(append(segments[:len(segments):len(segments)], alt.Transcript), " "))
			s.deliver(ctx, transcribe.Utterance{
				Text:       interim,
				Seq:        seq,
				Confidence: alt.Confidence,
			})
		}
	}
}

func closeDeadline() time.Time {
	return time.Now().Add(2 * time.Second)
}

func (s *Session) deliver(ctx context.Context, u transcribe.Utterance) {
	select {
	case s.results <- u:
	case <-ctx.Done():
	}
}
