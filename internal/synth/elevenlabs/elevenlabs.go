// Package elevenlabs implements synth.Synthesizer over the ElevenLabs
// streaming websocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/claimline/claimline/pkg/audio"
)

const streamInputURL = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input"

// Config selects the voice and model for synthesis.
type Config struct {
	APIKey  string
	VoiceID string
	Model   string
	// OutputFormat defaults to ulaw_8000 for telephony egress.
	OutputFormat string
}

func (c *Config) applyDefaults() {
	if c.VoiceID == "" {
		c.VoiceID = "21m00Tcm4TlvDq8ikWAM"
	}
	if c.Model == "" {
		c.Model = "eleven_turbo_v2"
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "ulaw_8000"
	}
}

// Synthesizer opens one streaming websocket per text chunk.
type Synthesizer struct {
	cfg Config
}

// New creates a synthesizer with the given config.
func New(cfg Config) (*Synthesizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("elevenlabs: API key required")
	}
	cfg.applyDefaults()
	return &Synthesizer{cfg: cfg}, nil
}

type initMessage struct {
	Text          string        `json:"text"`
	VoiceSettings voiceSettings `json:"voice_settings"`
	APIKey        string        `json:"xi_api_key"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

type audioMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
}

// Synthesize streams one chunk of text and returns the resulting audio
// frames in order. The channel closes when synthesis ends or ctx is
// cancelled; cancellation tears the connection down so no buffered
// audio leaks out afterwards.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (<-chan audio.Frame, error) {
	params := url.Values{}
	params.Set("model_id", s.cfg.Model)
	params.Set("output_format", s.cfg.OutputFormat)
	wsURL := fmt.Sprintf(streamInputURL, s.cfg.VoiceID) + "?" + params.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs dial: %w", err)
	}

	// Init with voice settings, then the text, then end-of-stream.
	msgs := []any{
		initMessage{
			Text:          " ",
			VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.8},
			APIKey:        s.cfg.APIKey,
		},
		textMessage{Text: text + " ", TryTriggerGeneration: true},
		textMessage{Text: ""},
	}
	for _, msg := range msgs {
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("elevenlabs send: %w", err)
		}
	}

	frames := make(chan audio.Frame, 8)
	go func() {
		defer close(frames)
		defer conn.Close()

		// Cancellation unblocks the read below.
		stop := context.AfterFunc(ctx, func() {
			conn.Close()
		})
		defer stop()

		for {
			var msg audioMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					slog.Warn("elevenlabs: read failed", slog.String("error", err.Error()))
				}
				return
			}
			if msg.Audio != "" {
				payload, err := base64.StdEncoding.DecodeString(msg.Audio)
				if err != nil {
					slog.Warn("elevenlabs: bad audio payload", slog.String("error", err.Error()))
					continue
				}
				select {
				case frames <- audio.Frame{Payload: payload}:
				case <-ctx.Done():
					return
				}
			}
			if msg.IsFinal {
				return
			}
		}
	}()

	return frames, nil
}
