// Package understand extracts intent and entities from finalized
// caller utterances.
package understand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/claimline/claimline/internal/llm"
	"github.com/claimline/claimline/pkg/dialogue"
)

// ErrExtractionTimeout means no extraction result arrived within the
// stage deadline. The caller proceeds as if no entities were found.
var ErrExtractionTimeout = errors.New("understand: extraction deadline exceeded")

// IntentUnknown is the fallback intent; extraction never fails to
// produce an intent.
const IntentUnknown = "unknown"

// DefaultTimeout bounds one extraction call.
const DefaultTimeout = 3 * time.Second

// Entities is the structured understanding of one utterance. It is
// transient: produced per utterance, attached to the owning turn, and
// never persisted on its own.
type Entities struct {
	Intent     string
	Confidence float32
	Fields     map[string]string
}

// Extractor produces entities from an utterance and its history.
type Extractor interface {
	Extract(ctx context.Context, utterance string, history []dialogue.Turn) (Entities, error)
}

const systemPrompt = `You are an entity extractor for an insurance claims phone line.
Given the caller's latest utterance and the conversation so far, respond with a single JSON object:
{"intent": one of "claim_status", "claim_search", "claim_detail", "general_question", "goodbye", "unknown",
 "confidence": 0.0-1.0,
 "entities": {object with any of: "claim_number", "policy_id", "customer_name", "incident_type"}}
Only include entity keys the caller actually mentioned. Respond with JSON only.`

type extractionResult struct {
	Intent     string            `json:"intent"`
	Confidence float32           `json:"confidence"`
	Entities   map[string]string `json:"entities"`
}

// LLMExtractor implements Extractor over a chat-completion model.
type LLMExtractor struct {
	client  *llm.Client
	timeout time.Duration
}

// NewLLMExtractor creates an extractor with the given per-call
// deadline. timeout <= 0 selects DefaultTimeout.
func NewLLMExtractor(client *llm.Client, timeout time.Duration) *LLMExtractor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LLMExtractor{client: client, timeout: timeout}
}

// Extract returns the intent and entities for the utterance. It always
// yields an intent: on model failure it falls back to IntentUnknown,
// and on deadline overrun it additionally returns ErrExtractionTimeout
// so the caller can publish the degradation.
func (e *LLMExtractor) Extract(ctx context.Context, utterance string, history []dialogue.Turn) (Entities, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	messages := []llm.Message{{Role: "user", Content: buildPrompt(utterance, history)}}

	raw, err := e.client.Complete(ctx, systemPrompt, messages, true)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fallback(), ErrExtractionTimeout
		}
		slog.WarnContext(ctx, "understand: extraction failed, using unknown intent",
			slog.String("error", err.Error()))
		return fallback(), nil
	}

	var parsed extractionResult
	if err := json.Unmarshal([]byte(stripFences(raw)), &parsed); err != nil {
		slog.WarnContext(ctx, "understand: unparseable extraction response",
			slog.String("error", err.Error()))
		return fallback(), nil
	}
	if parsed.Intent == "" {
		parsed.Intent = IntentUnknown
	}
	if parsed.Entities == nil {
		parsed.Entities = map[string]string{}
	}

	return Entities{
		Intent:     parsed.Intent,
		Confidence: parsed.Confidence,
		Fields:     parsed.Entities,
	}, nil
}

func fallback() Entities {
	return Entities{Intent: IntentUnknown, Fields: map[string]string{}}
}

func buildPrompt(utterance string, history []dialogue.Turn) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, turn := range tail(history, 6) {
			fmt.Fprintf(&b, "%s: %s\n", turn.Speaker, turn.Text)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Caller's latest utterance: %s", utterance)
	return b.String()
}

func tail(turns []dialogue.Turn, n int) []dialogue.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

// stripFences removes a markdown code fence if the model wrapped its
// JSON in one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
