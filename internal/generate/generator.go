// Package generate produces the agent's next spoken reply as a lazy
// stream of sentence chunks.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/claimline/claimline/internal/claims"
	"github.com/claimline/claimline/internal/llm"
	"github.com/claimline/claimline/pkg/dialogue"
	"github.com/claimline/claimline/pkg/persona"
)

// ErrGenerationFailed means no reply chunk was produced before the
// first-chunk deadline. The caller falls back to the persona apology.
var ErrGenerationFailed = errors.New("generate: no reply produced")

// DefaultFirstChunkTimeout bounds the wait for the first sentence.
const DefaultFirstChunkTimeout = 6 * time.Second

// historyWindow is how many recent turns are sent to the model.
const historyWindow = 12

// Generator streams reply chunks for the current turn. The returned
// channel yields at least one chunk (the first is already buffered)
// and closes when the reply is complete or ctx is cancelled;
// cancellation terminates the stream early without error.
type Generator interface {
	Generate(ctx context.Context, history []dialogue.Turn, records []claims.Record, spec *persona.Spec) (<-chan Chunk, error)
}

// LLMGenerator implements Generator over a streaming chat model.
type LLMGenerator struct {
	client            *llm.Client
	firstChunkTimeout time.Duration
}

// NewLLMGenerator creates a generator. timeout <= 0 selects
// DefaultFirstChunkTimeout.
func NewLLMGenerator(client *llm.Client, timeout time.Duration) *LLMGenerator {
	if timeout <= 0 {
		timeout = DefaultFirstChunkTimeout
	}
	return &LLMGenerator{client: client, firstChunkTimeout: timeout}
}

// Generate starts the model stream and blocks until the first sentence
// is ready, so the caller can treat a successful return as replyReady.
func (g *LLMGenerator) Generate(ctx context.Context, history []dialogue.Turn, records []claims.Record, spec *persona.Spec) (<-chan Chunk, error) {
	genCtx, cancel := context.WithCancel(ctx)

	deltas, err := g.client.Stream(genCtx, systemPrompt(spec), buildMessages(history, records))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	sentences := make(chan Chunk)
	go chunkSentences(genCtx, deltas, sentences)

	select {
	case first, ok := <-sentences:
		if !ok {
			cancel()
			return nil, ErrGenerationFailed
		}
		out := make(chan Chunk, 1)
		out <- first
		go func() {
			defer cancel()
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case chunk, ok := <-sentences:
					if !ok {
						return
					}
					select {
					case out <- chunk:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return out, nil

	case <-time.After(g.firstChunkTimeout):
		cancel()
		return nil, ErrGenerationFailed

	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

func systemPrompt(spec *persona.Spec) string {
	prompt := spec.SystemStyle +
		"\nYou are speaking on a phone call: respond in plain spoken sentences, no lists or markdown."
	if spec.MaxReplyLen > 0 {
		prompt += fmt.Sprintf(" Keep replies under %d characters.", spec.MaxReplyLen)
	}
	return prompt
}

// buildMessages maps the dialogue history onto chat roles and closes
// with the structured search results for the current turn.
func buildMessages(history []dialogue.Turn, records []claims.Record) []llm.Message {
	turns := history
	if len(turns) > historyWindow {
		turns = turns[len(turns)-historyWindow:]
	}

	messages := make([]llm.Message, 0, len(turns)+1)
	for _, turn := range turns {
		role := "user"
		if turn.Speaker == dialogue.Agent {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Text})
	}

	messages = append(messages, llm.Message{
		Role:    "assistant",
		Content: "I have searched the claims database. Here are the results: " + recordsJSON(records),
	})
	return messages
}

func recordsJSON(records []claims.Record) string {
	if len(records) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
