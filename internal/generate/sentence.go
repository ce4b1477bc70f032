package generate

import (
	"context"
	"strings"
	"unicode"
)

// Chunk is one sentence-aligned piece of a streaming reply.
type Chunk struct {
	Text  string
	Index int
}

// chunkSentences re-segments a stream of model deltas into complete
// sentences so synthesis can start before generation finishes. The
// out channel is closed when deltas closes or ctx is cancelled; any
// trailing text without a terminator is flushed as a final chunk.
func chunkSentences(ctx context.Context, deltas <-chan string, out chan<- Chunk) {
	defer close(out)

	var buf strings.Builder
	index := 0

	emit := func(text string) bool {
		text = strings.TrimSpace(text)
		if text == "" {
			return true
		}
		select {
		case out <- Chunk{Text: text, Index: index}:
			index++
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case delta, ok := <-deltas:
			if !ok {
				emit(buf.String())
				return
			}
			buf.WriteString(delta)
			for {
				sentence, rest, found := splitSentence(buf.String())
				if !found {
					break
				}
				if !emit(sentence) {
					return
				}
				buf.Reset()
				buf.WriteString(rest)
			}
		}
	}
}

// splitSentence splits off the first complete sentence: text up to a
// terminator (., !, ?) that is followed by whitespace. A terminator at
// the very end of the buffer is not split yet, since the next delta
// may continue the token (e.g. a decimal number or ellipsis).
func splitSentence(s string) (sentence, rest string, found bool) {
	runes := []rune(s)
	for i := 0; i < len(runes)-1; i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		if !unicode.IsSpace(runes[i+1]) {
			continue
		}
		return string(runes[:i+1]), string(runes[i+1:]), true
	}
	return "", "", false
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
