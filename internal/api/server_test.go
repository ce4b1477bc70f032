package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/claimline/claimline/internal/claims"
	"github.com/claimline/claimline/internal/generate"
	"github.com/claimline/claimline/internal/session"
	"github.com/claimline/claimline/internal/transcribe"
	"github.com/claimline/claimline/internal/understand"
	"github.com/claimline/claimline/pkg/audio"
	"github.com/claimline/claimline/pkg/dialogue"
	"github.com/claimline/claimline/pkg/events"
	"github.com/claimline/claimline/pkg/persona"
)

type idleSource struct{ results chan transcribe.Utterance }

func (s *idleSource) Send(context.Context, audio.Frame) error     { return nil }
func (s *idleSource) Results() <-chan transcribe.Utterance        { return s.results }
func (s *idleSource) Close() error                                { close(s.results); return nil }

type noopExtractor struct{}

func (noopExtractor) Extract(context.Context, string, []dialogue.Turn) (understand.Entities, error) {
	return understand.Entities{Intent: understand.IntentUnknown}, nil
}

type noopRetriever struct{}

func (noopRetriever) Lookup(context.Context, understand.Entities) ([]claims.Record, error) {
	return nil, nil
}

type noopGenerator struct{}

func (noopGenerator) Generate(context.Context, []dialogue.Turn, []claims.Record, *persona.Spec) (<-chan generate.Chunk, error) {
	out := make(chan generate.Chunk)
	close(out)
	return out, nil
}

type noopSynth struct{}

func (noopSynth) Synthesize(context.Context, string) (<-chan audio.Frame, error) {
	out := make(chan audio.Frame)
	close(out)
	return out, nil
}

func newTestAPI(t *testing.T) (*httptest.Server, *session.Manager, *events.Publisher) {
	t.Helper()
	pub := events.NewPublisher(nil, "test")
	registry := session.NewRegistry()
	mgr := session.NewManager(session.Config{
		Publisher: pub,
		Connect: func(context.Context) (transcribe.Source, error) {
			return &idleSource{results: make(chan transcribe.Utterance)}, nil
		},
		Extractor:   noopExtractor{},
		Retriever:   noopRetriever{},
		Generator:   noopGenerator{},
		Synthesizer: noopSynth{},
		Persona:     &persona.Spec{Name: "t", VoiceID: "v", Apology: "sorry"},
	}, registry)

	srv := httptest.NewServer(NewServer(registry, nil, pub).Handler())
	t.Cleanup(srv.Close)
	return srv, mgr, pub
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestListCallsShowsActiveSessions(t *testing.T) {
	srv, mgr, _ := newTestAPI(t)
	if _, err := mgr.OnCallStart(context.Background(), "call-7"); err != nil {
		t.Fatalf("OnCallStart: %v", err)
	}
	defer mgr.OnCallEnd("call-7")

	resp, err := http.Get(srv.URL + "/v1/calls")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Active []struct {
			CallID string `json:"call_id"`
			State  string `json:"state"`
		} `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Active) != 1 || body.Active[0].CallID != "call-7" || body.Active[0].State != "listening" {
		t.Fatalf("active = %+v", body.Active)
	}
}

func TestGetCallLiveAndMissing(t *testing.T) {
	srv, mgr, _ := newTestAPI(t)
	if _, err := mgr.OnCallStart(context.Background(), "call-7"); err != nil {
		t.Fatalf("OnCallStart: %v", err)
	}
	defer mgr.OnCallEnd("call-7")

	resp, err := http.Get(srv.URL + "/v1/calls/call-7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("live call status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/calls/no-such-call")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing call status = %d", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	srv, _, pub := newTestAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	// The subscription is registered before the handler flushes
	// headers, so an event emitted now must be observed.
	done := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				done <- strings.TrimPrefix(line, "data: ")
				return
			}
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		pub.Emit(context.Background(), events.TranscriptFinal, "call-9", &events.TranscriptFinalData{Transcript: "hello"})
		select {
		case data := <-done:
			var env events.Envelope
			if err := json.Unmarshal([]byte(data), &env); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			if env.Type != events.TranscriptFinal || env.CallID != "call-9" {
				t.Fatalf("event = %+v", env)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("no event received on stream")
		}
	}
}
