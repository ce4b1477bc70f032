package telephony

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

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

type fakeSource struct {
	results chan transcribe.Utterance

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *fakeSource) Send(_ context.Context, frame audio.Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, frame.Payload)
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Results() <-chan transcribe.Utterance { return s.results }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

func (s *fakeSource) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

type fixedExtractor struct{}

func (fixedExtractor) Extract(context.Context, string, []dialogue.Turn) (understand.Entities, error) {
	return understand.Entities{Intent: "claim_status"}, nil
}

type emptyRetriever struct{}

func (emptyRetriever) Lookup(context.Context, understand.Entities) ([]claims.Record, error) {
	return nil, nil
}

type fixedGenerator struct{ reply string }

func (g fixedGenerator) Generate(context.Context, []dialogue.Turn, []claims.Record, *persona.Spec) (<-chan generate.Chunk, error) {
	out := make(chan generate.Chunk, 1)
	out <- generate.Chunk{Text: g.reply, Index: 0}
	close(out)
	return out, nil
}

type toneSynth struct{}

func (toneSynth) Synthesize(_ context.Context, text string) (<-chan audio.Frame, error) {
	out := make(chan audio.Frame, 1)
	out <- audio.Frame{Payload: []byte(text)}
	close(out)
	return out, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager, chan *fakeSource) {
	t.Helper()
	sources := make(chan *fakeSource, 2)
	mgr := session.NewManager(session.Config{
		Publisher: events.NewPublisher(nil, "test"),
		Connect: func(context.Context) (transcribe.Source, error) {
			src := &fakeSource{results: make(chan transcribe.Utterance, 4)}
			sources <- src
			return src, nil
		},
		Extractor:   fixedExtractor{},
		Retriever:   emptyRetriever{},
		Generator:   fixedGenerator{reply: "Claim approved."},
		Synthesizer: toneSynth{},
		Persona:     &persona.Spec{Name: "t", VoiceID: "v", Apology: "sorry"},
	}, session.NewRegistry())

	srv := httptest.NewServer(NewHandler(mgr).Routes())
	t.Cleanup(srv.Close)
	return srv, mgr, sources
}

func dial(t *testing.T, srv *httptest.Server, callID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + callID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestInboundMediaReachesTranscription(t *testing.T) {
	srv, _, sources := newTestServer(t)
	conn := dial(t, srv, "call-1")

	var src *fakeSource
	select {
	case src = <-sources:
	case <-time.After(3 * time.Second):
		t.Fatal("no transcription source dialed")
	}

	if err := conn.WriteJSON(message{Event: "start", StreamID: "s-1"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	chunk := []byte{0x7f, 0x00, 0x7f, 0x00}
	msg := message{Event: "media", Media: &mediaPayload{Payload: base64.StdEncoding.EncodeToString(chunk)}}
	for i := 0; i < 3; i++ {
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write media: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(src.received()) < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	got := src.received()
	if len(got) != 3 || string(got[0]) != string(chunk) {
		t.Fatalf("source frames = %d", len(got))
	}
}

func TestReplyAudioFramedBack(t *testing.T) {
	srv, _, sources := newTestServer(t)
	conn := dial(t, srv, "call-1")

	src := <-sources
	src.results <- transcribe.Utterance{Text: "status of my claim", Seq: 1, Final: true, Confidence: 0.9}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read reply frame: %v", err)
	}
	if got.Event != "media" || got.Media == nil {
		t.Fatalf("reply message = %+v", got)
	}
	payload, err := base64.StdEncoding.DecodeString(got.Media.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if string(payload) != "Claim approved." {
		t.Fatalf("reply audio = %q", payload)
	}
}

func TestStopEndsCall(t *testing.T) {
	srv, mgr, sources := newTestServer(t)
	conn := dial(t, srv, "call-1")
	<-sources

	if mgr.Registry().Len() != 1 {
		t.Fatalf("registry len = %d", mgr.Registry().Len())
	}
	if err := conn.WriteJSON(message{Event: "stop"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && mgr.Registry().Len() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.Registry().Len() != 0 {
		t.Fatal("session still registered after stop")
	}
}

func TestDisconnectEndsCall(t *testing.T) {
	srv, mgr, sources := newTestServer(t)
	conn := dial(t, srv, "call-1")
	<-sources

	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && mgr.Registry().Len() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.Registry().Len() != 0 {
		t.Fatal("session still registered after disconnect")
	}
}

func TestTeardownClosesSocket(t *testing.T) {
	srv, mgr, sources := newTestServer(t)
	conn := dial(t, srv, "call-1")
	<-sources

	// End the call server side while the carrier sits silent; the
	// socket must still be closed promptly.
	mgr.OnCallEnd("call-1")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("socket still open after call teardown")
	}
}

func TestDuplicateStreamRejected(t *testing.T) {
	srv, _, sources := newTestServer(t)
	dial(t, srv, "call-1")
	<-sources

	second := dial(t, srv, "call-1")
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Fatal("second stream for same call not closed")
	}
}

func TestMalformedMessagesIgnored(t *testing.T) {
	srv, _, sources := newTestServer(t)
	conn := dial(t, srv, "call-1")
	src := <-sources

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := conn.WriteJSON(message{Event: "media", Media: &mediaPayload{Payload: "!!!not-base64!!!"}}); err != nil {
		t.Fatalf("write bad payload: %v", err)
	}

	// Stream stays up and valid media still flows.
	chunk := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	if err := conn.WriteJSON(message{Event: "media", Media: &mediaPayload{Payload: chunk}}); err != nil {
		t.Fatalf("write media: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(src.received()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(src.received()) != 1 {
		t.Fatalf("source frames = %d", len(src.received()))
	}
}
