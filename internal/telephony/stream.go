// Package telephony bridges the carrier's media websocket to a call
// session: inbound base64 audio frames feed transcription, and the
// session's egress audio is framed back onto the socket.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/claimline/claimline/internal/session"
	"github.com/claimline/claimline/pkg/audio"
)

const (
	writeTimeout = 10 * time.Second
	closeGrace   = time.Second
)

// message is the carrier media-stream envelope, both directions.
type message struct {
	Event    string        `json:"event"`
	StreamID string        `json:"stream_id,omitempty"`
	Media    *mediaPayload `json:"media,omitempty"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

// Handler serves one media websocket per call at /ws/{callID}. The
// connection lives exactly as long as the session: a carrier stop or
// disconnect ends the call, and a session teardown closes the socket.
type Handler struct {
	mgr      *session.Manager
	upgrader websocket.Upgrader
}

// NewHandler creates a media stream handler over the session manager.
func NewHandler(mgr *session.Manager) *Handler {
	return &Handler{
		mgr: mgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes mounts the stream endpoint on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws/{callID}", h.serveStream)
	return r
}

// ServeHTTP serves one media stream; the route registering it must
// carry a callID path parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r)
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if callID == "" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("telephony: upgrade failed", slog.String("call_id", callID), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// The session outlives the request context on purpose; the read
	// loop below is what ties the call to the socket.
	sess, err := h.mgr.OnCallStart(context.Background(), callID)
	if err != nil {
		slog.Warn("telephony: call rejected", slog.String("call_id", callID), slog.String("error", err.Error()))
		return
	}
	defer h.mgr.OnCallEnd(callID)

	slog.Info("telephony: media stream open", slog.String("call_id", callID))

	var writeMu sync.Mutex
	go h.writeLoop(sess, conn, &writeMu)
	h.readLoop(sess, conn, callID)
}

// readLoop pumps carrier audio into the session until the stream
// stops or the socket drops.
func (h *Handler) readLoop(sess *session.Session, conn *websocket.Conn, callID string) {
	for {
		select {
		case <-sess.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			slog.Info("telephony: media stream closed", slog.String("call_id", callID), slog.String("error", err.Error()))
			return
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("telephony: bad stream message", slog.String("call_id", callID), slog.String("error", err.Error()))
			continue
		}

		switch msg.Event {
		case "start":
			slog.Info("telephony: media stream started", slog.String("call_id", callID), slog.String("stream_id", msg.StreamID))
		case "media":
			if msg.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				slog.Warn("telephony: undecodable media payload", slog.String("call_id", callID))
				continue
			}
			h.mgr.OnAudioFrame(callID, audio.Frame{
				CallID:    callID,
				Timestamp: time.Now().UTC(),
				Payload:   payload,
			})
		case "stop":
			slog.Info("telephony: media stream stopped", slog.String("call_id", callID))
			return
		}
	}
}

// writeLoop frames session egress audio back to the carrier.
func (h *Handler) writeLoop(sess *session.Session, conn *websocket.Conn, writeMu *sync.Mutex) {
	for {
		select {
		case <-sess.Done():
			writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
				time.Now().Add(writeTimeout))
			writeMu.Unlock()
			// The read loop may be parked in ReadMessage; force the
			// socket shut if the peer never answers the close frame.
			time.AfterFunc(closeGrace, func() { conn.Close() })
			return
		case frame := <-sess.Egress():
			out := message{
				Event: "media",
				Media: &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame.Payload)},
			}
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteJSON(out)
			writeMu.Unlock()
			if err != nil {
				slog.Warn("telephony: egress write failed", slog.String("call_id", frame.CallID), slog.String("error", err.Error()))
				return
			}
		}
	}
}
