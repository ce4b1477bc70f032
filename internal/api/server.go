// Package api exposes the read-side HTTP surface: live call state,
// stored call history, and a server-sent event stream of conversation
// events.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/xid"
	"gorm.io/gorm"

	"github.com/claimline/claimline/internal/history"
	"github.com/claimline/claimline/internal/session"
	"github.com/claimline/claimline/pkg/dialogue"
	"github.com/claimline/claimline/pkg/events"
)

type Server struct {
	router   *chi.Mux
	registry *session.Registry
	repo     *history.Repository
	pub      *events.Publisher
}

// NewServer builds the API router. repo may be nil when persistence
// is not configured; history endpoints then serve live calls only.
func NewServer(registry *session.Registry, repo *history.Repository, pub *events.Publisher) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		registry: registry,
		repo:     repo,
		pub:      pub,
	}

	router.Get("/health", s.health)
	router.Get("/v1/calls", s.listCalls)
	router.Get("/v1/calls/{callID}", s.getCall)
	router.Get("/v1/events", s.streamEvents)

	return s
}

// Handler returns the router, for mounting and for tests.
func (s *Server) Handler() http.Handler { return s.router }

// MountMediaStream attaches the call media websocket endpoint so the
// carrier and admin surfaces share one listener.
func (s *Server) MountMediaStream(h http.Handler) {
	s.router.Handle("/ws/{callID}", h)
}

type liveCall struct {
	CallID    string          `json:"call_id"`
	State     string          `json:"state"`
	CreatedAt string          `json:"created_at"`
	Turns     []dialogue.Turn `json:"turns,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listCalls(w http.ResponseWriter, r *http.Request) {
	active := make([]liveCall, 0)
	for _, sess := range s.registry.All() {
		active = append(active, liveCall{
			CallID:    sess.ID,
			State:     string(sess.State()),
			CreatedAt: sess.CreatedAt.Format(time.RFC3339),
		})
	}

	out := map[string]any{"active": active}
	if s.repo != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		recent, err := s.repo.ListCalls(r.Context(), limit, 0)
		if err != nil {
			slog.Warn("api: list calls", slog.String("error", err.Error()))
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		out["recent"] = recent
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	if sess, ok := s.registry.Get(callID); ok {
		writeJSON(w, http.StatusOK, liveCall{
			CallID:    sess.ID,
			State:     string(sess.State()),
			CreatedAt: sess.CreatedAt.Format(time.RFC3339),
			Turns:     sess.History(),
		})
		return
	}

	if s.repo == nil {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	rec, err := s.repo.GetCall(r.Context(), callID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		slog.Warn("api: get call", slog.String("call_id", callID), slog.String("error", err.Error()))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	transcript, err := s.repo.ListTranscripts(r.Context(), callID)
	if err != nil {
		slog.Warn("api: get transcript", slog.String("call_id", callID), slog.String("error", err.Error()))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call":       rec,
		"transcript": transcript,
	})
}

// streamEvents relays the in-process event feed as server-sent
// events; slow consumers miss events rather than slow the calls down.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := xid.New().String()
	ch := s.pub.Subscribe(id, 64)
	defer s.pub.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	callID := r.URL.Query().Get("call_id")
	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if callID != "" && env.CallID != callID {
				continue
			}
			raw, err := json.Marshal(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, raw)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
