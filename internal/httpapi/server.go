package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"livecap/internal/caption"
	"livecap/internal/session"
	"livecap/internal/store"
)

// Server exposes the controller to a local UI layer: request/response for
// start/stop/status, and a websocket push stream for status and subtitle
// previews. There is no polling channel for progress.
type Server struct {
	log   *log.Logger
	ctrl  *session.Controller
	store store.Store

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]*sync.Mutex
}

func New(logger *log.Logger, ctrl *session.Controller, st store.Store) *Server {
	s := &Server{
		log:   logger,
		ctrl:  ctrl,
		store: st,
		upgrader: websocket.Upgrader{
			// Local control surface; the UI layer connects from anywhere.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*websocket.Conn]*sync.Mutex),
	}
	ctrl.AddObserver(s)
	return s
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Post("/api/start", s.handleStart)
	r.Post("/api/stop", s.handleStop)
	r.Get("/api/status", s.handleStatus)
	r.Post("/api/display", s.handleDisplay)
	r.Get("/api/events", s.handleEvents)
	return r
}

type startRequest struct {
	ChunkDurationMs int    `json:"chunkDurationMs"`
	EndpointURL     string `json:"endpointUrl"`
	ModelHint       string `json:"modelHint"`
	FontSizePx      int    `json:"fontSizePx"`
	OverlayPosition string `json:"overlayPosition"`
}

type startResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, startResponse{OK: false, Error: "bad request: " + err.Error()})
		return
	}

	cfg := session.Config{
		ChunkDuration: time.Duration(req.ChunkDurationMs) * time.Millisecond,
		Endpoint:      req.EndpointURL,
		ModelHint:     req.ModelHint,
		Display: caption.DisplayConfig{
			FontSizePx: req.FontSizePx,
			Position:   caption.Position(req.OverlayPosition),
		},
	}

	// The session outlives this request.
	if err := s.ctrl.Start(r.Context(), cfg); err != nil {
		writeJSON(w, http.StatusOK, startResponse{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, startResponse{OK: true})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Stop("requested")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	last, err := s.store.LastSubtitle(r.Context())
	if err != nil {
		s.log.Warn("read last subtitle", "error", err)
	}
	resp := map[string]any{
		"running":      s.ctrl.Running(),
		"state":        s.ctrl.State().String(),
		"lastSubtitle": last,
	}
	if started := s.ctrl.StartedAt(); !started.IsZero() {
		resp["startedAt"] = started.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type displayRequest struct {
	FontSizePx      int    `json:"fontSizePx"`
	OverlayPosition string `json:"overlayPosition"`
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	var req displayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.ctrl.UpdateDisplay(caption.DisplayConfig{
		FontSizePx: req.FontSizePx,
		Position:   caption.Position(req.OverlayPosition),
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("event subscriber upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.subs[conn] = &sync.Mutex{}
	s.mu.Unlock()
	s.log.Info("event subscriber connected", "remote", conn.RemoteAddr())

	// Reads only to detect the subscriber going away.
	go func() {
		defer s.dropSubscriber(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) dropSubscriber(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.subs, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) broadcast(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(s.subs))
	for c, m := range s.subs {
		conns[c] = m
	}
	s.mu.Unlock()

	for conn, wmu := range conns {
		wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		wmu.Unlock()
		if err != nil {
			s.dropSubscriber(conn)
		}
	}
}

// StatusUpdate implements session.Observer.
func (s *Server) StatusUpdate(status session.Status) {
	s.broadcast(map[string]string{
		"event": "statusUpdate",
		"text":  status.Text,
		"state": status.State,
	})
}

// SubtitlePreview implements session.Observer.
func (s *Server) SubtitlePreview(text string) {
	s.broadcast(map[string]string{
		"event": "subtitlePreview",
		"text":  text,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
