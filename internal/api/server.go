// Package api exposes the HTTP surface: health, archived events, live streams and metrics.
package api

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"

	"github.com/dj-oyu/hawkeye/threat-server/internal/archive"
	"github.com/dj-oyu/hawkeye/threat-server/internal/logger"
	"github.com/dj-oyu/hawkeye/threat-server/internal/webrtc"
	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

const (
	defaultEventLimit = 200
	maxOfferSize      = 64 * 1024
)

// EventStore is the read side of the archive.
type EventStore interface {
	List(ctx context.Context, limit int) ([]types.EventRecord, error)
	Get(ctx context.Context, id int64) (*types.EventRecord, error)
	ImagePath(rec *types.EventRecord) string
	ImageDir() string
}

// Camera reports the capture link state.
type Camera interface {
	Connected() bool
	LastFrameTime() (time.Time, bool)
}

// LiveState serves the latest snapshot and the SSE stream.
type LiveState interface {
	Latest() (types.LiveSnapshot, bool)
	ServeSSE(w http.ResponseWriter, r *http.Request)
}

// OfferHandler negotiates WebRTC sessions.
type OfferHandler interface {
	HandleOffer(offer []byte) ([]byte, error)
}

// Deps wires the server to the running components. Any handler may be nil
// except Events, Camera and Live.
type Deps struct {
	Events      EventStore
	Camera      Camera
	Live        LiveState
	WebSocket   http.Handler
	Video       http.Handler
	WebRTC      OfferHandler
	Metrics     http.Handler
	Clients     func() int
	CORSOrigins []string
}

// Server serves the threat API.
type Server struct {
	deps Deps
	now  func() time.Time
}

// NewServer returns a configured API server.
func NewServer(deps Deps) *Server {
	if len(deps.CORSOrigins) == 0 {
		deps.CORSOrigins = []string{"*"}
	}
	return &Server{deps: deps, now: time.Now}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.deps.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/events", func(r chi.Router) {
		r.Get("/", s.handleListEvents)
		r.Get("/{id}", s.handleGetEvent)
		r.Get("/{id}/image", s.handleEventImage)
	})
	r.Handle("/images/*", http.StripPrefix("/images/", http.FileServer(filesOnly{http.Dir(s.deps.Events.ImageDir())})))

	if s.deps.WebSocket != nil {
		r.Handle("/ws/detections", s.deps.WebSocket)
	}
	r.Get("/api/detections/stream", s.deps.Live.ServeSSE)
	if s.deps.WebRTC != nil {
		r.Post("/api/webrtc/offer", s.handleWebRTCOffer)
	}
	if s.deps.Video != nil {
		r.Handle("/video", s.deps.Video)
	}
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stream := "DISCONNECTED"
	if s.deps.Camera.Connected() {
		stream = "CONNECTED"
	}

	var age any = "N/A"
	if last, ok := s.deps.Camera.LastFrameTime(); ok {
		age = math.Round(s.now().Sub(last).Seconds()*10) / 10
	}

	model := "pending"
	if snap, ok := s.deps.Live.Latest(); ok {
		model = snap.Debug.ModelUsed
	}

	clients := 0
	if s.deps.Clients != nil {
		clients = s.deps.Clients()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"stream":         stream,
		"last_frame_age": age,
		"model":          model,
		"clients":        clients,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeDetail(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	events, err := s.deps.Events.List(r.Context(), limit)
	if err != nil {
		logger.Error("API", "List events failed: %v", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to list events")
		return
	}
	if events == nil {
		events = []types.EventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

// lookupEvent resolves {id}; it writes notFound and returns nil when the event is missing.
func (s *Server) lookupEvent(w http.ResponseWriter, r *http.Request, notFound string) *types.EventRecord {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusNotFound, notFound)
		return nil
	}
	rec, err := s.deps.Events.Get(r.Context(), id)
	if errors.Is(err, archive.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, notFound)
		return nil
	}
	if err != nil {
		logger.Error("API", "Get event %d failed: %v", id, err)
		writeDetail(w, http.StatusInternalServerError, "Failed to load event")
		return nil
	}
	return rec
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if rec := s.lookupEvent(w, r, "Event not found"); rec != nil {
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleEventImage(w http.ResponseWriter, r *http.Request) {
	rec := s.lookupEvent(w, r, "Image not found")
	if rec == nil {
		return
	}
	if rec.ImagePath == "" {
		writeDetail(w, http.StatusNotFound, "Image not found")
		return
	}
	path := s.deps.Events.ImagePath(rec)
	if _, err := os.Stat(path); err != nil {
		writeDetail(w, http.StatusNotFound, "Image not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxOfferSize))
	if err != nil || len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid offer data"})
		return
	}

	answer, err := s.deps.WebRTC.HandleOffer(body)
	if errors.Is(err, webrtc.ErrTooManyClients) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	if err != nil {
		logger.Warn("API", "WebRTC offer rejected: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid offer data"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(answer)
}

// filesOnly hides directories so the image store cannot be listed.
type filesOnly struct {
	fs http.FileSystem
}

func (f filesOnly) Open(name string) (http.File, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, os.ErrNotExist
	}
	return file, nil
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("API", "Encode response failed: %v", err)
		http.Error(w, `{"detail":"encode error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
