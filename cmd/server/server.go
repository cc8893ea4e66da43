package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/dj-oyu/hawkeye/threat-server/internal/api"
	"github.com/dj-oyu/hawkeye/threat-server/internal/archive"
	"github.com/dj-oyu/hawkeye/threat-server/internal/capture"
	"github.com/dj-oyu/hawkeye/threat-server/internal/config"
	"github.com/dj-oyu/hawkeye/threat-server/internal/detector"
	"github.com/dj-oyu/hawkeye/threat-server/internal/engine"
	"github.com/dj-oyu/hawkeye/threat-server/internal/fusion"
	"github.com/dj-oyu/hawkeye/threat-server/internal/live"
	"github.com/dj-oyu/hawkeye/threat-server/internal/logger"
	"github.com/dj-oyu/hawkeye/threat-server/internal/metrics"
	"github.com/dj-oyu/hawkeye/threat-server/internal/overlay"
	"github.com/dj-oyu/hawkeye/threat-server/internal/pipeline"
	"github.com/dj-oyu/hawkeye/threat-server/internal/webrtc"
)

// Server wires every component and runs them under one supervisor
type Server struct {
	cfg      *config.Config
	store    *archive.Store
	webrtc   *webrtc.Server
	services []suture.Service
}

// NewServer builds all components from cfg
func NewServer(cfg *config.Config) (*Server, error) {
	m := metrics.New()

	store, err := archive.Open(cfg.Archive.DBPath, cfg.Archive.ImageDir, cfg.Archive.MaxEvents)
	if err != nil {
		return nil, err
	}

	fuser, err := fusion.New(cfg.FusionConfig(), cfg.FusionSources())
	if err != nil {
		store.Close()
		return nil, err
	}

	sources := make([]detector.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, detector.NewHTTPSource(s.Name, s.URL, cfg.Pipeline.SourceTimeout))
		logger.Info("Main", "Detector source %s -> %s", s.Name, s.URL)
	}

	camera := capture.NewReader(cfg.Camera.URL, cfg.Camera.ReconnectDelay, m)

	writer := archive.NewWriter(store, archive.WriterOptions{
		QueueSize:       cfg.Archive.QueueSize,
		Annotate:        overlay.New(cfg.Archive.JPEGQuality).Annotate,
		BreakerFailures: cfg.Archive.BreakerFailures,
		BreakerTimeout:  cfg.Archive.BreakerTimeout,
	}, m)

	broadcaster := live.NewBroadcaster(m)
	hub := live.NewHub(m)
	rtc := webrtc.NewServer(cfg.Server.STUNServers, cfg.Server.MaxWebRTCClients, m)
	broadcaster.AddSink(hub)
	broadcaster.AddSink(rtc)

	pipe := pipeline.New(pipeline.Config{
		Interval:      cfg.Pipeline.Interval,
		FrameSkip:     cfg.Pipeline.FrameSkip,
		SourceTimeout: cfg.Pipeline.SourceTimeout,
		StallAfter:    cfg.Camera.StallAfter,
	}, camera, sources, fuser, engine.New(cfg.EngineConfig()), writer, broadcaster, m)

	handler := api.NewServer(api.Deps{
		Events:      store,
		Camera:      camera,
		Live:        broadcaster,
		WebSocket:   hub,
		Video:       live.NewMJPEG(camera, cfg.Server.MJPEGInterval),
		WebRTC:      rtc,
		Metrics:     m.Handler(),
		Clients:     m.LiveClients,
		CORSOrigins: cfg.Server.CORSOrigins,
	}).Handler()

	services := []suture.Service{
		named("camera", camera),
		named("pipeline", pipe),
		named("archive", writer),
		named("websocket-hub", hub),
		&httpService{name: "http", addr: cfg.Server.Addr, handler: handler, timeout: cfg.Server.ShutdownTimeout},
	}
	if cfg.Server.PprofAddr != "" {
		services = append(services, &httpService{
			name: "pprof", addr: cfg.Server.PprofAddr, handler: pprofMux(), timeout: cfg.Server.ShutdownTimeout,
		})
	}

	return &Server{
		cfg:      cfg,
		store:    store,
		webrtc:   rtc,
		services: services,
	}, nil
}

// Run supervises all services until ctx is cancelled, then releases resources
func (s *Server) Run(ctx context.Context) error {
	sup := suture.New("threat-server", suture.Spec{
		EventHook: func(ev suture.Event) {
			logger.Warn("Supervisor", "%s", ev)
		},
		Timeout: s.cfg.Server.ShutdownTimeout,
	})
	for _, svc := range s.services {
		sup.Add(svc)
	}

	logger.Info("Main", "HTTP server listening on %s", s.cfg.Server.Addr)
	err := sup.Serve(ctx)

	logger.Info("Main", "Shutting down...")
	s.webrtc.Close()
	if cerr := s.store.Close(); cerr != nil {
		logger.Error("Main", "Close archive: %v", cerr)
	}
	return err
}

// namedService gives a plain Serve func a name in supervisor logs
type namedService struct {
	name string
	svc  interface {
		Serve(ctx context.Context) error
	}
}

func named(name string, svc interface {
	Serve(ctx context.Context) error
}) suture.Service {
	return &namedService{name: name, svc: svc}
}

func (n *namedService) Serve(ctx context.Context) error { return n.svc.Serve(ctx) }
func (n *namedService) String() string                  { return n.name }

// httpService runs an http.Server as a supervised service
type httpService struct {
	name    string
	addr    string
	handler http.Handler
	timeout time.Duration
}

func (h *httpService) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.addr,
		Handler:           h.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming handlers watch the request context; tie it to the service.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", h.name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Main", "%s shutdown: %v", h.name, err)
		}
		return ctx.Err()
	}
}

func (h *httpService) String() string { return h.name }

func pprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
