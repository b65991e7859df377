package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/hlsdl/internal/events"
	"github.com/tanq16/hlsdl/internal/history"
	"github.com/tanq16/hlsdl/internal/task"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Controller is the command surface shared with the CLI; task.Manager
// implements it.
type Controller interface {
	Start(req task.Request) (*task.Task, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Rename(id, name string) error
	List() []task.Info
	History(ctx context.Context) ([]history.Record, error)
	ClearHistory(ctx context.Context) error
}

// Subscriber is the event source for the SSE and WebSocket streams.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

type Server struct {
	ctrl           Controller
	bus            Subscriber
	allowedOrigins []string
	metrics        http.Handler
	handler        http.Handler
	hub            *wsHub

	forwardMu   sync.Mutex
	unsubscribe func()
	closing     chan struct{}
	closeOnce   sync.Once
}

type ServerOption func(*Server)

// WithAllowedOrigins configures the CORS whitelist; empty allows any origin.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithMetricsHandler replaces the default Prometheus handler.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

func NewServer(ctrl Controller, bus Subscriber, opts ...ServerOption) *Server {
	s := &Server{
		ctrl:    ctrl,
		bus:     bus,
		metrics: promhttp.Handler(),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = newWSHub(s)
	go s.hub.run()
	go s.forward(s.subscribe())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/download/start", s.handleStart)
	mux.HandleFunc("POST /api/download/pause", s.handleControl(ctrl.Pause))
	mux.HandleFunc("POST /api/download/resume", s.handleControl(ctrl.Resume))
	mux.HandleFunc("POST /api/download/cancel", s.handleControl(ctrl.Cancel))
	mux.HandleFunc("POST /api/download/rename", s.handleRename)
	mux.HandleFunc("GET /api/downloads", s.handleList)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/history/clear", s.handleClearHistory)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/ws", s.handleWS)
	mux.Handle("GET /metrics", s.metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	traced := otelhttp.NewHandler(loggingMiddleware(mux), "hlsdl",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && r.URL.Path != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(metricsMiddleware(corsMiddleware(s.allowedOrigins, traced)))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) subscribe() <-chan events.Event {
	s.forwardMu.Lock()
	defer s.forwardMu.Unlock()
	select {
	case <-s.closing:
		return nil
	default:
	}
	ch, unsubscribe := s.bus.Subscribe(events.DefaultBuffer)
	s.unsubscribe = unsubscribe
	return ch
}

// forward relays bus events to the WebSocket hub. If the bus detaches the
// forwarder for falling behind, it resubscribes; clients miss the dropped
// events but keep receiving new ones.
func (s *Server) forward(ch <-chan events.Event) {
	for ch != nil {
		for ev := range ch {
			s.hub.Broadcast(string(ev.Type), ev)
		}
		select {
		case <-s.closing:
			return
		case <-time.After(100 * time.Millisecond):
			log.Warn().Str("op", "api/server").Msg("Event forwarder was detached, resubscribing")
		}
		ch = s.subscribe()
	}
}

// Close stops event forwarding and disconnects WebSocket clients.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.forwardMu.Lock()
		close(s.closing)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.forwardMu.Unlock()
		s.hub.Close()
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// streaming handlers end when ctx does
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("op", "api/server").Msgf("Listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Success bool         `json:"success"`
	Error   errorPayload `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
