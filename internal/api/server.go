// Package api serves the bot's HTTP surface: the Telegram webhook, the
// media download proxy used by the image tool, and a few operator
// endpoints.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/yaebot/internal/buildinfo"
	"github.com/nugget/yaebot/internal/connwatch"
	"github.com/nugget/yaebot/internal/events"
	"github.com/nugget/yaebot/internal/telegram"
)

// DefaultHandleTimeout bounds the processing of one webhook update.
const DefaultHandleTimeout = 60 * time.Second

// UpdateHandler processes a decoded webhook update. *relay.Relay
// implements it.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u *telegram.Update) error
}

// FileOpener fetches a platform file by its path. *telegram.Client
// implements it.
type FileOpener interface {
	OpenFile(ctx context.Context, filePath string) (*http.Response, error)
}

// HealthSource reports upstream dependency health. *connwatch.Monitor
// implements it.
type HealthSource interface {
	Status() map[string]connwatch.Status
}

// writeJSON encodes v as JSON to w, logging failures at debug level;
// they almost always mean the client went away.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Options configures a Server.
type Options struct {
	Address       string
	SecretToken   string        // expected X-Telegram-Bot-Api-Secret-Token; empty disables the check
	HandleTimeout time.Duration // zero means DefaultHandleTimeout
	EventsToken   string        // bearer token for /v1/events; empty disables the stream
}

// Server is the HTTP server.
type Server struct {
	opts    Options
	updates UpdateHandler
	files   FileOpener
	events  *events.Bus
	health  HealthSource
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a server. bus may be nil when the event stream is
// disabled.
func NewServer(opts Options, updates UpdateHandler, files FileOpener, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = DefaultHandleTimeout
	}
	return &Server{
		opts:    opts,
		updates: updates,
		files:   files,
		events:  bus,
		logger:  logger.With("component", "api"),
	}
}

// SetHealth adds dependency status to /health.
func (s *Server) SetHealth(h HealthSource) {
	s.health = h
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /{$}", s.handleWebhook)
	mux.HandleFunc("GET /robots.txt", s.handleRobots)
	mux.HandleFunc("GET /download/{type}/{path}", s.handleDownload)
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.opts.EventsToken != "" && s.events != nil {
		mux.HandleFunc("GET /v1/events", s.handleEvents)
	}

	return s.withLogging(mux)
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Webhook handling may run for the whole handle timeout.
		WriteTimeout: s.opts.HandleTimeout + 15*time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting HTTP server", "address", s.opts.Address, "events", s.opts.EventsToken != "")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting for in-flight webhook
// handling up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the event stream upgrade through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

const robotsTxt = "User-agent: *\nDisallow: /\n"

func (s *Server) handleRobots(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(robotsTxt))
}

// handleHealth always answers 200 while the process is serving. A
// dependency being down only changes status to "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"build":  buildinfo.Info(),
	}
	if s.health != nil {
		deps := s.health.Status()
		for _, st := range deps {
			if !st.Ready {
				resp["status"] = "degraded"
				break
			}
		}
		resp["dependencies"] = deps
	}
	writeJSON(w, resp, s.logger)
}
