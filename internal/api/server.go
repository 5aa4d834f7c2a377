// Package api exposes a flashing session over REST and streams its events
// over a WebSocket, for browser front ends of the headless server.
package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zswflasher/internal/artifacts"
	"zswflasher/internal/config"
	"zswflasher/internal/session"
)

// FirmwareSource lists and downloads prebuilt firmware.
type FirmwareSource interface {
	List(ctx context.Context) ([]artifacts.Firmware, error)
	DownloadURL(runID, artifactID int64) string
	Download(ctx context.Context, artifactID int64) ([]byte, error)
}

// Option configures a Server.
type Option func(*Server)

// WithFirmwareSource enables the /firmware endpoints.
func WithFirmwareSource(src FirmwareSource) Option {
	return func(s *Server) { s.firmware = src }
}

// WithStaticDir serves a web UI from dir for every non-API path.
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is the REST and WebSocket front of one session.
type Server struct {
	config    *config.Config
	session   *session.Session
	firmware  FirmwareSource
	staticDir string
	log       zerolog.Logger
	upgrader  websocket.Upgrader
	router    chi.Router
	server    *http.Server
}

// NewServer creates a server for sess.
func NewServer(cfg *config.Config, sess *session.Session, opts ...Option) *Server {
	s := &Server{
		config:  cfg,
		session: sess,
		log:     log.Logger.With().Str("component", "api").Logger(),
		router:  chi.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:     s.handler(),
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// handler routes /api/ to chi and everything else to the static UI when
// one is configured.
func (s *Server) handler() http.Handler {
	if s.staticDir == "" {
		return s.router
	}
	if _, err := os.Stat(s.staticDir); err != nil {
		s.log.Warn().Str("dir", s.staticDir).Msg("web directory not found, web UI will not be available")
		return s.router
	}
	s.log.Info().Str("dir", s.staticDir).Msg("serving web UI")

	files := http.FileServer(http.Dir(s.staticDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			s.router.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/" || !strings.Contains(r.URL.Path, ".") {
			http.ServeFile(w, r, filepath.Join(s.staticDir, "index.html"))
			return
		}
		files.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// ListenAndServe starts the server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	s.log.Info().Str("addr", addr).Msg("starting API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
