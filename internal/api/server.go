// Package api is the loopback HTTP API the Telegram webview drives: session
// lifecycle, layout and subtitle choices, the secondary upload, processing
// control, the progress event stream and result delivery.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/promontage/montage-agent/internal/encoder"
	"github.com/promontage/montage-agent/internal/history"
	"github.com/promontage/montage-agent/internal/playback"
	"github.com/promontage/montage-agent/internal/session"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// RunHistory is the read side of the run journal.
type RunHistory interface {
	ListRuns(ctx context.Context, limit int) ([]*history.Run, error)
	GetRun(ctx context.Context, id string) (*history.Run, error)
}

// TokenStore resolves the API token for bearer auth.
type TokenStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
}

type ServerConfig struct {
	Port           int
	Version        string
	Sessions       *session.Store
	History        RunHistory
	Tokens         TokenStore
	Doctor         *encoder.Doctor
	Playback       *playback.Server
	AuthRequired   bool
	AllowedOrigins []string
	MaxUploadBytes int64
	Logger         *slog.Logger
	StartTime      time.Time
	InstanceID     string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Minute,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
			// Uploads are large; only the headers need to arrive quickly.
			ReadHeaderTimeout: 15 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Serve accepts connections on l instead of the configured address.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting HTTP server", "addr", l.Addr().String())
	err := s.httpServer.Serve(l)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
