// Package channel holds the relay's HTTP surface: the platform webhook, the
// direct /process endpoint, health and metrics.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host              string
	Port              int
	WebhookPath       string // default /webhook
	ServiceName       string
	Version           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	Intake  *Intake
	Process *Process
	// Metrics is mounted at MetricsPath when both are set.
	Metrics     http.Handler
	MetricsPath string

	Logger *slog.Logger
}

// Server is the relay HTTP server.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	server          *http.Server
	logger          *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return &Server{
		addr:            addr,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger,
		server: &http.Server{
			Addr:              addr,
			Handler:           NewMux(cfg),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// NewMux builds the route table.
func NewMux(cfg ServerConfig) *http.ServeMux {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler(cfg.ServiceName, cfg.Version))
	if cfg.Intake != nil {
		mux.HandleFunc("GET "+cfg.WebhookPath, cfg.Intake.HandleVerify)
		mux.HandleFunc("POST "+cfg.WebhookPath, cfg.Intake.HandleEvent)
	}
	if cfg.Process != nil {
		mux.HandleFunc("POST /process", cfg.Process.HandleProcess)
	}
	if cfg.Metrics != nil && cfg.MetricsPath != "" {
		mux.Handle("GET "+cfg.MetricsPath, cfg.Metrics)
	}
	return mux
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}
