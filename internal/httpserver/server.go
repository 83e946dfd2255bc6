// Package httpserver serves the audiobridge status and control API.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	gommonlog "github.com/labstack/gommon/log"
	"golang.org/x/time/rate"

	"github.com/tphakala/audiobridge/internal/device"
	"github.com/tphakala/audiobridge/internal/engine"
	"github.com/tphakala/audiobridge/internal/logger"
	"github.com/tphakala/audiobridge/internal/observability"
)

// Defaults applied to zero Config fields.
const (
	DefaultListen       = "127.0.0.1:8089"
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultBodyLimit    = "64K"
	ShutdownTimeout     = 5 * time.Second

	// DefaultControlRate and DefaultControlBurst limit control calls per client.
	DefaultControlRate  = rate.Limit(10)
	DefaultControlBurst = 20

	controlRateWindow = 3 * time.Minute
)

// Config configures the server.
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ControlRate limits POST and PUT calls per client in requests per second.
	ControlRate  rate.Limit
	ControlBurst int
}

// Server is the HTTP server wrapping an echo instance.
type Server struct {
	echo    *echo.Echo
	config  Config
	log     logger.Logger
	device  *device.Session
	engine  *engine.Engine
	metrics *observability.Metrics

	startTime time.Time

	mu   sync.Mutex
	done chan struct{}
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDevice exposes a device session through the API.
func WithDevice(d *device.Session) ServerOption {
	return func(s *Server) {
		s.device = d
	}
}

// WithEngine exposes an engine through the API.
func WithEngine(e *engine.Engine) ServerOption {
	return func(s *Server) {
		s.engine = e
	}
}

// WithMetrics serves m on /metrics and records request metrics.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a server with its routes registered. It does not listen
// until Start.
func New(cfg Config, opts ...ServerOption) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ControlRate == 0 {
		cfg.ControlRate = DefaultControlRate
	}
	if cfg.ControlBurst == 0 {
		cfg.ControlBurst = DefaultControlBurst
	}

	s := &Server{
		config:    cfg,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("http")
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	// Requests are logged through s.log; silence echo's own logger.
	s.echo.Logger.SetLevel(gommonlog.OFF)
	s.echo.Server.ReadTimeout = cfg.ReadTimeout
	s.echo.Server.WriteTimeout = cfg.WriteTimeout

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(newRequestLogger(s.log))
	if s.metrics != nil {
		s.echo.Use(newMetricsMiddleware(s.metrics.HTTP))
	}
	s.echo.Use(echomw.BodyLimit(DefaultBodyLimit))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	api := s.echo.Group("/api/v1")
	api.GET("/status", s.getStatus)
	api.GET("/system", s.getSystemInfo)

	limited := newControlRateLimiter(s.config.ControlRate, s.config.ControlBurst)
	api.POST("/device/start", s.startDevice, limited)
	api.POST("/device/stop", s.stopDevice, limited)
	api.PUT("/device/volume", s.setDeviceVolume, limited)
	api.PUT("/engine/volume", s.setEngineVolume, limited)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// ServeHTTP lets the server be used as a plain handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start begins serving in a background goroutine and returns immediately.
// Use Shutdown to stop it.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	done := make(chan struct{})
	s.done = done

	go func() {
		defer close(done)
		if err := s.echo.Start(s.config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", logger.Error(err))
		}
	}()
	s.log.Info("HTTP server starting", logger.String("address", s.config.Listen))
}

// Addr returns the bound listen address, or "" before the listener is up.
func (s *Server) Addr() string {
	if a := s.echo.ListenerAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Shutdown gracefully stops the server and waits for the serve goroutine.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.Info("HTTP server stopped")
	return nil
}

func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}
