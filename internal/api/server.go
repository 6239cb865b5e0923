// Package api serves the item store and scheduler over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/livinlefevreloca/deferral/internal/metrics"
	"github.com/livinlefevreloca/deferral/internal/scheduler"
)

// Service is the part of the scheduler the API drives
type Service interface {
	Schedule(item *db.Item) error
	Cancel(timeStamp int64) error
	Get(timeStamp int64) (*db.Item, error)
	ListBefore(timeStamp int64) ([]db.Item, error)
	ListBetween(start, end int64) ([]db.Item, error)
	History(limit int) ([]db.Dispatch, error)
	ItemHistory(timeStamp int64, limit int) ([]db.Dispatch, error)
	Stats(ctx context.Context) (scheduler.StatsResponse, error)
}

var _ Service = (*scheduler.Scheduler)(nil)

// Config holds HTTP API server settings
type Config struct {
	Enabled         bool          `toml:"enabled"`
	Address         string        `toml:"address"`
	Port            int           `toml:"port"`
	BodyLimit       string        `toml:"body_limit"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DefaultConfig returns API server defaults
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Address:         "0.0.0.0",
		Port:            8080,
		BodyLimit:       "1M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration and returns an error if invalid
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	return nil
}

// Addr returns the listen address
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

const defaultHistoryLimit = 100

// Server is the HTTP front end
type Server struct {
	config  Config
	service Service
	logger  *slog.Logger
	echo    *echo.Echo
}

// NewServer builds the echo instance and registers all routes. When m is
// non-nil its registry is exposed at /metrics on the same listener.
func NewServer(config Config, service Service, m *metrics.Metrics, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}
	e.Use(requestLogger(logger))

	s := &Server{
		config:  config,
		service: service,
		logger:  logger,
		echo:    e,
	}
	s.registerRoutes()

	if m != nil {
		m.RegisterRoutes(e, "")
	}

	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/stats", s.handleStats)

	s.echo.POST("/items", s.handleSchedule)
	s.echo.GET("/items", s.handleList)
	s.echo.GET("/items/:ts", s.handleGet)
	s.echo.DELETE("/items/:ts", s.handleCancel)
	s.echo.GET("/items/:ts/dispatches", s.handleItemHistory)

	s.echo.GET("/dispatches", s.handleHistory)
}

// Echo exposes the underlying router, mainly for tests
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	server := &http.Server{
		Addr:         s.config.Addr(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("http api listening", "address", server.Addr)
	if err := s.echo.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		message := err.Error()

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		}

		if code >= http.StatusInternalServerError {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		}

		if c.Response().Committed {
			return
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, ErrorResponse{
				Error:   http.StatusText(code),
				Message: message,
			})
		}
		if err != nil {
			logger.Warn("failed to send error response", "error", err)
		}
	}
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Debug("http request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"latency", time.Since(start),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID))
			return nil
		}
	}
}
