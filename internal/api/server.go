package api

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/tphakala/pulsecheck/internal/api/middleware"
	"github.com/tphakala/pulsecheck/internal/buildinfo"
	"github.com/tphakala/pulsecheck/internal/classifier"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/datastore"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/observability"
	"github.com/tphakala/pulsecheck/internal/observability/metrics"
	"github.com/tphakala/pulsecheck/internal/quality"
)

// ModelStatus reports the classifier lifecycle. *classifier.Adapter
// implements it.
type ModelStatus interface {
	State() classifier.State
	BackendName() string
	Err() error
}

// Server is the HTTP API server.
type Server struct {
	echo     *echo.Echo
	config   *Config
	settings *conf.Settings
	log      logger.Logger

	// Dependencies
	publisher *quality.Publisher
	model     ModelStatus
	dataStore datastore.Interface
	metrics   *observability.Metrics
	build     buildinfo.BuildInfo

	hub       *Hub
	startTime time.Time
	wg        sync.WaitGroup
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithModel sets the classifier whose state /api/v1/model reports.
func WithModel(m ModelStatus) ServerOption {
	return func(s *Server) {
		s.model = m
	}
}

// WithDataStore sets the datastore for the history endpoints.
func WithDataStore(ds datastore.Interface) ServerOption {
	return func(s *Server) {
		s.dataStore = ds
	}
}

// WithMetrics sets the observability metrics for the server.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithBuildInfo sets the version reported by the health endpoint.
func WithBuildInfo(b buildinfo.BuildInfo) ServerOption {
	return func(s *Server) {
		s.build = b
	}
}

// New creates a new HTTP server serving the given publisher.
func New(settings *conf.Settings, pub *quality.Publisher, opts ...ServerOption) (*Server, error) {
	config := ConfigFromSettings(settings)
	if err := config.Validate(); err != nil {
		return nil, errors.New(err).
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if pub == nil {
		return nil, errors.Newf("api server requires a publisher").
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}

	s := &Server{
		config:    config,
		settings:  settings,
		publisher: pub,
		log:       GetLogger(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.build == nil {
		s.build = buildinfo.NewContext("", "", "")
	}

	s.hub = NewHub(s.httpMetrics())

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized",
		logger.String("address", config.Listen),
		logger.Bool("debug", config.Debug))
	return s, nil
}

func (s *Server) httpMetrics() *metrics.HTTPMetrics {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.HTTP
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewMetrics(s.httpMetrics()))
	s.echo.Use(mw.NewRequestLogger(s.log.Module("http")))

	securityConfig := mw.DefaultSecurityConfig()
	securityConfig.AllowedOrigins = s.config.AllowedOrigins

	s.echo.Use(mw.NewCORS(securityConfig))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(mw.NewGzip())
	s.echo.Use(mw.NewSecureHeaders(securityConfig))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	v1 := s.echo.Group("/api/v1")
	v1.GET("/health", s.healthCheck)
	v1.GET("/quality", s.getQuality)
	v1.GET("/model", s.getModel)
	v1.GET("/history", s.getHistory)
	v1.GET("/history/summary", s.getSummary)
	v1.GET("/system", s.getSystem)
	v1.GET("/ws", s.hub.Handle)

	if s.metrics != nil && s.settings.Telemetry.Enabled {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("listen", s.config.Listen).
			Build()
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It feeds the WebSocket hub from a
// publisher subscription and shuts down gracefully when ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	updates, unsubscribe := s.publisher.Subscribe(wsSendBuffer)
	s.wg.Go(func() {
		defer unsubscribe()
		s.hub.Run(hubCtx, updates)
	})

	s.echo.Listener = ln
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", logger.String("address", ln.Addr().String()))
		errCh <- s.echo.Start(ln.Addr().String())
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serveErr = errors.New(err).
				Component("api").
				Category(errors.CategoryNetwork).
				Build()
		}
		stopHub()
		s.hub.Close()
		s.wg.Wait()
		return serveErr
	case <-ctx.Done():
	}

	return s.shutdown(stopHub, errCh)
}

func (s *Server) shutdown(stopHub context.CancelFunc, errCh <-chan error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	stopHub()
	s.hub.Close()
	err := s.echo.Shutdown(shutdownCtx)
	<-errCh
	s.wg.Wait()
	if err != nil {
		s.log.Error("Error during server shutdown", logger.Error(err))
		return err
	}
	s.log.Info("Server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
