package observability

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/observability/metrics"
)

const debugPath = "/debug/pprof/"

// Endpoint serves /metrics, and pprof in debug mode, on the telemetry
// listen address.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
	debug         bool
}

// NewEndpoint creates the telemetry endpoint. It fails when telemetry is
// disabled in settings.
func NewEndpoint(settings *conf.Settings, m *Metrics) (*Endpoint, error) {
	if !settings.Telemetry.Enabled {
		return nil, errors.Newf("telemetry not enabled in settings").
			Component("observability").
			Category(errors.CategoryConfiguration).
			Build()
	}

	e := &Endpoint{
		listenAddress: settings.Telemetry.Listen,
		metrics:       m,
		debug:         settings.Debug,
	}

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)
	if e.debug {
		registerDebugHandlers(mux)
	}
	e.server = &http.Server{
		Addr:              e.listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return e, nil
}

// Run listens until ctx is cancelled, then shuts the server down gracefully.
func (e *Endpoint) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return errors.New(err).
			Component("observability").
			Category(errors.CategoryNetwork).
			Context("listen", e.listenAddress).
			Build()
	}
	return e.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (e *Endpoint) Serve(ctx context.Context, ln net.Listener) error {
	log := GetLogger()
	errCh := make(chan error, 1)
	go func() {
		log.Info("Telemetry endpoint starting", logger.String("address", ln.Addr().String()))
		errCh <- e.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			log.Error("Telemetry HTTP server error", logger.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Stopping telemetry server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), metrics.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry server shutdown error", logger.Error(err))
		return err
	}
	<-errCh
	return nil
}

// GetMetrics returns the Metrics instance associated with this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}

func registerDebugHandlers(mux *http.ServeMux) {
	mux.HandleFunc(debugPath, pprof.Index)
	mux.HandleFunc(debugPath+"cmdline", pprof.Cmdline)
	mux.HandleFunc(debugPath+"profile", pprof.Profile)
	mux.HandleFunc(debugPath+"symbol", pprof.Symbol)
	mux.HandleFunc(debugPath+"trace", pprof.Trace)
	for _, name := range []string{"allocs", "goroutine", "heap", "block", "mutex"} {
		mux.Handle(debugPath+name, pprof.Handler(name))
	}
}
