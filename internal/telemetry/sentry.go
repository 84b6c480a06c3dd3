// Package telemetry provides privacy-compliant error tracking through Sentry.
// It is opt-in: nothing is sent unless telemetry.sentry.enabled is set.
package telemetry

import (
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/pulsecheck/internal/buildinfo"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
)

// DefaultFlushTimeout bounds Flush on shutdown.
const DefaultFlushTimeout = 2 * time.Second

// Option customises InitSentry.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport, used by tests.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) {
		o.Transport = t
	}
}

// InitSentry initializes the Sentry SDK and installs the enhanced-error
// reporter. It reports whether reporting is active; a disabled setting is
// not an error.
func InitSentry(settings *conf.Settings, build buildinfo.BuildInfo, opts ...Option) (bool, error) {
	log := GetLogger()
	sentrySettings := settings.Telemetry.Sentry
	if !sentrySettings.Enabled {
		errors.SetTelemetryReporter(nil)
		log.Debug("Sentry telemetry is disabled (opt-in required)")
		return false, nil
	}
	if sentrySettings.DSN == "" {
		return false, errors.Newf("sentry enabled without a DSN").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	options := sentry.ClientOptions{
		Dsn:              sentrySettings.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "", // keep the hostname out of events
		Release:          "pulsecheck@" + build.GetVersion(),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	}
	for _, opt := range opts {
		opt(&options)
	}

	if err := sentry.Init(options); err != nil {
		return false, errors.New(err).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Context("operation", "sentry_init").
			Build()
	}

	configureScope(build)
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))

	log.Info("Sentry telemetry initialized",
		logger.String("release", options.Release),
		logger.String("system_id", build.GetSystemID()))
	return true, nil
}

// Flush waits for buffered events and uninstalls the reporter.
func Flush(timeout time.Duration) bool {
	errors.SetTelemetryReporter(nil)
	return sentry.Flush(timeout)
}

func configureScope(build buildinfo.BuildInfo) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("system_id", build.GetSystemID())
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)

		scope.SetContext("application", map[string]any{
			"name":      "pulsecheck",
			"version":   build.GetVersion(),
			"system_id": build.GetSystemID(),
		})
		scope.SetContext("platform", map[string]any{
			"os":           runtime.GOOS,
			"architecture": runtime.GOARCH,
			"num_cpu":      runtime.NumCPU(),
			"go_version":   runtime.Version(),
		})
	})
}

// applyPrivacyFilters strips user, host and device identifiers from an event.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	for _, key := range []string{"device", "os", "runtime"} {
		delete(event.Contexts, key)
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	delete(event.Tags, "server_name")
	delete(event.Tags, "hostname")

	return event
}
