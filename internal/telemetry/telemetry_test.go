package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/pulsecheck/internal/buildinfo"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
)

// mockTransport implements sentry.Transport and keeps every event.
type mockTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

//nolint:gocritic // hugeParam: interface requirement, cannot change signature
func (t *mockTransport) Configure(_ sentry.ClientOptions) {}

func (t *mockTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *mockTransport) Flush(time.Duration) bool              { return true }
func (t *mockTransport) FlushWithContext(context.Context) bool { return true }
func (t *mockTransport) Close()                                {}

func (t *mockTransport) Events() []*sentry.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sentry.Event(nil), t.events...)
}

func sentrySettings(enabled bool, dsn string) *conf.Settings {
	settings := &conf.Settings{}
	settings.Telemetry.Sentry.Enabled = enabled
	settings.Telemetry.Sentry.DSN = dsn
	return settings
}

func resetSentry(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		errors.SetTelemetryReporter(nil)
		_ = sentry.Init(sentry.ClientOptions{})
	})
}

// Sentry state is process-global, so these tests do not run in parallel.

func TestInitSentryDisabled(t *testing.T) {
	resetSentry(t)
	active, err := InitSentry(sentrySettings(false, ""), buildinfo.NewContext("1.0.0", "", ""))
	require.NoError(t, err)
	assert.False(t, active)
	assert.Nil(t, errors.GetTelemetryReporter())
}

func TestInitSentryRequiresDSN(t *testing.T) {
	resetSentry(t)
	_, err := InitSentry(sentrySettings(true, ""), buildinfo.NewContext("1.0.0", "", ""))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestBuiltErrorsAreReportedWithPrivacyFilters(t *testing.T) {
	resetSentry(t)
	transport := &mockTransport{}
	active, err := InitSentry(
		sentrySettings(true, "https://public@sentry.example.com/1"),
		buildinfo.NewContext("1.2.3", "", "ABCD-EF01-2345"),
		WithTransport(transport),
	)
	require.NoError(t, err)
	require.True(t, active)

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: "someone"})
		scope.SetTag("hostname", "lab-pc")
	})

	built := errors.Newf("inference failed after 12ms for mqtt://user:pw@broker.local?token=abc").
		Component("quality").
		Category(errors.CategoryInference).
		Build()
	require.True(t, built.IsReported())

	require.True(t, Flush(DefaultFlushTimeout))
	require.Eventually(t, func() bool { return len(transport.Events()) == 1 }, time.Second, 10*time.Millisecond)

	event := transport.Events()[0]
	assert.Equal(t, "quality", event.Tags["component"])
	assert.Equal(t, "ABCD-EF01-2345", event.Tags["system_id"])
	assert.NotContains(t, event.Tags, "hostname")
	assert.True(t, event.User.IsEmpty())
	assert.Empty(t, event.ServerName)
	assert.Equal(t, "pulsecheck@1.2.3", event.Release)
	assert.NotContains(t, event.Message, "pw@")
	assert.NotContains(t, event.Message, "token=abc")

	assert.Nil(t, errors.GetTelemetryReporter(), "Flush uninstalls the reporter")
}

func TestApplyPrivacyFilters(t *testing.T) {
	t.Parallel()
	event := sentry.NewEvent()
	event.User = sentry.User{Email: "a@b.c"}
	event.ServerName = "host"
	event.Contexts["device"] = sentry.Context{"model": "x"}
	event.Contexts["application"] = sentry.Context{"name": "pulsecheck"}
	event.Extra = map[string]any{"component": "mqtt", "path": "/home/me"}
	event.Tags = map[string]string{"server_name": "host", "category": "network"}

	out := applyPrivacyFilters(event)
	assert.True(t, out.User.IsEmpty())
	assert.Empty(t, out.ServerName)
	assert.NotContains(t, out.Contexts, "device")
	assert.Contains(t, out.Contexts, "application")
	assert.Equal(t, map[string]any{"component": "mqtt"}, out.Extra)
	assert.Equal(t, map[string]string{"category": "network"}, out.Tags)
}

func TestSystemID(t *testing.T) {
	t.Parallel()
	id := GenerateSystemID()
	assert.Regexp(t, systemIDPattern, id)

	dir := filepath.Join(t.TempDir(), "cfg")
	first, err := LoadOrCreateSystemID(dir)
	require.NoError(t, err)
	second, err := LoadOrCreateSystemID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, os.WriteFile(filepath.Join(dir, systemIDFile), []byte("garbage"), 0o600))
	replaced, err := LoadOrCreateSystemID(dir)
	require.NoError(t, err)
	assert.NotEqual(t, "garbage", replaced)
	assert.Regexp(t, systemIDPattern, replaced)
}
