package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	SetConfigFile("")
	t.Cleanup(func() {
		viper.Reset()
		SetConfigFile("")
	})
}

func TestDefaultSettingsAreValid(t *testing.T) {
	s := DefaultSettings()

	require.NoError(t, ValidateSettings(s))
	assert.Equal(t, "layers", s.Model.Backend)
	assert.Equal(t, DefaultModelPath, s.Model.Path)
	assert.Equal(t, DefaultModelTimeout, s.Model.Timeout)
	assert.Equal(t, DefaultWindowCapacity, s.Window.Capacity)
	assert.Equal(t, "sim", s.Source.Type)
	assert.InDelta(t, DefaultSampleRate, s.Source.SampleRate, 0)
	assert.Equal(t, "info", s.Logging.DefaultLevel)
	require.NotNil(t, s.Logging.Console)
	assert.True(t, s.Logging.Console.Enabled)
}

func TestValidateSettings(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"unknown backend", func(s *Settings) { s.Model.Backend = "onnx" }, "model.backend"},
		{"zero timeout", func(s *Settings) { s.Model.Timeout = 0 }, "model.timeout"},
		{"timeout too long", func(s *Settings) { s.Model.Timeout = 6 * time.Second }, "model.timeout"},
		{"window too small", func(s *Settings) { s.Quality.WindowSize = 50 }, "quality.windowsize"},
		{"window above capacity", func(s *Settings) { s.Quality.WindowSize = 2048 }, "quality.windowsize"},
		{"capacity too small", func(s *Settings) { s.Window.Capacity = 64 }, "window.capacity"},
		{"unknown source", func(s *Settings) { s.Source.Type = "camera" }, "source.type"},
		{"zero sample rate", func(s *Settings) { s.Source.SampleRate = 0 }, "source.samplerate"},
		{"file source without path", func(s *Settings) { s.Source.Type = "file" }, "source.file.path"},
		{"nats without subject", func(s *Settings) {
			s.Source.Type = "nats"
			s.Source.NATS.Subject = " "
		}, "source.nats.subject"},
		{"both databases", func(s *Settings) {
			s.Output.SQLite.Enabled = true
			s.Output.MySQL.Enabled = true
		}, "cannot both be enabled"},
		{"mqtt without broker", func(s *Settings) {
			s.MQTT.Enabled = true
			s.MQTT.Broker = ""
		}, "mqtt.broker"},
		{"confidence out of range", func(s *Settings) { s.Quality.MinConfidence = 120 }, "quality.minconfidence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)

			err := ValidateSettings(s)
			require.Error(t, err)
			var ve ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Error(), tt.wantErr)
		})
	}
}

func TestValidateSettingsCollectsAllErrors(t *testing.T) {
	s := DefaultSettings()
	s.Model.Backend = "bogus"
	s.Source.SampleRate = -1

	err := ValidateSettings(s)
	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 2)
}

func TestValidWindowSizeAccepted(t *testing.T) {
	s := DefaultSettings()
	s.Quality.WindowSize = 100
	assert.NoError(t, ValidateSettings(s))

	s.Quality.WindowSize = s.Window.Capacity
	assert.NoError(t, ValidateSettings(s))
}

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	resetViper(t)
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "layers", s.Model.Backend)
	assert.Same(t, s, GetSettings())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	s := DefaultSettings()
	s.Model.Timeout = 750 * time.Millisecond
	s.Quality.WindowSize = 256
	s.Source.Type = "nats"
	s.Source.NATS.Subject = "ward.bed7"
	s.MQTT.Enabled = true
	s.MQTT.Topic = "ward/bed7/quality"
	require.NoError(t, SaveYAMLConfig(path, s))

	SetConfigFile(path)
	loaded, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 750*time.Millisecond, loaded.Model.Timeout)
	assert.Equal(t, 256, loaded.Quality.WindowSize)
	assert.Equal(t, "nats", loaded.Source.Type)
	assert.Equal(t, "ward.bed7", loaded.Source.NATS.Subject)
	assert.True(t, loaded.MQTT.Enabled)
	assert.Equal(t, "ward/bed7/quality", loaded.MQTT.Topic)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  backend: onnx\n"), 0o600))

	SetConfigFile(path)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.backend")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	resetViper(t)
	SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestEnvironmentOverride(t *testing.T) {
	resetViper(t)
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PULSECHECK_MODEL_TIMEOUT", "1s")
	t.Setenv("PULSECHECK_SOURCE_SAMPLERATE", "60")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.Model.Timeout)
	assert.InDelta(t, 60.0, s.Source.SampleRate, 0)
}

func TestEnvValidators(t *testing.T) {
	assert.NoError(t, validateEnvBool("true"))
	assert.Error(t, validateEnvBool("maybe"))
	assert.NoError(t, validateEnvBackend("tflite"))
	assert.Error(t, validateEnvBackend("onnx"))
	assert.NoError(t, validateEnvDuration("300ms"))
	assert.Error(t, validateEnvDuration("soon"))
	assert.NoError(t, validateEnvNonNegativeInt("0"))
	assert.Error(t, validateEnvNonNegativeInt("-1"))
	assert.NoError(t, validateEnvPositiveFloat("30"))
	assert.Error(t, validateEnvPositiveFloat("0"))
}
