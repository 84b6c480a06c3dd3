// Package conf provides configuration management for pulsecheck.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
)

// ModelSettings contains settings for the quality classifier model
type ModelSettings struct {
	Backend     string        `yaml:"backend"`     // layers or tflite
	Path        string        `yaml:"path"`        // path to model.json (layers) or .tflite file
	Timeout     time.Duration `yaml:"timeout"`     // per-inference deadline
	Threads     int           `yaml:"threads"`     // interpreter threads for tflite, 0 = runtime.NumCPU()
	LoadRetries int           `yaml:"loadretries"` // extra load attempts within one Load call
}

// QualitySettings contains settings for the assessment orchestrator
type QualitySettings struct {
	WindowSize    int           `yaml:"windowsize"`    // samples per assessment, 0 = all available
	Interval      time.Duration `yaml:"interval"`      // minimum spacing between accepted triggers, 0 = unlimited
	MinConfidence float64       `yaml:"minconfidence"` // sinks skip assessments below this confidence
}

// NATSSettings contains settings for the NATS sample source
type NATSSettings struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// FileSourceSettings contains settings for the recorded file source
type FileSourceSettings struct {
	Path string `yaml:"path"`
	Loop bool   `yaml:"loop"` // restart from the beginning at end of file
}

// SourceSettings contains settings for the sample input adapter
type SourceSettings struct {
	Type         string             `yaml:"type"`         // sim, nats or file
	SampleRate   float64            `yaml:"samplerate"`   // samples per second
	Seed         int64              `yaml:"seed"`         // sim generator seed
	Noise        float64            `yaml:"noise"`        // sim gaussian noise std
	ArtifactRate float64            `yaml:"artifactrate"` // sim motion artifacts per second
	NATS         NATSSettings       `yaml:"nats"`
	File         FileSourceSettings `yaml:"file"`
}

// WindowSettings contains settings for the waveform window
type WindowSettings struct {
	Capacity int `yaml:"capacity"`
}

// MQTTSettings contains settings for the MQTT sink
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientid"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	Retain   bool   `yaml:"retain"`
}

// WebServerSettings contains settings for the HTTP API
type WebServerSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SentrySettings contains settings for optional error reporting
type SentrySettings struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// TelemetrySettings contains settings for Prometheus metrics and error reporting
type TelemetrySettings struct {
	Enabled bool           `yaml:"enabled"` // expose /metrics
	Listen  string         `yaml:"listen"`  // metrics listener when the web server is disabled
	Sentry  SentrySettings `yaml:"sentry"`
}

// SQLiteSettings contains settings for the SQLite history store
type SQLiteSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MySQLSettings contains settings for the MySQL history store
type MySQLSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
}

// OutputSettings contains settings for assessment history persistence
type OutputSettings struct {
	SQLite SQLiteSettings `yaml:"sqlite"`
	MySQL  MySQLSettings  `yaml:"mysql"`
}

// Settings contains all configuration options for pulsecheck
type Settings struct {
	Debug     bool                 `yaml:"debug"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	Model     ModelSettings        `yaml:"model"`
	Quality   QualitySettings      `yaml:"quality"`
	Source    SourceSettings       `yaml:"source"`
	Window    WindowSettings       `yaml:"window"`
	MQTT      MQTTSettings         `yaml:"mqtt"`
	WebServer WebServerSettings    `yaml:"webserver"`
	Telemetry TelemetrySettings    `yaml:"telemetry"`
	Output    OutputSettings       `yaml:"output"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
	configFile       string
)

// SetConfigFile makes Load read an explicit file instead of searching the default paths
func SetConfigFile(path string) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	configFile = path
}

// Load reads the configuration file and environment variables into Settings.
// A missing config file is not an error; defaults apply.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(viper.GetViper(), configFile); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal-config").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryValidation).
			Context("operation", "validate-config").
			Build()
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper registers defaults and environment bindings and reads the config file.
func initViper(v *viper.Viper, explicitFile string) error {
	setDefaultConfig(v)

	if err := configureEnvironmentVariables(v); err != nil {
		GetLogger().Warn("environment configuration issues", logger.Error(err))
	}

	if explicitFile != "" {
		v.SetConfigFile(explicitFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		configPaths, err := GetDefaultConfigPaths()
		if err != nil {
			return err
		}
		for _, path := range configPaths {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			GetLogger().Info("no config file found, using defaults")
			return nil
		}
		return errors.New(err).
			Category(errors.CategoryConfiguration).
			FileContext(explicitFile, 0).
			Context("operation", "read-config").
			Build()
	}

	GetLogger().Info("loaded config file", logger.String("path", v.ConfigFileUsed()))
	return nil
}

// DefaultSettings returns a Settings populated only from defaults.
// It does not touch the global viper instance.
func DefaultSettings() *Settings {
	v := viper.New()
	setDefaultConfig(v)

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		GetLogger().Error("failed to unmarshal default settings", logger.Error(err))
	}
	return settings
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveYAMLConfig writes settings to configPath. The write is atomic: data goes
// to a temporary file in the same directory which then replaces the target.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName) //nolint:errcheck // already renamed on success

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close() //nolint:errcheck,gosec // write error takes precedence
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}

	return nil
}
