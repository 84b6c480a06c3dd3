// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct and reports every problem at once
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) []string{
		validateModelSettings,
		validateQualitySettings,
		validateSourceSettings,
		validateMQTTSettings,
		validateWebServerSettings,
		validateOutputSettings,
	}
	for _, validate := range validators {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateModelSettings(s *Settings) []string {
	var errs []string

	switch s.Model.Backend {
	case "layers", "tflite":
	default:
		errs = append(errs, fmt.Sprintf("model.backend must be 'layers' or 'tflite', got '%s'", s.Model.Backend))
	}

	if s.Model.Path == "" {
		errs = append(errs, "model.path must not be empty")
	}

	if s.Model.Timeout <= 0 || s.Model.Timeout > MaxModelTimeout {
		errs = append(errs, fmt.Sprintf("model.timeout must be > 0 and <= %s, got %s", MaxModelTimeout, s.Model.Timeout))
	}

	if s.Model.Threads < 0 {
		errs = append(errs, "model.threads must be >= 0")
	}

	if s.Model.LoadRetries < 0 {
		errs = append(errs, "model.loadretries must be >= 0")
	}

	return errs
}

func validateQualitySettings(s *Settings) []string {
	var errs []string

	if s.Window.Capacity < MinWindowSamples {
		errs = append(errs, fmt.Sprintf("window.capacity must be >= %d, got %d", MinWindowSamples, s.Window.Capacity))
	}

	ws := s.Quality.WindowSize
	if ws != 0 && (ws < MinWindowSamples || ws > s.Window.Capacity) {
		errs = append(errs, fmt.Sprintf("quality.windowsize must be 0 or between %d and window.capacity (%d), got %d",
			MinWindowSamples, s.Window.Capacity, ws))
	}

	if s.Quality.Interval < 0 {
		errs = append(errs, "quality.interval must be >= 0")
	}

	if s.Quality.MinConfidence < 0 || s.Quality.MinConfidence > 100 {
		errs = append(errs, fmt.Sprintf("quality.minconfidence must be between 0 and 100, got %g", s.Quality.MinConfidence))
	}

	return errs
}

func validateSourceSettings(s *Settings) []string {
	var errs []string

	switch s.Source.Type {
	case "sim":
	case "nats":
		if _, err := url.Parse(s.Source.NATS.URL); err != nil || s.Source.NATS.URL == "" {
			errs = append(errs, fmt.Sprintf("source.nats.url is invalid: '%s'", s.Source.NATS.URL))
		}
		if strings.TrimSpace(s.Source.NATS.Subject) == "" {
			errs = append(errs, "source.nats.subject must not be empty")
		}
	case "file":
		if s.Source.File.Path == "" {
			errs = append(errs, "source.file.path must be set when source.type is 'file'")
		}
	default:
		errs = append(errs, fmt.Sprintf("source.type must be one of sim, nats, file, got '%s'", s.Source.Type))
	}

	if s.Source.SampleRate <= 0 {
		errs = append(errs, fmt.Sprintf("source.samplerate must be > 0, got %g", s.Source.SampleRate))
	}

	if s.Source.Noise < 0 {
		errs = append(errs, "source.noise must be >= 0")
	}

	if s.Source.ArtifactRate < 0 {
		errs = append(errs, "source.artifactrate must be >= 0")
	}

	return errs
}

func validateMQTTSettings(s *Settings) []string {
	if !s.MQTT.Enabled {
		return nil
	}

	var errs []string
	if s.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker must be set when MQTT is enabled")
	}
	if s.MQTT.Topic == "" {
		errs = append(errs, "mqtt.topic must be set when MQTT is enabled")
	}
	return errs
}

func validateWebServerSettings(s *Settings) []string {
	if s.WebServer.Enabled && s.WebServer.Listen == "" {
		return []string{"webserver.listen must be set when the web server is enabled"}
	}
	return nil
}

func validateOutputSettings(s *Settings) []string {
	var errs []string

	if s.Output.SQLite.Enabled && s.Output.MySQL.Enabled {
		errs = append(errs, "output.sqlite and output.mysql cannot both be enabled")
	}
	if s.Output.SQLite.Enabled && s.Output.SQLite.Path == "" {
		errs = append(errs, "output.sqlite.path must be set when SQLite output is enabled")
	}
	if s.Output.MySQL.Enabled && (s.Output.MySQL.Host == "" || s.Output.MySQL.Database == "") {
		errs = append(errs, "output.mysql.host and output.mysql.database must be set when MySQL output is enabled")
	}

	return errs
}
