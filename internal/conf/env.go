// env.go - Environment variable configuration and validation
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. PULSECHECK_MODEL_PATH
const EnvPrefix = "PULSECHECK"

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns the explicitly validated environment bindings.
// Every other key is still reachable through AutomaticEnv.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "PULSECHECK_DEBUG", validateEnvBool},
		{"model.backend", "PULSECHECK_MODEL_BACKEND", validateEnvBackend},
		{"model.path", "PULSECHECK_MODEL_PATH", nil},
		{"model.timeout", "PULSECHECK_MODEL_TIMEOUT", validateEnvDuration},
		{"model.threads", "PULSECHECK_MODEL_THREADS", validateEnvNonNegativeInt},
		{"quality.windowsize", "PULSECHECK_QUALITY_WINDOWSIZE", validateEnvNonNegativeInt},
		{"quality.interval", "PULSECHECK_QUALITY_INTERVAL", validateEnvDuration},
		{"source.type", "PULSECHECK_SOURCE_TYPE", nil},
		{"source.samplerate", "PULSECHECK_SOURCE_SAMPLERATE", validateEnvPositiveFloat},
		{"source.nats.url", "PULSECHECK_SOURCE_NATS_URL", nil},
		{"mqtt.password", "PULSECHECK_MQTT_PASSWORD", nil},
		{"telemetry.sentry.dsn", "PULSECHECK_TELEMETRY_SENTRY_DSN", nil},
		{"output.mysql.password", "PULSECHECK_OUTPUT_MYSQL_PASSWORD", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be a boolean")
	}
	return nil
}

func validateEnvBackend(value string) error {
	switch value {
	case "layers", "tflite":
		return nil
	default:
		return fmt.Errorf("must be 'layers' or 'tflite'")
	}
}

func validateEnvDuration(value string) error {
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("must be a duration such as 300ms")
	}
	return nil
}

func validateEnvNonNegativeInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative integer")
	}
	return nil
}

func validateEnvPositiveFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f <= 0 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}

// configureEnvironmentVariables sets up environment variable support for Viper
func configureEnvironmentVariables(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return bindEnvVars(v)
}
