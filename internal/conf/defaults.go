// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default values referenced by validation and by other packages
const (
	DefaultModelPath      = "model/model.json"
	DefaultModelTimeout   = 300 * time.Millisecond
	MaxModelTimeout       = 5 * time.Second
	DefaultWindowCapacity = 1024
	MinWindowSamples      = 100
	DefaultSampleRate     = 30.0
	DefaultListen         = ":8080"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/pulsecheck.log")
	v.SetDefault("logging.file_output.level", "info")

	v.SetDefault("model.backend", "layers")
	v.SetDefault("model.path", DefaultModelPath)
	v.SetDefault("model.timeout", DefaultModelTimeout)
	v.SetDefault("model.threads", 0)
	v.SetDefault("model.loadretries", 0)

	v.SetDefault("quality.windowsize", 0)
	v.SetDefault("quality.interval", time.Duration(0))
	v.SetDefault("quality.minconfidence", 0.0)

	v.SetDefault("source.type", "sim")
	v.SetDefault("source.samplerate", DefaultSampleRate)
	v.SetDefault("source.seed", 1)
	v.SetDefault("source.noise", 0.02)
	v.SetDefault("source.artifactrate", 0.0)
	v.SetDefault("source.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("source.nats.subject", "ppg.samples")
	v.SetDefault("source.file.path", "")
	v.SetDefault("source.file.loop", false)

	v.SetDefault("window.capacity", DefaultWindowCapacity)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientid", "pulsecheck")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "pulsecheck/quality")
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.listen", DefaultListen)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.listen", "0.0.0.0:8090")
	v.SetDefault("telemetry.sentry.enabled", false)
	v.SetDefault("telemetry.sentry.dsn", "")

	v.SetDefault("output.sqlite.enabled", false)
	v.SetDefault("output.sqlite.path", "pulsecheck.db")
	v.SetDefault("output.mysql.enabled", false)
	v.SetDefault("output.mysql.username", "")
	v.SetDefault("output.mysql.password", "")
	v.SetDefault("output.mysql.host", "localhost")
	v.SetDefault("output.mysql.port", "3306")
	v.SetDefault("output.mysql.database", "pulsecheck")
}
