package realtime

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/pulsecheck/internal/analysis"
	"github.com/tphakala/pulsecheck/internal/buildinfo"
	"github.com/tphakala/pulsecheck/internal/conf"
)

// Command creates a new command for realtime signal quality assessment.
func Command(settings *conf.Settings, build buildinfo.BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realtime",
		Short: "Assess signal quality in realtime mode",
		Long:  "Read PPG samples from the configured source and publish a quality assessment for every new frame.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return analysis.RealtimeAnalysis(cmd.Context(), settings, build)
		},
	}

	// Set up flags specific to the 'realtime' command
	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the realtime command and binds
// them to their config keys.
func setupFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("source", "", "Sample source: sim, nats or file")
	flags.String("input", "", "Recording to replay when --source=file")
	flags.String("nats-url", "", "NATS server URL")
	flags.String("subject", "", "NATS subject carrying float32 sample frames")
	flags.Bool("webserver", false, "Enable the HTTP API and WebSocket stream")
	flags.String("listen", "", "Listen address of the HTTP API")
	flags.Bool("telemetry", false, "Enable Prometheus metrics")
	flags.Bool("mqtt", false, "Publish assessments to the MQTT broker")

	bindings := map[string]string{
		"source":    "source.type",
		"input":     "source.file.path",
		"nats-url":  "source.nats.url",
		"subject":   "source.nats.subject",
		"webserver": "webserver.enabled",
		"listen":    "webserver.listen",
		"telemetry": "telemetry.enabled",
		"mqtt":      "mqtt.enabled",
	}
	for flag, key := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}

	return nil
}
