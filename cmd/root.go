package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/pulsecheck/cmd/benchmark"
	"github.com/tphakala/pulsecheck/cmd/file"
	"github.com/tphakala/pulsecheck/cmd/realtime"
	"github.com/tphakala/pulsecheck/internal/buildinfo"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/telemetry"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var configFile string
	var central *logger.CentralLogger

	rootCmd := &cobra.Command{
		Use:          "pulsecheck",
		Short:        "PPG signal quality assessment",
		Version:      fmt.Sprintf("%s (built %s)", build.GetVersion(), build.GetBuildDate()),
		SilenceUsage: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, &configFile); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
	}

	rootCmd.AddCommand(
		realtime.Command(settings, build),
		file.Command(settings),
		benchmark.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			conf.SetConfigFile(configFile)
		}
		loaded, err := conf.Load()
		if err != nil {
			return err
		}
		*settings = *loaded

		if settings.Debug {
			settings.Logging.DefaultLevel = "debug"
			if settings.Logging.Console != nil {
				settings.Logging.Console.Level = "debug"
			}
		}
		central, err = logger.NewCentralLogger(&settings.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logger.SetGlobal(central)

		if settings.Telemetry.Sentry.Enabled && build.SystemID == "" {
			build.SystemID = systemID(configFile)
		}
		return nil
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if central == nil {
			return nil
		}
		return central.Close()
	}

	return rootCmd
}

// systemID loads the persistent telemetry identifier kept next to the
// config file.
func systemID(configFile string) string {
	dir := "."
	if configFile != "" {
		dir = filepath.Dir(configFile)
	} else if paths, err := conf.GetDefaultConfigPaths(); err == nil && len(paths) > 0 {
		dir = paths[0]
	}
	id, err := telemetry.LoadOrCreateSystemID(dir)
	if err != nil {
		logger.Global().Module("main").Warn("Failed to load system ID", logger.Error(err))
		return telemetry.GenerateSystemID()
	}
	return id
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	rootCmd.PersistentFlags().StringVarP(configFile, "config", "c", "", "Path to config.yaml, default searches the standard locations")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
