package file

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/pulsecheck/internal/analysis"
	"github.com/tphakala/pulsecheck/internal/conf"
)

// Command creates a new file command for assessing a single recording.
func Command(settings *conf.Settings) *cobra.Command {
	var opts analysis.FileOptions

	cmd := &cobra.Command{
		Use:   "file [input.csv|input.wav]",
		Short: "Assess a recorded PPG file",
		Long:  `Split a CSV or WAV recording into windows and print the quality assessment of each.`,
		Args:  cobra.ExactArgs(1), // the command expects exactly one argument
		RunE: func(cmd *cobra.Command, args []string) error {
			return analysis.FileAnalysis(cmd.Context(), settings, args[0], opts, cmd.OutOrStdout())
		},
	}

	setupFlags(cmd, &opts)

	return cmd
}

// setupFlags configures flags specific to the file command.
func setupFlags(cmd *cobra.Command, opts *analysis.FileOptions) {
	cmd.Flags().IntVarP(&opts.Window, "window", "w", 0, "Samples per assessment window, 0 uses quality.windowsize or the whole file")
	cmd.Flags().IntVar(&opts.Hop, "hop", 0, "Samples between window starts, 0 for non-overlapping windows")
	cmd.Flags().BoolVar(&opts.Features, "features", false, "Print the feature vector of each window")
}
