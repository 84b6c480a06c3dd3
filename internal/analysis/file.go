package analysis

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/tphakala/pulsecheck/internal/classifier"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/features"
	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/quality"
	"github.com/tphakala/pulsecheck/internal/source"
	"github.com/tphakala/pulsecheck/internal/waveform"
)

// FileOptions controls how a recording is split into assessment windows.
type FileOptions struct {
	Window   int  // samples per window, 0 uses quality.windowsize or the whole recording
	Hop      int  // samples between window starts, 0 means non-overlapping
	Features bool // print the feature vector of every window
}

// FileAnalysis assesses a recorded CSV or WAV file window by window and
// writes a table of results to out.
func FileAnalysis(ctx context.Context, settings *conf.Settings, path string, opts FileOptions, out io.Writer) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.New(err).
			Component("analysis").
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
	}
	if info.IsDir() {
		return errors.Newf("the path is a directory, not a file").
			Component("analysis").
			Category(errors.CategoryValidation).
			FileContext(path, 0).
			Build()
	}

	samples, err := source.ReadFile(path)
	if err != nil {
		return err
	}

	adapter, err := classifier.NewFromSettings(&settings.Model)
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()
	adapter.Load(ctx)
	if err := adapter.Wait(ctx); err != nil {
		return err
	}

	if opts.Window == 0 {
		opts.Window = settings.Quality.WindowSize
	}
	GetLogger().Info("Analyzing file",
		logger.String("path", path),
		logger.Int("samples", len(samples)),
		logger.String("backend", adapter.BackendName()))
	return AnalyzeSamples(ctx, adapter, samples, opts, out)
}

// AnalyzeSamples slides a window over samples, assesses each position with
// clf and writes one table row per window.
func AnalyzeSamples(ctx context.Context, clf quality.Classifier, samples []float64, opts FileOptions, out io.Writer) error {
	size := opts.Window
	if size <= 0 || size > len(samples) {
		size = len(samples)
	}
	if size < quality.MinSamples {
		return errors.New(quality.ErrInsufficientSamples).
			Component("analysis").
			Category(errors.CategoryValidation).
			Context("samples", len(samples)).
			Context("min_samples", quality.MinSamples).
			Build()
	}
	hop := opts.Hop
	if hop <= 0 {
		hop = size
	}

	window, err := waveform.NewWindow(size)
	if err != nil {
		return err
	}
	orch := quality.NewOrchestrator(window, clf, quality.NewPublisher(), quality.WithWindowSize(size))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := []string{"SEQ", "OFFSET", "LABEL", "CONFIDENCE"}
	if opts.Features {
		for _, name := range features.Names {
			header = append(header, strings.ToUpper(name))
		}
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for offset := 0; offset+size <= len(samples); offset += hop {
		if err := ctx.Err(); err != nil {
			return err
		}
		window.Reset()
		window.Append(samples[offset : offset+size]...)

		a, err := orch.AssessNow(ctx)
		if err != nil {
			if errors.IsCategory(err, errors.CategoryState) || errors.Is(err, context.Canceled) {
				return err
			}
			GetLogger().Warn("Window assessment failed",
				logger.Int("offset", offset),
				logger.Error(err))
			fmt.Fprintf(tw, "-\t%d\tfailed\t-", offset)
			if opts.Features {
				fmt.Fprint(tw, strings.Repeat("\t-", features.Count))
			}
		} else {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%.1f", a.Seq, offset, a.Label, a.Confidence)
			if opts.Features {
				for _, f := range a.Features {
					fmt.Fprintf(tw, "\t%s", strconv.FormatFloat(f, 'g', 5, 64))
				}
			}
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
