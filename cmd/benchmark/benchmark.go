package benchmark

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/tphakala/pulsecheck/internal/classifier"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/features"
	"github.com/tphakala/pulsecheck/internal/source"
)

func Command(settings *conf.Settings) *cobra.Command {
	var duration time.Duration
	var windowSize int

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Run feature extraction and inference benchmark",
		RunE: func(cmd *cobra.Command, args []string) error {
			if windowSize < conf.MinWindowSamples {
				return fmt.Errorf("window size must be at least %d samples, got %d", conf.MinWindowSamples, windowSize)
			}
			if duration <= 0 {
				return fmt.Errorf("duration must be positive, got %s", duration)
			}
			return runBenchmark(cmd.Context(), settings, windowSize, duration)
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to run each stage")
	cmd.Flags().IntVarP(&windowSize, "window", "w", 300, "samples per benchmark window")

	return cmd
}

type benchmarkResults struct {
	iterations int
	avgTime    time.Duration
	perSecond  float64
}

func runBenchmark(ctx context.Context, settings *conf.Settings, windowSize int, duration time.Duration) error {
	printSystem(ctx)

	adapter, err := classifier.NewFromSettings(&settings.Model)
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()
	adapter.Load(ctx)
	if err := adapter.Wait(ctx); err != nil {
		return fmt.Errorf("failed to load %s model: %w", adapter.BackendName(), err)
	}

	sim := source.NewPPGSim(source.SimConfig{SampleRate: settings.Source.SampleRate, Seed: 1, Noise: 0.02})
	samples := sim.Generate(windowSize)
	vector := features.Extract(samples)

	fmt.Printf("⏳ Timing feature extraction for %s...\n", duration)
	extract := measure(duration, func() error {
		features.Extract(samples)
		return nil
	})

	fmt.Printf("⏳ Timing %s inference for %s...\n", adapter.BackendName(), duration)
	var inferErr error
	infer := measure(duration, func() error {
		_, inferErr = adapter.Classify(ctx, vector)
		return inferErr
	})
	if inferErr != nil {
		return fmt.Errorf("inference failed: %w", inferErr)
	}

	fmt.Printf("\nResults (window %d samples):\n", windowSize)
	fmt.Printf("Stage          Average Time     Throughput\n")
	fmt.Printf("─────────────  ───────────────  ──────────────────────\n")
	fmt.Printf("Features       %9.3f ms     %10.1f windows/sec\n", ms(extract.avgTime), extract.perSecond)
	fmt.Printf("Inference      %9.3f ms     %10.1f windows/sec\n", ms(infer.avgTime), infer.perSecond)

	total := ms(extract.avgTime + infer.avgTime)
	rating, description := getPerformanceRating(total)
	fmt.Printf("\nSystem Rating: %s, %s\n", rating, description)
	return nil
}

// measure runs fn repeatedly for d, stopping early on the first error.
func measure(d time.Duration, fn func() error) benchmarkResults {
	var r benchmarkResults
	var total time.Duration
	start := time.Now()
	for time.Since(start) < d {
		t := time.Now()
		if err := fn(); err != nil {
			break
		}
		total += time.Since(t)
		r.iterations++
	}
	if r.iterations > 0 {
		r.avgTime = total / time.Duration(r.iterations)
		r.perSecond = float64(r.iterations) / time.Since(start).Seconds()
	}
	return r
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// getPerformanceRating rates the per-window cost. A realtime source at 30 Hz
// delivers a frame roughly every 33 ms.
func getPerformanceRating(perWindowMs float64) (rating, description string) {
	switch {
	case perWindowMs > 33:
		return "❌ Failed", "System cannot assess every frame of a 30 Hz source"
	case perWindowMs > 10:
		return "⚠️ Poor", "Assessments will be coalesced under load"
	case perWindowMs > 2:
		return "👍 Decent", "System keeps up with realtime assessment"
	case perWindowMs > 0.5:
		return "✨ Good", "System will perform well"
	default:
		return "🚀 Superb", "System will perform exceptionally well"
	}
}

func printSystem(ctx context.Context) {
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		cores, _ := cpu.CountsWithContext(ctx, true)
		fmt.Printf("CPU: %s (%d threads)\n", infos[0].ModelName, cores)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		fmt.Printf("Memory: %.1f GiB total, %.1f GiB available\n",
			float64(vm.Total)/(1<<30), float64(vm.Available)/(1<<30))
	}
	fmt.Println()
}
