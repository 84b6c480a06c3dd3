// Package source provides the sample producers feeding the waveform window:
// a synthetic PPG generator, a NATS subscriber and a recorded-file reader.
package source

import (
	"context"
	"math"
	"time"

	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/observability/metrics"
	"github.com/tphakala/pulsecheck/internal/waveform"
)

// Source type names accepted in source.type.
const (
	TypeSim  = "sim"
	TypeNATS = "nats"
	TypeFile = "file"
)

// maxTickRate caps how often paced sources wake up. Faster sample rates
// are delivered in batches.
const maxTickRate = 100.0

// Source produces samples until its context ends or its input is exhausted.
type Source interface {
	Name() string
	Run(ctx context.Context, sink waveform.Appender) error
}

// New builds the source selected by settings.Type.
func New(settings *conf.SourceSettings) (Source, error) {
	switch settings.Type {
	case TypeSim, "":
		return NewSim(SimConfig{
			SampleRate:   settings.SampleRate,
			Seed:         settings.Seed,
			Noise:        settings.Noise,
			ArtifactRate: settings.ArtifactRate,
		}), nil
	case TypeNATS:
		return NewNATS(settings.NATS.URL, settings.NATS.Subject)
	case TypeFile:
		return NewFile(settings.File.Path, settings.SampleRate, settings.File.Loop), nil
	default:
		return nil, errors.Newf("unknown source type %q", settings.Type).
			Component("source").
			Category(errors.CategoryConfiguration).
			Context("source_type", settings.Type).
			Build()
	}
}

// pacing returns the tick period and batch size for delivering rate
// samples per second.
func pacing(rate float64) (time.Duration, int) {
	if rate <= 0 {
		rate = conf.DefaultSampleRate
	}
	batch := max(1, int(math.Ceil(rate/maxTickRate)))
	period := time.Duration(float64(time.Second) * float64(batch) / rate)
	return max(period, time.Millisecond), batch
}

// Tap forwards samples to a window, counts frames and calls onFrame after
// each appended frame.
type Tap struct {
	dst     waveform.Appender
	name    string
	metrics *metrics.SourceMetrics
	onFrame func()
}

// NewTap wraps dst. m and onFrame may be nil.
func NewTap(dst waveform.Appender, name string, m *metrics.SourceMetrics, onFrame func()) *Tap {
	return &Tap{dst: dst, name: name, metrics: m, onFrame: onFrame}
}

// Append implements waveform.Appender.
func (t *Tap) Append(samples ...float64) {
	if len(samples) == 0 {
		return
	}
	t.dst.Append(samples...)
	if t.metrics != nil {
		t.metrics.RecordFrame(t.name, len(samples))
	}
	if t.onFrame != nil {
		t.onFrame()
	}
}
