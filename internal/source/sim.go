package source

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/waveform"
)

const (
	defaultHeartRate = 72.0
	artifactLength   = 0.5 // seconds
	artifactScale    = 1.5
)

// SimConfig parameterizes the synthetic PPG generator.
type SimConfig struct {
	SampleRate   float64
	HeartRate    float64 // beats per minute
	Seed         int64
	Noise        float64 // gaussian noise std
	ArtifactRate float64 // motion artifacts per second
}

// PPGSim generates a camera-style PPG trace: a systolic peak, a dicrotic
// notch and a diastolic wave per beat, with slow baseline wander. Output is
// deterministic for a given seed.
type PPGSim struct {
	fs           float64
	hrBPM        float64
	noise        float64
	artifactRate float64
	rng          *rand.Rand

	phase float64 // position in the current beat, [0, 1)
	t     float64 // seconds since start

	artifactLeft   int
	artifactOffset float64
}

// NewPPGSim creates a generator from cfg, filling unset fields with defaults.
func NewPPGSim(cfg SimConfig) *PPGSim {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = conf.DefaultSampleRate
	}
	if cfg.HeartRate <= 0 {
		cfg.HeartRate = defaultHeartRate
	}
	seed := uint64(cfg.Seed)
	return &PPGSim{
		fs:           cfg.SampleRate,
		hrBPM:        cfg.HeartRate,
		noise:        max(cfg.Noise, 0),
		artifactRate: max(cfg.ArtifactRate, 0),
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Next returns the next sample and advances time.
func (s *PPGSim) Next() float64 {
	s.phase += s.hrBPM / 60.0 / s.fs
	if s.phase >= 1.0 {
		s.phase -= math.Floor(s.phase)
	}
	s.t += 1 / s.fs
	p := s.phase

	baseline := 0.1 * math.Sin(2*math.Pi*0.25*s.t)
	systolic := 1.0 * gauss(p, 0.20, 0.07)
	notch := -0.15 * gauss(p, 0.42, 0.025)
	diastolic := 0.35 * gauss(p, 0.52, 0.08)

	v := baseline + systolic + notch + diastolic
	if s.noise > 0 {
		v += s.noise * s.rng.NormFloat64()
	}
	return v + s.artifact()
}

// artifact returns the motion-artifact contribution for this sample.
func (s *PPGSim) artifact() float64 {
	if s.artifactLeft == 0 && s.artifactRate > 0 && s.rng.Float64() < s.artifactRate/s.fs {
		s.artifactLeft = max(1, int(artifactLength*s.fs))
		s.artifactOffset = artifactScale * (2*s.rng.Float64() - 1)
	}
	if s.artifactLeft == 0 {
		return 0
	}
	s.artifactLeft--
	return s.artifactOffset + artifactScale*0.5*s.rng.NormFloat64()
}

// Generate returns the next n samples.
func (s *PPGSim) Generate(n int) []float64 {
	out := make([]float64, max(n, 0))
	for i := range out {
		out[i] = s.Next()
	}
	return out
}

func gauss(x, mu, sigma float64) float64 {
	z := (x - mu) / sigma
	return math.Exp(-0.5 * z * z)
}

// Sim is the synthetic source. It paces samples at the configured rate.
type Sim struct {
	gen  *PPGSim
	rate float64
}

// NewSim creates a synthetic source.
func NewSim(cfg SimConfig) *Sim {
	gen := NewPPGSim(cfg)
	return &Sim{gen: gen, rate: gen.fs}
}

// Name implements Source.
func (s *Sim) Name() string { return TypeSim }

// Run appends generated samples in real time until ctx ends.
func (s *Sim) Run(ctx context.Context, sink waveform.Appender) error {
	period, batch := pacing(s.rate)
	GetLogger().Info("Synthetic source started",
		logger.Float64("sample_rate", s.rate),
		logger.Int("batch", batch),
		logger.Duration("period", period))

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			GetLogger().Info("Synthetic source stopped")
			return nil
		case <-ticker.C:
			sink.Append(s.gen.Generate(batch)...)
		}
	}
}
