package source

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/observability/metrics"
	"github.com/tphakala/pulsecheck/internal/waveform"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu      sync.Mutex
	samples []float64
	frames  int
}

func (r *recordingSink) Append(samples ...float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, samples...)
	r.frames++
}

func (r *recordingSink) snapshot() ([]float64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.samples), r.frames
}

func TestPacing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rate   float64
		period time.Duration
		batch  int
	}{
		{30, time.Second / 30, 1},
		{100, 10 * time.Millisecond, 1},
		{250, 12 * time.Millisecond, 3},
		{0, time.Second / conf.DefaultSampleRate, 1},
	}
	for _, tt := range tests {
		period, batch := pacing(tt.rate)
		assert.Equal(t, tt.batch, batch, "rate %g", tt.rate)
		assert.InDelta(t, float64(tt.period), float64(period), float64(time.Microsecond), "rate %g", tt.rate)
	}
}

func TestPPGSimDeterministicForSeed(t *testing.T) {
	t.Parallel()
	cfg := SimConfig{SampleRate: 30, Seed: 42, Noise: 0.05, ArtifactRate: 0.5}

	a := NewPPGSim(cfg).Generate(500)
	b := NewPPGSim(cfg).Generate(500)
	assert.Equal(t, a, b)

	cfg.Seed = 43
	c := NewPPGSim(cfg).Generate(500)
	assert.NotEqual(t, a, c)
}

func TestPPGSimCleanTraceIsPeriodic(t *testing.T) {
	t.Parallel()
	// 72 bpm at 30 Hz is a 25-sample beat; the 0.25 Hz baseline repeats
	// every 120 samples, so the trace repeats every 600.
	samples := NewPPGSim(SimConfig{SampleRate: 30}).Generate(1200)
	for i := range 600 {
		require.InDelta(t, samples[i], samples[i+600], 1e-6, "sample %d", i)
	}
	assert.Greater(t, slices.Max(samples)-slices.Min(samples), 0.8)
}

func TestPPGSimArtifactsAddDisturbance(t *testing.T) {
	t.Parallel()
	clean := NewPPGSim(SimConfig{SampleRate: 30, Seed: 7}).Generate(300)
	noisy := NewPPGSim(SimConfig{SampleRate: 30, Seed: 7, ArtifactRate: 30}).Generate(300)

	var diff float64
	for i := range clean {
		diff = max(diff, abs(noisy[i]-clean[i]))
	}
	assert.Greater(t, diff, 0.5)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func TestSimRunPacesBatches(t *testing.T) {
	t.Parallel()
	sim := NewSim(SimConfig{SampleRate: 1000, Seed: 1})
	sink := &recordingSink{}

	ctx, cancel := context.WithTimeout(t.Context(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, sim.Run(ctx, sink))

	samples, frames := sink.snapshot()
	require.NotZero(t, frames)
	assert.Len(t, samples, frames*10)
	assert.Equal(t, TypeSim, sim.Name())
}

func TestTapCountsFramesAndNotifies(t *testing.T) {
	t.Parallel()
	w, err := waveform.NewWindow(16)
	require.NoError(t, err)
	m, err := metrics.NewSourceMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	var notified int
	tap := NewTap(w, TypeSim, m, func() { notified++ })
	tap.Append(1, 2, 3)
	tap.Append()
	tap.Append(4)

	assert.Equal(t, 4, w.Len())
	assert.Equal(t, 2, notified)
	assert.InDelta(t, 4, testutil.ToFloat64(m.SamplesTotal.WithLabelValues(TypeSim)), 0)

	bare := NewTap(w, TypeSim, nil, nil)
	bare.Append(5)
	assert.Equal(t, 5, w.Len())
}

func TestNewSelectsSource(t *testing.T) {
	t.Parallel()

	s, err := New(&conf.SourceSettings{Type: TypeSim, SampleRate: 30})
	require.NoError(t, err)
	assert.Equal(t, TypeSim, s.Name())

	s, err = New(&conf.SourceSettings{Type: TypeFile, File: conf.FileSourceSettings{Path: "x.csv"}})
	require.NoError(t, err)
	assert.Equal(t, TypeFile, s.Name())

	s, err = New(&conf.SourceSettings{Type: TypeNATS, NATS: conf.NATSSettings{URL: "nats://127.0.0.1:4222", Subject: "ppg"}})
	require.NoError(t, err)
	assert.Equal(t, TypeNATS, s.Name())

	_, err = New(&conf.SourceSettings{Type: TypeNATS})
	require.Error(t, err)

	_, err = New(&conf.SourceSettings{Type: "camera"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestNATSHandleDrainsWholeSamples(t *testing.T) {
	t.Parallel()
	n, err := NewNATS("nats://127.0.0.1:4222", "ppg")
	require.NoError(t, err)
	m, err := metrics.NewSourceMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	n.SetMetrics(m)
	sink := &recordingSink{}

	n.handle(waveform.EncodeFloat32LE([]float64{0.5, -0.25}))
	n.handle([]byte{1, 2, 3})
	n.handle(waveform.EncodeFloat32LE([]float64{1}))
	n.drain(sink)

	samples, frames := sink.snapshot()
	assert.Equal(t, []float64{0.5, -0.25, 1}, samples)
	assert.Equal(t, 1, frames)
	assert.Len(t, n.ready, 1)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(TypeNATS, "malformed_frame")), 0)

	n.drain(sink)
	_, frames = sink.snapshot()
	assert.Equal(t, 1, frames, "empty buffer appends nothing")
}

func TestNATSCountsOverflow(t *testing.T) {
	t.Parallel()
	n, err := NewNATS("nats://127.0.0.1:4222", "ppg")
	require.NoError(t, err)
	m, err := metrics.NewSourceMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	n.SetMetrics(m)

	n.handle(waveform.EncodeFloat32LE(make([]float64, captureSamples+10)))
	sink := &recordingSink{}
	n.drain(sink)

	samples, _ := sink.snapshot()
	assert.Len(t, samples, captureSamples)
	assert.Equal(t, uint64(10), n.Dropped())
	assert.InDelta(t, 10, testutil.ToFloat64(m.DroppedTotal.WithLabelValues(TypeNATS)), 0)
}

func TestNATSRunUnreachableServer(t *testing.T) {
	t.Parallel()
	n, err := NewNATS("nats://127.0.0.1:1", "ppg")
	require.NoError(t, err)

	err = n.Run(t.Context(), &recordingSink{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writeWAV(t *testing.T, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, 30, 16, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:   data,
		Format: &audio.Format{SampleRate: 30, NumChannels: channels},
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func TestReadFileCSV(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		want    []float64
	}{
		{"one per line", "0.1\n0.2\n\n-0.3\n", []float64{0.1, 0.2, -0.3}},
		{"value column", "time,value\n0,1.5\n1,2.5\n", []float64{1.5, 2.5}},
		{"single header", "ppg\n3\n4\n", []float64{3, 4}},
		{"comments", "# recorded\n1\n# gap\n2\n", []float64{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ReadFile(writeFile(t, "trace.csv", tt.content))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadFileCSVErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{"no value column", "time,red\n0,1\n"},
		{"not a number", "1\nabc\n"},
		{"short row", "time,value\n0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadFile(writeFile(t, "trace.csv", tt.content))
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))
		})
	}
}

func TestReadFileWAV(t *testing.T) {
	t.Parallel()
	got, err := ReadFile(writeWAV(t, 1, []int{0, 16384, -32768, 32767}))
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.InDelta(t, 0.0, got[0], 1e-9)
	assert.InDelta(t, 0.5, got[1], 1e-9)
	assert.InDelta(t, -1.0, got[2], 1e-9)
	assert.InDelta(t, 1.0, got[3], 1e-4)
}

func TestReadFileWAVRejectsStereo(t *testing.T) {
	t.Parallel()
	_, err := ReadFile(writeWAV(t, 2, []int{1, 2, 3, 4}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channels")
}

func TestReadFileErrors(t *testing.T) {
	t.Parallel()
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.csv"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = ReadFile(writeFile(t, "trace.json", "[]"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestFileRunReplaysInOrder(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "trace.csv", "1\n2\n3\n4\n5\n6\n7\n")
	sink := &recordingSink{}

	require.NoError(t, NewFile(path, 1000, false).Run(t.Context(), sink))
	samples, _ := sink.snapshot()
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7}, samples)
}

func TestFileRunLoopsUntilCancelled(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "trace.csv", "1\n2\n3\n")
	sink := &recordingSink{}

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, NewFile(path, 1000, true).Run(ctx, sink))

	samples, _ := sink.snapshot()
	require.Greater(t, len(samples), 3)
	assert.Equal(t, []float64{1, 2, 3, 1}, samples[:4])
}

func TestFileRunEmptyFile(t *testing.T) {
	t.Parallel()
	err := NewFile(writeFile(t, "trace.csv", "value\n"), 30, false).Run(t.Context(), &recordingSink{})
	require.Error(t, err)
}
