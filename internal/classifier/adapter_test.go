package classifier

import (
	"context"
	stderrors "errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/features"
	"github.com/tphakala/pulsecheck/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Load(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockBackend) Predict(in, out []float32) error {
	return m.Called(in, out).Error(0)
}

func (m *mockBackend) Close() error {
	return m.Called().Error(0)
}

func (m *mockBackend) Name() string {
	return "mock"
}

// gatedBackend blocks in Load and Predict until released.
type gatedBackend struct {
	loadGate    chan struct{}
	predictGate chan struct{}
	loads       atomic.Int32
	predicts    atomic.Int32
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		loadGate:    make(chan struct{}),
		predictGate: make(chan struct{}),
	}
}

func (g *gatedBackend) Load(ctx context.Context) error {
	g.loads.Add(1)
	select {
	case <-g.loadGate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedBackend) Predict(_, out []float32) error {
	g.predicts.Add(1)
	<-g.predictGate
	out[0], out[1], out[2] = 0, 0, 1
	return nil
}

func (g *gatedBackend) Close() error { return nil }
func (g *gatedBackend) Name() string { return "gated" }

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

func newTestAdapter(b Backend, opts ...Option) *Adapter {
	base := []Option{WithLogger(quietLogger()), WithRetryBase(time.Millisecond)}
	return NewAdapter(b, append(base, opts...)...)
}

func readyAdapter(t *testing.T, b *mockBackend, opts ...Option) *Adapter {
	t.Helper()
	b.On("Load", mock.Anything).Return(nil).Once()
	a := newTestAdapter(b, opts...)
	a.Load(t.Context())
	require.NoError(t, a.Wait(t.Context()))
	require.Equal(t, StateReady, a.State())
	return a
}

func setOutput(values ...float32) func(mock.Arguments) {
	return func(args mock.Arguments) {
		copy(args.Get(1).([]float32), values)
	}
}

func closeAdapter(t *testing.T, a *Adapter, b *mockBackend) {
	t.Helper()
	b.On("Close").Return(nil).Maybe()
	require.NoError(t, a.Close())
}

func TestAdapterLoadSucceeds(t *testing.T) {
	t.Parallel()
	b := &mockBackend{}
	a := readyAdapter(t, b)
	defer closeAdapter(t, a, b)

	assert.NoError(t, a.Err())
	assert.Equal(t, "mock", a.BackendName())

	// Load in Ready is a no-op
	a.Load(t.Context())
	assert.Equal(t, StateReady, a.State())
	b.AssertNumberOfCalls(t, "Load", 1)
}

func TestAdapterLoadIsIdempotentWhileLoading(t *testing.T) {
	t.Parallel()
	g := newGatedBackend()
	a := newTestAdapter(g)

	for range 5 {
		a.Load(t.Context())
	}
	assert.Equal(t, StateLoading, a.State())

	close(g.loadGate)
	require.NoError(t, a.Wait(t.Context()))
	assert.Equal(t, StateReady, a.State())
	assert.Equal(t, int32(1), g.loads.Load())
	require.NoError(t, a.Close())
}

func TestAdapterFailedLoadCanBeRetriedExplicitly(t *testing.T) {
	t.Parallel()
	b := &mockBackend{}
	b.On("Load", mock.Anything).Return(stderrors.New("corrupt artifact")).Once()
	b.On("Load", mock.Anything).Return(nil).Once()
	a := newTestAdapter(b)
	defer closeAdapter(t, a, b)

	a.Load(t.Context())
	err := a.Wait(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelLoadFailed)
	assert.Contains(t, err.Error(), "corrupt artifact")
	assert.Equal(t, StateFailed, a.State())
	assert.ErrorIs(t, a.Err(), ErrModelLoadFailed)

	// No automatic retry happens
	time.Sleep(20 * time.Millisecond)
	b.AssertNumberOfCalls(t, "Load", 1)

	a.Load(t.Context())
	require.NoError(t, a.Wait(t.Context()))
	assert.Equal(t, StateReady, a.State())
	assert.NoError(t, a.Err())
}

func TestAdapterLoadRetriesWithinOneCall(t *testing.T) {
	t.Parallel()
	b := &mockBackend{}
	b.On("Load", mock.Anything).Return(stderrors.New("busy")).Twice()
	b.On("Load", mock.Anything).Return(nil).Once()
	a := newTestAdapter(b, WithLoadRetries(2))
	defer closeAdapter(t, a, b)

	a.Load(t.Context())
	require.NoError(t, a.Wait(t.Context()))
	assert.Equal(t, StateReady, a.State())
	b.AssertNumberOfCalls(t, "Load", 3)
}

func TestAdapterLoadRetriesExhausted(t *testing.T) {
	t.Parallel()
	b := &mockBackend{}
	b.On("Load", mock.Anything).Return(stderrors.New("missing file"))
	a := newTestAdapter(b, WithLoadRetries(1))
	defer closeAdapter(t, a, b)

	a.Load(t.Context())
	require.ErrorIs(t, a.Wait(t.Context()), ErrModelLoadFailed)
	assert.Equal(t, StateFailed, a.State())
	b.AssertNumberOfCalls(t, "Load", 2)
}

func TestAdapterWaitHonoursContext(t *testing.T) {
	t.Parallel()
	g := newGatedBackend()
	a := newTestAdapter(g)

	assert.ErrorIs(t, a.Wait(t.Context()), ErrNotReady)

	a.Load(t.Context())
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Wait(ctx), context.DeadlineExceeded)

	close(g.loadGate)
	require.NoError(t, a.Close())
}

func TestClassifyRequiresReady(t *testing.T) {
	t.Parallel()
	b := &mockBackend{}
	a := newTestAdapter(b)

	_, err := a.Classify(t.Context(), features.Vector{})
	require.ErrorIs(t, err, ErrNotReady)
	b.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything)
}

func TestClassifyNormalizesOutput(t *testing.T) {
	t.Parallel()
	b := &mockBackend{}
	a := readyAdapter(t, b)
	defer closeAdapter(t, a, b)

	var v features.Vector
	v[features.Mean] = 0.5
	v[features.SNR] = -3
	want := v.Float32s()

	b.On("Predict", mock.MatchedBy(func(in []float32) bool {
		return assert.ObjectsAreEqual(want, in)
	}), mock.Anything).Run(setOutput(1, 1, 2)).Return(nil).Once()

	p, err := a.Classify(t.Context(), v)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, p[ClassBad], 1e-9)
	assert.InDelta(t, 0.25, p[ClassAcceptable], 1e-9)
	assert.InDelta(t, 0.5, p[ClassExcellent], 1e-9)
	assert.Equal(t, ClassExcellent, p.Argmax())
}

func TestClassifyRejectsInvalidOutput(t *testing.T) {
	t.Parallel()
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	tests := []struct {
		name string
		out  []float32
	}{
		{"negative", []float32{-0.1, 0.5, 0.6}},
		{"nan", []float32{nan, 0.5, 0.5}},
		{"inf", []float32{0.2, inf, 0.5}},
		{"zero sum", []float32{0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := &mockBackend{}
			a := readyAdapter(t, b)
			defer closeAdapter(t, a, b)

			b.On("Predict", mock.Anything, mock.Anything).Run(setOutput(tt.out...)).Return(nil)
			_, err := a.Classify(t.Context(), features.Vector{})
			require.ErrorIs(t, err, ErrInferenceFailed)
			assert.NotErrorIs(t, err, ErrTimeout)
		})
	}
}

func TestClassifyBackendError(t *testing.T) {
	t.Parallel()
	b := &mockBackend{}
	a := readyAdapter(t, b)
	defer closeAdapter(t, a, b)

	b.On("Predict", mock.Anything, mock.Anything).Return(stderrors.New("invoke failed"))
	_, err := a.Classify(t.Context(), features.Vector{})
	require.ErrorIs(t, err, ErrInferenceFailed)
	assert.Contains(t, err.Error(), "invoke failed")
}

func TestClassifyRejectsNonFiniteVector(t *testing.T) {
	t.Parallel()
	b := &mockBackend{}
	a := readyAdapter(t, b)
	defer closeAdapter(t, a, b)

	var v features.Vector
	v[features.Std] = math.Inf(-1)
	_, err := a.Classify(t.Context(), v)
	require.ErrorIs(t, err, ErrInferenceFailed)
	b.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything)
}

func TestClassifyTimeout(t *testing.T) {
	t.Parallel()
	g := newGatedBackend()
	close(g.loadGate)
	a := newTestAdapter(g, WithTimeout(20*time.Millisecond))
	a.Load(t.Context())
	require.NoError(t, a.Wait(t.Context()))

	start := time.Now()
	_, err := a.Classify(t.Context(), features.Vector{})
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrInferenceFailed)
	assert.Less(t, time.Since(start), time.Second)

	// The abandoned inference finishes in the background and Close waits for it
	close(g.predictGate)
	require.NoError(t, a.Close())
	assert.Equal(t, int32(1), g.predicts.Load())
}

func TestClassifyTimeoutsDoNotStackBackendCalls(t *testing.T) {
	t.Parallel()
	g := newGatedBackend()
	close(g.loadGate)
	a := newTestAdapter(g, WithTimeout(10*time.Millisecond))
	a.Load(t.Context())
	require.NoError(t, a.Wait(t.Context()))

	for range 10 {
		_, err := a.Classify(t.Context(), features.Vector{})
		require.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, ErrInferenceFailed)
	}
	// Only the first call reached the backend; the rest waited on the slot.
	assert.Equal(t, int32(1), g.predicts.Load())

	close(g.predictGate)
	require.Eventually(t, func() bool {
		p, err := a.Classify(t.Context(), features.Vector{})
		return err == nil && p[ClassExcellent] == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, a.Close())
	assert.GreaterOrEqual(t, g.predicts.Load(), int32(2))
}

func TestClassifyConcurrentCallers(t *testing.T) {
	t.Parallel()
	b := &mockBackend{}
	a := readyAdapter(t, b)
	defer closeAdapter(t, a, b)

	b.On("Predict", mock.Anything, mock.Anything).Run(setOutput(3, 1, 0)).Return(nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 20 {
				p, err := a.Classify(context.Background(), features.Vector{})
				if !assert.NoError(t, err) {
					return
				}
				assert.InDelta(t, 0.75, p[ClassBad], 1e-9)
			}
		})
	}
	wg.Wait()
}

func TestAdapterClose(t *testing.T) {
	t.Parallel()
	b := &mockBackend{}
	a := readyAdapter(t, b)
	b.On("Close").Return(nil).Once()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	b.AssertNumberOfCalls(t, "Close", 1)
	assert.Equal(t, StateUnloaded, a.State())

	_, err := a.Classify(t.Context(), features.Vector{})
	assert.ErrorIs(t, err, ErrNotReady)

	a.Load(t.Context())
	assert.Equal(t, StateUnloaded, a.State())
}

func TestProbabilitiesArgmaxTiesPreferFirst(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ClassBad, Probabilities{}.Argmax())
	assert.Equal(t, ClassBad, Probabilities{0.4, 0.4, 0.2}.Argmax())
	assert.Equal(t, ClassAcceptable, Probabilities{0.2, 0.4, 0.4}.Argmax())
	assert.Equal(t, ClassExcellent, Probabilities{0.1, 0.2, 0.7}.Argmax())

	m := Probabilities{0.1, 0.2, 0.7}.Map()
	assert.InDelta(t, 0.7, m["excellent"], 0)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "unloaded", StateUnloaded.String())
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestNewBackendRegistry(t *testing.T) {
	RegisterBackend("registry-test", func(s *conf.ModelSettings) (Backend, error) {
		if s.Path == "" {
			return nil, stderrors.New("path required")
		}
		return &mockBackend{}, nil
	})

	b, err := NewBackend(&conf.ModelSettings{Backend: "registry-test", Path: "m.json"})
	require.NoError(t, err)
	assert.Equal(t, "mock", b.Name())
	assert.Contains(t, Backends(), "registry-test")

	_, err = NewBackend(&conf.ModelSettings{Backend: "registry-test"})
	require.ErrorIs(t, err, ErrModelLoadFailed)

	_, err = NewBackend(&conf.ModelSettings{Backend: "onnx"})
	require.ErrorIs(t, err, ErrModelLoadFailed)
	assert.Contains(t, err.Error(), "onnx")

	assert.Panics(t, func() { RegisterBackend("nil", nil) })
}

func TestNewFromSettingsAppliesModelSettings(t *testing.T) {
	RegisterBackend("settings-test", func(*conf.ModelSettings) (Backend, error) {
		return &mockBackend{}, nil
	})

	a, err := NewFromSettings(&conf.ModelSettings{
		Backend: "settings-test",
		Path:    "model.json",
		Timeout: time.Second,
	}, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, time.Second, a.Timeout())
	assert.Equal(t, StateUnloaded, a.State())
}
