package layers

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/pulsecheck/internal/classifier"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/features"
)

type fixtureLayer struct {
	name       string
	in, units  int
	activation string
	kernel     []float32 // row-major [in][units], zero filled when nil
	bias       []float32 // zero filled when nil
}

type fixtureOpts struct {
	keras2     bool   // nest the topology under model_config
	dtype      string // manifest dtype override
	truncate   int    // bytes to drop from the shard
	inputShape int    // declared batch_input_shape dimension, 0 = first layer in
}

// writeModel writes a layers-format model.json and single shard into dir.
func writeModel(t *testing.T, dir string, layers []fixtureLayer, opts fixtureOpts) string {
	t.Helper()

	var shard []byte
	appendFloats := func(values []float32, n int) {
		for i := range n {
			var v float32
			if i < len(values) {
				v = values[i]
			}
			shard = binary.LittleEndian.AppendUint32(shard, math.Float32bits(v))
		}
	}

	dtype := "float32"
	if opts.dtype != "" {
		dtype = opts.dtype
	}

	var topoLayers, weights []map[string]any
	for i, l := range layers {
		cfg := map[string]any{
			"name":       l.name,
			"units":      l.units,
			"activation": l.activation,
			"use_bias":   true,
		}
		if i == 0 {
			dim := l.in
			if opts.inputShape != 0 {
				dim = opts.inputShape
			}
			cfg["batch_input_shape"] = []any{nil, dim}
		}
		topoLayers = append(topoLayers, map[string]any{"class_name": "Dense", "config": cfg})

		weights = append(weights,
			map[string]any{"name": l.name + "/kernel", "shape": []int{l.in, l.units}, "dtype": dtype},
			map[string]any{"name": l.name + "/bias", "shape": []int{l.units}, "dtype": dtype},
		)
		appendFloats(l.kernel, l.in*l.units)
		appendFloats(l.bias, l.units)
	}

	modelConfig := map[string]any{
		"class_name": "Sequential",
		"config":     map[string]any{"name": "sequential", "layers": topoLayers},
	}
	topology := modelConfig
	if opts.keras2 {
		topology = map[string]any{"keras_version": "2.15.0", "model_config": modelConfig}
	}

	model := map[string]any{
		"format":        "layers-model",
		"modelTopology": topology,
		"weightsManifest": []any{
			map[string]any{"paths": []string{"group1-shard1of1.bin"}, "weights": weights},
		},
	}

	data, err := json.Marshal(model)
	require.NoError(t, err)
	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "group1-shard1of1.bin"), shard[:len(shard)-opts.truncate], 0o600))
	return path
}

// twoLayerModel maps feature 0 through relu units and a softmax head:
// positive means favour excellent, negative favours bad.
func twoLayerModel() []fixtureLayer {
	k1 := make([]float32, classifier.InputSize*2)
	k1[0], k1[1] = 1, -1
	return []fixtureLayer{
		{name: "dense_1", in: classifier.InputSize, units: 2, activation: "relu", kernel: k1},
		{name: "dense_2", in: 2, units: 3, activation: "softmax", kernel: []float32{
			0, 0, 1,
			1, 0, 0,
		}},
	}
}

func softmax3(a, b, c float64) [3]float64 {
	ea, eb, ec := math.Exp(a), math.Exp(b), math.Exp(c)
	s := ea + eb + ec
	return [3]float64{ea / s, eb / s, ec / s}
}

func predict(t *testing.T, b *Backend, x0 float32) []float32 {
	t.Helper()
	in := make([]float32, classifier.InputSize)
	in[0] = x0
	out := make([]float32, classifier.NumClasses)
	require.NoError(t, b.Predict(in, out))
	return out
}

func TestBackendLoadAndPredict(t *testing.T) {
	t.Parallel()
	for _, keras2 := range []bool{false, true} {
		path := writeModel(t, t.TempDir(), twoLayerModel(), fixtureOpts{keras2: keras2})
		b := New(path)
		require.NoError(t, b.Load(t.Context()))

		want := softmax3(0, 0, 2)
		got := predict(t, b, 2)
		for i := range want {
			assert.InDelta(t, want[i], float64(got[i]), 1e-6)
		}

		want = softmax3(1, 0, 0)
		got = predict(t, b, -1)
		for i := range want {
			assert.InDelta(t, want[i], float64(got[i]), 1e-6)
		}
		require.NoError(t, b.Close())
	}
}

func TestBackendRejectsShapeMismatch(t *testing.T) {
	t.Parallel()

	t.Run("input", func(t *testing.T) {
		t.Parallel()
		layers := []fixtureLayer{{name: "d", in: 14, units: 3, activation: "softmax"}}
		b := New(writeModel(t, t.TempDir(), layers, fixtureOpts{}))
		err := b.Load(t.Context())
		require.ErrorIs(t, err, classifier.ErrModelLoadFailed)
		assert.Contains(t, err.Error(), "1x14")
	})

	t.Run("output", func(t *testing.T) {
		t.Parallel()
		layers := []fixtureLayer{{name: "d", in: 15, units: 2, activation: "softmax"}}
		b := New(writeModel(t, t.TempDir(), layers, fixtureOpts{}))
		require.ErrorIs(t, b.Load(t.Context()), classifier.ErrModelLoadFailed)
	})

	t.Run("declared input disagrees with kernel", func(t *testing.T) {
		t.Parallel()
		layers := []fixtureLayer{{name: "d", in: 15, units: 3}}
		b := New(writeModel(t, t.TempDir(), layers, fixtureOpts{inputShape: 20}))
		require.ErrorIs(t, b.Load(t.Context()), classifier.ErrModelLoadFailed)
	})
}

func TestBackendRejectsBadArtifacts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		layers []fixtureLayer
		opts   fixtureOpts
	}{
		{"short shard", twoLayerModel(), fixtureOpts{truncate: 4}},
		{"float16 weights", twoLayerModel(), fixtureOpts{dtype: "float16"}},
		{"unknown activation", []fixtureLayer{{name: "d", in: 15, units: 3, activation: "gelu"}}, fixtureOpts{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := New(writeModel(t, t.TempDir(), tt.layers, tt.opts))
			require.ErrorIs(t, b.Load(t.Context()), classifier.ErrModelLoadFailed)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		b := New(filepath.Join(t.TempDir(), "model.json"))
		require.ErrorIs(t, b.Load(t.Context()), classifier.ErrModelLoadFailed)
	})

	t.Run("not json", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "model.json")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
		require.ErrorIs(t, New(path).Load(t.Context()), classifier.ErrModelLoadFailed)
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		b := New(writeModel(t, t.TempDir(), twoLayerModel(), fixtureOpts{}))
		err := b.Load(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestBackendActivationLayer(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeModel(t, dir, []fixtureLayer{{
		name: "logits", in: 15, units: 3,
		bias: []float32{0, 1, 0},
	}}, fixtureOpts{})

	// Insert a separate Activation layer after the dense head
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var model map[string]any
	require.NoError(t, json.Unmarshal(data, &model))
	cfg := model["modelTopology"].(map[string]any)["config"].(map[string]any)
	cfg["layers"] = append(cfg["layers"].([]any), map[string]any{
		"class_name": "Activation",
		"config":     map[string]any{"name": "act", "activation": "softmax"},
	})
	data, err = json.Marshal(model)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	b := New(path)
	require.NoError(t, b.Load(t.Context()))
	got := predict(t, b, 0)
	want := softmax3(0, 1, 0)
	for i := range want {
		assert.InDelta(t, want[i], float64(got[i]), 1e-6)
	}
}

func TestPredictBeforeLoad(t *testing.T) {
	t.Parallel()
	b := New("unused")
	err := b.Predict(make([]float32, classifier.InputSize), make([]float32, classifier.NumClasses))
	require.Error(t, err)
}

func TestPredictRejectsWrongBufferSizes(t *testing.T) {
	t.Parallel()
	b := New(writeModel(t, t.TempDir(), twoLayerModel(), fixtureOpts{}))
	require.NoError(t, b.Load(t.Context()))

	require.Error(t, b.Predict(make([]float32, 3), make([]float32, classifier.NumClasses)))
	require.Error(t, b.Predict(make([]float32, classifier.InputSize), make([]float32, 5)))
}

func TestForwardMatchesKernelLayout(t *testing.T) {
	t.Parallel()
	// kernel is [2][3]: row i holds input i's weight for each unit
	net, err := assemble(
		[]layerSpec{{name: "d", units: 3, useBias: true, activation: actLinear}},
		2,
		map[string][]float32{"d/kernel": {1, 2, 3, 4, 5, 6}, "d/bias": {0.5, 0, -0.5}},
	)
	require.NoError(t, err)

	out := make([]float32, 3)
	net.forward([]float32{1, 10}, out)
	assert.Equal(t, []float32{41.5, 52, 62.5}, out)
}

func TestPredictKeepsZeroTimesInfNaN(t *testing.T) {
	t.Parallel()
	kernel := make([]float32, classifier.InputSize*classifier.NumClasses)
	kernel[0] = float32(math.Inf(1))
	path := writeModel(t, t.TempDir(), []fixtureLayer{
		{name: "dense_1", in: classifier.InputSize, units: classifier.NumClasses, activation: "linear", kernel: kernel},
	}, fixtureOpts{})
	b := New(path)
	require.NoError(t, b.Load(t.Context()))

	out := predict(t, b, 0)
	assert.True(t, math.IsNaN(float64(out[0])), "0*Inf must propagate as NaN, got %v", out[0])
	assert.Zero(t, out[1])
}

func TestActivations(t *testing.T) {
	t.Parallel()
	x := []float32{-1, 0, 2}

	relu := append([]float32(nil), x...)
	actReLU.apply(relu)
	assert.Equal(t, []float32{0, 0, 2}, relu)

	sig := append([]float32(nil), x...)
	actSigmoid.apply(sig)
	assert.InDelta(t, 0.5, float64(sig[1]), 1e-7)

	th := append([]float32(nil), x...)
	actTanh.apply(th)
	assert.InDelta(t, math.Tanh(2), float64(th[2]), 1e-6)

	sm := []float32{1000, 1000, 1000}
	actSoftmax.apply(sm)
	for _, v := range sm {
		assert.InDelta(t, 1.0/3, float64(v), 1e-6)
	}
}

func TestRegisteredWithClassifier(t *testing.T) {
	t.Parallel()
	path := writeModel(t, t.TempDir(), twoLayerModel(), fixtureOpts{})
	backend, err := classifier.NewBackend(&conf.ModelSettings{Backend: Name, Path: path})
	require.NoError(t, err)
	assert.Equal(t, Name, backend.Name())

	a := classifier.NewAdapter(backend)
	a.Load(t.Context())
	require.NoError(t, a.Wait(t.Context()))

	var v features.Vector
	v[features.Mean] = 2
	p, err := a.Classify(t.Context(), v)
	require.NoError(t, err)
	assert.Equal(t, classifier.ClassExcellent, p.Argmax())
	require.NoError(t, a.Close())
}
