package layers

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/antonholmquist/jason"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// dense is one fully connected layer. weights is the kernel transposed to
// row-major [units][in] so each output is a dot product over the inputs.
type dense struct {
	name       string
	in, units  int
	weights    blas32.General
	bias       []float32
	activation activation
}

// network is a sequential stack of dense layers with per-layer scratch space.
type network struct {
	inputSize int
	layers    []dense
	scratch   [][]float32
}

// layerSpec is a Dense layer as declared in the topology, before weights.
type layerSpec struct {
	name       string
	units      int
	useBias    bool
	activation activation
}

type weightSpec struct {
	name  string
	shape []int
}

type weightGroup struct {
	paths   []string
	weights []weightSpec
}

// readNetwork parses a layers-format model.json and its weight shards.
func readNetwork(ctx context.Context, path string) (*network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}

	root, err := jason.NewObjectFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse model json: %w", err)
	}

	specs, declaredInput, err := parseTopology(root)
	if err != nil {
		return nil, err
	}
	groups, err := parseManifest(root)
	if err != nil {
		return nil, err
	}

	weights, err := readWeights(ctx, filepath.Dir(path), groups)
	if err != nil {
		return nil, err
	}

	return assemble(specs, declaredInput, weights)
}

func parseTopology(root *jason.Object) ([]layerSpec, int, error) {
	topo, err := root.GetObject("modelTopology")
	if err != nil {
		return nil, 0, fmt.Errorf("model has no modelTopology: %w", err)
	}
	// Keras 2 exports nest the model under model_config
	if nested, err := topo.GetObject("model_config"); err == nil {
		topo = nested
	}

	items, err := topo.GetObjectArray("config", "layers")
	if err != nil {
		return nil, 0, fmt.Errorf("model topology has no layers: %w", err)
	}

	var specs []layerSpec
	declaredInput := -1
	for i, item := range items {
		className, _ := item.GetString("class_name")
		cfg, err := item.GetObject("config")
		if err != nil {
			return nil, 0, fmt.Errorf("layer %d has no config: %w", i, err)
		}
		if dim, ok := declaredInputDim(cfg); ok && declaredInput < 0 {
			declaredInput = dim
		}

		switch className {
		case "InputLayer", "Dropout", "Flatten":
			// identity at inference time for 1-D input
		case "Activation":
			name, _ := cfg.GetString("activation")
			act, err := parseActivation(name)
			if err != nil {
				return nil, 0, fmt.Errorf("layer %d: %w", i, err)
			}
			if len(specs) == 0 {
				return nil, 0, fmt.Errorf("layer %d: activation before first dense layer", i)
			}
			if specs[len(specs)-1].activation != actLinear {
				return nil, 0, fmt.Errorf("layer %d: stacked activations are not supported", i)
			}
			specs[len(specs)-1].activation = act
		case "Dense":
			spec, err := parseDense(cfg)
			if err != nil {
				return nil, 0, fmt.Errorf("layer %d: %w", i, err)
			}
			specs = append(specs, spec)
		default:
			return nil, 0, fmt.Errorf("layer %d: unsupported layer type %q", i, className)
		}
	}

	if len(specs) == 0 {
		return nil, 0, fmt.Errorf("model has no dense layers")
	}
	return specs, declaredInput, nil
}

func parseDense(cfg *jason.Object) (layerSpec, error) {
	name, err := cfg.GetString("name")
	if err != nil {
		return layerSpec{}, fmt.Errorf("dense layer has no name: %w", err)
	}
	units, err := cfg.GetInt64("units")
	if err != nil || units <= 0 {
		return layerSpec{}, fmt.Errorf("dense layer %q has invalid units", name)
	}
	actName, _ := cfg.GetString("activation")
	act, err := parseActivation(actName)
	if err != nil {
		return layerSpec{}, fmt.Errorf("dense layer %q: %w", name, err)
	}
	useBias, err := cfg.GetBoolean("use_bias")
	if err != nil {
		useBias = true
	}
	return layerSpec{name: name, units: int(units), useBias: useBias, activation: act}, nil
}

// declaredInputDim reads the feature dimension from batch_input_shape
// (Keras 2) or batch_shape (Keras 3), e.g. [null, 15].
func declaredInputDim(cfg *jason.Object) (int, bool) {
	for _, key := range []string{"batch_input_shape", "batch_shape"} {
		dims, err := cfg.GetValueArray(key)
		if err != nil || len(dims) == 0 {
			continue
		}
		last, err := dims[len(dims)-1].Int64()
		if err != nil {
			continue
		}
		return int(last), true
	}
	return 0, false
}

func parseManifest(root *jason.Object) ([]weightGroup, error) {
	items, err := root.GetObjectArray("weightsManifest")
	if err != nil {
		return nil, fmt.Errorf("model has no weightsManifest: %w", err)
	}

	groups := make([]weightGroup, 0, len(items))
	for gi, item := range items {
		paths, err := item.GetStringArray("paths")
		if err != nil {
			return nil, fmt.Errorf("weight group %d has no paths: %w", gi, err)
		}
		entries, err := item.GetObjectArray("weights")
		if err != nil {
			return nil, fmt.Errorf("weight group %d has no weights: %w", gi, err)
		}

		group := weightGroup{paths: paths}
		for _, entry := range entries {
			name, err := entry.GetString("name")
			if err != nil {
				return nil, fmt.Errorf("weight group %d: unnamed weight", gi)
			}
			if dtype, _ := entry.GetString("dtype"); dtype != "" && dtype != "float32" {
				return nil, fmt.Errorf("weight %q: unsupported dtype %q", name, dtype)
			}
			if _, err := entry.GetObject("quantization"); err == nil {
				return nil, fmt.Errorf("weight %q: quantized weights are not supported", name)
			}
			dims, err := entry.GetInt64Array("shape")
			if err != nil {
				return nil, fmt.Errorf("weight %q has no shape: %w", name, err)
			}
			shape := make([]int, len(dims))
			for i, d := range dims {
				shape[i] = int(d)
			}
			group.weights = append(group.weights, weightSpec{name: name, shape: shape})
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (w weightSpec) size() int {
	n := 1
	for _, d := range w.shape {
		n *= d
	}
	return n
}

// readWeights concatenates each group's shards and slices them into named
// little-endian float32 tensors.
func readWeights(ctx context.Context, dir string, groups []weightGroup) (map[string][]float32, error) {
	out := make(map[string][]float32)
	for gi, group := range groups {
		var buf []byte
		for _, p := range group.paths {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			shard, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
			if err != nil {
				return nil, fmt.Errorf("read weight shard: %w", err)
			}
			buf = append(buf, shard...)
		}

		offset := 0
		for _, w := range group.weights {
			n := w.size()
			end := offset + n*4
			if end > len(buf) {
				return nil, fmt.Errorf("weight group %d: shard data too short for %q", gi, w.name)
			}
			values := make([]float32, n)
			for i := range values {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[offset+i*4:]))
			}
			out[w.name] = values
			offset = end
		}
		if offset != len(buf) {
			return nil, fmt.Errorf("weight group %d: %d trailing bytes", gi, len(buf)-offset)
		}
	}
	return out, nil
}

// lookupWeight matches "layer/kernel" exactly or with a model-name prefix.
func lookupWeight(weights map[string][]float32, layer, kind string) ([]float32, bool) {
	key := layer + "/" + kind
	if w, ok := weights[key]; ok {
		return w, true
	}
	for name, w := range weights {
		if strings.HasSuffix(name, "/"+key) {
			return w, true
		}
	}
	return nil, false
}

func assemble(specs []layerSpec, declaredInput int, weights map[string][]float32) (*network, error) {
	net := &network{inputSize: -1}
	prev := declaredInput

	for _, spec := range specs {
		kernel, ok := lookupWeight(weights, spec.name, "kernel")
		if !ok {
			return nil, fmt.Errorf("missing kernel for layer %q", spec.name)
		}
		if len(kernel)%spec.units != 0 {
			return nil, fmt.Errorf("layer %q: kernel size %d not divisible by %d units", spec.name, len(kernel), spec.units)
		}
		in := len(kernel) / spec.units
		if in == 0 {
			return nil, fmt.Errorf("layer %q has an empty kernel", spec.name)
		}
		if prev >= 0 && in != prev {
			return nil, fmt.Errorf("layer %q expects %d inputs, previous layer gives %d", spec.name, in, prev)
		}

		bias := make([]float32, spec.units)
		if spec.useBias {
			b, ok := lookupWeight(weights, spec.name, "bias")
			if !ok {
				return nil, fmt.Errorf("missing bias for layer %q", spec.name)
			}
			if len(b) != spec.units {
				return nil, fmt.Errorf("layer %q: bias has %d values, want %d", spec.name, len(b), spec.units)
			}
			copy(bias, b)
		}

		if net.inputSize < 0 {
			net.inputSize = in
		}
		net.layers = append(net.layers, dense{
			name:       spec.name,
			in:         in,
			units:      spec.units,
			weights:    transpose(kernel, in, spec.units),
			bias:       bias,
			activation: spec.activation,
		})
		net.scratch = append(net.scratch, make([]float32, spec.units))
		prev = spec.units
	}
	return net, nil
}

func (n *network) outputSize() int {
	return n.layers[len(n.layers)-1].units
}

// transpose turns a row-major [in][units] kernel into a blas32.General with
// units rows.
func transpose(kernel []float32, in, units int) blas32.General {
	data := make([]float32, len(kernel))
	for i := range in {
		for j := range units {
			data[j*in+i] = kernel[i*units+j]
		}
	}
	return blas32.General{Rows: units, Cols: in, Stride: in, Data: data}
}

// forward runs the stack on in and copies the last activation into out.
// Callers serialize access to the scratch buffers.
func (n *network) forward(in, out []float32) {
	x := in
	for li := range n.layers {
		l := &n.layers[li]
		y := n.scratch[li]
		copy(y, l.bias)
		// y = W·x + y. Zero inputs are not skipped so 0·Inf stays NaN.
		blas32.Gemv(blas.NoTrans, 1, l.weights,
			blas32.Vector{N: l.in, Inc: 1, Data: x[:l.in]},
			1, blas32.Vector{N: l.units, Inc: 1, Data: y})
		l.activation.apply(y)
		x = y
	}
	copy(out, x)
}
