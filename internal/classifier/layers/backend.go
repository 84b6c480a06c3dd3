// Package layers runs dense feed-forward networks exported in the layers
// JSON format (model.json plus little-endian float32 weight shards) without
// any native runtime.
package layers

import (
	"context"
	"fmt"
	"sync"

	"github.com/tphakala/pulsecheck/internal/classifier"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
)

// Name is the backend identifier used in model.backend.
const Name = "layers"

func init() {
	classifier.RegisterBackend(Name, func(s *conf.ModelSettings) (classifier.Backend, error) {
		return New(s.Path), nil
	})
}

// Backend evaluates a layers-format model.
type Backend struct {
	path string

	mu  sync.Mutex
	net *network
}

// New returns an unloaded backend for the model.json at path.
func New(path string) *Backend {
	return &Backend{path: path}
}

// Name implements classifier.Backend.
func (b *Backend) Name() string { return Name }

// Load reads and validates the model. The network must take
// classifier.InputSize inputs and produce classifier.NumClasses outputs.
func (b *Backend) Load(ctx context.Context) error {
	net, err := readNetwork(ctx, b.path)
	if err != nil {
		return errors.New(fmt.Errorf("%w: %w", classifier.ErrModelLoadFailed, err)).
			Component("classifier.layers").
			Category(errors.CategoryModelLoad).
			ModelContext(b.path, Name).
			Build()
	}

	if net.inputSize != classifier.InputSize || net.outputSize() != classifier.NumClasses {
		return errors.New(fmt.Errorf("%w: model shape 1x%d -> 1x%d, want 1x%d -> 1x%d",
			classifier.ErrModelLoadFailed, net.inputSize, net.outputSize(), classifier.InputSize, classifier.NumClasses)).
			Component("classifier.layers").
			Category(errors.CategoryModelInit).
			ModelContext(b.path, Name).
			Build()
	}

	b.mu.Lock()
	b.net = net
	b.mu.Unlock()

	GetLogger().Debug("layers model parsed",
		logger.String("path", b.path),
		logger.Int("layers", len(net.layers)))
	return nil
}

// Predict implements classifier.Backend.
func (b *Backend) Predict(in, out []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.net == nil {
		return fmt.Errorf("layers model not loaded")
	}
	if len(in) != b.net.inputSize {
		return fmt.Errorf("input has %d values, model expects %d", len(in), b.net.inputSize)
	}
	if len(out) != b.net.outputSize() {
		return fmt.Errorf("output has room for %d values, model produces %d", len(out), b.net.outputSize())
	}

	b.net.forward(in, out)
	return nil
}

// Close releases the weights.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.net = nil
	b.mu.Unlock()
	return nil
}
