package classifier

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
)

// Backend runs a loaded model. Predict receives InputSize values and must
// fill exactly NumClasses outputs. Implementations serialize access to
// their interpreter state themselves.
type Backend interface {
	Load(ctx context.Context) error
	Predict(in, out []float32) error
	Close() error
	Name() string
}

// BackendFactory builds an unloaded backend from model settings.
type BackendFactory func(settings *conf.ModelSettings) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend makes a backend available to NewBackend under name.
// Backend packages call it from init.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if factory == nil {
		panic("classifier: RegisterBackend factory is nil")
	}
	backends[name] = factory
}

// Backends returns the registered backend names in sorted order.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NewBackend selects the backend named by settings.Backend.
func NewBackend(settings *conf.ModelSettings) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[settings.Backend]
	backendsMu.RUnlock()

	if !ok {
		return nil, errors.New(fmt.Errorf("%w: unknown backend %q", ErrModelLoadFailed, settings.Backend)).
			Component("classifier").
			Category(errors.CategoryConfiguration).
			Context("registered", Backends()).
			Build()
	}

	b, err := factory(settings)
	if err != nil {
		return nil, errors.New(fmt.Errorf("%w: %w", ErrModelLoadFailed, err)).
			Component("classifier").
			Category(errors.CategoryModelInit).
			ModelContext(settings.Path, settings.Backend).
			Build()
	}
	return b, nil
}
