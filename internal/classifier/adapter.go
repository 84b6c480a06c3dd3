package classifier

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/features"
	"github.com/tphakala/pulsecheck/internal/logger"
)

// DefaultRetryBase is the first backoff delay between load attempts.
const DefaultRetryBase = 200 * time.Millisecond

// Adapter owns a Backend and drives it through the load state machine:
// Unloaded -> Loading -> Ready or Failed. Classify is valid only in Ready.
type Adapter struct {
	backend   Backend
	path      string
	timeout   time.Duration
	retries   int
	retryBase time.Duration
	log       logger.Logger

	state atomic.Int32

	mu      sync.Mutex
	loadErr error
	done    chan struct{} // closed when the current load attempt settles
	closed  bool

	loads    sync.WaitGroup
	inflight sync.WaitGroup
	slot     chan struct{} // held for the whole backend call, including abandoned ones

	inputs  sync.Pool
	outputs sync.Pool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the per-inference deadline.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLoadRetries sets how many extra attempts one Load call may make.
func WithLoadRetries(n int) Option {
	return func(a *Adapter) { a.retries = max(0, n) }
}

// WithRetryBase sets the initial exponential backoff delay between attempts.
func WithRetryBase(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.retryBase = d
		}
	}
}

// WithLogger overrides the package logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// WithModelPath records the artifact path for logs and error context.
func WithModelPath(path string) Option {
	return func(a *Adapter) { a.path = path }
}

// NewAdapter wraps backend in an unloaded adapter.
func NewAdapter(backend Backend, opts ...Option) *Adapter {
	a := &Adapter{
		backend:   backend,
		timeout:   conf.DefaultModelTimeout,
		retryBase: DefaultRetryBase,
		log:       GetLogger(),
		done:      make(chan struct{}),
		slot:      make(chan struct{}, 1),
	}
	a.inputs.New = func() any {
		buf := make([]float32, InputSize)
		return &buf
	}
	a.outputs.New = func() any {
		buf := make([]float32, NumClasses)
		return &buf
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFromSettings builds the configured backend and wraps it in an adapter.
func NewFromSettings(settings *conf.ModelSettings, opts ...Option) (*Adapter, error) {
	backend, err := NewBackend(settings)
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithTimeout(settings.Timeout),
		WithLoadRetries(settings.LoadRetries),
		WithModelPath(settings.Path),
	}
	return NewAdapter(backend, append(base, opts...)...), nil
}

// State returns the current lifecycle state without blocking.
func (a *Adapter) State() State {
	return State(a.state.Load())
}

// Err returns the reason for the last failed load, or nil.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadErr
}

// BackendName reports which backend serves inference.
func (a *Adapter) BackendName() string {
	return a.backend.Name()
}

// Timeout returns the per-inference deadline.
func (a *Adapter) Timeout() time.Duration {
	return a.timeout
}

// Load starts loading the model in the background and returns immediately.
// It is a no-op while Loading or Ready. From Failed it starts a fresh
// attempt.
func (a *Adapter) Load(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	switch a.State() {
	case StateLoading, StateReady:
		return
	case StateFailed:
		a.done = make(chan struct{})
	}

	a.loadErr = nil
	a.state.Store(int32(StateLoading))
	done := a.done

	a.loads.Go(func() {
		a.runLoad(ctx, done)
	})
}

func (a *Adapter) runLoad(ctx context.Context, done chan struct{}) {
	start := time.Now()
	err := a.loadWithRetry(ctx)

	a.mu.Lock()
	if err != nil {
		a.loadErr = errors.New(fmt.Errorf("%w: %w", ErrModelLoadFailed, err)).
			Component("classifier").
			Category(errors.CategoryModelLoad).
			ModelContext(a.path, a.backend.Name()).
			Timing("model-load", time.Since(start)).
			Build()
		a.state.Store(int32(StateFailed))
	} else {
		a.state.Store(int32(StateReady))
	}
	close(done)
	a.mu.Unlock()

	if err != nil {
		a.log.Error("model load failed",
			logger.String("backend", a.backend.Name()),
			logger.String("path", a.path),
			logger.Error(err),
			logger.Duration("elapsed", time.Since(start)))
		return
	}
	a.log.Info("model loaded",
		logger.String("backend", a.backend.Name()),
		logger.String("path", a.path),
		logger.Duration("elapsed", time.Since(start)))
}

func (a *Adapter) loadWithRetry(ctx context.Context) error {
	if a.retries == 0 {
		return a.backend.Load(ctx)
	}

	attempt := 0
	b := retry.WithMaxRetries(uint64(a.retries), retry.NewExponential(a.retryBase)) //nolint:gosec // G115: retries clamped to >= 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := a.backend.Load(ctx); err != nil {
			a.log.Warn("model load attempt failed",
				logger.Int("attempt", attempt),
				logger.Int("max_attempts", a.retries+1),
				logger.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Wait blocks until the current load attempt settles or ctx ends. It
// returns the load error when the model failed to load.
func (a *Adapter) Wait(ctx context.Context) error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()

	if a.State() == StateUnloaded {
		return ErrNotReady
	}

	select {
	case <-done:
		return a.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Classify runs one inference on v. It fails with ErrNotReady unless the
// model is Ready, and with ErrTimeout when the backend exceeds the deadline.
func (a *Adapter) Classify(ctx context.Context, v features.Vector) (Probabilities, error) {
	if a.State() != StateReady {
		return Probabilities{}, notReady(a.State().String())
	}
	if !v.Finite() {
		return Probabilities{}, a.inferenceError(fmt.Errorf("%w: non-finite feature vector", ErrInferenceFailed), 0)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		probs Probabilities
		err   error
	}
	ch := make(chan result, 1)
	start := time.Now()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return Probabilities{}, notReady("closed")
	}
	a.inflight.Add(1)
	a.mu.Unlock()

	// One backend call at a time. A call abandoned on timeout keeps the slot
	// until the backend returns, so later callers time out without piling up.
	select {
	case a.slot <- struct{}{}:
	case <-ctx.Done():
		a.inflight.Done()
		return Probabilities{}, a.deadlineError(ctx.Err(), start)
	}

	go func() {
		defer a.inflight.Done()
		defer func() { <-a.slot }()
		in := a.inputs.Get().(*[]float32)
		defer a.inputs.Put(in)
		out := a.outputs.Get().(*[]float32)
		defer a.outputs.Put(out)

		v.PutFloat32s(*in)
		clear(*out)

		var r result
		if err := a.backend.Predict(*in, *out); err != nil {
			r.err = fmt.Errorf("%w: %w", ErrInferenceFailed, err)
		} else {
			r.probs, r.err = normalize(*out)
		}
		ch <- r
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return Probabilities{}, a.inferenceError(r.err, time.Since(start))
		}
		return r.probs, nil
	case <-ctx.Done():
		return Probabilities{}, a.deadlineError(ctx.Err(), start)
	}
}

func (a *Adapter) deadlineError(err error, start time.Time) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.New(fmt.Errorf("%w after %s: %w", ErrTimeout, a.timeout, ErrInferenceFailed)).
			Component("classifier").
			Category(errors.CategoryTimeout).
			Context("backend", a.backend.Name()).
			Timing("inference", time.Since(start)).
			Build()
	}
	return a.inferenceError(fmt.Errorf("%w: %w", ErrInferenceFailed, err), time.Since(start))
}

func notReady(state string) error {
	return errors.New(ErrNotReady).
		Component("classifier").
		Category(errors.CategoryState).
		Priority(errors.PriorityLow).
		Context("state", state).
		Build()
}

func (a *Adapter) inferenceError(err error, elapsed time.Duration) error {
	return errors.New(err).
		Component("classifier").
		Category(errors.CategoryInference).
		Context("backend", a.backend.Name()).
		Timing("inference", elapsed).
		Build()
}

// Close waits for pending loads and inferences, then releases the backend.
// The adapter returns to Unloaded and cannot be loaded again.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.loads.Wait()
	a.inflight.Wait()

	a.state.Store(int32(StateUnloaded))
	if err := a.backend.Close(); err != nil {
		return errors.New(err).
			Component("classifier").
			Category(errors.CategorySystem).
			Context("backend", a.backend.Name()).
			Build()
	}
	return nil
}
