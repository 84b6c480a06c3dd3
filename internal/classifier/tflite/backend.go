// Package tflite serves the quality model from a TensorFlow Lite flatbuffer
// through the tensorflowlite_c runtime.
package tflite

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/tphakala/go-tflite"

	"github.com/tphakala/pulsecheck/internal/classifier"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
)

// Name is the backend identifier used in model.backend.
const Name = "tflite"

func init() {
	classifier.RegisterBackend(Name, func(s *conf.ModelSettings) (classifier.Backend, error) {
		return New(s.Path, s.Threads), nil
	})
}

// Backend wraps a single TFLite interpreter.
type Backend struct {
	path    string
	threads int

	mu          sync.Mutex
	interpreter *tflite.Interpreter
}

// New returns an unloaded backend. threads <= 0 uses every CPU.
func New(path string, threads int) *Backend {
	return &Backend{path: path, threads: threads}
}

// Name implements classifier.Backend.
func (b *Backend) Name() string { return Name }

// determineThreadCount caps the configured thread count at the CPU count.
func determineThreadCount(configured int) int {
	cpus := runtime.NumCPU()
	if configured <= 0 || configured > cpus {
		return cpus
	}
	return configured
}

// Load reads the flatbuffer, allocates tensors and checks the 1x15 input
// and 1x3 output shapes.
func (b *Backend) Load(ctx context.Context) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}

	modelData, err := os.ReadFile(b.path)
	if err != nil {
		return b.loadError(errors.CategoryModelLoad, fmt.Errorf("read model: %w", err), start)
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return b.loadError(errors.CategoryModelInit, fmt.Errorf("cannot load TensorFlow Lite model"), start)
	}

	threads := determineThreadCount(b.threads)
	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ any) {
		GetLogger().Error("TFLite error", logger.String("message", msg))
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		return b.loadError(errors.CategoryModelInit, fmt.Errorf("cannot create interpreter"), start)
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		return b.loadError(errors.CategoryModelInit, fmt.Errorf("tensor allocation failed: %v", status), start)
	}

	if err := validateShapes(interpreter); err != nil {
		interpreter.Delete()
		return b.loadError(errors.CategoryModelInit, err, start)
	}

	b.mu.Lock()
	old := b.interpreter
	b.interpreter = interpreter
	b.mu.Unlock()
	if old != nil {
		old.Delete()
	}

	// The interpreter keeps its own copy of the model
	runtime.GC()

	GetLogger().Info("TFLite model initialized",
		logger.String("path", b.path),
		logger.Int("threads", threads),
		logger.Int("total_cpus", runtime.NumCPU()))
	return nil
}

func validateShapes(interpreter *tflite.Interpreter) error {
	input := interpreter.GetInputTensor(0)
	if input == nil {
		return fmt.Errorf("cannot get input tensor")
	}
	if dims := input.NumDims(); dims < 1 || input.Dim(dims-1) != classifier.InputSize {
		return fmt.Errorf("input tensor has shape %s, want 1x%d", shapeOf(input), classifier.InputSize)
	}

	output := interpreter.GetOutputTensor(0)
	if output == nil {
		return fmt.Errorf("cannot get output tensor")
	}
	if dims := output.NumDims(); dims < 1 || output.Dim(dims-1) != classifier.NumClasses {
		return fmt.Errorf("output tensor has shape %s, want 1x%d", shapeOf(output), classifier.NumClasses)
	}
	return nil
}

func shapeOf(t *tflite.Tensor) string {
	s := ""
	for i := range t.NumDims() {
		if i > 0 {
			s += "x"
		}
		s += fmt.Sprint(t.Dim(i))
	}
	return s
}

func (b *Backend) loadError(category errors.ErrorCategory, err error, start time.Time) error {
	return errors.New(fmt.Errorf("%w: %w", classifier.ErrModelLoadFailed, err)).
		Component("classifier.tflite").
		Category(category).
		ModelContext(b.path, Name).
		Context("threads", b.threads).
		Timing("model-load", time.Since(start)).
		Build()
}

// Predict copies in to the input tensor, invokes the interpreter and copies
// the output tensor to out.
func (b *Backend) Predict(in, out []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.interpreter == nil {
		return fmt.Errorf("tflite model not loaded")
	}

	inputTensor := b.interpreter.GetInputTensor(0)
	if inputTensor == nil {
		return fmt.Errorf("cannot get input tensor")
	}
	dst := inputTensor.Float32s()
	if len(dst) != len(in) {
		return fmt.Errorf("input tensor holds %d values, got %d", len(dst), len(in))
	}
	copy(dst, in)

	if status := b.interpreter.Invoke(); status != tflite.OK {
		return fmt.Errorf("tensor invoke failed: %v", status)
	}

	outputTensor := b.interpreter.GetOutputTensor(0)
	if outputTensor == nil {
		return fmt.Errorf("cannot get output tensor")
	}
	predictions := outputTensor.Float32s()
	if len(predictions) != len(out) {
		return fmt.Errorf("output tensor holds %d values, want %d", len(predictions), len(out))
	}
	copy(out, predictions)
	return nil
}

// Close deletes the interpreter.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interpreter != nil {
		b.interpreter.Delete()
		b.interpreter = nil
	}
	return nil
}
