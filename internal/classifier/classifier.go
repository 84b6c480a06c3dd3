// Package classifier wraps a pretrained signal-quality model behind a small
// load state machine and a bounded, pooled inference call.
package classifier

import (
	"fmt"
	"math"

	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/features"
)

// InputSize is the number of values the model consumes per inference.
const InputSize = features.Count

// NumClasses is the number of probabilities the model produces.
const NumClasses = 3

// Class indices in canonical model output order.
const (
	ClassBad = iota
	ClassAcceptable
	ClassExcellent
)

// ClassNames maps class indices to their labels.
var ClassNames = [NumClasses]string{"bad", "acceptable", "excellent"}

// Probabilities holds one probability per class, indexed by the Class constants.
type Probabilities [NumClasses]float64

// Argmax returns the index of the largest probability. Ties resolve to the
// lowest index.
func (p Probabilities) Argmax() int {
	best := 0
	for i := 1; i < NumClasses; i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}

// Map returns the probabilities keyed by class name.
func (p Probabilities) Map() map[string]float64 {
	out := make(map[string]float64, NumClasses)
	for i, name := range ClassNames {
		out[name] = p[i]
	}
	return out
}

// State is the model lifecycle state.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Sentinel errors. Errors returned by the adapter wrap one of these.
var (
	ErrModelLoadFailed = errors.NewStd("model load failed")
	ErrNotReady        = errors.NewStd("classifier not ready")
	ErrInferenceFailed = errors.NewStd("inference failed")
	ErrTimeout         = errors.NewStd("inference timed out")
)

// normalize validates raw model output and rescales it to sum to one.
func normalize(out []float32) (Probabilities, error) {
	var p Probabilities
	if len(out) != NumClasses {
		return p, fmt.Errorf("%w: expected %d outputs, got %d", ErrInferenceFailed, NumClasses, len(out))
	}

	var sum float64
	for i, f := range out {
		x := float64(f)
		if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
			return Probabilities{}, fmt.Errorf("%w: invalid output %v at index %d", ErrInferenceFailed, f, i)
		}
		p[i] = x
		sum += x
	}
	if sum <= 0 {
		return Probabilities{}, fmt.Errorf("%w: output sums to zero", ErrInferenceFailed)
	}

	for i := range p {
		p[i] /= sum
	}
	return p, nil
}
