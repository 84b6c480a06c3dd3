package layers

import (
	"fmt"
	"math"
)

type activation int

const (
	actLinear activation = iota
	actReLU
	actSigmoid
	actTanh
	actSoftmax
)

func parseActivation(name string) (activation, error) {
	switch name {
	case "", "linear":
		return actLinear, nil
	case "relu":
		return actReLU, nil
	case "sigmoid":
		return actSigmoid, nil
	case "tanh":
		return actTanh, nil
	case "softmax":
		return actSoftmax, nil
	default:
		return 0, fmt.Errorf("unsupported activation %q", name)
	}
}

func (a activation) String() string {
	switch a {
	case actReLU:
		return "relu"
	case actSigmoid:
		return "sigmoid"
	case actTanh:
		return "tanh"
	case actSoftmax:
		return "softmax"
	default:
		return "linear"
	}
}

// apply transforms x in place.
func (a activation) apply(x []float32) {
	switch a {
	case actReLU:
		for i, v := range x {
			x[i] = max(v, 0)
		}
	case actSigmoid:
		for i, v := range x {
			x[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	case actTanh:
		for i, v := range x {
			x[i] = float32(math.Tanh(float64(v)))
		}
	case actSoftmax:
		softmax(x)
	}
}

func softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	peak := x[0]
	for _, v := range x[1:] {
		peak = max(peak, v)
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - peak))
		x[i] = float32(e)
		sum += e
	}
	for i := range x {
		x[i] = float32(float64(x[i]) / sum)
	}
}
