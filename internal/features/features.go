// Package features computes the fixed 15-value statistical and spectral
// descriptor of a waveform window used as classifier input.
package features

import (
	"math"
	"slices"
)

// Count is the length of every feature vector.
const Count = 15

// Epsilon guards every division and logarithm.
const Epsilon = 1e-7

// Feature indices in canonical order.
const (
	Mean = iota
	Std
	Median
	Variance
	Skewness
	Kurtosis
	Range
	ZeroCrossings
	RMS
	IQR
	MAD
	SpectralEnergy
	SpectralEntropy
	Peaks
	SNR
)

// Names lists the feature names in vector order.
var Names = [Count]string{
	"mean",
	"std",
	"median",
	"variance",
	"skewness",
	"kurtosis",
	"range",
	"zero_crossings",
	"rms",
	"iqr",
	"mad",
	"spectral_energy",
	"spectral_entropy",
	"peaks",
	"snr_db",
}

// Vector is the feature vector for one window. It is a value type; copies
// never alias.
type Vector [Count]float64

// Float32s converts the vector to model input precision.
func (v Vector) Float32s() []float32 {
	out := make([]float32, Count)
	v.PutFloat32s(out)
	return out
}

// PutFloat32s writes the vector into dst, which must hold at least Count values.
func (v Vector) PutFloat32s(dst []float32) {
	for i, f := range v {
		dst[i] = float32(f)
	}
}

// Finite reports whether every entry is neither NaN nor infinite.
func (v Vector) Finite() bool {
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Map returns the vector keyed by feature name.
func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, Count)
	for i, name := range Names {
		out[name] = v[i]
	}
	return out
}

// Extract computes the feature vector of samples. An empty input yields the
// zero vector. The input slice is not modified.
func Extract(samples []float64) Vector {
	var v Vector
	n := len(samples)
	if n == 0 {
		return v
	}
	nf := float64(n)

	var sum, sumSq float64
	lo, hi := samples[0], samples[0]
	for _, x := range samples {
		sum += x
		sumSq += x * x
		lo = min(lo, x)
		hi = max(hi, x)
	}
	mean := sum / nf

	var m2, m3, m4 float64
	for _, x := range samples {
		d := x - mean
		d2 := d * d
		m2 += d2
		m3 += d2 * d
		m4 += d2 * d2
	}
	variance := m2 / nf
	std := math.Sqrt(variance)

	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	median := sorted[n/2]

	v[Mean] = mean
	v[Std] = std
	v[Median] = median
	v[Variance] = variance
	if std >= Epsilon {
		v[Skewness] = m3 / (nf * std * std * std)
		v[Kurtosis] = m4/(nf*variance*variance) - 3
	}
	v[Range] = hi - lo
	v[ZeroCrossings] = float64(zeroCrossings(samples))
	v[RMS] = math.Sqrt(sumSq / nf)
	v[IQR] = sorted[int(0.75*nf)] - sorted[int(0.25*nf)]
	v[MAD] = meanAbsDeviation(samples, median)
	v[SpectralEnergy], v[SpectralEntropy] = spectralFeatures(samples)
	v[Peaks] = float64(peakCount(samples))
	v[SNR] = snrDB(mean, variance)

	return v
}

// zeroCrossings counts adjacent pairs whose product is negative.
func zeroCrossings(samples []float64) int {
	count := 0
	for i := 1; i < len(samples); i++ {
		if samples[i-1]*samples[i] < 0 {
			count++
		}
	}
	return count
}

func meanAbsDeviation(samples []float64, center float64) float64 {
	var acc float64
	for _, x := range samples {
		acc += math.Abs(x - center)
	}
	return acc / float64(len(samples))
}

// peakCount counts interior samples strictly greater than both neighbours.
// Flat-topped peaks are not counted.
func peakCount(samples []float64) int {
	count := 0
	for i := 1; i < len(samples)-1; i++ {
		if samples[i] > samples[i-1] && samples[i] > samples[i+1] {
			count++
		}
	}
	return count
}

// snrDB is 10*log10((mean^2 + eps) / variance), or 0 for a flat signal.
func snrDB(mean, variance float64) float64 {
	if variance < Epsilon {
		return 0
	}
	return 10 * math.Log10((mean*mean+Epsilon)/variance)
}
