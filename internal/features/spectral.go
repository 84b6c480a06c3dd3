package features

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fftPlan bundles a real FFT plan with its coefficient buffer. Plans are not
// safe for concurrent use, so each extraction borrows one.
type fftPlan struct {
	fft    *fourier.FFT
	coeffs []complex128
}

// maxCachedPlans bounds the number of window lengths with a pooled plan.
// Callers normally use one or two lengths; anything past the cap gets a
// throwaway plan.
const maxCachedPlans = 32

var (
	plansMu sync.Mutex
	plans   = make(map[int]*sync.Pool)
)

// planPool returns the plan pool for length n, or nil once the cache is full
// and n is not already in it.
func planPool(n int) *sync.Pool {
	plansMu.Lock()
	defer plansMu.Unlock()

	pool, ok := plans[n]
	if !ok {
		if len(plans) >= maxCachedPlans {
			return nil
		}
		pool = &sync.Pool{
			New: func() any { return newPlan(n) },
		}
		plans[n] = pool
	}
	return pool
}

func newPlan(n int) *fftPlan {
	return &fftPlan{fft: fourier.NewFFT(n), coeffs: make([]complex128, n/2+1)}
}

// spectralFeatures returns the summed magnitude of the first ceil(n/2) bins
// and the Shannon entropy of the normalised magnitude distribution.
func spectralFeatures(samples []float64) (energy, entropy float64) {
	n := len(samples)
	if n < 2 {
		return magnitudeStats([]complex128{complex(samples[0], 0)})
	}

	var plan *fftPlan
	if pool := planPool(n); pool != nil {
		p, ok := pool.Get().(*fftPlan)
		if !ok {
			p = newPlan(n)
		}
		defer pool.Put(p)
		plan = p
	} else {
		plan = newPlan(n)
	}

	coeffs := plan.fft.Coefficients(plan.coeffs, samples)
	return magnitudeStats(coeffs[:(n+1)/2])
}

func magnitudeStats(bins []complex128) (energy, entropy float64) {
	for _, c := range bins {
		energy += cmplx.Abs(c)
	}
	for _, c := range bins {
		p := cmplx.Abs(c) / (energy + Epsilon)
		if p > 0 {
			entropy -= p * math.Log(p+Epsilon)
		}
	}
	return energy, entropy
}
