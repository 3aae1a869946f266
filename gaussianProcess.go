package hypertune

import (
	"math"
	"sync"
)

//////
// Const, vars, types.
//////

// gaussianProcess is a kernel regression surrogate over points of the unit
// cube. It predicts the (normalized) objective of untested hyperparameter
// values from the trials observed so far.
//
// Fields:
// - mu: RWMutex for thread-safe access to all fields
// - X: Observed points, each a unit-cube encoding of trial values
// - Y: Observed surrogate values (lower is better)
// - sigma: Kernel width controlling the smoothness of interpolation
//
// Thread safety:
// - Uses RLock for Predict, Lock for Update and SetSigma
type gaussianProcess struct {
	mu sync.RWMutex

	X [][]float64
	Y []float64

	sigma float64
}

//////
// Methods.
//////

// rbf implements the Radial Basis Function kernel:
//
//	k(x1, x2) = exp(-sum((x1 - x2)^2) / (2 * sigma^2))
//
// Returns 1.0 for identical points and values close to 0.0 for distant ones.
// The caller must hold the lock.
func (gp *gaussianProcess) rbf(x1, x2 []float64) float64 {
	var sum float64

	for i := range x1 {
		diff := x1[i] - x2[i]

		sum += diff * diff
	}

	return math.Exp(-sum / (2 * gp.sigma * gp.sigma))
}

// Predict estimates the surrogate value and uncertainty at x.
//
// Mathematical details:
//   - The mean is the kernel-weighted average of the observations, shrunk
//     towards the average observation where no point is close
//   - The variance is 1 minus the squared average kernel similarity
//   - Returns (0, 1) if no observations exist
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	n := len(gp.X)
	if n == 0 {
		return 0, 1
	}

	var prior float64
	for _, y := range gp.Y {
		prior += y
	}

	prior /= float64(n)

	var wsum, ysum float64
	for i := range gp.X {
		k := gp.rbf(x, gp.X[i])
		wsum += k
		ysum += k * gp.Y[i]
	}

	// One unit of prior weight keeps far-away predictions at the average.
	mean = (ysum + prior) / (wsum + 1)

	similarity := wsum / float64(n)
	variance = math.Max(1-similarity*similarity, minVariance)

	return mean, variance
}

// Update adds an observation. x is copied.
func (gp *gaussianProcess) Update(x []float64, y float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	newX := make([]float64, len(x))
	copy(newX, x)

	gp.X = append(gp.X, newX)
	gp.Y = append(gp.Y, y)
}

// SetSigma updates the kernel width. Larger values give smoother
// interpolation; no validation is done.
func (gp *gaussianProcess) SetSigma(sigma float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.sigma = sigma
}

// GetSigma returns the current kernel width.
func (gp *gaussianProcess) GetSigma() float64 {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return gp.sigma
}

//////
// Factory.
//////

// newGaussianProcess returns an empty surrogate. The default kernel width
// suits inputs normalized to the unit cube.
func newGaussianProcess() *gaussianProcess {
	return &gaussianProcess{
		sigma: 0.2,
	}
}
