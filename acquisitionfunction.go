package hypertune

import "math"

//////
// Acquisition functions for the Bayesian optimization oracle.
// The surrogate is always minimized, so every function returns lower
// values for more promising points.
//////

// minVariance keeps the acquisition functions away from a zero sigma.
const minVariance = 1e-12

// UCB implements the (lower) confidence bound acquisition function.
//
// How it works:
// - Combines the predicted mean with the uncertainty (variance)
// - The Beta parameter controls the trade-off between exploration and exploitation
//
// Example:
//
//	params := AcquisitionParams{Beta: 2.0}
//	value := UCB(0.5, 0.2, params)
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(math.Max(variance, 0))
}

// ProbabilityOfImprovement (PI) returns the negated probability that a point
// improves on params.BestSoFar by at least params.Xi.
//
// When to use:
// - When you want to be conservative in exploring new points
// - When being "probably better" matters more than "how much better"
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(math.Max(variance, minVariance))
	z := (params.BestSoFar - mean - params.Xi) / sigma

	return -normalCDF(z)
}

// ExpectedImprovement (EI) returns the negated expected improvement over
// params.BestSoFar.
//
// How it works:
// - Combines the probability of improvement with the magnitude of improvement
// - Often provides better exploration than PI
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(math.Max(variance, minVariance))
	imp := params.BestSoFar - mean - params.Xi
	z := imp / sigma

	return -(imp*normalCDF(z) + sigma*normalPDF(z))
}

// ThompsonSampling draws a random sample from the posterior at the point.
//
// Warning:
// - params.RandomState must not be nil
// - Don't share RandomState between different oracles.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(math.Max(variance, 0))*params.RandomState.NormFloat64()
}

// normalCDF is the cumulative distribution function of the standard normal
// distribution.
func normalCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// normalPDF is the probability density function of the standard normal
// distribution.
func normalPDF(x float64) float64 {
	return math.Exp(-x*x/2.0) / math.Sqrt(2.0*math.Pi)
}
