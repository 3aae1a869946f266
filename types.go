package hypertune

import (
	"context"
	"io"
	"math/rand"
	"strings"

	"golang.org/x/exp/constraints"
)

// ProgressUpdate represents the current state of the search process.
type ProgressUpdate struct {
	// Phase is one of "TrialStarted", "TrialCompleted", "TrialInvalid" or
	// "SearchDone".
	Phase string

	// TrialID is the trial the update refers to. Empty for "SearchDone".
	TrialID string

	// Values holds the hyperparameter values of the trial.
	Values Values

	// Score is the trial score, valid once the trial completed.
	Score float64

	// Bracket and Round are the Hyperband coordinates of the trial, -1 for
	// other oracles.
	Bracket int
	Round   int

	// CompletedTrials is the number of trials that reached a final status.
	CompletedTrials int

	// BestTrialID and BestScore describe the best trial found so far.
	BestTrialID string
	BestScore   float64
}

// ParameterRange defines the valid range for a numeric hyperparameter.
//
// Type Parameter:
//   - T: The numeric type for this parameter range (int or float64)
//
// Fields:
// - Min: The minimum (inclusive) value for this hyperparameter
// - Max: The maximum (inclusive) value for this hyperparameter
// - Step: Distance between consecutive admissible values, 0 for continuous
//
// Usage:
//
//	// Hidden units from 32 to 512 in steps of 32
//	units := ParameterRange[int]{Min: 32, Max: 512, Step: 32}
//
// Validation:
// - Min must be less than or equal to Max
// - Step must not be negative
type ParameterRange[T constraints.Integer | constraints.Float] struct {
	Min  T
	Max  T
	Step T
}

// Validate reports whether the range can be sampled.
func (r ParameterRange[T]) Validate() error {
	if r.Min > r.Max {
		return ErrInvalidRange
	}

	if r.Step < 0 {
		return ErrInvalidRange
	}

	return nil
}

// Count returns the number of admissible values of a stepped range, or 0
// for a continuous one.
func (r ParameterRange[T]) Count() int {
	if r.Step == 0 {
		return 0
	}

	return int(float64(r.Max-r.Min)/float64(r.Step)+1e-9) + 1
}

// At returns the i-th admissible value of a stepped range.
func (r ParameterRange[T]) At(i int) T {
	return r.Min + T(i)*r.Step
}

// Direction tells whether the objective is maximized or minimized.
type Direction string

const (
	// DirectionMax maximizes the objective (e.g. accuracy).
	DirectionMax Direction = "max"

	// DirectionMin minimizes the objective (e.g. loss).
	DirectionMin Direction = "min"
)

// Objective names the metric the search optimizes and its direction.
type Objective struct {
	Name      string
	Direction Direction
}

// NewObjective builds an objective, inferring the direction from the metric
// name when direction is empty: accuracy-like metrics are maximized,
// everything else is minimized.
func NewObjective(name string, direction Direction) Objective {
	if direction == "" {
		direction = InferDirection(name)
	}

	return Objective{Name: name, Direction: direction}
}

// InferDirection guesses whether a metric should be maximized.
func InferDirection(metric string) Direction {
	m := strings.ToLower(metric)
	for _, s := range []string{"acc", "auc", "precision", "recall", "f1"} {
		if strings.Contains(m, s) {
			return DirectionMax
		}
	}

	return DirectionMin
}

// Better reports whether a is strictly better than b.
func (o Objective) Better(a, b float64) bool {
	if o.Direction == DirectionMax {
		return a > b
	}

	return a < b
}

// String renders the objective the way summaries print it.
func (o Objective) String() string {
	return "Objective(name='" + o.Name + "', direction='" + string(o.Direction) + "')"
}

// Logs holds the metric values reported at the end of an epoch.
type Logs map[string]float64

// History records the metrics of every epoch of a fit.
type History struct {
	// Epochs holds the zero-based epoch indices, starting at the fit's
	// initial epoch.
	Epochs []int

	// Metrics maps a metric name to one value per entry in Epochs.
	Metrics map[string][]float64
}

// NewHistory returns an empty history.
func NewHistory() History {
	return History{Metrics: map[string][]float64{}}
}

// Append records the logs of one epoch.
func (h *History) Append(epoch int, logs Logs) {
	if h.Metrics == nil {
		h.Metrics = map[string][]float64{}
	}

	h.Epochs = append(h.Epochs, epoch)
	for name, v := range logs {
		h.Metrics[name] = append(h.Metrics[name], v)
	}
}

// Best returns the best value of a metric and the epoch it was seen at.
func (h History) Best(metric string, direction Direction) (value float64, epoch int, ok bool) {
	values := h.Metrics[metric]
	obj := Objective{Name: metric, Direction: direction}

	for i, v := range values {
		if !ok || obj.Better(v, value) {
			value, epoch, ok = v, h.Epochs[i], true
		}
	}

	return value, epoch, ok
}

// Callback is notified at the end of each epoch. Returning stop=true halts
// training after the current epoch.
//
// Callbacks that keep state across epochs should implement Cloner so that
// every fit gets a fresh copy.
type Callback interface {
	OnEpochEnd(epoch int, logs Logs) (stop bool, err error)
}

// Cloner is implemented by stateful callbacks.
type Cloner interface {
	Clone() Callback
}

// FitConfig is what the tuner hands to Model.Fit.
type FitConfig struct {
	// Epochs is the index of the epoch at which training stops (exclusive).
	Epochs int

	// InitialEpoch is the epoch at which training starts. It is non-zero
	// when Hyperband resumes a promoted trial.
	InitialEpoch int

	// Callbacks are invoked after every epoch.
	Callbacks []Callback
}

// Model is a trainable model produced by a HyperModel.
type Model interface {
	Fit(ctx context.Context, cfg FitConfig) (History, error)
}

// Checkpointer is implemented by models whose weights can be saved and
// restored. Hyperband uses it to warm-start promoted trials.
type Checkpointer interface {
	SaveCheckpoint(w io.Writer) error
	LoadCheckpoint(r io.Reader) error
}

// HyperModel builds a model from the given hyperparameters. Calling one of
// the hp methods both registers the parameter in the search space and
// returns its active value.
//
// Usage example:
//
//	hm := func(hp *HyperParameters) (Model, error) {
//	    units := hp.Int("units", 32, 512, 32)
//	    lr := hp.Choice("learning_rate", 1e-2, 1e-3, 1e-4)
//	    return newClassifier(units, lr.(float64)), nil
//	}
type HyperModel func(hp *HyperParameters) (Model, error)

// AcquisitionFunc defines the signature for acquisition functions used in the
// Bayesian optimization oracle. These functions help decide which points in
// the search space should be evaluated next.
//
// Parameters:
// - mean: The predicted mean at a point (lower is better)
// - variance: The predicted variance/uncertainty at that point
// - params: Additional parameters needed by specific acquisition functions
//
// Returns:
// - float64: Acquisition value (lower values indicate more promising points)
//
// Built-in acquisition functions:
// - UCB: Upper Confidence Bound
// - ProbabilityOfImprovement: Probability of finding better value
// - ExpectedImprovement: Expected magnitude of improvement
// - ThompsonSampling: Random sampling from posterior
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds parameters used by different acquisition functions.
type AcquisitionParams struct {
	// Beta controls the exploration-exploitation trade-off in UCB.
	// Typical values range from 0.1 to 5.0, with 2.0 being a good default.
	Beta float64

	// Xi is the minimum improvement over BestSoFar wanted by PI and EI.
	// Typical values range from 0.01 to 0.1.
	Xi float64

	// BestSoFar is the best (lowest) surrogate value seen so far. It is
	// maintained by the oracle.
	BestSoFar float64

	// RandomState is the random number generator used by Thompson Sampling.
	// The oracle fills it in when nil.
	RandomState *rand.Rand
}
