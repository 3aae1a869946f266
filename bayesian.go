package hypertune

import (
	"fmt"
	"math"
)

// BayesianConfig configures the Bayesian optimization oracle.
//
// Recommended settings:
//   - InitialPoints: 3-10 (more = better initial surrogate)
//   - NumCandidates: 50-500 (more = better search but slower trial creation)
//
// Usage example:
//
//	oracle, err := NewBayesian(BayesianConfig{
//	    OracleConfig: OracleConfig{
//	        Objective: NewObjective("val_accuracy", DirectionMax),
//	        MaxTrials: 20,
//	    },
//	    AcquisitionFunc: ExpectedImprovement,
//	})
type BayesianConfig struct {
	OracleConfig

	// InitialPoints is the number of random trials before the surrogate is
	// used. Defaults to 3.
	InitialPoints int

	// NumCandidates is the number of random points scored by the acquisition
	// function per trial. Defaults to 100.
	NumCandidates int

	// AcquisitionFunc defaults to UCB.
	AcquisitionFunc AcquisitionFunc

	// AcqParams holds the parameters for the acquisition function. A zero
	// Beta defaults to 2.0.
	AcqParams AcquisitionParams
}

// Bayesian fits a Gaussian process surrogate to the completed trials and
// picks the random candidate that minimizes the acquisition function.
type Bayesian struct {
	*baseOracle

	initialPoints int
	numCandidates int
	acquisition   AcquisitionFunc
	params        AcquisitionParams
}

// NewBayesian validates cfg and returns a Bayesian optimization oracle.
// MaxTrials is required.
func NewBayesian(cfg BayesianConfig) (*Bayesian, error) {
	if cfg.MaxTrials <= 0 {
		return nil, fmt.Errorf("%w: bayesian optimization needs max trials > 0", ErrInvalidConfig)
	}

	if cfg.InitialPoints <= 0 {
		cfg.InitialPoints = 3
	}

	if cfg.NumCandidates <= 0 {
		cfg.NumCandidates = 100
	}

	if cfg.AcquisitionFunc == nil {
		cfg.AcquisitionFunc = UCB
	}

	if cfg.AcqParams.Beta == 0 {
		cfg.AcqParams.Beta = 2.0
	}

	base, err := newBaseOracle("bayesian", cfg.OracleConfig)
	if err != nil {
		return nil, err
	}

	if cfg.AcqParams.RandomState == nil {
		cfg.AcqParams.RandomState = base.rng
	}

	o := &Bayesian{
		baseOracle:    base,
		initialPoints: cfg.InitialPoints,
		numCandidates: cfg.NumCandidates,
		acquisition:   cfg.AcquisitionFunc,
		params:        cfg.AcqParams,
	}
	o.populate = o.populateSpace

	return o, nil
}

func (o *Bayesian) populateSpace(string) (TrialStatus, Values) {
	done := o.bestTrialsLocked(0)
	if len(done) < o.initialPoints || len(o.space) == 0 {
		return o.randomOrStop()
	}

	gp, best := o.fit(done)

	params := o.params
	params.BestSoFar = best

	var (
		next    Values
		nextAcq = math.MaxFloat64
	)

	for i := 0; i < o.numCandidates; i++ {
		candidate := randomValues(o.space, o.rng)
		if _, seen := o.tried[hashValues(candidate)]; seen {
			continue
		}

		mean, variance := gp.Predict(toUnitVector(o.space, candidate))
		if acq := o.acquisition(mean, variance, params); acq < nextAcq {
			next, nextAcq = candidate, acq
		}
	}

	if next == nil {
		return o.randomOrStop()
	}

	o.markTriedLocked(next)

	return TrialRunning, next
}

func (o *Bayesian) randomOrStop() (TrialStatus, Values) {
	values := o.randomValuesLocked()
	if values == nil {
		return TrialStopped, nil
	}

	return TrialRunning, values
}

// fit builds a surrogate from completed trials. Scores are turned into a
// standardized quantity to minimize; best is its lowest observed value.
func (o *Bayesian) fit(done []*Trial) (*gaussianProcess, float64) {
	ys := make([]float64, len(done))

	var mean float64
	for i, t := range done {
		ys[i] = t.Score
		if o.objective.Direction == DirectionMax {
			ys[i] = -t.Score
		}

		mean += ys[i]
	}

	mean /= float64(len(ys))

	var std float64
	for _, y := range ys {
		std += (y - mean) * (y - mean)
	}

	std = math.Sqrt(std / float64(len(ys)))
	if std == 0 {
		std = 1
	}

	gp := newGaussianProcess()
	best := math.MaxFloat64

	for i, t := range done {
		y := (ys[i] - mean) / std
		gp.Update(toUnitVector(o.space, t.Values), y)
		best = math.Min(best, y)
	}

	return gp, best
}

// State exports the oracle state.
func (o *Bayesian) State() (OracleState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state(), nil
}

// Restore reloads a state saved by State.
func (o *Bayesian) Restore(state OracleState, trials []*Trial) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.restore(state, trials)
}
