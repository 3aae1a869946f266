package hypertune

import "fmt"

// RandomSearch draws independent random values until MaxTrials is reached or
// the search space is exhausted.
type RandomSearch struct {
	*baseOracle
}

// NewRandomSearch returns a random search oracle. MaxTrials is required.
func NewRandomSearch(cfg OracleConfig) (*RandomSearch, error) {
	if cfg.MaxTrials <= 0 {
		return nil, fmt.Errorf("%w: random search needs max trials > 0", ErrInvalidConfig)
	}

	base, err := newBaseOracle("random", cfg)
	if err != nil {
		return nil, err
	}

	o := &RandomSearch{baseOracle: base}
	o.populate = o.populateSpace

	return o, nil
}

func (o *RandomSearch) populateSpace(string) (TrialStatus, Values) {
	values := o.randomValuesLocked()
	if values == nil {
		return TrialStopped, nil
	}

	return TrialRunning, values
}

// State exports the oracle state.
func (o *RandomSearch) State() (OracleState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state(), nil
}

// Restore reloads a state saved by State.
func (o *RandomSearch) Restore(state OracleState, trials []*Trial) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.restore(state, trials)
}
