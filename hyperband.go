package hypertune

import (
	"encoding/json"
	"fmt"
	"math"
)

// HyperbandConfig configures the Hyperband oracle.
//
// Fields explanation:
// - MaxEpochs: Epochs given to the longest-trained configurations
// - Factor: Reduction factor between rounds (keep the best 1/Factor)
// - HyperbandIterations: Number of full sweeps over all brackets
//
// Usage example:
//
//	oracle, err := NewHyperband(HyperbandConfig{
//	    OracleConfig: OracleConfig{
//	        Objective: NewObjective("val_accuracy", DirectionMax),
//	    },
//	    MaxEpochs: 10,
//	    Factor:    3,
//	})
type HyperbandConfig struct {
	OracleConfig

	// MaxEpochs must be greater than 1.
	MaxEpochs int

	// Factor defaults to 3 and must be at least 2.
	Factor int

	// HyperbandIterations defaults to 1.
	HyperbandIterations int
}

// hyperbandRound is one entry of a bracket round. PastID is the trial it was
// promoted from, empty for round 0.
type hyperbandRound struct {
	PastID string `json:"past_id,omitempty"`
	ID     string `json:"id"`
}

type hyperbandBracket struct {
	Num    int                `json:"bracket_num"`
	Rounds [][]hyperbandRound `json:"rounds"`
}

type hyperbandState struct {
	Brackets         []*hyperbandBracket `json:"brackets"`
	CurrentBracket   int                 `json:"current_bracket"`
	CurrentIteration int                 `json:"current_iteration"`
	Started          bool                `json:"started"`
}

// Hyperband is a bandit-style oracle. Each bracket starts many random
// configurations with a small epoch budget and repeatedly promotes the best
// 1/Factor of them to a budget Factor times larger.
type Hyperband struct {
	*baseOracle

	maxEpochs  int
	factor     int
	iterations int

	brackets         []*hyperbandBracket
	currentBracket   int
	currentIteration int
	started          bool
}

// NewHyperband validates cfg and returns a Hyperband oracle.
func NewHyperband(cfg HyperbandConfig) (*Hyperband, error) {
	if cfg.MaxEpochs <= 1 {
		return nil, fmt.Errorf("%w: max epochs must be > 1 (got %d)", ErrInvalidConfig, cfg.MaxEpochs)
	}

	if cfg.Factor == 0 {
		cfg.Factor = 3
	}

	if cfg.Factor < 2 {
		return nil, fmt.Errorf("%w: factor must be >= 2 (got %d)", ErrInvalidConfig, cfg.Factor)
	}

	if cfg.HyperbandIterations <= 0 {
		cfg.HyperbandIterations = 1
	}

	base, err := newBaseOracle("hyperband", cfg.OracleConfig)
	if err != nil {
		return nil, err
	}

	o := &Hyperband{
		baseOracle: base,
		maxEpochs:  cfg.MaxEpochs,
		factor:     cfg.Factor,
		iterations: cfg.HyperbandIterations,
	}
	o.currentBracket = o.numBrackets() - 1
	o.populate = o.populateSpace

	return o, nil
}

// numBrackets counts how many times MaxEpochs can be divided by Factor
// before dropping below one epoch.
func (o *Hyperband) numBrackets() int {
	n := 0
	for e := float64(o.maxEpochs); e >= 1; e /= float64(o.factor) {
		n++
	}

	return n
}

func (o *Hyperband) numRounds(bracket int) int {
	return bracket + 1
}

// size returns the number of trials in a round, chosen so that every
// bracket consumes roughly the same number of epochs.
func (o *Hyperband) size(bracket, round int) int {
	f := float64(o.factor)
	end0 := ceilTolerant(1 + math.Log(float64(o.maxEpochs))/math.Log(f))
	end := end0 / math.Pow(f, float64(bracket))

	return int(ceilTolerant(end * math.Pow(f, float64(bracket-round))))
}

// epochs returns the cumulative epoch budget of a round.
func (o *Hyperband) epochs(bracket, round int) int {
	return int(ceilTolerant(float64(o.maxEpochs) / math.Pow(float64(o.factor), float64(bracket-round))))
}

// ceilTolerant is math.Ceil that ignores floating point noise such as
// log(27)/log(3) = 3.0000000000000004.
func ceilTolerant(x float64) float64 {
	return math.Ceil(x - 1e-9)
}

func (o *Hyperband) populateSpace(trialID string) (TrialStatus, Values) {
	o.removeCompletedBrackets()

	for _, b := range o.brackets {
		if len(b.Rounds[0]) < o.size(b.Num, 0) {
			return o.randomTrial(trialID, b)
		}
	}

	for _, b := range o.brackets {
		for r := 1; r < len(b.Rounds); r++ {
			if values, ok := o.promote(trialID, b, r); ok {
				return TrialRunning, values
			}
		}
	}

	if o.started && o.currentBracket == 0 && o.currentIteration+1 >= o.iterations {
		if len(o.ongoing) > 0 {
			return TrialIdle, nil
		}

		return TrialStopped, nil
	}

	o.startNextBracket()

	return o.randomTrial(trialID, o.brackets[len(o.brackets)-1])
}

func (o *Hyperband) startNextBracket() {
	if !o.started {
		o.started = true
	} else {
		o.currentBracket--
		if o.currentBracket < 0 {
			o.currentBracket = o.numBrackets() - 1
			o.currentIteration++
		}
	}

	o.brackets = append(o.brackets, &hyperbandBracket{
		Num:    o.currentBracket,
		Rounds: make([][]hyperbandRound, o.numRounds(o.currentBracket)),
	})
}

func (o *Hyperband) randomTrial(trialID string, b *hyperbandBracket) (TrialStatus, Values) {
	values := o.randomValuesLocked()
	if values == nil {
		return TrialStopped, nil
	}

	values[KeyEpochs] = o.epochs(b.Num, 0)
	values[KeyInitialEpoch] = 0
	values[KeyBracket] = b.Num
	values[KeyRound] = 0

	b.Rounds[0] = append(b.Rounds[0], hyperbandRound{ID: trialID})

	return TrialRunning, values
}

// candidates returns the completed trials of round r-1 that were not yet
// promoted into round r, best first.
func (o *Hyperband) candidates(b *hyperbandBracket, r int) []*Trial {
	selected := make(map[string]struct{}, len(b.Rounds[r]))
	for _, e := range b.Rounds[r] {
		selected[e.PastID] = struct{}{}
	}

	var out []*Trial
	for _, e := range b.Rounds[r-1] {
		if _, ok := selected[e.ID]; ok {
			continue
		}

		if t := o.trials[e.ID]; t != nil && t.Status == TrialCompleted && t.Scored {
			out = append(out, t)
		}
	}

	sortTrials(out, o.objective)

	return out
}

// settled reports whether rounds 0..r-1 of b are full or can no longer
// change: round 0 is full and none of their trials is still running.
func (o *Hyperband) settled(b *hyperbandBracket, r int) bool {
	if len(b.Rounds[0]) < o.size(b.Num, 0) {
		return false
	}

	for i := 0; i < r; i++ {
		for _, e := range b.Rounds[i] {
			if t := o.trials[e.ID]; t == nil || !t.Status.Finished() {
				return false
			}
		}
	}

	return true
}

// canPromote reports whether round r of b can receive a trial now.
func (o *Hyperband) canPromote(b *hyperbandBracket, r int) ([]*Trial, bool) {
	size := o.size(b.Num, r)
	if len(b.Rounds[r]) >= size {
		return nil, false
	}

	cands := o.candidates(b, r)
	if len(cands) == 0 {
		return nil, false
	}

	// Enough finished trials to know the best one survives the cut, or
	// nothing else in the previous rounds is going to finish.
	pastSize := o.size(b.Num, r-1)
	if len(cands) > pastSize-size || o.settled(b, r) {
		return cands, true
	}

	return nil, false
}

func (o *Hyperband) promote(trialID string, b *hyperbandBracket, r int) (Values, bool) {
	cands, ok := o.canPromote(b, r)
	if !ok {
		return nil, false
	}

	best := cands[0]

	values := best.Values.Copy()
	values[KeyTrialID] = best.ID
	values[KeyEpochs] = o.epochs(b.Num, r)
	values[KeyInitialEpoch] = o.epochs(b.Num, r-1)
	values[KeyBracket] = b.Num
	values[KeyRound] = r

	b.Rounds[r] = append(b.Rounds[r], hyperbandRound{PastID: best.ID, ID: trialID})

	return values, true
}

func (o *Hyperband) bracketDone(b *hyperbandBracket) bool {
	if !o.settled(b, len(b.Rounds)) {
		return false
	}

	for r := 1; r < len(b.Rounds); r++ {
		if _, ok := o.canPromote(b, r); ok {
			return false
		}
	}

	return true
}

func (o *Hyperband) removeCompletedBrackets() {
	kept := o.brackets[:0]
	for _, b := range o.brackets {
		if !o.bracketDone(b) {
			kept = append(kept, b)
		}
	}

	o.brackets = kept
}

// State exports the oracle state, including open brackets.
func (o *Hyperband) State() (OracleState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.state()

	extra, err := json.Marshal(hyperbandState{
		Brackets:         o.brackets,
		CurrentBracket:   o.currentBracket,
		CurrentIteration: o.currentIteration,
		Started:          o.started,
	})
	if err != nil {
		return OracleState{}, fmt.Errorf("encode hyperband state: %w", err)
	}

	st.Extra = extra

	return st, nil
}

// Restore reloads a state saved by State.
func (o *Hyperband) Restore(state OracleState, trials []*Trial) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.restore(state, trials); err != nil {
		return err
	}

	if len(state.Extra) == 0 {
		return nil
	}

	var hs hyperbandState
	if err := json.Unmarshal(state.Extra, &hs); err != nil {
		return fmt.Errorf("decode hyperband state: %w", err)
	}

	o.brackets = hs.Brackets
	o.currentBracket = hs.CurrentBracket
	o.currentIteration = hs.CurrentIteration
	o.started = hs.Started

	return nil
}
