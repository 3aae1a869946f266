package hypertune

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// DefaultMaxCollisions is the number of consecutive duplicate draws after
// which an oracle considers the search space exhausted.
const DefaultMaxCollisions = 20

// Oracle decides which hyperparameter values to try next and keeps the
// bookkeeping of all trials. Implementations are safe for concurrent use.
type Oracle interface {
	// Objective returns the metric the oracle optimizes.
	Objective() Objective

	// UpdateSpace merges newly registered parameters into the search space.
	UpdateSpace(space []Parameter)

	// Space returns the current search space.
	Space() []Parameter

	// CreateTrial returns a RUNNING trial, or a trial whose status is IDLE
	// or STOPPED when there is nothing to run right now.
	CreateTrial(tunerID string) (*Trial, error)

	// UpdateTrial records metrics reported by a running trial at step.
	UpdateTrial(trialID string, metrics Logs, step int) error

	// EndTrial moves a running trial to a final status.
	EndTrial(trialID string, status TrialStatus, message string) (*Trial, error)

	// GetTrial returns a copy of the trial with the given ID.
	GetTrial(trialID string) (*Trial, error)

	// Trials returns copies of all trials in creation order.
	Trials() []*Trial

	// BestTrials returns up to n completed trials, best first.
	BestTrials(n int) []*Trial

	// State exports the oracle state for persistence.
	State() (OracleState, error)

	// Restore reloads a state and its trials. Trials that were RUNNING when
	// the state was saved are marked INVALID.
	Restore(state OracleState, trials []*Trial) error
}

// OracleState is the persisted form of an oracle.
type OracleState struct {
	Kind   string          `json:"kind"`
	NextID int             `json:"next_id"`
	Tried  []string        `json:"tried"`
	Space  []Parameter     `json:"space"`
	Extra  json.RawMessage `json:"extra,omitempty"`
}

// OracleConfig holds the settings shared by all oracles.
type OracleConfig struct {
	// Objective is the metric to optimize, e.g. NewObjective("val_accuracy", "").
	Objective Objective

	// MaxTrials caps the number of trials. Zero means no cap, which is only
	// meaningful for Hyperband.
	MaxTrials int

	// MaxCollisions is the number of consecutive duplicate random draws
	// tolerated before the oracle stops. Defaults to DefaultMaxCollisions.
	MaxCollisions int

	// Seed seeds the oracle's random source. Zero uses the current time.
	Seed int64
}

// populateFunc is implemented by every concrete oracle. It is called with
// the base lock held and returns the status and values of the next trial.
type populateFunc func(trialID string) (TrialStatus, Values)

// baseOracle implements the trial bookkeeping shared by all oracles.
type baseOracle struct {
	mu sync.Mutex

	kind          string
	objective     Objective
	maxTrials     int
	maxCollisions int
	rng           *rand.Rand

	space   []Parameter
	trials  map[string]*Trial
	order   []string
	ongoing map[string]string
	tried   map[string]struct{}
	nextID  int

	populate populateFunc
}

func newBaseOracle(kind string, cfg OracleConfig) (*baseOracle, error) {
	if cfg.Objective.Name == "" {
		return nil, fmt.Errorf("%w: objective name is required", ErrInvalidConfig)
	}

	if cfg.Objective.Direction == "" {
		cfg.Objective.Direction = InferDirection(cfg.Objective.Name)
	}

	if cfg.MaxTrials < 0 {
		return nil, fmt.Errorf("%w: max trials must be >= 0 (got %d)", ErrInvalidConfig, cfg.MaxTrials)
	}

	if cfg.MaxCollisions <= 0 {
		cfg.MaxCollisions = DefaultMaxCollisions
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &baseOracle{
		kind:          kind,
		objective:     cfg.Objective,
		maxTrials:     cfg.MaxTrials,
		maxCollisions: cfg.MaxCollisions,
		rng:           rand.New(rand.NewSource(seed)),
		trials:        map[string]*Trial{},
		ongoing:       map[string]string{},
		tried:         map[string]struct{}{},
	}, nil
}

func (o *baseOracle) Objective() Objective {
	return o.objective
}

func (o *baseOracle) UpdateSpace(space []Parameter) {
	o.mu.Lock()
	defer o.mu.Unlock()

	known := make(map[string]struct{}, len(o.space))
	for _, p := range o.space {
		known[p.Name] = struct{}{}
	}

	for _, p := range space {
		if _, ok := known[p.Name]; !ok {
			o.space = append(o.space, p)
		}
	}
}

func (o *baseOracle) Space() []Parameter {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]Parameter(nil), o.space...)
}

func (o *baseOracle) CreateTrial(tunerID string) (*Trial, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.maxTrials > 0 && len(o.trials) >= o.maxTrials {
		return &Trial{Status: TrialStopped}, nil
	}

	id := fmt.Sprintf("%04d", o.nextID)

	status, values := o.populate(id)
	if status != TrialRunning {
		return &Trial{Status: status}, nil
	}

	o.nextID++

	now := time.Now()
	trial := &Trial{
		ID:        id,
		Values:    values,
		Status:    TrialRunning,
		Metrics:   MetricHistory{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.trials[id] = trial
	o.order = append(o.order, id)
	o.ongoing[id] = tunerID

	return trial.Clone(), nil
}

func (o *baseOracle) UpdateTrial(trialID string, metrics Logs, step int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.trials[trialID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTrialNotFound, trialID)
	}

	if t.Status != TrialRunning {
		return fmt.Errorf("%w: %s is %s", ErrTrialNotRunning, trialID, t.Status)
	}

	for name, v := range metrics {
		t.Metrics.Update(name, step, v)
	}

	t.UpdatedAt = time.Now()

	return nil
}

func (o *baseOracle) EndTrial(trialID string, status TrialStatus, message string) (*Trial, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.trials[trialID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTrialNotFound, trialID)
	}

	if t.Status != TrialRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrTrialNotRunning, trialID, t.Status)
	}

	if status == TrialCompleted {
		best, ok := t.Metrics.Best(o.objective.Name, o.objective.Direction)
		if ok {
			t.Score, t.BestStep, t.Scored = best.Value, best.Step, true
		} else {
			status = TrialInvalid
			message = fmt.Sprintf("%v: %s", ErrMissingObjective, o.objective.Name)
		}
	}

	t.Status = status
	t.Message = message
	t.UpdatedAt = time.Now()
	delete(o.ongoing, trialID)

	return t.Clone(), nil
}

func (o *baseOracle) GetTrial(trialID string) (*Trial, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.trials[trialID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTrialNotFound, trialID)
	}

	return t.Clone(), nil
}

func (o *baseOracle) Trials() []*Trial {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*Trial, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.trials[id].Clone())
	}

	return out
}

func (o *baseOracle) BestTrials(n int) []*Trial {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.bestTrialsLocked(n)
}

func (o *baseOracle) bestTrialsLocked(n int) []*Trial {
	var done []*Trial
	for _, id := range o.order {
		if t := o.trials[id]; t.Status == TrialCompleted && t.Scored {
			done = append(done, t.Clone())
		}
	}

	sortTrials(done, o.objective)

	if n > 0 && len(done) > n {
		done = done[:n]
	}

	return done
}

// state exports the shared part of the state; callers add Extra.
func (o *baseOracle) state() OracleState {
	tried := make([]string, 0, len(o.tried))
	for h := range o.tried {
		tried = append(tried, h)
	}

	return OracleState{
		Kind:   o.kind,
		NextID: o.nextID,
		Tried:  tried,
		Space:  append([]Parameter(nil), o.space...),
	}
}

// restore reloads the shared part of the state.
func (o *baseOracle) restore(state OracleState, trials []*Trial) error {
	if state.Kind != "" && state.Kind != o.kind {
		return fmt.Errorf("%w: stored oracle is %q, not %q", ErrInvalidConfig, state.Kind, o.kind)
	}

	o.space = o.space[:0]
	for _, p := range state.Space {
		o.space = append(o.space, normalizeParameter(p))
	}

	o.nextID = state.NextID
	o.tried = make(map[string]struct{}, len(state.Tried))
	for _, h := range state.Tried {
		o.tried[h] = struct{}{}
	}

	o.trials = make(map[string]*Trial, len(trials))
	o.order = o.order[:0]
	o.ongoing = map[string]string{}

	for _, t := range trials {
		c := t.Clone()
		c.Values = normalizeValues(o.space, c.Values)
		if c.Metrics == nil {
			c.Metrics = MetricHistory{}
		}

		if c.Status == TrialRunning {
			c.Status = TrialInvalid
			c.Message = "interrupted"
		}

		o.trials[c.ID] = c
		o.order = append(o.order, c.ID)
		o.tried[hashValues(c.Values)] = struct{}{}

		var n int
		if _, err := fmt.Sscanf(c.ID, "%d", &n); err == nil && n >= o.nextID {
			o.nextID = n + 1
		}
	}

	return nil
}

// randomValuesLocked draws values that were never tried before, or nil when
// the space looks exhausted.
func (o *baseOracle) randomValuesLocked() Values {
	for i := 0; i < o.maxCollisions; i++ {
		v := randomValues(o.space, o.rng)

		h := hashValues(v)
		if _, seen := o.tried[h]; seen {
			continue
		}

		o.tried[h] = struct{}{}

		return v
	}

	return nil
}

// markTriedLocked records v as tried and reports whether it was new.
func (o *baseOracle) markTriedLocked(v Values) bool {
	h := hashValues(v)
	if _, seen := o.tried[h]; seen {
		return false
	}

	o.tried[h] = struct{}{}

	return true
}
