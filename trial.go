package hypertune

import (
	"sort"
	"time"
)

// TrialStatus is the lifecycle state of a trial.
type TrialStatus string

const (
	// TrialRunning means the trial was handed to a tuner worker.
	TrialRunning TrialStatus = "RUNNING"

	// TrialCompleted means the trial reported the objective and finished.
	TrialCompleted TrialStatus = "COMPLETED"

	// TrialInvalid means building or fitting the model failed.
	TrialInvalid TrialStatus = "INVALID"

	// TrialStopped is returned by an oracle that has nothing more to try.
	TrialStopped TrialStatus = "STOPPED"

	// TrialIdle is returned by an oracle that must wait for running trials
	// before it can hand out a new one.
	TrialIdle TrialStatus = "IDLE"
)

// Finished reports whether s is a final status.
func (s TrialStatus) Finished() bool {
	return s == TrialCompleted || s == TrialInvalid
}

// Observation is one metric value reported at a given step (epoch).
type Observation struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// MetricHistory holds the observations of every metric of a trial.
type MetricHistory map[string][]Observation

// Update records value for metric at step, replacing an earlier observation
// at the same step.
func (m MetricHistory) Update(metric string, step int, value float64) {
	obs := m[metric]
	for i := range obs {
		if obs[i].Step == step {
			obs[i].Value = value
			return
		}
	}

	m[metric] = append(obs, Observation{Step: step, Value: value})
}

// Best returns the best observation of metric in the given direction.
func (m MetricHistory) Best(metric string, direction Direction) (Observation, bool) {
	obj := Objective{Name: metric, Direction: direction}

	var (
		best Observation
		ok   bool
	)

	for _, o := range m[metric] {
		if !ok || obj.Better(o.Value, best.Value) {
			best, ok = o, true
		}
	}

	return best, ok
}

// Last returns the most recent observation of metric.
func (m MetricHistory) Last(metric string) (Observation, bool) {
	obs := m[metric]
	if len(obs) == 0 {
		return Observation{}, false
	}

	last := obs[0]
	for _, o := range obs[1:] {
		if o.Step >= last.Step {
			last = o
		}
	}

	return last, true
}

// Names returns the metric names in sorted order.
func (m MetricHistory) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}

func (m MetricHistory) clone() MetricHistory {
	out := make(MetricHistory, len(m))
	for k, v := range m {
		out[k] = append([]Observation(nil), v...)
	}

	return out
}

// Trial is one evaluation of a set of hyperparameter values.
type Trial struct {
	ID       string
	Values   Values
	Status   TrialStatus
	Score    float64
	Scored   bool
	BestStep int
	Metrics  MetricHistory
	Message  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Bracket returns the Hyperband bracket of the trial, or -1.
func (t *Trial) Bracket() int {
	if _, ok := t.Values[KeyBracket]; !ok {
		return -1
	}

	return int(toFloat(t.Values[KeyBracket]))
}

// Round returns the Hyperband round of the trial, or -1.
func (t *Trial) Round() int {
	if _, ok := t.Values[KeyRound]; !ok {
		return -1
	}

	return int(toFloat(t.Values[KeyRound]))
}

// Clone returns a deep copy of t.
func (t *Trial) Clone() *Trial {
	c := *t
	c.Values = t.Values.Copy()
	c.Metrics = t.Metrics.clone()

	return &c
}

// sortTrials orders completed trials best first; ties keep ID order.
func sortTrials(trials []*Trial, obj Objective) {
	sort.SliceStable(trials, func(i, j int) bool {
		if trials[i].Score != trials[j].Score {
			return obj.Better(trials[i].Score, trials[j].Score)
		}

		return trials[i].ID < trials[j].ID
	})
}
