package hypertune

import "errors"

var (
	// ErrConflictingParameter is returned when a hyperparameter is registered
	// twice with different definitions.
	ErrConflictingParameter = errors.New("hypertune: conflicting hyperparameter definition")

	// ErrUnknownParameter is returned when a value is requested for a
	// hyperparameter that was never registered.
	ErrUnknownParameter = errors.New("hypertune: unknown hyperparameter")

	// ErrInvalidRange is returned when a parameter range cannot be sampled.
	ErrInvalidRange = errors.New("hypertune: invalid parameter range")

	// ErrInvalidConfig is returned when an oracle or tuner is misconfigured.
	ErrInvalidConfig = errors.New("hypertune: invalid configuration")

	// ErrTrialNotFound is returned when an oracle has no trial with the given
	// ID.
	ErrTrialNotFound = errors.New("hypertune: trial not found")

	// ErrTrialNotRunning is returned when reporting on a trial that already
	// ended.
	ErrTrialNotRunning = errors.New("hypertune: trial is not running")

	// ErrMissingObjective is returned when a completed trial never reported
	// the objective metric.
	ErrMissingObjective = errors.New("hypertune: objective metric was not reported")

	// ErrNilModel is returned when a HyperModel builds no model for a trial.
	ErrNilModel = errors.New("hypertune: hypermodel returned a nil model")

	// ErrNoCheckpoint is returned by stores when a trial has no checkpoint.
	ErrNoCheckpoint = errors.New("hypertune: checkpoint not found")

	// ErrNoCompletedTrials is returned when asking for the best results of a
	// search that has no completed trial.
	ErrNoCompletedTrials = errors.New("hypertune: no completed trials")
)
