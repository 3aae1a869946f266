package trainer

import (
	"fmt"
	"math"

	"github.com/thalesfsp/hypertune"
)

// Resetter is implemented by callbacks that must start from a clean state
// at the beginning of every fit.
type Resetter interface {
	Reset()
}

// EarlyStopping stops training once Monitor has not improved by more than
// MinDelta for Patience consecutive epochs.
type EarlyStopping struct {
	Monitor  string
	MinDelta float64
	Patience int

	// Mode is "min", "max" or "auto". Auto maximizes accuracy-like metrics
	// and minimizes everything else.
	Mode string

	best    float64
	wait    int
	started bool

	// StoppedEpoch is the epoch at which training was stopped, or -1.
	StoppedEpoch int
}

var (
	_ hypertune.Callback = (*EarlyStopping)(nil)
	_ hypertune.Cloner   = (*EarlyStopping)(nil)
	_ Resetter           = (*EarlyStopping)(nil)
)

// NewEarlyStopping returns an EarlyStopping in auto mode.
func NewEarlyStopping(monitor string, patience int) *EarlyStopping {
	return &EarlyStopping{Monitor: monitor, Patience: patience, Mode: "auto", StoppedEpoch: -1}
}

func (e *EarlyStopping) direction() hypertune.Direction {
	switch e.Mode {
	case "min":
		return hypertune.DirectionMin
	case "max":
		return hypertune.DirectionMax
	default:
		return hypertune.InferDirection(e.Monitor)
	}
}

// Reset clears the state kept across epochs.
func (e *EarlyStopping) Reset() {
	e.best, e.wait, e.started, e.StoppedEpoch = 0, 0, false, -1
}

// Clone returns a fresh copy with the same settings.
func (e *EarlyStopping) Clone() hypertune.Callback {
	return &EarlyStopping{
		Monitor:      e.Monitor,
		MinDelta:     e.MinDelta,
		Patience:     e.Patience,
		Mode:         e.Mode,
		StoppedEpoch: -1,
	}
}

func (e *EarlyStopping) OnEpochEnd(epoch int, logs hypertune.Logs) (bool, error) {
	current, ok := logs[e.Monitor]
	if !ok {
		return false, fmt.Errorf("early stopping: metric %q not found in logs", e.Monitor)
	}

	if math.IsNaN(current) {
		e.StoppedEpoch = epoch
		return true, nil
	}

	delta := math.Abs(e.MinDelta)
	improved := !e.started
	if e.started {
		if e.direction() == hypertune.DirectionMax {
			improved = current-delta > e.best
		} else {
			improved = current+delta < e.best
		}
	}

	if improved {
		e.best, e.wait, e.started = current, 0, true
		return false, nil
	}

	e.wait++
	if e.wait >= e.Patience {
		e.StoppedEpoch = epoch
		return true, nil
	}

	return false, nil
}
