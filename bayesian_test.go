package hypertune

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGaussianProcessPredict(t *testing.T) {
	gp := newGaussianProcess()

	mean, variance := gp.Predict([]float64{0.5})
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 1.0, variance)

	gp.Update([]float64{0.1}, -1)
	gp.Update([]float64{0.9}, 1)

	nearLow, varLow := gp.Predict([]float64{0.1})
	nearHigh, _ := gp.Predict([]float64{0.9})
	_, varFar := gp.Predict([]float64{0.5})

	assert.Less(t, nearLow, nearHigh)
	assert.Less(t, varLow, varFar)
	assert.Greater(t, varLow, 0.0)
}

func TestGaussianProcessSigma(t *testing.T) {
	gp := newGaussianProcess()
	assert.Equal(t, 0.2, gp.GetSigma())

	gp.SetSigma(1.5)
	assert.Equal(t, 1.5, gp.GetSigma())
}

func TestAcquisitionFunctionsPreferLowMeans(t *testing.T) {
	params := AcquisitionParams{
		Beta:        2.0,
		Xi:          0.01,
		BestSoFar:   0,
		RandomState: rand.New(rand.NewSource(1)),
	}

	for name, acq := range map[string]AcquisitionFunc{
		"ucb": UCB,
		"pi":  ProbabilityOfImprovement,
		"ei":  ExpectedImprovement,
	} {
		good := acq(-1, 0.1, params)
		bad := acq(1, 0.1, params)
		assert.Less(t, good, bad, name)
		assert.False(t, math.IsNaN(acq(0, 0, params)), name)
	}

	// More uncertainty is more attractive to UCB at equal means.
	assert.Less(t, UCB(0, 1, params), UCB(0, 0.01, params))

	sample := ThompsonSampling(0, 1, params)
	assert.False(t, math.IsNaN(sample))
}

func TestBayesianFindsGoodRegion(t *testing.T) {
	o, err := NewBayesian(BayesianConfig{
		OracleConfig: OracleConfig{
			Objective: NewObjective("loss", DirectionMin),
			MaxTrials: 15,
			Seed:      3,
		},
		AcquisitionFunc: ExpectedImprovement,
	})
	require.NoError(t, err)

	hp := NewHyperParameters()
	hp.Float("x", 0, 1, 0, SamplingLinear)
	o.UpdateSpace(hp.Space())

	for {
		trial, err := o.CreateTrial("tuner0")
		require.NoError(t, err)

		if trial.Status == TrialStopped {
			break
		}

		x := trial.Values["x"].(float64)
		require.NoError(t, o.UpdateTrial(trial.ID, Logs{"loss": (x - 0.3) * (x - 0.3)}, 0))

		_, err = o.EndTrial(trial.ID, TrialCompleted, "")
		require.NoError(t, err)
	}

	assert.Len(t, o.Trials(), 15)

	best := o.BestTrials(1)
	require.Len(t, best, 1)
	assert.Less(t, best[0].Score, 0.1)
}

func TestBayesianMaximizeUsesNegatedScores(t *testing.T) {
	o, err := NewBayesian(BayesianConfig{
		OracleConfig: OracleConfig{
			Objective: NewObjective("val_accuracy", ""),
			MaxTrials: 5,
			Seed:      1,
		},
	})
	require.NoError(t, err)

	hp := NewHyperParameters()
	hp.Int("units", 32, 512, 32)
	o.UpdateSpace(hp.Space())

	done := []*Trial{
		{ID: "0000", Values: Values{"units": 32}, Score: 0.2},
		{ID: "0001", Values: Values{"units": 512}, Score: 0.9},
	}

	gp, best := o.fit(done)

	low, _ := gp.Predict(toUnitVector(o.space, Values{"units": 512}))
	high, _ := gp.Predict(toUnitVector(o.space, Values{"units": 32}))

	assert.Less(t, low, high)
	assert.InDelta(t, -1.0, best, 1e-9)
}

func TestRandomSearchStopsWhenSpaceExhausted(t *testing.T) {
	o, err := NewRandomSearch(OracleConfig{
		Objective: NewObjective("val_loss", ""),
		MaxTrials: 10,
		Seed:      1,
	})
	require.NoError(t, err)
	assert.Equal(t, DirectionMin, o.Objective().Direction)

	hp := NewHyperParameters()
	hp.Boolean("flag")
	o.UpdateSpace(hp.Space())

	created := 0
	for i := 0; i < 10; i++ {
		trial, err := o.CreateTrial("tuner0")
		require.NoError(t, err)

		if trial.Status == TrialStopped {
			break
		}

		created++
		_, err = o.EndTrial(trial.ID, TrialInvalid, "")
		require.NoError(t, err)
	}

	assert.Equal(t, 2, created)
}

func TestRandomSearchMaxTrials(t *testing.T) {
	_, err := NewRandomSearch(OracleConfig{Objective: NewObjective("val_loss", "")})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	o, err := NewRandomSearch(OracleConfig{Objective: NewObjective("val_loss", ""), MaxTrials: 3, Seed: 1})
	require.NoError(t, err)

	hp := NewHyperParameters()
	hp.Int("units", 32, 512, 32)
	o.UpdateSpace(hp.Space())

	trials := runOracle(t, o, 10)
	assert.Len(t, trials, 3)
}
