package hypertune

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHyperParametersDefaults(t *testing.T) {
	hp := NewHyperParameters()

	assert.Equal(t, 32, hp.Int("units", 32, 512, 32))
	assert.Equal(t, 1e-2, hp.Choice("learning_rate", 1e-2, 1e-3, 1e-4))
	assert.Equal(t, 0.1, hp.Float("dropout", 0.1, 0.5, 0, SamplingLinear))
	assert.False(t, hp.Boolean("batch_norm"))
	assert.Equal(t, "adam", hp.Fixed("optimizer", "adam"))

	require.NoError(t, hp.Err())
	assert.Len(t, hp.Space(), 5)
}

func TestHyperParametersPresetValues(t *testing.T) {
	hp := NewHyperParameters()
	hp.SetValues(Values{"units": 256.0, "learning_rate": 1e-4})

	// Values decoded from JSON come back as float64.
	assert.Equal(t, 256, hp.Int("units", 32, 512, 32))
	assert.Equal(t, 1e-4, hp.Choice("learning_rate", 1e-2, 1e-3, 1e-4))

	v, ok := hp.Get("units")
	require.True(t, ok)
	assert.IsType(t, 0, v)
}

func TestHyperParametersConflict(t *testing.T) {
	hp := NewHyperParameters()
	hp.Int("units", 32, 512, 32)
	hp.Int("units", 32, 256, 32)

	assert.True(t, errors.Is(hp.Err(), ErrConflictingParameter))

	// Registering the same definition twice is fine.
	hp2 := NewHyperParameters()
	hp2.Int("units", 32, 512, 32)
	hp2.Int("units", 32, 512, 32)
	assert.NoError(t, hp2.Err())
}

func TestHyperParametersInvalidRange(t *testing.T) {
	hp := NewHyperParameters()
	hp.Int("units", 512, 32, 32)
	assert.True(t, errors.Is(hp.Err(), ErrInvalidRange))

	hp = NewHyperParameters()
	hp.Float("lr", 0, 1, 0, SamplingLog)
	assert.True(t, errors.Is(hp.Err(), ErrInvalidRange))

	hp = NewHyperParameters()
	hp.Choice("mixed", 1, "two")
	assert.True(t, errors.Is(hp.Err(), ErrInvalidRange))
}

func TestRandomValuesStayInSpace(t *testing.T) {
	hp := NewHyperParameters()
	hp.Int("units", 32, 512, 32)
	hp.Float("lr", 1e-4, 1e-1, 0, SamplingLog)
	hp.Float("dropout", 0, 0.5, 0.1, SamplingLinear)
	hp.Choice("activation", "relu", "tanh")

	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		v := randomValues(hp.Space(), rng)

		units := v["units"].(int)
		assert.GreaterOrEqual(t, units, 32)
		assert.LessOrEqual(t, units, 512)
		assert.Zero(t, units%32)

		lr := v["lr"].(float64)
		assert.GreaterOrEqual(t, lr, 1e-4)
		assert.LessOrEqual(t, lr, 1e-1+1e-12)

		dropout := v["dropout"].(float64)
		assert.InDelta(t, 0, dropout*10-float64(int(dropout*10+0.5)), 1e-9)

		assert.Contains(t, []any{"relu", "tanh"}, v["activation"])
	}
}

func TestUnitVectorRoundTrip(t *testing.T) {
	hp := NewHyperParameters()
	hp.Int("units", 32, 512, 32)
	hp.Choice("learning_rate", 1e-2, 1e-3, 1e-4)
	hp.Boolean("flag")
	hp.Fixed("optimizer", "adam")

	space := hp.Space()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 100; i++ {
		v := randomValues(space, rng)
		x := toUnitVector(space, v)

		// Fixed parameters are not encoded.
		require.Len(t, x, 3)

		for _, u := range x {
			assert.GreaterOrEqual(t, u, 0.0)
			assert.LessOrEqual(t, u, 1.0)
		}

		assert.Equal(t, v, fromUnitVector(space, x))
	}
}

func TestNormalizeValuesAfterJSON(t *testing.T) {
	hp := NewHyperParameters()
	hp.Int("units", 32, 512, 32)
	hp.Choice("layers", 1, 2, 3)

	in := Values{"units": 96, "layers": 2, KeyEpochs: 4, KeyTrialID: "0003"}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var decoded Values
	require.NoError(t, json.Unmarshal(raw, &decoded))

	out := normalizeValues(hp.Space(), decoded)
	assert.Equal(t, in, out)
	assert.Equal(t, hashValues(in), hashValues(out))
}

func TestHashIgnoresTunerKeys(t *testing.T) {
	a := Values{"units": 64, "learning_rate": 1e-3}
	b := a.Copy()
	b[KeyEpochs] = 10
	b[KeyTrialID] = "0001"

	assert.Equal(t, hashValues(a), hashValues(b))

	b["units"] = 96
	assert.NotEqual(t, hashValues(a), hashValues(b))
}

func TestParameterRangeCount(t *testing.T) {
	assert.Equal(t, 16, ParameterRange[int]{Min: 32, Max: 512, Step: 32}.Count())
	assert.Equal(t, 6, ParameterRange[float64]{Min: 0, Max: 0.5, Step: 0.1}.Count())
	assert.Equal(t, 0, ParameterRange[float64]{Min: 0, Max: 1}.Count())
	assert.Error(t, ParameterRange[int]{Min: 2, Max: 1}.Validate())
}
