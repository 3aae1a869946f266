package model

import (
	"bytes"
	"encoding/gob"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toyBatch() Batch {
	return Batch{
		Inputs: [][]float32{
			{1, 0, 0, 0.5},
			{0, 1, 0.5, 0},
			{0, 0, 1, 1},
			{0.9, 0.1, 0, 0.4},
		},
		Labels: []int{0, 1, 2, 0},
	}
}

func TestDenseTrainStepReducesLoss(t *testing.T) {
	m, err := NewDense(4, 8, 3, 0.05, 1)
	require.NoError(t, err)

	batch := toyBatch()

	first, _ := m.TrainStep(batch)

	var last float64
	for i := 0; i < 200; i++ {
		last, _ = m.TrainStep(batch)
	}

	assert.Less(t, last, first)

	lossSum, correct := m.Evaluate(batch)
	assert.Equal(t, 4, correct)
	assert.Less(t, lossSum/4, first)
}

func TestDensePredictIsADistribution(t *testing.T) {
	m, err := NewDense(4, 8, 3, 0.01, 1)
	require.NoError(t, err)

	probs := m.Predict([]float32{0.2, 0.3, 0.4, 0.5})
	require.Len(t, probs, 3)

	sum := 0.0
	for _, p := range probs {
		assert.GreaterOrEqual(t, p, 0.0)
		sum += p
	}

	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestDenseSkipsMalformedSamples(t *testing.T) {
	m, err := NewDense(4, 8, 3, 0.01, 1)
	require.NoError(t, err)

	loss, correct := m.TrainStep(Batch{Inputs: [][]float32{{1, 2}}, Labels: []int{0}})
	assert.Zero(t, loss)
	assert.Zero(t, correct)

	lossSum, _ := m.Evaluate(Batch{Inputs: [][]float32{{1, 0, 0, 0}}, Labels: []int{7}})
	assert.Zero(t, lossSum)
}

func TestNewDenseValidation(t *testing.T) {
	_, err := NewDense(0, 8, 3, 0.01, 1)
	assert.Error(t, err)

	_, err = NewDense(4, 8, 3, 0, 1)
	assert.Error(t, err)
}

func TestDenseCheckpointRoundTrip(t *testing.T) {
	batch := toyBatch()

	m, err := NewDense(4, 8, 3, 0.05, 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		m.TrainStep(batch)
	}

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))

	restored, err := NewDense(4, 8, 3, 0.05, 99)
	require.NoError(t, err)
	require.NoError(t, restored.Load(bytes.NewReader(buf.Bytes())))

	want, wantCorrect := m.Evaluate(batch)
	got, gotCorrect := restored.Evaluate(batch)
	assert.InDelta(t, want, got, 1e-6)
	assert.Equal(t, wantCorrect, gotCorrect)
	assert.InDeltaSlice(t, m.Predict(batch.Inputs[0]), restored.Predict(batch.Inputs[0]), 1e-6)

	// Training continues from the restored weights.
	loss, _ := restored.TrainStep(batch)
	assert.False(t, math.IsNaN(loss))
	assert.Positive(t, loss)

	other, err := NewDense(4, 16, 3, 0.05, 1)
	require.NoError(t, err)
	assert.Error(t, other.Load(bytes.NewReader(buf.Bytes())))

	assert.Error(t, other.Load(bytes.NewReader([]byte("garbage"))))
}

func TestDenseLoadRejectsTruncatedTensors(t *testing.T) {
	m, err := NewDense(4, 8, 3, 0.05, 1)
	require.NoError(t, err)

	before, _ := m.Evaluate(toyBatch())

	for _, key := range []string{"fc1.weight", "fc1.bias", "fc2.weight", "fc2.bias"} {
		t.Run(key, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, m.Save(&buf))

			var cp checkpoint
			require.NoError(t, gob.NewDecoder(&buf).Decode(&cp))

			cp.Tensors[key] = cp.Tensors[key][:len(cp.Tensors[key])-1]

			buf.Reset()
			require.NoError(t, gob.NewEncoder(&buf).Encode(cp))

			assert.NotPanics(t, func() {
				err = m.Load(&buf)
			})
			assert.ErrorContains(t, err, key)

			delete(cp.Tensors, key)

			buf.Reset()
			require.NoError(t, gob.NewEncoder(&buf).Encode(cp))
			assert.Error(t, m.Load(&buf))
		})
	}

	after, _ := m.Evaluate(toyBatch())
	assert.InDelta(t, before, after, 1e-9)
}
