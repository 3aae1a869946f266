package trainer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/hypertune"
	"github.com/thalesfsp/hypertune/internal/dataset"
	"github.com/thalesfsp/hypertune/internal/model"
)

func newTestClassifier(t *testing.T, verbose bool, out io.Writer) (*Classifier, *dataset.Dataset) {
	t.Helper()

	d := dataset.Synthetic(200, 1)

	m, err := model.NewDense(dataset.ImageSize, 16, dataset.NumClasses, 1e-2, 1)
	require.NoError(t, err)

	c, err := NewClassifier(m, d.TrainImages, d.TrainLabels, RunConfig{
		ValidationSplit: 0.2,
		BatchSize:       16,
		Seed:            1,
		Workers:         4,
		Verbose:         verbose,
		Output:          out,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	return c, d
}

type stopAt struct{ epoch int }

func (s stopAt) OnEpochEnd(epoch int, _ hypertune.Logs) (bool, error) {
	return epoch >= s.epoch, nil
}

func TestFitLearnsSyntheticData(t *testing.T) {
	c, d := newTestClassifier(t, false, nil)

	assert.Len(t, c.trainX, 160)
	assert.Len(t, c.valX, 40)

	h, err := c.Fit(context.Background(), hypertune.FitConfig{Epochs: 5})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, h.Epochs)
	for _, name := range []string{MetricLoss, MetricAccuracy, MetricValLoss, MetricValAccuracy} {
		assert.Len(t, h.Metrics[name], 5, name)
	}

	losses := h.Metrics[MetricLoss]
	assert.Less(t, losses[4], losses[0])

	acc, _, ok := h.Best(MetricValAccuracy, hypertune.DirectionMax)
	require.True(t, ok)
	assert.Greater(t, acc, 0.5)

	_, testAcc, err := c.Evaluate(context.Background(), d.TestImages, d.TestLabels)
	require.NoError(t, err)
	assert.Greater(t, testAcc, 0.5)
}

func TestFitHonorsInitialEpochAndCallbacks(t *testing.T) {
	c, _ := newTestClassifier(t, false, nil)

	h, err := c.Fit(context.Background(), hypertune.FitConfig{InitialEpoch: 2, Epochs: 4})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, h.Epochs)

	h, err = c.Fit(context.Background(), hypertune.FitConfig{Epochs: 10, Callbacks: []hypertune.Callback{stopAt{epoch: 1}}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, h.Epochs)

	es := NewEarlyStopping("missing_metric", 1)
	_, err = c.Fit(context.Background(), hypertune.FitConfig{Epochs: 2, Callbacks: []hypertune.Callback{es}})
	assert.ErrorContains(t, err, "missing_metric")
}

func TestFitStopsOnCancel(t *testing.T) {
	c, _ := newTestClassifier(t, false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fit(ctx, hypertune.FitConfig{Epochs: 3})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFitVerboseWritesProgress(t *testing.T) {
	var out bytes.Buffer
	c, _ := newTestClassifier(t, true, &out)

	_, err := c.Fit(context.Background(), hypertune.FitConfig{Epochs: 1})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Epoch 1/1")
}

func TestClassifierCheckpoint(t *testing.T) {
	c, d := newTestClassifier(t, false, nil)

	_, err := c.Fit(context.Background(), hypertune.FitConfig{Epochs: 2})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.SaveCheckpoint(&buf))

	fresh, _ := newTestClassifier(t, false, nil)
	require.NoError(t, fresh.LoadCheckpoint(&buf))

	wantLoss, wantAcc, err := c.Evaluate(context.Background(), d.TestImages, d.TestLabels)
	require.NoError(t, err)
	gotLoss, gotAcc, err := fresh.Evaluate(context.Background(), d.TestImages, d.TestLabels)
	require.NoError(t, err)

	assert.InDelta(t, wantLoss, gotLoss, 1e-12)
	assert.Equal(t, wantAcc, gotAcc)
}

func TestEvaluateErrors(t *testing.T) {
	c, d := newTestClassifier(t, false, nil)

	_, _, err := c.Evaluate(context.Background(), d.TestImages, d.TestLabels[1:])
	assert.ErrorIs(t, err, dataset.ErrShapeMismatch)

	_, _, err = c.Evaluate(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestNewClassifierValidation(t *testing.T) {
	d := dataset.Synthetic(20, 1)
	m, err := model.NewDense(dataset.ImageSize, 4, dataset.NumClasses, 1e-2, 1)
	require.NoError(t, err)

	_, err = NewClassifier(nil, d.TrainImages, d.TrainLabels, RunConfig{BatchSize: 4, ValidationSplit: 0.2})
	assert.Error(t, err)

	_, err = NewClassifier(m, d.TrainImages, d.TrainLabels, RunConfig{ValidationSplit: 0.2})
	assert.Error(t, err)

	_, err = NewClassifier(m, d.TrainImages, d.TrainLabels, RunConfig{BatchSize: 4})
	assert.Error(t, err)
}
