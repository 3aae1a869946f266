package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/thalesfsp/hypertune"
	"github.com/thalesfsp/hypertune/internal/dataset"
	"github.com/thalesfsp/hypertune/internal/metrics"
	"github.com/thalesfsp/hypertune/internal/model"
)

// Metric names reported after every epoch.
const (
	MetricLoss        = "loss"
	MetricAccuracy    = "accuracy"
	MetricValLoss     = "val_loss"
	MetricValAccuracy = "val_accuracy"
)

// RunConfig captures the knobs of the training loop.
type RunConfig struct {
	// ValidationSplit is the fraction of the training data held out, taken
	// from the end.
	ValidationSplit float64
	BatchSize       int
	Seed            int64

	// Workers bounds the goroutines used by Evaluate. Defaults to
	// runtime.NumCPU().
	Workers int

	// Verbose shows a progress bar per epoch on Output (default os.Stderr).
	Verbose bool
	Output  io.Writer

	Logger *slog.Logger
}

// Classifier binds a model to its training data. It implements
// hypertune.Model and hypertune.Checkpointer.
type Classifier struct {
	model model.Model
	cfg   RunConfig

	trainX [][]float32
	trainY []int
	valX   [][]float32
	valY   []int
}

var (
	_ hypertune.Model        = (*Classifier)(nil)
	_ hypertune.Checkpointer = (*Classifier)(nil)
)

// NewClassifier splits images and labels into training and validation data
// and returns a Classifier training m on them.
func NewClassifier(m model.Model, images [][]float32, labels []int, cfg RunConfig) (*Classifier, error) {
	if m == nil {
		return nil, errors.New("trainer: model is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("trainer: batch size must be > 0")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	trainX, trainY, valX, valY, err := dataset.SplitValidation(images, labels, cfg.ValidationSplit)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}

	return &Classifier{
		model:  m,
		cfg:    cfg,
		trainX: trainX,
		trainY: trainY,
		valX:   valX,
		valY:   valY,
	}, nil
}

// Model returns the underlying model.
func (c *Classifier) Model() model.Model {
	return c.model
}

// Fit trains from cfg.InitialEpoch up to cfg.Epochs (exclusive) and returns
// the per-epoch metrics. Callbacks implementing Resetter are reset first.
func (c *Classifier) Fit(ctx context.Context, cfg hypertune.FitConfig) (hypertune.History, error) {
	history := hypertune.NewHistory()

	for _, cb := range cfg.Callbacks {
		if r, ok := cb.(Resetter); ok {
			r.Reset()
		}
	}

	var window metrics.Window

	for epoch := cfg.InitialEpoch; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}

		rng := rand.New(rand.NewSource(c.cfg.Seed + int64(epoch)))
		perm := rng.Perm(len(c.trainX))
		numBatches := (len(perm) + c.cfg.BatchSize - 1) / c.cfg.BatchSize

		var bar *progressbar.ProgressBar
		if c.cfg.Verbose {
			bar = progressbar.NewOptions(numBatches,
				progressbar.OptionSetWriter(c.cfg.Output),
				progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", epoch+1, cfg.Epochs)),
				progressbar.OptionSetWidth(30),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}

		for b := 0; b < numBatches; b++ {
			if err := ctx.Err(); err != nil {
				return history, err
			}

			startData := time.Now()
			batch := c.batch(perm, b)
			dataTime := time.Since(startData)

			startCompute := time.Now()
			loss, correct := c.model.TrainStep(batch)
			computeTime := time.Since(startCompute)

			window.Record(batch.Len(), correct, dataTime, computeTime, loss)

			if bar != nil {
				_ = bar.Add(1)
			}
		}

		if bar != nil {
			_ = bar.Finish()
		}

		snap := window.Snapshot()

		valLoss, valAcc, err := c.Evaluate(ctx, c.valX, c.valY)
		if err != nil {
			return history, err
		}

		logs := hypertune.Logs{
			MetricLoss:        snap.Loss,
			MetricAccuracy:    snap.Accuracy,
			MetricValLoss:     valLoss,
			MetricValAccuracy: valAcc,
		}
		history.Append(epoch, logs)

		c.cfg.Logger.Debug("epoch finished",
			"epoch", epoch+1,
			"epochs", cfg.Epochs,
			"loss", snap.Loss,
			"accuracy", snap.Accuracy,
			"val_loss", valLoss,
			"val_accuracy", valAcc,
			"images_per_sec", snap.ImagesPerSec,
		)

		stop := false
		for _, cb := range cfg.Callbacks {
			s, err := cb.OnEpochEnd(epoch, logs)
			if err != nil {
				return history, fmt.Errorf("callback at epoch %d: %w", epoch, err)
			}

			stop = stop || s
		}

		if stop {
			c.cfg.Logger.Debug("training stopped by callback", "epoch", epoch+1)
			break
		}
	}

	return history, nil
}

func (c *Classifier) batch(perm []int, b int) model.Batch {
	start := b * c.cfg.BatchSize
	end := min(start+c.cfg.BatchSize, len(perm))

	batch := model.Batch{
		Inputs: make([][]float32, 0, end-start),
		Labels: make([]int, 0, end-start),
	}

	for _, idx := range perm[start:end] {
		batch.Inputs = append(batch.Inputs, c.trainX[idx])
		batch.Labels = append(batch.Labels, c.trainY[idx])
	}

	return batch
}

// Evaluate returns the mean loss and the accuracy of the model on images.
// Batches are evaluated concurrently.
func (c *Classifier) Evaluate(ctx context.Context, images [][]float32, labels []int) (loss, accuracy float64, err error) {
	if len(images) != len(labels) {
		return 0, 0, fmt.Errorf("%w: %d images, %d labels", dataset.ErrShapeMismatch, len(images), len(labels))
	}

	if len(images) == 0 {
		return 0, 0, errors.New("trainer: nothing to evaluate")
	}

	numBatches := (len(images) + c.cfg.BatchSize - 1) / c.cfg.BatchSize
	lossSums := make([]float64, numBatches)
	corrects := make([]int, numBatches)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	for b := 0; b < numBatches; b++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			start := b * c.cfg.BatchSize
			end := min(start+c.cfg.BatchSize, len(images))

			lossSums[b], corrects[b] = c.model.Evaluate(model.Batch{
				Inputs: images[start:end],
				Labels: labels[start:end],
			})

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	var (
		lossSum float64
		correct int
	)

	for b := range lossSums {
		lossSum += lossSums[b]
		correct += corrects[b]
	}

	n := float64(len(images))

	return lossSum / n, float64(correct) / n, nil
}

// SaveCheckpoint writes the model weights.
func (c *Classifier) SaveCheckpoint(w io.Writer) error {
	return c.model.Save(w)
}

// LoadCheckpoint restores the model weights.
func (c *Classifier) LoadCheckpoint(r io.Reader) error {
	return c.model.Load(r)
}
