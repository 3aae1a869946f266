package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/thalesfsp/hypertune"
	"github.com/thalesfsp/hypertune/internal/config"
	"github.com/thalesfsp/hypertune/internal/dataset"
	"github.com/thalesfsp/hypertune/internal/model"
	"github.com/thalesfsp/hypertune/internal/trainer"
)

// registerSpace declares the search space and returns the active values.
func registerSpace(hp *hypertune.HyperParameters) (units int, lr float64, err error) {
	units = hp.Int("units", 32, 512, 32)

	lr, ok := hp.Choice("learning_rate", 1e-2, 1e-3, 1e-4).(float64)
	if !ok {
		return 0, 0, errors.New("learning_rate is not a float")
	}

	return units, lr, nil
}

// spaceOnly registers the search space without building anything. It lets
// the summary commands restore a project without loading the dataset.
func spaceOnly(hp *hypertune.HyperParameters) (hypertune.Model, error) {
	_, _, err := registerSpace(hp)
	return nil, err
}

// builder turns hyperparameters into classifiers trained on the same data.
type builder struct {
	images [][]float32
	labels []int
	cfg    *config.Config
	output io.Writer
	logger *slog.Logger
}

func (b *builder) build(hp *hypertune.HyperParameters) (*trainer.Classifier, error) {
	units, lr, err := registerSpace(hp)
	if err != nil {
		return nil, err
	}

	m, err := model.NewDense(dataset.ImageSize, units, dataset.NumClasses, lr, b.cfg.Seed)
	if err != nil {
		return nil, err
	}

	return trainer.NewClassifier(m, b.images, b.labels, trainer.RunConfig{
		ValidationSplit: b.cfg.ValidationSplit,
		BatchSize:       b.cfg.BatchSize,
		Seed:            b.cfg.Seed,
		Verbose:         b.cfg.Verbose,
		Output:          b.output,
		Logger:          b.logger,
	})
}

// hyperModel adapts build to the tuner.
func (b *builder) hyperModel(hp *hypertune.HyperParameters) (hypertune.Model, error) {
	c, err := b.build(hp)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// newOracle builds the search algorithm named by cfg.Oracle.
func newOracle(cfg *config.Config) (hypertune.Oracle, error) {
	base := hypertune.OracleConfig{
		Objective: hypertune.NewObjective(cfg.Objective, ""),
		MaxTrials: cfg.MaxTrials,
		Seed:      cfg.Seed,
	}

	var (
		oracle hypertune.Oracle
		err    error
	)

	switch cfg.Oracle {
	case config.OracleRandom:
		oracle, err = hypertune.NewRandomSearch(base)
	case config.OracleBayesian:
		oracle, err = hypertune.NewBayesian(hypertune.BayesianConfig{OracleConfig: base})
	case config.OracleHyperband:
		base.MaxTrials = 0

		oracle, err = hypertune.NewHyperband(hypertune.HyperbandConfig{
			OracleConfig:        base,
			MaxEpochs:           cfg.MaxEpochs,
			Factor:              cfg.Factor,
			HyperbandIterations: cfg.HyperbandIterations,
		})
	default:
		return nil, fmt.Errorf("unknown oracle %q", cfg.Oracle)
	}

	if err != nil {
		return nil, err
	}

	return oracle, nil
}
