package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/hypertune"
	"github.com/thalesfsp/hypertune/internal/config"
	"github.com/thalesfsp/hypertune/internal/dataset"
	"github.com/thalesfsp/hypertune/internal/trainer"
	"github.com/thalesfsp/hypertune/trialstore"
)

func newSearchCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run the hyperparameter search, then retrain and evaluate the best model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			return runPipeline(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.BoolVar(&flags.values.overwrite, "overwrite", false, "Discard previous results of the project")
	f.IntVar(&flags.values.searchEpochs, "search-epochs", 0, "Epoch budget of non-Hyperband fits")
	f.IntVar(&flags.values.finalEpochs, "final-epochs", 0, "Epochs used to find the best epoch")
	f.IntVar(&flags.values.patience, "patience", 0, "Early stopping patience")
	f.IntVar(&flags.values.batchSize, "batch-size", 0, "Batch size")
	f.IntVar(&flags.values.workers, "workers", 0, "Trials run concurrently")
	f.BoolVar(&flags.values.verbose, "verbose", false, "Show a progress bar per epoch")

	return cmd
}

func loadData(ctx context.Context, cfg *config.Config) (*dataset.Dataset, error) {
	if cfg.Synthetic > 0 {
		slog.Info("using synthetic dataset", "samples", cfg.Synthetic)
		return dataset.Synthetic(cfg.Synthetic, cfg.Seed), nil
	}

	if cfg.Download {
		if err := dataset.Download(ctx, cfg.DataDir, cfg.DownloadURL); err != nil {
			return nil, err
		}
	}

	return dataset.LoadFashionMNIST(cfg.DataDir)
}

// runPipeline loads the data, searches, reports the best hyperparameters,
// finds the best epoch count and evaluates a model retrained for exactly
// that many epochs.
func runPipeline(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	data, err := loadData(ctx, cfg)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}

	slog.Info("dataset loaded",
		"train_images", len(data.TrainImages),
		"train_labels", len(data.TrainLabels),
		"test_images", len(data.TestImages),
		"test_labels", len(data.TestLabels),
	)

	store, err := trialstore.New(cfg.Directory)
	if err != nil {
		return err
	}
	defer store.Close()

	oracle, err := newOracle(cfg)
	if err != nil {
		return err
	}

	b := &builder{
		images: data.TrainImages,
		labels: data.TrainLabels,
		cfg:    cfg,
		output: stderr,
		logger: slog.Default(),
	}

	progress := make(chan hypertune.ProgressUpdate, 100)
	done := make(chan struct{})

	go func() {
		defer close(done)
		logProgress(progress)
	}()

	tuner, err := hypertune.New(ctx, oracle, b.hyperModel,
		hypertune.WithStore(store),
		hypertune.WithProjectName(cfg.ProjectName),
		hypertune.WithOverwrite(cfg.Overwrite),
		hypertune.WithExecutionsPerTrial(cfg.ExecutionsPerTrial),
		hypertune.WithWorkers(cfg.Workers),
		hypertune.WithProgress(progress),
		hypertune.WithLogger(slog.Default()),
	)
	if err != nil {
		close(progress)
		<-done
		return err
	}

	stopEarly := trainer.NewEarlyStopping(cfg.Monitor, cfg.Patience)

	err = tuner.SearchSpaceSummary(stdout)
	if err == nil {
		err = tuner.Search(ctx, hypertune.SearchConfig{
			Epochs:    cfg.SearchEpochs,
			Callbacks: []hypertune.Callback{stopEarly},
		})
	}
	close(progress)
	<-done

	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	best, err := tuner.BestHyperParameters(1)
	if err != nil {
		return err
	}

	bestHP := best[0]

	fmt.Fprintf(stdout, `
The hyperparameter search is complete. The optimal number of units in the first densely-connected
layer is %d and the optimal learning rate for the optimizer is %v.
`, bestHP.GetInt("units"), bestHP.GetFloat("learning_rate"))

	// Find the optimal number of epochs with the best hyperparameters.
	model, err := b.build(bestHP)
	if err != nil {
		return err
	}

	history, err := model.Fit(ctx, hypertune.FitConfig{Epochs: cfg.FinalEpochs})
	if err != nil {
		return fmt.Errorf("fit best model: %w", err)
	}

	_, bestEpoch, ok := history.Best(trainer.MetricValAccuracy, hypertune.DirectionMax)
	if !ok {
		return fmt.Errorf("no %s in training history", trainer.MetricValAccuracy)
	}

	// Epochs are zero-based.
	bestEpoch++
	fmt.Fprintf(stdout, "Best epoch: %d\n", bestEpoch)

	// Retrain from scratch for exactly bestEpoch epochs.
	hypermodel, err := b.build(bestHP)
	if err != nil {
		return err
	}

	if _, err := hypermodel.Fit(ctx, hypertune.FitConfig{Epochs: bestEpoch}); err != nil {
		return fmt.Errorf("retrain best model: %w", err)
	}

	testLoss, testAcc, err := hypermodel.Evaluate(ctx, data.TestImages, data.TestLabels)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	fmt.Fprintf(stdout, "[test loss, test accuracy]: [%.4f, %.4f]\n", testLoss, testAcc)

	return nil
}

func logProgress(updates <-chan hypertune.ProgressUpdate) {
	for u := range updates {
		switch u.Phase {
		case "TrialCompleted", "TrialInvalid":
			slog.Info("search progress",
				"phase", u.Phase,
				"trial", u.TrialID,
				"bracket", u.Bracket,
				"round", u.Round,
				"score", u.Score,
				"completed", u.CompletedTrials,
				"best_trial", u.BestTrialID,
				"best_score", u.BestScore,
			)
		case "SearchDone":
			slog.Info("search done")
		}
	}
}
