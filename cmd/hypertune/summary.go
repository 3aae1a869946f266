package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/hypertune"
	"github.com/thalesfsp/hypertune/internal/config"
	"github.com/thalesfsp/hypertune/trialstore"
)

func newSummaryCommand(flags *rootFlags) *cobra.Command {
	var numTrials int

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the best trials of a tuning project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			return withProject(cmd.Context(), cfg, func(t *hypertune.Tuner) error {
				return t.ResultsSummary(cmd.OutOrStdout(), numTrials)
			})
		},
	}

	cmd.Flags().IntVar(&numTrials, "num-trials", 10, "Number of trials to show")

	return cmd
}

func newSpaceCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "space",
		Short: "Print the search space",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			return withProject(cmd.Context(), cfg, func(t *hypertune.Tuner) error {
				return t.SearchSpaceSummary(cmd.OutOrStdout())
			})
		},
	}
}

// withProject reloads a tuning project without building any model.
func withProject(ctx context.Context, cfg *config.Config, fn func(*hypertune.Tuner) error) error {
	store, err := trialstore.New(cfg.Directory)
	if err != nil {
		return err
	}
	defer store.Close()

	oracle, err := newOracle(cfg)
	if err != nil {
		return err
	}

	tuner, err := hypertune.New(ctx, oracle, spaceOnly,
		hypertune.WithStore(store),
		hypertune.WithProjectName(cfg.ProjectName),
	)
	if err != nil {
		return err
	}

	return fn(tuner)
}
