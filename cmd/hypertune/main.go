package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/hypertune/internal/config"
)

// flagValues holds the parsed flags. Only flags set on the command line
// become overrides.
type flagValues struct {
	dataDir      string
	synthetic    int
	directory    string
	projectName  string
	overwrite    bool
	oracle       string
	maxTrials    int
	maxEpochs    int
	factor       int
	searchEpochs int
	finalEpochs  int
	patience     int
	batchSize    int
	workers      int
	seed         int64
	verbose      bool
	logLevel     string
}

type rootFlags struct {
	configPath string
	envFile    string
	values     flagValues
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	return newRoot(&rootFlags{})
}

func newRoot(flags *rootFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "hypertune",
		Short:         "Hyperband search for a dense Fashion-MNIST classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to YAML config")
	pf.StringVar(&flags.envFile, "env", "", "Path to a .env file")
	pf.StringVar(&flags.values.dataDir, "data-dir", "", "Directory holding the IDX archives")
	pf.IntVar(&flags.values.synthetic, "synthetic", 0, "Use a synthetic dataset with N training samples")
	pf.StringVar(&flags.values.directory, "directory", "", "Directory of the tuning projects")
	pf.StringVar(&flags.values.projectName, "project-name", "", "Tuning project name")
	pf.StringVar(&flags.values.oracle, "oracle", "", "Search algorithm (hyperband, random, bayesian)")
	pf.IntVar(&flags.values.maxTrials, "max-trials", 0, "Trial budget of the random and bayesian oracles")
	pf.IntVar(&flags.values.maxEpochs, "max-epochs", 0, "Hyperband max epochs")
	pf.IntVar(&flags.values.factor, "factor", 0, "Hyperband reduction factor")
	pf.Int64Var(&flags.values.seed, "seed", 0, "PRNG seed")
	pf.StringVar(&flags.values.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newSearchCommand(flags),
		newSummaryCommand(flags),
		newSpaceCommand(flags),
	)

	return root
}

type changedSet interface {
	Changed(name string) bool
}

// changed returns &v when the flag was set on the command line.
func changed[T any](fs changedSet, name string, v T) *T {
	if !fs.Changed(name) {
		return nil
	}

	return &v
}

func (v flagValues) overrides(fs changedSet) config.Overrides {
	return config.Overrides{
		DataDir:      changed(fs, "data-dir", v.dataDir),
		Synthetic:    changed(fs, "synthetic", v.synthetic),
		Directory:    changed(fs, "directory", v.directory),
		ProjectName:  changed(fs, "project-name", v.projectName),
		Overwrite:    changed(fs, "overwrite", v.overwrite),
		Oracle:       changed(fs, "oracle", v.oracle),
		MaxTrials:    changed(fs, "max-trials", v.maxTrials),
		MaxEpochs:    changed(fs, "max-epochs", v.maxEpochs),
		Factor:       changed(fs, "factor", v.factor),
		SearchEpochs: changed(fs, "search-epochs", v.searchEpochs),
		FinalEpochs:  changed(fs, "final-epochs", v.finalEpochs),
		Patience:     changed(fs, "patience", v.patience),
		BatchSize:    changed(fs, "batch-size", v.batchSize),
		Workers:      changed(fs, "workers", v.workers),
		Seed:         changed(fs, "seed", v.seed),
		Verbose:      changed(fs, "verbose", v.verbose),
		LogLevel:     changed(fs, "log-level", v.logLevel),
	}
}

// loadConfig reads the config, applies the flags set on cmd and sets up
// the default logger.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath, flags.envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg.ApplyOverrides(flags.values.overrides(cmd.Flags()))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))

	return cfg, nil
}
