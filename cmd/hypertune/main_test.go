package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/hypertune"
	"github.com/thalesfsp/hypertune/internal/config"
)

func run(t *testing.T, args ...string) string {
	t.Helper()

	var out bytes.Buffer

	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})

	require.NoError(t, root.Execute())

	return out.String()
}

func TestRegisterSpace(t *testing.T) {
	hp := hypertune.NewHyperParameters()

	units, lr, err := registerSpace(hp)
	require.NoError(t, err)

	assert.Equal(t, 32, units)
	assert.Equal(t, 1e-2, lr)
	assert.Len(t, hp.Space(), 2)

	m, err := spaceOnly(hypertune.NewHyperParameters())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestSearchThenSummary(t *testing.T) {
	dir := t.TempDir()

	common := []string{
		"--synthetic", "120",
		"--directory", dir,
		"--project-name", "cli",
		"--max-epochs", "2",
		"--factor", "2",
		"--log-level", "error",
	}

	out := run(t, append([]string{
		"search",
		"--search-epochs", "2",
		"--final-epochs", "3",
		"--batch-size", "16",
	}, common...)...)

	assert.Contains(t, out, "Search space summary")
	assert.Contains(t, out, "units (Int)")
	assert.Contains(t, out, "learning_rate (Choice)")
	assert.Contains(t, out, "The hyperparameter search is complete")
	assert.Contains(t, out, "Best epoch:")
	assert.Contains(t, out, "[test loss, test accuracy]")

	out = run(t, append([]string{"summary", "--num-trials", "1"}, common...)...)

	assert.Contains(t, out, "Results summary")
	assert.Contains(t, out, "Showing 1 best trials")
	assert.Contains(t, out, "Objective(name='val_accuracy', direction='max')")
	assert.Contains(t, out, "Score:")

	out = run(t, append([]string{"space"}, common...)...)
	assert.Contains(t, out, "Default search space size: 2")
}

func TestSearchWithRandomOracle(t *testing.T) {
	out := run(t,
		"search",
		"--oracle", "random",
		"--max-trials", "2",
		"--synthetic", "120",
		"--directory", t.TempDir(),
		"--project-name", "random",
		"--search-epochs", "2",
		"--final-epochs", "2",
		"--batch-size", "16",
		"--log-level", "error",
	)

	assert.Contains(t, out, "The hyperparameter search is complete")
	assert.Contains(t, out, "[test loss, test accuracy]")
}

func TestNewOracleKinds(t *testing.T) {
	for kind, want := range map[string]any{
		config.OracleHyperband: &hypertune.Hyperband{},
		config.OracleRandom:    &hypertune.RandomSearch{},
		config.OracleBayesian:  &hypertune.Bayesian{},
	} {
		cfg := config.Default()
		cfg.Oracle = kind

		oracle, err := newOracle(cfg)
		require.NoError(t, err, kind)
		assert.IsType(t, want, oracle, kind)
	}

	cfg := config.Default()
	cfg.Oracle = "grid"

	_, err := newOracle(cfg)
	assert.Error(t, err)
}

type flagSet map[string]bool

func (f flagSet) Changed(name string) bool {
	return f[name]
}

func TestOverridesOnlyChangedFlags(t *testing.T) {
	v := flagValues{overwrite: false, seed: 0, maxEpochs: 4, verbose: false}

	o := v.overrides(flagSet{"overwrite": true, "seed": true, "verbose": true})

	require.NotNil(t, o.Overwrite)
	assert.False(t, *o.Overwrite)
	require.NotNil(t, o.Seed)
	assert.Zero(t, *o.Seed)
	require.NotNil(t, o.Verbose)
	assert.False(t, *o.Verbose)

	assert.Nil(t, o.MaxEpochs)
	assert.Nil(t, o.Oracle)
}

func TestFlagsOverrideConfigFileWithZeroValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("seed: 42\noracle: random\noverwrite: true\nsynthetic: 10\n"), 0o644))

	var cfg *config.Config

	flags := &rootFlags{}
	root := newRoot(flags)

	search, _, err := root.Find([]string{"search"})
	require.NoError(t, err)

	// Swap the search action for one that only loads the config.
	search.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err = loadConfig(cmd, flags)
		return err
	}

	root.SetArgs([]string{"search", "--config", path, "--seed", "0", "--overwrite=false", "--log-level", "error"})
	root.SetOut(&bytes.Buffer{})
	require.NoError(t, root.Execute())

	require.NotNil(t, cfg)
	assert.Zero(t, cfg.Seed)
	assert.False(t, cfg.Overwrite)
	assert.Equal(t, config.OracleRandom, cfg.Oracle)
	assert.Equal(t, 10, cfg.Synthetic)
}
