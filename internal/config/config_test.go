package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.MaxEpochs)
	assert.Equal(t, 3, cfg.Factor)
	assert.Equal(t, 50, cfg.SearchEpochs)
	assert.Equal(t, "val_loss", cfg.Monitor)
	assert.Equal(t, 5, cfg.Patience)
	assert.Equal(t, 0.2, cfg.ValidationSplit)
	assert.Equal(t, "intro_to_kt", cfg.ProjectName)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, "config.yaml", `
max_epochs: 27
factor: 4
project_name: from_yaml
batch_size: 64
`)
	envFile := writeFile(t, ".env", "HYPERTUNE_FACTOR=5\nHYPERTUNE_BATCH_SIZE=16\n")

	t.Setenv("HYPERTUNE_BATCH_SIZE", "128")
	t.Setenv("HYPERTUNE_LOG_FORMAT", "json")

	cfg, err := Load(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, 27, cfg.MaxEpochs)
	assert.Equal(t, "from_yaml", cfg.ProjectName)
	assert.Equal(t, 5, cfg.Factor)
	assert.Equal(t, 128, cfg.BatchSize)
	assert.Equal(t, "json", cfg.LogFormat)

	// Untouched keys keep their defaults.
	assert.Equal(t, 50, cfg.FinalEpochs)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "unknown_key: 1\n"), "")
	assert.Error(t, err)

	_, err = Load(writeFile(t, "invalid.yaml", "factor: 1\n"), "")
	assert.ErrorContains(t, err, "factor")

	t.Setenv("HYPERTUNE_MAX_EPOCHS", "ten")
	_, err = Load("", "")
	assert.Error(t, err)
}

func ptr[T any](v T) *T {
	return &v
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{
		MaxEpochs: ptr(4),
		Synthetic: ptr(500),
		Verbose:   ptr(true),
		LogLevel:  ptr("debug"),
		Oracle:    ptr(OracleBayesian),
	})

	assert.Equal(t, 4, cfg.MaxEpochs)
	assert.Equal(t, 500, cfg.Synthetic)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, OracleBayesian, cfg.Oracle)
	assert.Equal(t, 3, cfg.Factor)
	require.NoError(t, cfg.Validate())

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestApplyOverridesZeroValues(t *testing.T) {
	path := writeFile(t, "config.yaml", `
overwrite: true
verbose: true
seed: 42
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.True(t, cfg.Overwrite)
	require.Equal(t, int64(42), cfg.Seed)

	cfg.ApplyOverrides(Overrides{
		Overwrite: ptr(false),
		Verbose:   ptr(false),
		Seed:      ptr(int64(0)),
	})

	assert.False(t, cfg.Overwrite)
	assert.False(t, cfg.Verbose)
	assert.Zero(t, cfg.Seed)

	// Nil overrides leave the loaded values alone.
	cfg.ApplyOverrides(Overrides{})
	assert.Equal(t, 10, cfg.MaxEpochs)
	assert.Equal(t, OracleHyperband, cfg.Oracle)
}

func TestValidate(t *testing.T) {
	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())

	for name, mutate := range map[string]func(*Config){
		"max_epochs":       func(c *Config) { c.MaxEpochs = 1 },
		"validation_split": func(c *Config) { c.ValidationSplit = 0 },
		"batch_size":       func(c *Config) { c.BatchSize = 0 },
		"log_level":        func(c *Config) { c.LogLevel = "loud" },
		"log_format":       func(c *Config) { c.LogFormat = "xml" },
		"data_dir":         func(c *Config) { c.DataDir = "" },
		"oracle":           func(c *Config) { c.Oracle = "grid" },
		"max_trials":       func(c *Config) { c.MaxTrials = 0 },
	} {
		cfg := Default()
		mutate(cfg)
		assert.ErrorContains(t, cfg.Validate(), name)
	}

	cfg := Default()
	cfg.DataDir = ""
	cfg.Synthetic = 100
	assert.NoError(t, cfg.Validate())
}
