package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HYPERTUNE_"

// Oracle kinds.
const (
	OracleHyperband = "hyperband"
	OracleRandom    = "random"
	OracleBayesian  = "bayesian"
)

// Config captures the knobs of a tuning run.
type Config struct {
	DataDir     string `yaml:"data_dir" env:"DATA_DIR"`
	DownloadURL string `yaml:"download_url" env:"DOWNLOAD_URL"`
	Download    bool   `yaml:"download" env:"DOWNLOAD"`

	// Synthetic, when > 0, replaces the image dataset with a generated one
	// of that many training samples.
	Synthetic int `yaml:"synthetic" env:"SYNTHETIC"`

	Directory   string `yaml:"directory" env:"DIRECTORY"`
	ProjectName string `yaml:"project_name" env:"PROJECT_NAME"`
	Overwrite   bool   `yaml:"overwrite" env:"OVERWRITE"`

	// Oracle is one of hyperband, random or bayesian. MaxTrials only
	// applies to random and bayesian.
	Oracle    string `yaml:"oracle" env:"ORACLE"`
	MaxTrials int    `yaml:"max_trials" env:"MAX_TRIALS"`

	Objective           string `yaml:"objective" env:"OBJECTIVE"`
	MaxEpochs           int    `yaml:"max_epochs" env:"MAX_EPOCHS"`
	Factor              int    `yaml:"factor" env:"FACTOR"`
	HyperbandIterations int    `yaml:"hyperband_iterations" env:"HYPERBAND_ITERATIONS"`
	ExecutionsPerTrial  int    `yaml:"executions_per_trial" env:"EXECUTIONS_PER_TRIAL"`
	Workers             int    `yaml:"workers" env:"WORKERS"`

	SearchEpochs    int     `yaml:"search_epochs" env:"SEARCH_EPOCHS"`
	FinalEpochs     int     `yaml:"final_epochs" env:"FINAL_EPOCHS"`
	Monitor         string  `yaml:"monitor" env:"MONITOR"`
	Patience        int     `yaml:"patience" env:"PATIENCE"`
	BatchSize       int     `yaml:"batch_size" env:"BATCH_SIZE"`
	ValidationSplit float64 `yaml:"validation_split" env:"VALIDATION_SPLIT"`
	Seed            int64   `yaml:"seed" env:"SEED"`
	Verbose         bool    `yaml:"verbose" env:"VERBOSE"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// Overrides captures CLI supplied values. Nil fields were not supplied.
type Overrides struct {
	DataDir      *string
	Synthetic    *int
	Directory    *string
	ProjectName  *string
	Overwrite    *bool
	Oracle       *string
	MaxTrials    *int
	MaxEpochs    *int
	Factor       *int
	SearchEpochs *int
	FinalEpochs  *int
	Patience     *int
	BatchSize    *int
	Workers      *int
	Seed         *int64
	Verbose      *bool
	LogLevel     *string
}

// Default returns the configuration of the Fashion-MNIST walkthrough.
func Default() *Config {
	return &Config{
		DataDir:             "data/fashion_mnist",
		DownloadURL:         "https://storage.googleapis.com/tensorflow/tf-keras-datasets/",
		Directory:           "my_dir",
		ProjectName:         "intro_to_kt",
		Oracle:              OracleHyperband,
		MaxTrials:           10,
		Objective:           "val_accuracy",
		MaxEpochs:           10,
		Factor:              3,
		HyperbandIterations: 1,
		ExecutionsPerTrial:  1,
		Workers:             1,
		SearchEpochs:        50,
		FinalEpochs:         50,
		Monitor:             "val_loss",
		Patience:            5,
		BatchSize:           32,
		ValidationSplit:     0.2,
		Seed:                1,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load builds a Config from the defaults, the YAML file at path (optional),
// the dotenv file at envFile (optional) and HYPERTUNE_* environment
// variables, in increasing order of precedence. Variables already set in
// the process environment win over the dotenv file.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}

		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	environment := env.ToMap(os.Environ())

	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}

		for k, v := range fileEnv {
			if _, ok := environment[k]; !ok {
				environment[k] = v
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environment,
	}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg with every supplied override, zero values
// included.
func (c *Config) ApplyOverrides(o Overrides) {
	apply(&c.DataDir, o.DataDir)
	apply(&c.Synthetic, o.Synthetic)
	apply(&c.Directory, o.Directory)
	apply(&c.ProjectName, o.ProjectName)
	apply(&c.Overwrite, o.Overwrite)
	apply(&c.Oracle, o.Oracle)
	apply(&c.MaxTrials, o.MaxTrials)
	apply(&c.MaxEpochs, o.MaxEpochs)
	apply(&c.Factor, o.Factor)
	apply(&c.SearchEpochs, o.SearchEpochs)
	apply(&c.FinalEpochs, o.FinalEpochs)
	apply(&c.Patience, o.Patience)
	apply(&c.BatchSize, o.BatchSize)
	apply(&c.Workers, o.Workers)
	apply(&c.Seed, o.Seed)
	apply(&c.Verbose, o.Verbose)
	apply(&c.LogLevel, o.LogLevel)
}

func apply[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataDir == "" && c.Synthetic <= 0 {
		return errors.New("data_dir must be set unless synthetic data is used")
	}
	if c.Synthetic < 0 {
		return fmt.Errorf("synthetic must be >= 0 (got %d)", c.Synthetic)
	}
	if c.Download && c.DownloadURL == "" {
		return errors.New("download_url must be set when download is enabled")
	}
	if c.Directory == "" || c.ProjectName == "" {
		return errors.New("directory and project_name must be set")
	}
	switch c.Oracle {
	case OracleHyperband, OracleRandom, OracleBayesian:
	default:
		return fmt.Errorf("oracle must be hyperband, random or bayesian (got %q)", c.Oracle)
	}
	if c.MaxTrials <= 0 {
		return fmt.Errorf("max_trials must be > 0 (got %d)", c.MaxTrials)
	}
	if c.Objective == "" {
		return errors.New("objective must be set")
	}
	if c.MaxEpochs <= 1 {
		return fmt.Errorf("max_epochs must be > 1 (got %d)", c.MaxEpochs)
	}
	if c.Factor < 2 {
		return fmt.Errorf("factor must be >= 2 (got %d)", c.Factor)
	}
	if c.HyperbandIterations <= 0 {
		return fmt.Errorf("hyperband_iterations must be > 0 (got %d)", c.HyperbandIterations)
	}
	if c.ExecutionsPerTrial <= 0 {
		return fmt.Errorf("executions_per_trial must be > 0 (got %d)", c.ExecutionsPerTrial)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0 (got %d)", c.Workers)
	}
	if c.SearchEpochs <= 0 {
		return fmt.Errorf("search_epochs must be > 0 (got %d)", c.SearchEpochs)
	}
	if c.FinalEpochs <= 0 {
		return fmt.Errorf("final_epochs must be > 0 (got %d)", c.FinalEpochs)
	}
	if c.Patience < 0 {
		return fmt.Errorf("patience must be >= 0 (got %d)", c.Patience)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.ValidationSplit <= 0 || c.ValidationSplit >= 1 {
		return fmt.Errorf("validation_split must be in (0, 1) (got %v)", c.ValidationSplit)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json (got %q)", c.LogFormat)
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}

	return level, nil
}
