package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// DefaultPath is the experiment file used when --config is not given.
const DefaultPath = "experiments/mlp.json"

// Config captures one experiment: the dataset, model, optimizer, loss,
// metrics, and the cross-cutting run settings.
type Config struct {
	Experiment string `json:"experiment"`

	Data      Data        `json:"data"`
	Model     Model       `json:"model"`
	Optimizer Optimizer   `json:"optimizer"`
	Loss      Loss        `json:"loss"`
	Metrics   []string    `json:"metrics"`
	Epochs    int         `json:"epochs"`
	LogEvery  int         `json:"log_every"`

	GradientClipping float64       `json:"gradient_clipping"`
	Regularizer      *Regularizer  `json:"regularizer,omitempty"`
	EarlyStopping    EarlyStopping `json:"early_stopping"`
	Checkpoint       Checkpoint    `json:"checkpoint"`

	Logs        string `json:"logs"`
	TrackingDB  string `json:"tracking_db"`
	WebhookURL  string `json:"webhook_url"`
	MonitorAddr string `json:"monitor_addr"`
	Resume      string `json:"resume,omitempty"`
}

// Data configures the corpus and batching.
type Data struct {
	Path       string `json:"path"`
	BatchSize  int    `json:"batch_size"`
	NumWorkers int    `json:"num_workers"`
	Seed       int64  `json:"seed"`
}

// Model selects and sizes an architecture.
type Model struct {
	Type       string  `json:"type"`
	InputSize  int     `json:"input_size"`
	HiddenSize int     `json:"hidden_size"`
	NumClasses int     `json:"num_classes"`
	Dropout    float64 `json:"dropout"`
}

// Optimizer configures the parameter update rule.
type Optimizer struct {
	Type        string  `json:"type"`
	LR          float64 `json:"lr"`
	Momentum    float64 `json:"momentum"`
	WeightDecay float64 `json:"weight_decay"`
}

// Loss selects the objective. MaskIndex, when present, names a target
// class excluded from loss and metrics.
type Loss struct {
	Type      string `json:"type"`
	MaskIndex *int   `json:"mask_index,omitempty"`
}

// MaskIndexOrDefault returns the configured mask index, or -1 when
// masking is disabled.
func (l Loss) MaskIndexOrDefault() int {
	if l.MaskIndex == nil {
		return -1
	}
	return *l.MaskIndex
}

// Regularizer configures the reported weight penalty.
type Regularizer struct {
	Type  string  `json:"type"`
	Alpha float64 `json:"alpha"`
}

// EarlyStopping configures patience-based trainer termination.
type EarlyStopping struct {
	Patience int `json:"patience"`
}

// Checkpoint configures epoch snapshots.
type Checkpoint struct {
	Dir          string `json:"dir"`
	Prefix       string `json:"prefix"`
	SaveInterval int    `json:"save_interval"`
	Keep         int    `json:"keep"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataPath    string
	Epochs      int
	BatchSize   int
	Seed        int64
	MonitorAddr string
	Resume      string
}

// Load reads and validates a Config from a JSON experiment file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataPath != "" {
		c.Data.Path = o.DataPath
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Data.BatchSize = o.BatchSize
	}
	if o.Seed != 0 {
		c.Data.Seed = o.Seed
	}
	if o.MonitorAddr != "" {
		c.MonitorAddr = o.MonitorAddr
	}
	if o.Resume != "" {
		c.Resume = o.Resume
	}
}

// Validate verifies the config is runnable and fills defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Experiment == "" {
		return errors.New("experiment name must be set")
	}
	if c.Data.Path == "" {
		return errors.New("data.path must be set")
	}
	if c.Data.BatchSize <= 0 {
		return fmt.Errorf("data.batch_size must be > 0 (got %d)", c.Data.BatchSize)
	}
	if c.Data.NumWorkers <= 0 {
		c.Data.NumWorkers = 1
	}
	if c.Data.Seed == 0 {
		c.Data.Seed = 42
	}
	if c.Model.Type == "" {
		return errors.New("model.type must be set")
	}
	if c.Model.NumClasses <= 0 {
		return fmt.Errorf("model.num_classes must be > 0 (got %d)", c.Model.NumClasses)
	}
	if c.Model.Dropout < 0 || c.Model.Dropout >= 1 {
		return fmt.Errorf("model.dropout must be in [0, 1) (got %g)", c.Model.Dropout)
	}
	if c.Optimizer.Type == "" {
		return errors.New("optimizer.type must be set")
	}
	if c.Optimizer.LR <= 0 {
		return fmt.Errorf("optimizer.lr must be > 0 (got %g)", c.Optimizer.LR)
	}
	if c.Loss.Type == "" {
		return errors.New("loss.type must be set")
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.EarlyStopping.Patience <= 0 {
		c.EarlyStopping.Patience = 10
	}
	if c.Checkpoint.Dir != "" {
		if c.Checkpoint.Prefix == "" {
			c.Checkpoint.Prefix = "experiment"
		}
		if c.Checkpoint.SaveInterval <= 0 {
			c.Checkpoint.SaveInterval = 2
		}
		if c.Checkpoint.Keep <= 0 {
			c.Checkpoint.Keep = 2
		}
	}
	if c.TrackingDB == "" {
		c.TrackingDB = "gradflow.db"
	}
	if c.Regularizer != nil && c.Regularizer.Alpha < 0 {
		return fmt.Errorf("regularizer.alpha must be >= 0 (got %g)", c.Regularizer.Alpha)
	}
	return nil
}
