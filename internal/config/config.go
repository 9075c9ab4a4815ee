// Package config defines the process configuration and its layered loading.
package config

import (
	"fmt"
	"time"
)

// Config holds all counterfact configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogJSON switches stderr logging from text to JSON lines.
	LogJSON bool `koanf:"log_json"`

	Data     DataConfig    `koanf:"data"`
	Model    ModelConfig   `koanf:"model"`
	Explain  ExplainConfig `koanf:"explain"`
	Targets  TargetsConfig `koanf:"targets"`
	Output   OutputConfig  `koanf:"output"`
	CacheDir string        `koanf:"cache_dir"`
	Seed     int64         `koanf:"seed"`
}

// DataConfig locates and describes the event dataset.
type DataConfig struct {
	Dir       string `koanf:"dir"`
	Name      string `koanf:"name"`
	Directed  bool   `koanf:"directed"`
	Bipartite bool   `koanf:"bipartite"`
}

// ModelConfig locates the ONNX artifacts.
type ModelConfig struct {
	// Path is the exported link predictor.
	Path string `koanf:"path"`
	// SamplerPath is the pretrained candidate scorer; required only for
	// the pretrained selection strategy.
	SamplerPath string `koanf:"sampler_path"`
	// Workers bounds concurrent predictor calls.
	Workers int `koanf:"workers"`
}

// ExplainConfig parameterizes the search.
type ExplainConfig struct {
	// Explainer is one of greedy, cody, tgnnexplainer.
	Explainer string `koanf:"explainer"`
	// Strategy is one of random, recency, structural, pretrained, or
	// "all" to fan out over every strategy.
	Strategy string `koanf:"strategy"`

	// Hops and PoolSize shape the fixed-size candidate subgraph.
	Hops     int `koanf:"hops"`
	PoolSize int `koanf:"pool_size"`
	// SampleSize is how many ranked candidates each search round draws.
	SampleSize int `koanf:"sample_size"`

	// Steps caps predictor calls per target; Timeout caps wall-clock time
	// per target, 0 meaning none.
	Steps   int           `koanf:"steps"`
	Timeout time.Duration `koanf:"timeout"`

	// FlipThreshold is the logit decision boundary a perturbed score must
	// cross to count as a counterfactual; 0 is the model's own boundary.
	FlipThreshold float64 `koanf:"flip_threshold"`

	// ProgressThreshold and Patience tune CoDy's backtracking.
	ProgressThreshold float64 `koanf:"progress_threshold"`
	Patience          int     `koanf:"patience"`
}

// TargetsConfig picks which events get explained.
type TargetsConfig struct {
	// File is an optional newline-separated id list. When absent, Count
	// ids are sampled from the [SectionStart, SectionEnd) fraction of the
	// event stream and written back to File for later runs.
	File         string  `koanf:"file"`
	Count        int     `koanf:"count"`
	SectionStart float64 `koanf:"section_start"`
	SectionEnd   float64 `koanf:"section_end"`
	// WrongOnly keeps only targets the model predicts incorrectly, the
	// usual subjects of a counterfactual study.
	WrongOnly bool `koanf:"wrong_only"`
}

// OutputConfig locates run artifacts.
type OutputConfig struct {
	ResultsPath   string `koanf:"results_path"`
	CheckpointDir string `koanf:"checkpoint_dir"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel: "info",
		Data: DataConfig{
			Dir:  "data",
			Name: "wikipedia",
		},
		Model: ModelConfig{
			Path:    "models/predictor.onnx",
			Workers: 4,
		},
		Explain: ExplainConfig{
			Explainer:  "greedy",
			Strategy:   "recency",
			Hops:       2,
			PoolSize:   64,
			SampleSize: 10,
			Steps:      200,
			Patience:   3,
		},
		Targets: TargetsConfig{
			Count:        100,
			SectionStart: 0.7, // the validation slice of the stream
			SectionEnd:   1.0,
			WrongOnly:    true,
		},
		Output: OutputConfig{
			ResultsPath:   "results/explanations.csv",
			CheckpointDir: "results/checkpoints",
		},
		Seed: 42,
	}
}

// Validate rejects configurations no run could honor.
func (c *Config) Validate() error {
	if c.Data.Dir == "" || c.Data.Name == "" {
		return fmt.Errorf("config: data.dir and data.name must not be empty")
	}
	if c.Model.Path == "" {
		return fmt.Errorf("config: model.path must not be empty")
	}
	if c.Model.Workers <= 0 {
		return fmt.Errorf("config: model.workers must be positive, got %d", c.Model.Workers)
	}
	if c.Explain.PoolSize <= 0 || c.Explain.SampleSize <= 0 {
		return fmt.Errorf("config: explain.pool_size and explain.sample_size must be positive")
	}
	if c.Explain.Hops <= 0 {
		return fmt.Errorf("config: explain.hops must be positive, got %d", c.Explain.Hops)
	}
	if c.Explain.Steps < 0 {
		return fmt.Errorf("config: explain.steps must not be negative, got %d", c.Explain.Steps)
	}
	if c.Explain.Strategy == "pretrained" && c.Model.SamplerPath == "" {
		return fmt.Errorf("config: the pretrained strategy needs model.sampler_path")
	}
	if c.Targets.File == "" && c.Targets.Count <= 0 {
		return fmt.Errorf("config: targets.count must be positive when no target file is given")
	}
	if c.Targets.SectionStart < 0 || c.Targets.SectionEnd > 1 ||
		c.Targets.SectionStart >= c.Targets.SectionEnd {
		return fmt.Errorf("config: targets section [%v, %v) is not a valid fraction range",
			c.Targets.SectionStart, c.Targets.SectionEnd)
	}
	if c.Output.ResultsPath == "" {
		return fmt.Errorf("config: output.results_path must not be empty")
	}
	return nil
}
