package config

import (
	"fmt"
	"math"
	"path/filepath"
	"slices"

	dmerrors "github.com/adalundhe/docmaker/core/errors"
)

// Context derivation modes for the generator.
const (
	// ContextSliding conditions every step on the trailing window of the
	// seed followed by everything generated so far.
	ContextSliding = "sliding"

	// ContextSeed re-encodes the trailing window of the seed text on every
	// step, ignoring generated output.
	ContextSeed = "seed"
)

type Config struct {
	Data       DataConfig       `yaml:"data"`
	Vectorize  VectorizeConfig  `yaml:"vectorize"`
	Model      ModelConfig      `yaml:"model"`
	Training   TrainingConfig   `yaml:"training"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Generation GenerationConfig `yaml:"generation"`
	RunLog     RunLogConfig     `yaml:"runlog"`
}

type DataConfig struct {
	Dir       string `yaml:"dir"`
	TrainFile string `yaml:"train_file"`
	// LinesToRead caps the corpus; the line on which the cap is first
	// exceeded is still included. Negative reads everything.
	LinesToRead int `yaml:"lines_to_read"`
}

type VectorizeConfig struct {
	MaxSequenceLength int `yaml:"max_sequence_length"`
	Skip              int `yaml:"skip"`
}

type ModelConfig struct {
	Layers       []int   `yaml:"layers"`
	Dropout      float64 `yaml:"dropout"`
	GradientClip float64 `yaml:"gradient_clip"`
	MaxNorm      float64 `yaml:"max_norm"`
}

type TrainingConfig struct {
	BatchSize       int     `yaml:"batch_size"`
	Epochs          int     `yaml:"epochs"`
	ValidationSplit float64 `yaml:"validation_split"`
	LearningRate    float64 `yaml:"learning_rate"`
	Seed            uint64  `yaml:"seed"`
}

type CheckpointConfig struct {
	Stamp string `yaml:"stamp"`
	Dir   string `yaml:"dir"`
	Every int    `yaml:"every"`
}

type GenerationConfig struct {
	SeedText    string  `yaml:"seed_text"`
	Temperature float64 `yaml:"temperature"`
	Length      int     `yaml:"length"`
	Every       int     `yaml:"every"`
	ContextMode string  `yaml:"context_mode"`
	// RandomSeed fixes the sampler source; zero seeds from the clock.
	RandomSeed uint64 `yaml:"random_seed"`
}

type RunLogConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path overrides the ledger location; empty uses the XDG data dir.
	Path string `yaml:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		Data: DataConfig{
			Dir:         "data/",
			TrainFile:   "train_set.txt",
			LinesToRead: 2000,
		},
		Vectorize: VectorizeConfig{
			MaxSequenceLength: 50,
			Skip:              2,
		},
		Model: ModelConfig{
			Layers:       []int{128, 128},
			Dropout:      0.5,
			GradientClip: 5,
			MaxNorm:      3,
		},
		Training: TrainingConfig{
			BatchSize:       512,
			Epochs:          2000,
			ValidationSplit: 0.1,
			LearningRate:    0.001,
			Seed:            1337,
		},
		Checkpoint: CheckpointConfig{
			Stamp: "doc_maker",
			Dir:   ".",
			Every: 10,
		},
		Generation: GenerationConfig{
			SeedText:    "computers are amazing",
			Temperature: 0.6,
			Length:      1000,
			Every:       50,
			ContextMode: ContextSliding,
		},
		RunLog: RunLogConfig{
			Enabled: true,
		},
	}
}

// Clone returns a deep copy that can be modified without affecting c.
func (c *Config) Clone() *Config {
	out := *c
	out.Model.Layers = slices.Clone(c.Model.Layers)
	return &out
}

// TrainPath joins the data directory and the train file pattern.
func (c *Config) TrainPath() string {
	if filepath.IsAbs(c.Data.TrainFile) {
		return c.Data.TrainFile
	}
	return filepath.Join(c.Data.Dir, c.Data.TrainFile)
}

// Validate reports the first out-of-range value as a config error.
func (c *Config) Validate() error {
	checks := []struct {
		ok    bool
		field string
		value any
	}{
		{c.Data.TrainFile != "", "data.train_file", c.Data.TrainFile},
		{c.Vectorize.MaxSequenceLength > 0, "vectorize.max_sequence_length", c.Vectorize.MaxSequenceLength},
		{c.Vectorize.Skip > 0, "vectorize.skip", c.Vectorize.Skip},
		{len(c.Model.Layers) > 0, "model.layers", c.Model.Layers},
		{c.Model.Dropout >= 0 && c.Model.Dropout < 1, "model.dropout", c.Model.Dropout},
		{c.Model.GradientClip >= 0, "model.gradient_clip", c.Model.GradientClip},
		{c.Model.MaxNorm >= 0, "model.max_norm", c.Model.MaxNorm},
		{c.Training.BatchSize > 0, "training.batch_size", c.Training.BatchSize},
		{c.Training.Epochs >= 0, "training.epochs", c.Training.Epochs},
		{c.Training.ValidationSplit >= 0 && c.Training.ValidationSplit < 1, "training.validation_split", c.Training.ValidationSplit},
		{c.Training.LearningRate > 0, "training.learning_rate", c.Training.LearningRate},
		{c.Checkpoint.Stamp != "", "checkpoint.stamp", c.Checkpoint.Stamp},
		{c.Checkpoint.Every > 0, "checkpoint.every", c.Checkpoint.Every},
		{c.Generation.Temperature > 0 && !math.IsInf(c.Generation.Temperature, 0), "generation.temperature", c.Generation.Temperature},
		{c.Generation.Length >= 0, "generation.length", c.Generation.Length},
		{c.Generation.Every > 0, "generation.every", c.Generation.Every},
		{c.Generation.ContextMode == ContextSliding || c.Generation.ContextMode == ContextSeed, "generation.context_mode", c.Generation.ContextMode},
	}
	for _, chk := range checks {
		if !chk.ok {
			return dmerrors.New(dmerrors.KindConfig, "config.Validate", "value out of range").
				With("field", chk.field).
				With("value", fmt.Sprint(chk.value))
		}
	}
	for i, size := range c.Model.Layers {
		if size <= 0 {
			return dmerrors.New(dmerrors.KindConfig, "config.Validate", "layer size must be positive").
				With("field", fmt.Sprintf("model.layers[%d]", i)).
				With("value", size)
		}
	}
	return nil
}
