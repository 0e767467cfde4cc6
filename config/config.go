// Package config holds the per-run training configuration consumed by the
// orchestration layer. Invalid combinations are configuration errors raised
// at construction time, never at step time.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/distclip/distclip/types/shapes"
)

// ErrConfiguration tags all construction-time configuration failures;
// check with errors.Is.
var ErrConfiguration = errors.New("configuration error")

// Precision is the numeric precision mode of the run.
type Precision string

const (
	Precision32   Precision = "32"
	Precision16   Precision = "16"
	PrecisionBF16 Precision = "bf16"
)

// DType returns the activation dtype the schedules run under.
func (p Precision) DType() shapes.DType {
	switch p {
	case Precision32:
		return shapes.Float32
	case Precision16:
		return shapes.Float16
	case PrecisionBF16:
		return shapes.BFloat16
	}
	return shapes.InvalidDType
}

// Config is the immutable per-run configuration. Field names mirror the
// option keys of the training-configuration file.
type Config struct {
	TensorModelParallelSize          int  `mapstructure:"tensor_model_parallel_size"`
	PipelineModelParallelSize        int  `mapstructure:"pipeline_model_parallel_size"`
	VirtualPipelineModelParallelSize int  `mapstructure:"virtual_pipeline_model_parallel_size"` // 0 = disabled
	SequenceParallel                 bool `mapstructure:"sequence_parallel"`

	MicroBatchSize  int `mapstructure:"micro_batch_size"`
	GlobalBatchSize int `mapstructure:"global_batch_size"`

	Precision Precision `mapstructure:"precision"`

	// AmpO2 enables the fused mixed-precision optimizer mode: master fp32
	// weights with fp32 "main" gradient buffers shadowing the half-precision
	// model gradients.
	AmpO2 bool `mapstructure:"megatron_amp_O2"`

	// DistributedOptimizer shards optimizer state across the data-parallel
	// group and reduces gradients internally during the step.
	DistributedOptimizer bool `mapstructure:"distributed_optimizer"`

	// DropLast permits dropping an incomplete trailing batch instead of
	// failing the step.
	DropLast bool `mapstructure:"drop_last"`

	LocalLoss      bool `mapstructure:"local_loss"`
	GatherWithGrad bool `mapstructure:"gather_with_grad"`

	// AccumulateGradBatches must be 1: gradient accumulation happens inside
	// the step via micro-batches, so trainer-side accumulation on top of it
	// is a configuration error.
	AccumulateGradBatches int `mapstructure:"accumulate_grad_batches"`
}

// Default returns a Config with the neutral single-process defaults.
func Default() *Config {
	return &Config{
		TensorModelParallelSize:   1,
		PipelineModelParallelSize: 1,
		MicroBatchSize:            1,
		GlobalBatchSize:           1,
		Precision:                 Precision32,
		AccumulateGradBatches:     1,
	}
}

// InterleavedPipelining reports whether virtual (interleaved) pipelining is
// configured.
func (c *Config) InterleavedPipelining() bool {
	return c.VirtualPipelineModelParallelSize > 0
}

// VirtualStages returns the number of virtual stages per rank, at least 1.
func (c *Config) VirtualStages() int {
	if c.VirtualPipelineModelParallelSize > 0 {
		return c.VirtualPipelineModelParallelSize
	}
	return 1
}

// Validate checks the configuration. All failures wrap ErrConfiguration.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return errors.Wrapf(ErrConfiguration, format, args...)
	}
	if c.TensorModelParallelSize < 1 || c.PipelineModelParallelSize < 1 {
		return fail("tensor (%d) and pipeline (%d) model parallel sizes must be >= 1",
			c.TensorModelParallelSize, c.PipelineModelParallelSize)
	}
	if c.MicroBatchSize < 1 || c.GlobalBatchSize < 1 {
		return fail("micro (%d) and global (%d) batch sizes must be >= 1",
			c.MicroBatchSize, c.GlobalBatchSize)
	}
	if c.Precision.DType() == shapes.InvalidDType {
		return fail("precision must be one of 32, 16, bf16; got %q", c.Precision)
	}
	if c.VirtualPipelineModelParallelSize > 0 {
		if !c.AmpO2 {
			return fail("virtual pipeline model parallel is only supported with megatron_amp_O2")
		}
		if c.PipelineModelParallelSize <= 1 {
			return fail("virtual pipeline model parallel requires pipeline_model_parallel_size > 1, got %d",
				c.PipelineModelParallelSize)
		}
	}
	if c.AccumulateGradBatches != 1 {
		return fail("gradient accumulation is done within the step; accumulate_grad_batches must equal 1, got %d",
			c.AccumulateGradBatches)
	}
	return nil
}

// Load reads a configuration file (YAML, TOML or JSON by extension) plus
// DISTCLIP_* environment overrides, applies defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("distclip")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("tensor_model_parallel_size", def.TensorModelParallelSize)
	v.SetDefault("pipeline_model_parallel_size", def.PipelineModelParallelSize)
	v.SetDefault("micro_batch_size", def.MicroBatchSize)
	v.SetDefault("global_batch_size", def.GlobalBatchSize)
	v.SetDefault("precision", string(def.Precision))
	v.SetDefault("accumulate_grad_batches", def.AccumulateGradBatches)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed reading config file %q", path)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "failed decoding config file %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
