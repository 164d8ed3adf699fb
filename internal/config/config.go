// Package config defines the closed configuration surface of the
// coordinator. Every recognized option is an explicit, typed field; unknown
// keys are rejected at load time instead of being silently ignored.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// RecoveryMode selects when the recovery manager reacts to a worker loss.
type RecoveryMode string

const (
	// RecoveryEager starts promotion as soon as a single absence is
	// detected. Lower latency, can thrash on transient losses.
	RecoveryEager RecoveryMode = "eager"

	// RecoveryDeferred waits for a quorum-confirmed membership change (a
	// closed rendezvous round) before acting.
	RecoveryDeferred RecoveryMode = "deferred"
)

// Config enumerates every option the coordinator recognizes.
type Config struct {
	// Rendezvous.
	RunID           string        `yaml:"run_id"`
	StoreEndpoint   string        `yaml:"store_endpoint"`
	MinNodes        int           `yaml:"min_nodes"`
	MaxNodes        int           `yaml:"max_nodes"`
	LastCallTimeout time.Duration `yaml:"last_call_timeout"`
	JoinTimeout     time.Duration `yaml:"join_timeout"`

	// Topology.
	PipelineSize     int `yaml:"pipeline_size"`
	DataParallelSize int `yaml:"data_parallel_size"`

	// Partition.
	LayerCount           int   `yaml:"layer_count"`
	CustomPartitionSizes []int `yaml:"custom_partition_sizes"`
	TrailingSteps        int   `yaml:"trailing_steps"`

	// Redundancy and recovery.
	RedundancyLevel     int           `yaml:"redundancy_level"`
	RecoveryMode        RecoveryMode  `yaml:"recovery_mode"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	RecoveryWindow      time.Duration `yaml:"recovery_window"`

	// Operational.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MetricsAddr       string        `yaml:"metrics_addr"`
}

// Default returns the configuration defaults applied before loading.
func Default() Config {
	return Config{
		StoreEndpoint:       "http://127.0.0.1:7420",
		LastCallTimeout:     30 * time.Second,
		JoinTimeout:         10 * time.Minute,
		RecoveryMode:        RecoveryDeferred,
		MaxRecoveryAttempts: 3,
		RecoveryWindow:      5 * time.Minute,
		HeartbeatInterval:   time.Second,
	}
}

// Load reads a YAML config file on top of the defaults. Decoding is strict:
// a key that is not part of Config is a load error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	// run_id is the one field worth defaulting; ad-hoc runs should not
	// have to invent one.
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field's range. It is called by Parse and again by
// commands that build a Config from flags.
func (c *Config) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("run_id must be set")
	}
	if c.StoreEndpoint == "" {
		return fmt.Errorf("store_endpoint must be set")
	}
	if c.MinNodes < 1 {
		return fmt.Errorf("min_nodes %d must be at least 1", c.MinNodes)
	}
	if c.MaxNodes < c.MinNodes {
		return fmt.Errorf("max_nodes %d must be >= min_nodes %d", c.MaxNodes, c.MinNodes)
	}
	if c.LastCallTimeout <= 0 {
		return fmt.Errorf("last_call_timeout must be positive")
	}
	if c.JoinTimeout <= c.LastCallTimeout {
		return fmt.Errorf("join_timeout %s must exceed last_call_timeout %s", c.JoinTimeout, c.LastCallTimeout)
	}
	if c.PipelineSize < 1 {
		return fmt.Errorf("pipeline_size %d must be at least 1", c.PipelineSize)
	}
	if c.DataParallelSize < 1 {
		return fmt.Errorf("data_parallel_size %d must be at least 1", c.DataParallelSize)
	}
	if c.LayerCount < c.PipelineSize {
		return fmt.Errorf("layer_count %d must be >= pipeline_size %d", c.LayerCount, c.PipelineSize)
	}
	if len(c.CustomPartitionSizes) > 0 && len(c.CustomPartitionSizes) != c.PipelineSize {
		return fmt.Errorf("custom_partition_sizes has %d entries, pipeline_size is %d",
			len(c.CustomPartitionSizes), c.PipelineSize)
	}
	if c.TrailingSteps < 0 {
		return fmt.Errorf("trailing_steps must not be negative")
	}
	if c.RedundancyLevel < 0 {
		return fmt.Errorf("redundancy_level must not be negative")
	}
	if c.RedundancyLevel >= c.DataParallelSize && c.RedundancyLevel > 0 {
		return fmt.Errorf("redundancy_level %d needs %d data-parallel slots per stage, have %d",
			c.RedundancyLevel, c.RedundancyLevel+1, c.DataParallelSize)
	}
	switch c.RecoveryMode {
	case RecoveryEager, RecoveryDeferred:
	default:
		return fmt.Errorf("recovery_mode %q must be %q or %q", c.RecoveryMode, RecoveryEager, RecoveryDeferred)
	}
	if c.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("max_recovery_attempts %d must be at least 1", c.MaxRecoveryAttempts)
	}
	if c.RecoveryWindow <= 0 {
		return fmt.Errorf("recovery_window must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	return nil
}

// Eager reports whether recovery runs in eager mode.
func (c *Config) Eager() bool {
	return c.RecoveryMode == RecoveryEager
}
