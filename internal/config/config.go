// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/datapath"
	"firestige.xyz/flowpath/internal/flowtable"
	"firestige.xyz/flowpath/internal/pipeline"
	"firestige.xyz/flowpath/internal/upcall"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `flowpath:` root key in YAML.
type GlobalConfig struct {
	Datapath DatapathConfig `mapstructure:"datapath"`
	Upcall   UpcallConfig   `mapstructure:"upcall"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// ─── Datapath ───

// DatapathConfig configures the switching datapath.
type DatapathConfig struct {
	Name              string        `mapstructure:"name"`
	Workers           int           `mapstructure:"workers"` // 0 = GOMAXPROCS
	Dispatch          string        `mapstructure:"dispatch"`
	DropFragments     bool          `mapstructure:"drop_fragments"`
	SampleProbability uint32        `mapstructure:"sample_probability"`
	ReclaimInterval   time.Duration `mapstructure:"reclaim_interval"`
	Table             TableConfig   `mapstructure:"table"`
	LoopLog           LoopLogConfig `mapstructure:"loop_log"`
}

// TableConfig sizes the flow table. Both sizes are powers of two.
type TableConfig struct {
	InitialBuckets int `mapstructure:"initial_buckets"`
	MaxBuckets     int `mapstructure:"max_buckets"`
}

// LoopLogConfig rate-limits loop diagnostics.
type LoopLogConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// Datapath returns the datapath construction parameters.
func (c *DatapathConfig) Datapath() datapath.Config {
	return datapath.Config{
		Name:              c.Name,
		DropFragments:     c.DropFragments,
		SampleProbability: c.SampleProbability,
		ReclaimInterval:   c.ReclaimInterval,
		Table: flowtable.Config{
			InitialBuckets: c.Table.InitialBuckets,
			MaxBuckets:     c.Table.MaxBuckets,
		},
		LoopLogRate:  c.LoopLog.Rate,
		LoopLogBurst: c.LoopLog.Burst,
	}
}

// ─── Upcalls ───

// UpcallConfig sizes the upcall queues.
type UpcallConfig struct {
	MissQueue   int      `mapstructure:"miss_queue"`
	ActionQueue int      `mapstructure:"action_queue"`
	SampleQueue int      `mapstructure:"sample_queue"`
	Listen      []string `mapstructure:"listen"` // miss | action | sample
}

// Queue returns the upcall queue parameters. Listen must have been
// validated.
func (c *UpcallConfig) Queue() upcall.Config {
	kinds := make([]core.UpcallKind, 0, len(c.Listen))
	for _, name := range c.Listen {
		if k, ok := ParseUpcallKind(name); ok {
			kinds = append(kinds, k)
		}
	}
	return upcall.Config{
		MissQueue:   c.MissQueue,
		ActionQueue: c.ActionQueue,
		SampleQueue: c.SampleQueue,
		Listen:      kinds,
	}
}

// ParseUpcallKind maps a kind name to its value.
func ParseUpcallKind(name string) (core.UpcallKind, bool) {
	for _, k := range []core.UpcallKind{core.UpcallMiss, core.UpcallAction, core.UpcallSample} {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// ─── Pipeline ───

// PipelineConfig configures the frame pipeline.
type PipelineConfig struct {
	ChannelCapacity int `mapstructure:"channel_capacity"`
}

// PipelineParams returns the pipeline parameters for frames arriving on inPort.
func (c *GlobalConfig) PipelineParams(inPort uint16, backpressure bool) pipeline.Config {
	return pipeline.Config{
		Name:            c.Datapath.Name,
		Workers:         c.Datapath.Workers,
		Dispatch:        c.Datapath.Dispatch,
		ChannelCapacity: c.Pipeline.ChannelCapacity,
		InPort:          inPort,
		Backpressure:    backpressure,
	}
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `flowpath: ...`.
type configRoot struct {
	Flowpath GlobalConfig `mapstructure:"flowpath"`
}

// Load loads configuration from file. An empty path loads the defaults.
// The YAML file uses `flowpath:` as root key; env vars use the FLOWPATH_
// prefix (e.g., FLOWPATH_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `flowpath.` key prefix maps to FLOWPATH_ through the replacer
	// (key "flowpath.log.level" → env "FLOWPATH_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Flowpath

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "flowpath." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Datapath defaults
	v.SetDefault("flowpath.datapath.name", "dp0")
	v.SetDefault("flowpath.datapath.workers", 0)
	v.SetDefault("flowpath.datapath.dispatch", pipeline.DispatchFlowHash)
	v.SetDefault("flowpath.datapath.drop_fragments", false)
	v.SetDefault("flowpath.datapath.sample_probability", 0)
	v.SetDefault("flowpath.datapath.reclaim_interval", "100ms")
	v.SetDefault("flowpath.datapath.table.initial_buckets", flowtable.DefaultBuckets)
	v.SetDefault("flowpath.datapath.table.max_buckets", flowtable.DefaultMaxBuckets)
	v.SetDefault("flowpath.datapath.loop_log.rate", 1.0)
	v.SetDefault("flowpath.datapath.loop_log.burst", 5)

	// Upcall defaults
	v.SetDefault("flowpath.upcall.miss_queue", upcall.DefaultCapacity)
	v.SetDefault("flowpath.upcall.action_queue", upcall.DefaultCapacity)
	v.SetDefault("flowpath.upcall.sample_queue", upcall.DefaultCapacity)
	v.SetDefault("flowpath.upcall.listen", []string{"miss", "action", "sample"})

	// Pipeline defaults
	v.SetDefault("flowpath.pipeline.channel_capacity", 1024)

	// Metrics defaults
	v.SetDefault("flowpath.metrics.enabled", false)
	v.SetDefault("flowpath.metrics.listen", "127.0.0.1:9469")
	v.SetDefault("flowpath.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("flowpath.log.level", "info")
	v.SetDefault("flowpath.log.format", "text")
	v.SetDefault("flowpath.log.outputs.file.enabled", false)
	v.SetDefault("flowpath.log.outputs.file.path", "")
	v.SetDefault("flowpath.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("flowpath.log.outputs.file.rotation.max_age_days", 7)
	v.SetDefault("flowpath.log.outputs.file.rotation.max_backups", 3)
	v.SetDefault("flowpath.log.outputs.file.rotation.compress", false)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Validate checks the configuration. Errors wrap core.ErrConfigInvalid.
func (cfg *GlobalConfig) Validate() error {
	// ── Datapath ──
	dp := &cfg.Datapath
	if dp.Name == "" {
		return invalid("datapath.name is required")
	}
	if dp.Workers < 0 {
		return invalid("datapath.workers must be >= 0, got %d", dp.Workers)
	}
	if dp.Dispatch != pipeline.DispatchFlowHash && dp.Dispatch != pipeline.DispatchRoundRobin {
		return invalid("unknown datapath.dispatch: %s (must be %s/%s)",
			dp.Dispatch, pipeline.DispatchFlowHash, pipeline.DispatchRoundRobin)
	}
	if dp.ReclaimInterval <= 0 {
		return invalid("datapath.reclaim_interval must be positive, got %s", dp.ReclaimInterval)
	}
	if !isPowerOfTwo(dp.Table.InitialBuckets) {
		return invalid("datapath.table.initial_buckets must be a power of two, got %d", dp.Table.InitialBuckets)
	}
	if !isPowerOfTwo(dp.Table.MaxBuckets) {
		return invalid("datapath.table.max_buckets must be a power of two, got %d", dp.Table.MaxBuckets)
	}
	if dp.Table.InitialBuckets > dp.Table.MaxBuckets {
		return invalid("datapath.table.initial_buckets (%d) exceeds max_buckets (%d)",
			dp.Table.InitialBuckets, dp.Table.MaxBuckets)
	}
	if dp.LoopLog.Rate <= 0 || dp.LoopLog.Burst <= 0 {
		return invalid("datapath.loop_log rate and burst must be positive")
	}

	// ── Upcalls ──
	up := &cfg.Upcall
	for name, n := range map[string]int{
		"miss_queue":   up.MissQueue,
		"action_queue": up.ActionQueue,
		"sample_queue": up.SampleQueue,
	} {
		if n <= 0 {
			return invalid("upcall.%s must be > 0, got %d", name, n)
		}
	}
	for _, name := range up.Listen {
		if _, ok := ParseUpcallKind(name); !ok {
			return invalid("unknown upcall.listen kind: %s (must be miss/action/sample)", name)
		}
	}

	// ── Pipeline ──
	if cfg.Pipeline.ChannelCapacity <= 0 {
		return invalid("pipeline.channel_capacity must be > 0, got %d", cfg.Pipeline.ChannelCapacity)
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}

	// ── Log ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when the file output is enabled")
	}
	return nil
}
