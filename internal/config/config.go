// Package config loads run configuration with the usual precedence:
// defaults, then an optional config file, then RALPH_* environment
// variables, then CLI flags bound by the command layer.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ralphml/internal/metrics"
)

// DefaultConfigName is the config file basename searched for when no
// --config flag is given (ralphml.yaml).
const DefaultConfigName = "ralphml"

// Config holds everything a run needs. It is snapshotted verbatim into
// the run directory (resolved_config.json) and into the state file.
type Config struct {
	// Task is the natural-language description of what the generated
	// training code should accomplish.
	Task string `mapstructure:"task" json:"task"`

	Target  TargetConfig  `mapstructure:"target" json:"target"`
	Loop    LoopConfig    `mapstructure:"loop" json:"loop"`
	Paths   PathsConfig   `mapstructure:"paths" json:"paths"`
	Train   TrainConfig   `mapstructure:"train" json:"train"`
	Agent   AgentConfig   `mapstructure:"agent" json:"agent"`
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
}

// TargetConfig names the metric the loop optimizes toward.
type TargetConfig struct {
	Name      string  `mapstructure:"name" json:"name"`
	Value     float64 `mapstructure:"value" json:"value"`
	Direction string  `mapstructure:"direction" json:"direction"` // maximize (default) or minimize
}

// LoopConfig holds cycle limits and the no-improvement safeguard.
type LoopConfig struct {
	MaxCycles                int     `mapstructure:"max_cycles" json:"max_cycles"`
	TimeLimitPerCycleMinutes int     `mapstructure:"time_limit_per_cycle_minutes" json:"time_limit_per_cycle_minutes"`
	NoImprovementStopCycles  int     `mapstructure:"no_improvement_stop_cycles" json:"no_improvement_stop_cycles"`
	MinImprovementDelta      float64 `mapstructure:"min_improvement_delta" json:"min_improvement_delta"`
}

// PathsConfig holds directory layout settings.
type PathsConfig struct {
	// RunsDir is where per-run directories are created.
	RunsDir string `mapstructure:"runs_dir" json:"runs_dir"`
	// DataRoot, when set, is linked into the workspace so generated
	// training code can read datasets without copying them.
	DataRoot string `mapstructure:"data_root" json:"data_root,omitempty"`
}

// TrainConfig describes how to invoke the generated training code.
type TrainConfig struct {
	// Command is run with the workspace as working directory and is
	// expected to write metrics.json before exiting.
	Command string `mapstructure:"command" json:"command"`
}

// AgentConfig describes the external code-generation agent.
type AgentConfig struct {
	// Path overrides agent binary discovery. Resolution order when
	// empty: OPENCODE_PATH env var, PATH lookup, fixed fallback.
	Path             string `mapstructure:"path" json:"path,omitempty"`
	Model            string `mapstructure:"model" json:"model,omitempty"`
	HeartbeatSeconds int    `mapstructure:"heartbeat_seconds" json:"heartbeat_seconds"`
}

// LoggingConfig holds structured-log settings.
type LoggingConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file,omitempty"`
}

// Load reads configuration from the given file (or searches the
// working directory for ralphml.{yaml,json} when empty), overlays
// RALPH_* environment variables, and returns a validated Config.
// The *viper.Viper is returned so the command layer can bind flags
// before calling Unmarshal again; pass nil to use a fresh instance.
func Load(cfgFile string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(DefaultConfigName)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("task", "")
	v.SetDefault("target.name", "test_accuracy")
	v.SetDefault("target.value", 0.9)
	v.SetDefault("target.direction", metrics.Maximize)
	v.SetDefault("loop.max_cycles", 10)
	v.SetDefault("loop.time_limit_per_cycle_minutes", 30)
	v.SetDefault("loop.no_improvement_stop_cycles", 3)
	v.SetDefault("loop.min_improvement_delta", 0.01)
	v.SetDefault("paths.runs_dir", "runs")
	v.SetDefault("paths.data_root", "")
	v.SetDefault("train.command", "python train.py --config config.json")
	v.SetDefault("agent.path", "")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.heartbeat_seconds", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

// Validate checks the values that would make a run misbehave.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Target.Name) == "" {
		return fmt.Errorf("target.name is required")
	}
	dir := strings.ToLower(strings.TrimSpace(c.Target.Direction))
	if dir != "" && dir != metrics.Maximize && dir != metrics.Minimize {
		return fmt.Errorf("target.direction %q: must be %q or %q", c.Target.Direction, metrics.Maximize, metrics.Minimize)
	}
	if c.Loop.MaxCycles < 1 {
		return fmt.Errorf("loop.max_cycles must be >= 1, got %d", c.Loop.MaxCycles)
	}
	if c.Loop.TimeLimitPerCycleMinutes < 1 {
		return fmt.Errorf("loop.time_limit_per_cycle_minutes must be >= 1, got %d", c.Loop.TimeLimitPerCycleMinutes)
	}
	if c.Loop.MinImprovementDelta < 0 {
		return fmt.Errorf("loop.min_improvement_delta must be >= 0, got %g", c.Loop.MinImprovementDelta)
	}
	if strings.TrimSpace(c.Train.Command) == "" {
		return fmt.Errorf("train.command is required")
	}
	return nil
}

// TargetMetric converts the target section to its runtime type.
func (c *Config) TargetMetric() metrics.Target {
	return metrics.Target{
		Name:      c.Target.Name,
		Value:     c.Target.Value,
		Direction: c.Target.Direction,
	}
}

// CycleTimeout is the hard wall-clock budget for each phase subprocess.
func (c *Config) CycleTimeout() time.Duration {
	return time.Duration(c.Loop.TimeLimitPerCycleMinutes) * time.Minute
}

// Heartbeat is the interval between progress lines while a silent
// subprocess is running.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Agent.HeartbeatSeconds) * time.Second
}

// JSON renders the resolved config for resolved_config.json and the
// state file's config snapshot.
func (c *Config) JSON() (json.RawMessage, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return data, nil
}

// RunDirName returns the per-run directory name for a start time,
// unique to the microsecond.
func RunDirName(t time.Time) string {
	return fmt.Sprintf("run_%s_%06d", t.Format("20060102_150405"), t.Nanosecond()/1000)
}

// RunDir joins the runs directory with a fresh run directory name.
func (c *Config) RunDir(t time.Time) string {
	return filepath.Join(c.Paths.RunsDir, RunDirName(t))
}

// ExampleConfig is written by the init command.
func ExampleConfig() string {
	return `# ralphml run configuration
# Precedence: CLI flags > RALPH_* environment variables > this file > defaults

task: "Train a small CNN on CIFAR-10 and maximize test accuracy."

target:
  name: test_accuracy
  value: 0.90
  direction: maximize   # or minimize (e.g. for a loss target)

loop:
  max_cycles: 10
  time_limit_per_cycle_minutes: 30
  no_improvement_stop_cycles: 3
  min_improvement_delta: 0.01

paths:
  runs_dir: runs
  # data_root: /datasets/cifar10   # linked into the workspace when set

train:
  command: "python train.py --config config.json"

agent:
  # path: /root/.opencode/bin/opencode
  # model: anthropic/claude-sonnet-4-5
  heartbeat_seconds: 30

logging:
  level: info
  # file: ralphml.log
`
}
