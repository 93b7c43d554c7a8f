// Package config loads codeagent settings from a YAML file, CODEAGENT_*
// environment variables and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CODEAGENT_SESSION_MAX_ROUNDS.
const EnvPrefix = "CODEAGENT"

// Config is the full codeagent configuration.
type Config struct {
	Provider   string           `mapstructure:"provider" validate:"omitempty,oneof=openai anthropic gemini"`
	Model      string           `mapstructure:"model" validate:"required"`
	WorkDir    string           `mapstructure:"workdir"`
	Session    SessionConfig    `mapstructure:"session"`
	Correction CorrectionConfig `mapstructure:"correction"`
	Phases     PhasesConfig     `mapstructure:"phases"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SessionConfig mirrors agentloop.SessionConfig.
type SessionConfig struct {
	MaxRounds               int            `mapstructure:"max_rounds" validate:"min=1"`
	TaskTimeout             time.Duration  `mapstructure:"task_timeout" validate:"min=0"`
	MaxParallelTools        int            `mapstructure:"max_parallel_tools" validate:"min=1"`
	DefaultCommandTimeoutMs int            `mapstructure:"default_command_timeout_ms" validate:"min=1"`
	MaxCommandTimeoutMs     int            `mapstructure:"max_command_timeout_ms" validate:"gtefield=DefaultCommandTimeoutMs"`
	ReasoningEffort         string         `mapstructure:"reasoning_effort" validate:"omitempty,oneof=low medium high"`
	ToolOutputLimits        map[string]int `mapstructure:"tool_output_limits" validate:"omitempty,dive,min=0"`
	ToolLineLimits          map[string]int `mapstructure:"tool_line_limits" validate:"omitempty,dive,min=0"`
	EnableLoopDetection     bool           `mapstructure:"enable_loop_detection"`
	LoopDetectionWindow     int            `mapstructure:"loop_detection_window" validate:"min=2"`
	ContextWarningRatio     float64        `mapstructure:"context_warning_ratio" validate:"gt=0,lte=1"`
	MaxSubagentDepth        int            `mapstructure:"max_subagent_depth" validate:"min=0,max=5"`
	UserInstructions        string         `mapstructure:"user_instructions"`
}

// CorrectionConfig controls automatic retries of failed tasks.
type CorrectionConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	MaxAttemptsPerSignature int           `mapstructure:"max_attempts_per_signature" validate:"min=0"`
	MaxTotalAttempts        int           `mapstructure:"max_total_attempts" validate:"min=0"`
	SeverityCeiling         string        `mapstructure:"severity_ceiling" validate:"oneof=low medium high critical"`
	BaseDelay               time.Duration `mapstructure:"base_delay" validate:"min=0"`
	MaxDelay                time.Duration `mapstructure:"max_delay" validate:"min=0"`
}

// PhasesConfig controls plan execution.
type PhasesConfig struct {
	MaxParallel int           `mapstructure:"max_parallel" validate:"min=1"`
	MaxRounds   int           `mapstructure:"max_rounds" validate:"min=0"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"min=0"`
	MaxPhases   int           `mapstructure:"max_phases" validate:"min=1"`
	StatusFile  string        `mapstructure:"status_file"`
}

// PolicyConfig selects the tool-call policies.
type PolicyConfig struct {
	WorkspaceGuard  bool     `mapstructure:"workspace_guard"`
	DefaultDenyList bool     `mapstructure:"default_deny_list"`
	DenyCommands    []string `mapstructure:"deny_commands"`
}

// LoggingConfig controls the CLI logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// Default returns a Config with the library defaults.
func Default() *Config {
	s := agentloop.DefaultSessionConfig()
	c := agentloop.DefaultCorrectionPolicy()
	return &Config{
		Provider: "openai",
		Model:    "gpt-4o",
		Session: SessionConfig{
			MaxRounds:               s.MaxRounds,
			MaxParallelTools:        s.MaxParallelTools,
			DefaultCommandTimeoutMs: s.DefaultCommandTimeoutMs,
			MaxCommandTimeoutMs:     s.MaxCommandTimeoutMs,
			EnableLoopDetection:     s.EnableLoopDetection,
			LoopDetectionWindow:     s.LoopDetectionWindow,
			ContextWarningRatio:     s.ContextWarningRatio,
			MaxSubagentDepth:        s.MaxSubagentDepth,
		},
		Correction: CorrectionConfig{
			Enabled:                 true,
			MaxAttemptsPerSignature: c.MaxAttemptsPerSignature,
			MaxTotalAttempts:        c.MaxTotalAttempts,
			SeverityCeiling:         c.SeverityCeiling.String(),
			BaseDelay:               seconds(c.Backoff.BaseDelay),
			MaxDelay:                seconds(c.Backoff.MaxDelay),
		},
		Phases: PhasesConfig{
			MaxParallel: 1,
			MaxPhases:   8,
		},
		Policy: PolicyConfig{
			WorkspaceGuard:  true,
			DefaultDenyList: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// SetDefaults registers every default with v so that environment
// variables can override keys that no file sets.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("provider", d.Provider)
	v.SetDefault("model", d.Model)
	v.SetDefault("workdir", d.WorkDir)

	v.SetDefault("session.max_rounds", d.Session.MaxRounds)
	v.SetDefault("session.task_timeout", d.Session.TaskTimeout)
	v.SetDefault("session.max_parallel_tools", d.Session.MaxParallelTools)
	v.SetDefault("session.default_command_timeout_ms", d.Session.DefaultCommandTimeoutMs)
	v.SetDefault("session.max_command_timeout_ms", d.Session.MaxCommandTimeoutMs)
	v.SetDefault("session.reasoning_effort", d.Session.ReasoningEffort)
	v.SetDefault("session.enable_loop_detection", d.Session.EnableLoopDetection)
	v.SetDefault("session.loop_detection_window", d.Session.LoopDetectionWindow)
	v.SetDefault("session.context_warning_ratio", d.Session.ContextWarningRatio)
	v.SetDefault("session.max_subagent_depth", d.Session.MaxSubagentDepth)
	v.SetDefault("session.user_instructions", d.Session.UserInstructions)

	v.SetDefault("correction.enabled", d.Correction.Enabled)
	v.SetDefault("correction.max_attempts_per_signature", d.Correction.MaxAttemptsPerSignature)
	v.SetDefault("correction.max_total_attempts", d.Correction.MaxTotalAttempts)
	v.SetDefault("correction.severity_ceiling", d.Correction.SeverityCeiling)
	v.SetDefault("correction.base_delay", d.Correction.BaseDelay)
	v.SetDefault("correction.max_delay", d.Correction.MaxDelay)

	v.SetDefault("phases.max_parallel", d.Phases.MaxParallel)
	v.SetDefault("phases.max_rounds", d.Phases.MaxRounds)
	v.SetDefault("phases.timeout", d.Phases.Timeout)
	v.SetDefault("phases.max_phases", d.Phases.MaxPhases)
	v.SetDefault("phases.status_file", d.Phases.StatusFile)

	v.SetDefault("policy.workspace_guard", d.Policy.WorkspaceGuard)
	v.SetDefault("policy.default_deny_list", d.Policy.DefaultDenyList)
	v.SetDefault("policy.deny_commands", d.Policy.DenyCommands)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// New returns a viper instance with defaults and environment overrides.
// An explicit configFile must exist; otherwise codeagent.yaml is looked up
// in the working directory and then in ConfigDir, and may be absent.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName("codeagent")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(ConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigDir returns $XDG_CONFIG_HOME/codeagent or ~/.config/codeagent.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "codeagent")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codeagent"
	}
	return filepath.Join(home, ".config", "codeagent")
}

// SessionConfig converts to the agentloop session settings.
func (c *Config) SessionConfig() agentloop.SessionConfig {
	return agentloop.SessionConfig{
		MaxRounds:               c.Session.MaxRounds,
		TaskTimeout:             c.Session.TaskTimeout,
		MaxParallelTools:        c.Session.MaxParallelTools,
		DefaultCommandTimeoutMs: c.Session.DefaultCommandTimeoutMs,
		MaxCommandTimeoutMs:     c.Session.MaxCommandTimeoutMs,
		ReasoningEffort:         c.Session.ReasoningEffort,
		ToolOutputLimits:        c.Session.ToolOutputLimits,
		ToolLineLimits:          c.Session.ToolLineLimits,
		EnableLoopDetection:     c.Session.EnableLoopDetection,
		LoopDetectionWindow:     c.Session.LoopDetectionWindow,
		ContextWarningRatio:     c.Session.ContextWarningRatio,
		MaxSubagentDepth:        c.Session.MaxSubagentDepth,
		UserInstructions:        c.Session.UserInstructions,
	}
}

// CorrectionPolicy converts to the agentloop correction policy. The
// second result is false when correction is disabled.
func (c *Config) CorrectionPolicy() (agentloop.CorrectionPolicy, bool) {
	p := agentloop.DefaultCorrectionPolicy()
	p.MaxAttemptsPerSignature = c.Correction.MaxAttemptsPerSignature
	p.MaxTotalAttempts = c.Correction.MaxTotalAttempts
	p.SeverityCeiling = severities[c.Correction.SeverityCeiling]
	p.Backoff.BaseDelay = c.Correction.BaseDelay.Seconds()
	p.Backoff.MaxDelay = c.Correction.MaxDelay.Seconds()
	return p, c.Correction.Enabled
}

// PhaseExecutorConfig fills the plan execution limits around runner. The
// caller adds the corrector, sink and logger.
func (c *Config) PhaseExecutorConfig(runner agentloop.TaskRunner) agentloop.PhaseExecutorConfig {
	cfg := agentloop.PhaseExecutorConfig{
		Runner:            runner,
		MaxParallelPhases: c.Phases.MaxParallel,
		PhaseMaxRounds:    c.Phases.MaxRounds,
		PhaseTimeout:      c.Phases.Timeout,
	}
	if c.Phases.StatusFile != "" {
		cfg.Status = agentloop.FileStatusWriter{Path: c.Phases.StatusFile}
	}
	return cfg
}

// PolicyHook builds the configured tool-call policy for a workspace.
func (c *Config) PolicyHook(workDir string) (agentloop.PolicyHook, error) {
	var chain agentloop.PolicyChain
	if c.Policy.WorkspaceGuard {
		chain = append(chain, agentloop.WorkspaceGuard{Root: workDir})
	}
	var patterns []string
	if c.Policy.DefaultDenyList {
		patterns = append(patterns, agentloop.DefaultDeniedCommands...)
	}
	patterns = append(patterns, c.Policy.DenyCommands...)
	if len(patterns) > 0 {
		deny, err := agentloop.NewCommandDenyList(patterns...)
		if err != nil {
			return nil, fmt.Errorf("policy.deny_commands: %w", err)
		}
		chain = append(chain, deny)
	}
	if len(chain) == 0 {
		return agentloop.AllowAll{}, nil
	}
	return chain, nil
}

var severities = map[string]agentloop.Severity{
	"low":      agentloop.SeverityLow,
	"medium":   agentloop.SeverityMedium,
	"high":     agentloop.SeverityHigh,
	"critical": agentloop.SeverityCritical,
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
