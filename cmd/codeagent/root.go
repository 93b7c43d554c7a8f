package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/martinemde/codeagent/config"
	"github.com/martinemde/codeagent/unifiedllm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// cli holds the global flags and everything PersistentPreRunE builds from
// them.
type cli struct {
	configFile string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger

	// newClient is swapped in tests.
	newClient func() *unifiedllm.Client
}

// flagKeys maps persistent flags to the config keys they override.
var flagKeys = map[string]string{
	"provider":   "provider",
	"model":      "model",
	"workdir":    "workdir",
	"max-rounds": "session.max_rounds",
	"timeout":    "session.task_timeout",
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&cli{newClient: unifiedllm.NewClientFromEnv})
}

func newRootCmdWith(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "codeagent",
		Short: "Run coding tasks with an LLM and local tools",
		Long: `codeagent drives a model through rounds of tool calls (reading, editing
and searching files, running shell commands) until the task is answered.

Provider credentials come from the environment (OPENAI_API_KEY,
ANTHROPIC_API_KEY, GEMINI_API_KEY). Settings are read from codeagent.yaml in the working
directory or the config directory, then CODEAGENT_* variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "config file (default: ./codeagent.yaml, then "+filepath.Join(config.ConfigDir(), "codeagent.yaml")+")")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.String("provider", "", "LLM provider: openai, anthropic or gemini")
	flags.String("model", "", "model identifier")
	flags.String("workdir", "", "directory the agent works in (default: current directory)")
	flags.Int("max-rounds", 0, "maximum model rounds per task")
	flags.Duration("timeout", 0, "wall-clock limit per task, e.g. 10m")

	root.AddCommand(
		newRunCmd(c),
		newPlanCmd(c),
		newToolsCmd(c),
		newModelsCmd(),
		newVersionCmd(),
	)
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	v, err := config.New(c.configFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd); err != nil {
		return err
	}
	c.cfg, err = config.Load(v)
	if err != nil {
		return err
	}
	c.logger, err = buildLogger(c.cfg.Logging, c.verbose)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// bindFlags lets flags that were set on the command line override the
// file and environment.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = cfg.Format
	if cfg.Format == "console" {
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// workDir resolves the configured directory, defaulting to the current one.
func (c *cli) workDir() (string, error) {
	dir := c.cfg.WorkDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	return filepath.Abs(dir)
}

// newSession builds a session from the loaded configuration.
func (c *cli) newSession(sink agentloop.EventSink, opts ...agentloop.SessionOption) (*agentloop.Session, error) {
	profile, err := agentloop.NewProfile(c.cfg.Provider, c.cfg.Model)
	if err != nil {
		return nil, err
	}
	dir, err := c.workDir()
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	env := agentloop.NewLocalExecutionEnvironment(dir)
	if err := env.Initialize(); err != nil {
		return nil, fmt.Errorf("prepare workdir: %w", err)
	}
	policy, err := c.cfg.PolicyHook(dir)
	if err != nil {
		return nil, err
	}

	sc := c.cfg.SessionConfig()
	base := []agentloop.SessionOption{
		agentloop.WithClient(c.newClient()),
		agentloop.WithLogger(c.logger),
		agentloop.WithEventSink(sink),
		agentloop.WithPolicy(policy),
	}
	c.logger.Debug("session configured",
		zap.String("provider", profile.ID()),
		zap.String("model", profile.ModelID()),
		zap.String("workdir", dir),
		zap.Int("max_rounds", sc.MaxRounds),
		zap.Duration("task_timeout", sc.TaskTimeout),
	)
	return agentloop.NewSession(profile, env, &sc, append(base, opts...)...), nil
}

// corrector returns nil when correction is disabled.
func (c *cli) corrector(sink agentloop.EventSink) *agentloop.Corrector {
	policy, enabled := c.cfg.CorrectionPolicy()
	if !enabled {
		return nil
	}
	return agentloop.NewCorrector(policy, sink, c.logger)
}

func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(100 * time.Millisecond).String()
}
