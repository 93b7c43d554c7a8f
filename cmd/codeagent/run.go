package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/martinemde/codeagent/unifiedllm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		systemContext string
		interactive   bool
	)
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run a single task until the model answers",
		Example: `  codeagent run "add a --json flag to the list command"
  codeagent run --provider anthropic --model claude-sonnet-4-5 "fix the failing tests"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var opts []agentloop.SessionOption
			if interactive {
				opts = append(opts, agentloop.WithAskUser(terminalAsker(cmd.InOrStdin(), cmd.ErrOrStderr())))
			}
			result, err := c.runTask(ctx, cmd.OutOrStdout(), agentloop.TaskInput{
				Name:          "run",
				Prompt:        strings.Join(args, " "),
				SystemContext: systemContext,
			}, opts...)
			if err != nil {
				return err
			}
			return reportTask(cmd.OutOrStdout(), result, c.cfg.Model)
		},
	}
	cmd.Flags().StringVar(&systemContext, "context", "", "extra instructions appended to the system prompt")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "answer the agent's questions on the terminal")
	return cmd
}

// runTask executes one task, through the corrector when it is enabled.
func (c *cli) runTask(ctx context.Context, out io.Writer, input agentloop.TaskInput, opts ...agentloop.SessionOption) (agentloop.TaskResult, error) {
	sink := newConsoleSink(out, c.logger)
	session, err := c.newSession(sink, opts...)
	if err != nil {
		return agentloop.TaskResult{}, err
	}
	defer session.Close()

	c.logger.Info("task started", zap.String("session", session.ID()), zap.String("task", input.Name))
	if corrector := c.corrector(sink); corrector != nil {
		return corrector.Execute(ctx, session, input), nil
	}
	return session.ExecuteTask(ctx, input), nil
}

func reportTask(out io.Writer, r agentloop.TaskResult, model string) error {
	summary := fmt.Sprintf("--- %d round(s), %d tokens, %s", r.RoundsUsed, r.TokensUsed, formatDuration(r.DurationMs))
	if cost, ok := unifiedllm.EstimateCost(model, r.Usage); ok {
		summary += fmt.Sprintf(", ~$%.4f", cost)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, summary)
	for _, f := range r.FilesCreated {
		fmt.Fprintf(out, "  created  %s\n", f)
	}
	for _, f := range r.FilesModified {
		fmt.Fprintf(out, "  modified %s\n", f)
	}
	if !r.Success {
		return fmt.Errorf("task failed (%s): %s", r.ErrorKind, r.Error)
	}
	return nil
}
