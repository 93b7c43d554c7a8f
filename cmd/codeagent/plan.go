package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func newPlanCmd(c *cli) *cobra.Command {
	var (
		goal       string
		dryRun     bool
		carry      string
		statusFile string
	)
	cmd := &cobra.Command{
		Use:   "plan [plan.yaml]",
		Short: "Execute a multi-phase plan, or decompose a goal into one",
		Long: `Runs every phase of a YAML plan as its own task, in dependency order.
Phases whose dependencies fail are blocked rather than run.

With --goal the model first decomposes the goal into a plan. Combine with
--dry-run to print the plan without executing it.`,
		Example: `  codeagent plan phases.yaml
  codeagent plan --goal "add token authentication" --dry-run > phases.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (goal == "") == (len(args) == 0) {
				return errors.New("give either a plan file or --goal")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()

			var (
				plan    *agentloop.Plan
				planner *agentloop.LLMDecomposer
				err     error
			)
			if goal != "" {
				planner = &agentloop.LLMDecomposer{
					Client:    c.newClient(),
					Model:     c.cfg.Model,
					Provider:  c.cfg.Provider,
					MaxPhases: c.cfg.Phases.MaxPhases,
				}
				plan, err = planner.Decompose(ctx, goal)
			} else {
				plan, err = agentloop.LoadPlan(args[0])
			}
			if err != nil {
				return err
			}

			if dryRun {
				return yaml.NewEncoder(out).Encode(plan)
			}

			sink := newConsoleSink(out, c.logger)
			session, err := c.newSession(sink)
			if err != nil {
				return err
			}
			defer session.Close()

			pcfg := c.cfg.PhaseExecutorConfig(session)
			pcfg.Corrector = c.corrector(sink)
			pcfg.Sink = sink
			pcfg.Logger = c.logger
			if planner != nil {
				pcfg.Replan = planner
			}
			if statusFile != "" {
				pcfg.Status = agentloop.FileStatusWriter{Path: statusFile}
			}

			c.logger.Info("plan started", zap.String("goal", plan.Goal), zap.Int("phases", len(plan.Phases)))
			result := agentloop.NewPhaseExecutor(pcfg).ExecutePlan(ctx, *plan, carry)
			return reportPlan(out, result)
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "decompose this goal into a plan with the model")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan as YAML and exit")
	cmd.Flags().StringVar(&carry, "carry", "", "context from earlier work, included in every phase prompt")
	cmd.Flags().StringVar(&statusFile, "status-file", "", "write the final plan status as YAML to this path")
	return cmd
}

func reportPlan(out io.Writer, r agentloop.PlanResult) error {
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tSTATUS\tTOKENS\tDURATION\tNOTE")
	for _, p := range r.Phases {
		note := p.Error
		if p.WasRetry {
			note = "succeeded on retry"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", p.PhaseID, p.Status, p.TokensUsed, formatDuration(p.DurationMs), note)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d of %d phase(s) completed, %d tokens, %s\n",
		len(r.Completed), len(r.Phases), r.TokensUsed, formatDuration(r.DurationMs))
	for _, f := range r.FilesModified {
		fmt.Fprintf(out, "  modified %s\n", f)
	}
	if !r.Success {
		return fmt.Errorf("plan incomplete: %d phase(s) failed or blocked", len(r.Failed))
	}
	return nil
}
