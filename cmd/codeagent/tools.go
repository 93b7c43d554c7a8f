package main

import (
	"fmt"
	"runtime/debug"
	"strings"
	"text/tabwriter"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/martinemde/codeagent/unifiedllm"
	"github.com/spf13/cobra"
)

func newToolsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the configured profile offers the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := c.newSession(agentloop.NopSink{})
			if err != nil {
				return err
			}
			defer session.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s / %s\n\n", session.Profile().ID(), session.Profile().ModelID())
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, def := range session.Dispatcher().Definitions() {
				summary, _, _ := strings.Cut(def.Description, "\n")
				fmt.Fprintf(w, "%s\t%s\n", def.Name, summary)
			}
			return w.Flush()
		},
	}
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models [provider]",
		Short: "List the models in the built-in catalog",
		Args:  cobra.MaximumNArgs(1),
		// Reads only the catalog.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			var provider string
			if len(args) == 1 {
				provider = args[0]
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\tCONTEXT\tREASONING\tALIASES")
			for _, m := range unifiedllm.ListModels(provider) {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", m.ID, m.Provider, m.ContextWindow, m.SupportsReasoning, strings.Join(m.Aliases, ", "))
			}
			return w.Flush()
		},
	}
}

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the codeagent version",
		Args:  cobra.NoArgs,
		// Needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			v := version
			if info, ok := debug.ReadBuildInfo(); ok && v == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
				v = info.Main.Version
			}
			fmt.Fprintf(cmd.OutOrStdout(), "codeagent %s\n", v)
		},
	}
}
