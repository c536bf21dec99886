package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/talgya/mini-colony/internal/engine"
	"github.com/talgya/mini-colony/internal/eventlog"
	"github.com/talgya/mini-colony/internal/request"
)

var auditToken string

var auditCmd = &cobra.Command{
	Use:   "audit <file or directory>",
	Short: "Print request transitions from audit logs",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := os.Stat(args[0])
		cobra.CheckErr(err)

		files := []string{args[0]}
		if st.IsDir() {
			files, err = eventlog.Files(args[0])
			cobra.CheckErr(err)
		}

		out := cmd.OutOrStdout()
		for _, path := range files {
			ts, err := eventlog.ReadAll(path)
			if err != nil {
				// Print what decoded; a log cut off mid-write is still useful.
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			}
			for _, t := range ts {
				if auditToken != "" && t.Token.String() != auditToken {
					continue
				}
				fmt.Fprintln(out, formatTransition(t))
			}
		}
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditToken, "token", "", "only transitions of this request")
	rootCmd.AddCommand(auditCmd)
}

func formatTransition(t request.Transition) string {
	resolver := "-"
	if t.Resolver != nil {
		resolver = t.Resolver.Short()
	}
	return fmt.Sprintf("%8d  %-14s  %s  %-11s -> %-11s  %-8s  %s",
		t.Tick, engine.SimTime(t.Tick), t.Token.Short(), t.From, t.To, resolver, t.Reason)
}
