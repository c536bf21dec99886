package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var requestsState string

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List persisted requests",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db, err := openDB()
		cobra.CheckErr(err)
		defer db.Close()

		rows, err := db.ListRequests(strings.ToUpper(requestsState))
		cobra.CheckErr(err)

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tTOKEN\tSTATE\tTYPE\tREQUESTER\tRESOLVER\tPARENT")
		for _, r := range rows {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Seq, r.Token, r.State, r.PayloadType, short(r.Requester), short(r.Resolver.String), short(r.Parent.String))
		}
		cobra.CheckErr(tw.Flush())
		fmt.Fprintf(os.Stderr, "%d requests\n", len(rows))
	},
}

func init() {
	requestsCmd.Flags().StringVar(&requestsState, "state", "", "only requests in this state (CREATED, IN_PROGRESS)")
	rootCmd.AddCommand(requestsCmd)
}

func short(s string) string {
	if len(s) < 8 {
		if s == "" {
			return "-"
		}
		return s
	}
	return s[:8]
}
