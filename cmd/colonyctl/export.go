package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/talgya/mini-colony/internal/eventlog"
)

type exportRow struct {
	Token       string `json:"token"`
	Requester   string `json:"requester"`
	State       string `json:"state"`
	Resolver    string `json:"resolver"`
	Parent      string `json:"parent"`
	Seq         uint64 `json:"seq"`
	PayloadType string `json:"payload_type"`
}

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the request table as CSV",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db, err := openDB()
		cobra.CheckErr(err)
		defer db.Close()

		rows, err := db.ListRequests("")
		cobra.CheckErr(err)

		var dest io.Writer = os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			cobra.CheckErr(err)
			defer f.Close()
			dest = f
		}

		w := eventlog.NewCSVWriter[exportRow](dest)
		for _, r := range rows {
			err := w.Append(exportRow{
				Token:       r.Token,
				Requester:   r.Requester,
				State:       r.State,
				Resolver:    r.Resolver.String,
				Parent:      r.Parent.String,
				Seq:         r.Seq,
				PayloadType: r.PayloadType,
			})
			cobra.CheckErr(err)
		}
		cobra.CheckErr(w.Flush())
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "write to this file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
