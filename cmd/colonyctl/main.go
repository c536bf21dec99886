// Command colonyctl inspects a colony's saved state and audit trail.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/talgya/mini-colony/internal/config"
	"github.com/talgya/mini-colony/internal/persistence"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:          "colonyctl",
	Short:        "Inspect saved colony requests and audit logs",
	Long:         "colonyctl reads the SQLite save and the zstd audit logs written by colonysim.",
	SilenceUsage: true,
}

func init() {
	def := config.Default().DBPath
	if v := os.Getenv("COLONY_DB_PATH"); v != "" {
		def = v
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", def, "path to the colony database")
}

// openDB opens the save named by --db. It does not create a missing one.
func openDB() (*persistence.DB, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, err
	}
	return persistence.Open(dbPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
