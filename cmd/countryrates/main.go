package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootFlags struct {
	envFile  string
	driver   string
	dsn      string
	addr     string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "countryrates",
		Short:         "Country data enriched with USD exchange rates",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.envFile, "env-file", ".env", "optional dotenv file loaded before the environment")
	pf.StringVar(&f.driver, "db-driver", "", "storage driver: memory, sqlite, postgres, mysql, postgrespool, redis")
	pf.StringVar(&f.dsn, "db-dsn", "", "storage DSN or URL")
	pf.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(f),
		newRefreshCmd(f),
		newWorkerCmd(f),
		newMigrateCmd(f),
		newAPIKeyCmd(),
	)
	return root
}
