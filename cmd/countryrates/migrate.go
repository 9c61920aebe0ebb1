package main

import (
	"github.com/spf13/cobra"

	"github.com/bher20/countryrates/internal/migrate"
)

func newMigrateCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQL schema (sqlite, postgres, mysql)",
	}

	run := func(fn func(cmd *cobra.Command, driver, dsn string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return fn(cmd, cfg.DBDriver, cfg.DBDSN)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: run(func(cmd *cobra.Command, driver, dsn string) error {
				return migrate.Up(cmd.Context(), driver, dsn)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: run(func(cmd *cobra.Command, driver, dsn string) error {
				return migrate.Down(cmd.Context(), driver, dsn)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the migration status",
			RunE: run(func(cmd *cobra.Command, driver, dsn string) error {
				return migrate.Status(cmd.Context(), driver, dsn)
			}),
		},
	)
	return cmd
}
