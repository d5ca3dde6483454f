package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lms/internal/migrations"
	"lms/internal/server"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := server.Open(cmd.Context(), c.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := migrations.Up(cmd.Context(), db.DB); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
