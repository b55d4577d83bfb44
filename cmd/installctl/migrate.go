package main

import (
	"database/sql"

	"github.com/spf13/cobra"

	"lmsBack/internal/installments/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the installments schema",
	}
	cmd.AddCommand(migrateStep("up", "Apply all pending migrations", migrations.Up))
	cmd.AddCommand(migrateStep("down", "Roll back the latest migration", migrations.Down))
	cmd.AddCommand(migrateStep("status", "Show migration state", migrations.Status))
	return cmd
}

func migrateStep(use, short string, fn func(db *sql.DB, driver string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			return fn(s.db, s.cfg.Database.Driver)
		},
	}
}
