package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"userdir.org/internal/migrate"
)

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	run := func(name string, fn func(context.Context, *migrate.Manager, *cobra.Command) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: name + " schema migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
				defer cancel()
				db, err := a.openDB()
				if err != nil {
					return err
				}
				defer db.Close()
				migrations, seeds := migrate.Embedded()
				if err := fn(ctx, migrate.NewManager(db.DB, migrations, seeds), cmd); err != nil {
					return fmt.Errorf("migrate %s: %w", name, err)
				}
				return nil
			},
		}
	}
	cmd.AddCommand(
		run("up", func(ctx context.Context, m *migrate.Manager, _ *cobra.Command) error { return m.Up(ctx) }),
		run("down", func(ctx context.Context, m *migrate.Manager, _ *cobra.Command) error { return m.Down(ctx) }),
		run("seed", func(ctx context.Context, m *migrate.Manager, _ *cobra.Command) error { return m.Seed(ctx) }),
		run("status", func(ctx context.Context, m *migrate.Manager, cmd *cobra.Command) error {
			history, err := m.Status(ctx)
			for _, item := range history {
				fmt.Fprintln(cmd.OutOrStdout(), item)
			}
			return err
		}),
	)
	return cmd
}
