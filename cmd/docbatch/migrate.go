package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/docbatch/internal/store"
)

type migrateOptions struct {
	dbURL string
	dir   string
}

func (o *migrateOptions) resolve() error {
	if o.dbURL == "" {
		o.dbURL = os.Getenv("DATABASE_URL")
	}
	if o.dbURL == "" {
		return errors.New("DATABASE_URL environment variable or --db-url is required")
	}
	if o.dir == "" {
		o.dir = os.Getenv("DOCBATCH_MIGRATIONS_DIR")
	}
	if o.dir == "" {
		o.dir = "migrations"
	}
	return nil
}

func newMigrateCmd() *cobra.Command {
	opts := &migrateOptions{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.PersistentFlags().StringVar(&opts.dbURL, "db-url", "", "Postgres URL (default $DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&opts.dir, "dir", "", "Migrations directory (default $DOCBATCH_MIGRATIONS_DIR or ./migrations)")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.resolve(); err != nil {
				return err
			}
			if err := store.RunMigrations(opts.dbURL, opts.dir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1, got %d", steps)
			}
			if err := opts.resolve(); err != nil {
				return err
			}
			if err := store.RollbackMigrations(opts.dbURL, opts.dir, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.resolve(); err != nil {
				return err
			}
			v, dirty, err := store.MigrationVersion(opts.dbURL, opts.dir)
			if err != nil {
				return err
			}
			out := fmt.Sprintf("version %d", v)
			if dirty {
				out += " (dirty)"
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}
