package main

import (
	"errors"
	"fmt"

	"github.com/aevon-lab/aevon-meter/internal/core/storage/postgres"
	"github.com/aevon-lab/aevon-meter/internal/migrations"
	"github.com/spf13/cobra"
)

var errMigrateNeedsPostgres = errors.New("migrate requires database.type postgres")

func newMigrateCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd, load, func(run migrationRunner) error {
					return run.up()
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd, load, func(run migrationRunner) error {
					return run.down()
				})
			},
		},
	)
	return cmd
}

type migrationRunner struct {
	up   func() error
	down func() error
}

func withDatabase(cmd *cobra.Command, load configLoader, fn func(migrationRunner) error) error {
	cfg, err := load(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.Type != "postgres" {
		return errMigrateNeedsPostgres
	}

	db, err := postgres.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return err
	}
	defer db.Close()

	err = fn(migrationRunner{
		up:   func() error { return migrations.RunMigrations(db, true) },
		down: func() error { return migrations.Rollback(db) },
	})
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return err
}
