package commands

import (
	"context"

	"github.com/uptrace/bun/migrate"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// MigrationCommands returns all migration-related commands.
func MigrationCommands(deps *CLIDependencies) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "init",
			Usage: "Initialize migration tables",
			Action: func(ctx context.Context, _ *cli.Command) error {
				return deps.Migrator.Init(ctx)
			},
		},
		{
			Name:   "migrate",
			Usage:  "Run pending migrations",
			Action: handleGroupChange(deps, "Successfully migrated", "No new migrations to run (database is up to date)", deps.Migrator.Migrate),
		},
		{
			Name:   "rollback",
			Usage:  "Rollback the last migration group",
			Action: handleGroupChange(deps, "Successfully rolled back", "No groups to roll back", deps.Migrator.Rollback),
		},
		{
			Name:   "status",
			Usage:  "Show migration status",
			Action: handleStatus(deps),
		},
		{
			Name:      "create",
			Usage:     "Create a new Go migration file",
			ArgsUsage: "NAME",
			Action:    handleCreate(deps),
		},
	}
}

// groupFunc applies or reverts a migration group.
type groupFunc func(ctx context.Context, opts ...migrate.MigrationOption) (*migrate.MigrationGroup, error)

// handleGroupChange runs fn while holding the migration lock.
func handleGroupChange(deps *CLIDependencies, doneMsg, noopMsg string, fn groupFunc) cli.ActionFunc {
	return func(ctx context.Context, _ *cli.Command) error {
		if err := deps.Migrator.Lock(ctx); err != nil {
			return err
		}
		defer deps.Migrator.Unlock(ctx) //nolint:errcheck // -

		group, err := fn(ctx)
		if err != nil {
			return err
		}

		if group.IsZero() {
			deps.Logger.Info(noopMsg)
			return nil
		}

		deps.Logger.Info(doneMsg, zap.String("group", group.String()))

		return nil
	}
}

// handleStatus handles the 'status' command.
func handleStatus(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, _ *cli.Command) error {
		ms, err := deps.Migrator.MigrationsWithStatus(ctx)
		if err != nil {
			return err
		}

		deps.Logger.Info("Migration status",
			zap.String("migrations", ms.String()),
			zap.String("unapplied", ms.Unapplied().String()),
			zap.String("last_group", ms.LastGroup().String()),
		)

		return nil
	}
}

// handleCreate handles the 'create' command.
func handleCreate(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() != 1 {
			return ErrNameRequired
		}

		mf, err := deps.Migrator.CreateGoMigration(ctx, c.Args().First())
		if err != nil {
			return err
		}

		deps.Logger.Info("Created Go migration",
			zap.String("name", mf.Name),
			zap.String("path", mf.Path),
		)

		return nil
	}
}
