package commands

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/disgoorg/snowflake/v2"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// LogCommands returns commands that inspect the audit and usage logs.
func LogCommands(deps *CLIDependencies) []*cli.Command {
	limitFlag := &cli.IntFlag{
		Name:  "limit",
		Usage: "Maximum number of entries to show",
		Value: 20,
	}

	return []*cli.Command{
		{
			Name:      "audit",
			Usage:     "Show config changes of an instance, newest first",
			ArgsUsage: "INSTANCE_ID",
			Flags:     []cli.Flag{limitFlag},
			Action:    handleAudit(deps),
		},
		{
			Name:      "usage",
			Usage:     "Show recent command executions of an instance",
			ArgsUsage: "INSTANCE_ID",
			Flags:     []cli.Flag{limitFlag},
			Action:    handleUsage(deps),
		},
	}
}

// handleAudit handles the 'audit' command.
func handleAudit(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		instanceID, err := instanceArg(c)
		if err != nil {
			return err
		}

		entries, err := deps.DB.Model().Log().GetAuditLog(ctx, instanceID, int(c.Int("limit")))
		if err != nil {
			return err
		}

		for _, entry := range entries {
			changes, err := sonic.MarshalString(entry.Changes)
			if err != nil {
				return fmt.Errorf("failed to encode changes: %w", err)
			}

			deps.Logger.Info("Config change",
				zap.Time("at", entry.At),
				zap.Uint64("by", uint64(entry.By)),
				zap.String("module", entry.Module),
				zap.String("changes", changes))
		}

		return nil
	}
}

// handleUsage handles the 'usage' command.
func handleUsage(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		instanceID, err := instanceArg(c)
		if err != nil {
			return err
		}

		usages, err := deps.DB.Model().Log().GetCommandUsage(ctx, instanceID, int(c.Int("limit")))
		if err != nil {
			return err
		}

		for _, usage := range usages {
			deps.Logger.Info("Command executed",
				zap.Time("at", usage.At),
				zap.String("command", usage.Name),
				zap.Uint64("guildID", uint64(usage.GuildID)),
				zap.Uint64("by", uint64(usage.By)))
		}

		return nil
	}
}

func instanceArg(c *cli.Command) (snowflake.ID, error) {
	if c.Args().Len() != 1 {
		return 0, ErrInstanceIDRequired
	}

	id, err := snowflake.Parse(c.Args().First())
	if err != nil {
		return 0, fmt.Errorf("invalid instance ID: %w", err)
	}

	return id, nil
}
