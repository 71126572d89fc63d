package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/carlmjohnson/versioninfo"
	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/control"
	"github.com/robalyx/botfleet/internal/setup"
	"github.com/robalyx/botfleet/internal/setup/telemetry"
	"github.com/urfave/cli/v3"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
)

const (
	// BotLogDir specifies where bot log files are stored.
	BotLogDir = "logs/bot_logs"

	// shutdownTimeout bounds how long in-flight events may finish on exit.
	shutdownTimeout = 30 * time.Second
)

var (
	ErrTokenRequired      = errors.New("TOKEN argument required")
	ErrOwnerRequired      = errors.New("--owner flag required")
	ErrInstanceIDRequired = errors.New("INSTANCE_ID argument required")
	ErrConfigArgsRequired = errors.New("INSTANCE_ID, MODULE and JSON arguments required")
)

func main() {
	app := &cli.Command{
		Name:    "bot",
		Usage:   "Run and manage a fleet of chat bot instances",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Restore every persisted instance and process events until interrupted",
				Action: withFleet(runFleet),
			},
			{
				Name:      "add",
				Usage:     "Provision a bot from its token",
				ArgsUsage: "TOKEN",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Usage: "ID of the user who owns the bot"},
				},
				Action: withFleet(addInstance),
			},
			{
				Name:      "remove",
				Usage:     "Stop a bot and delete its record",
				ArgsUsage: "INSTANCE_ID",
				Action:    withFleet(removeInstance),
			},
			{
				Name:   "list",
				Usage:  "List persisted instances",
				Action: withFleet(listInstances),
			},
			{
				Name:  "config",
				Usage: "Manage instance configuration",
				Commands: []*cli.Command{
					{
						Name:      "set",
						Usage:     "Replace one config module and record the change",
						ArgsUsage: "INSTANCE_ID MODULE JSON",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "by", Usage: "ID of the user making the change (defaults to the owner)"},
						},
						Action: withFleet(setConfig),
					},
				},
			},
			{
				Name:  "version",
				Usage: "Print build information",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Printf("version=%s revision=%s modified=%t\n",
						versioninfo.Version, versioninfo.Revision, versioninfo.DirtyBuild)
					return nil
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

// fleetAction is an action that needs an initialized fleet.
type fleetAction func(ctx context.Context, c *cli.Command, f *fleet) error

// withFleet initializes the application around a fleet action and cleans up afterwards.
func withFleet(action fleetAction) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		app, err := setup.InitializeApp(ctx, telemetry.ServiceBot, BotLogDir)
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		defer app.Cleanup(context.Background())

		f, err := newFleet(app)
		if err != nil {
			return err
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			f.close(shutdownCtx)
		}()

		return action(ctx, c, f)
	}
}

// runFleet restores persisted instances and blocks until interrupted.
func runFleet(ctx context.Context, _ *cli.Command, f *fleet) error {
	started, err := f.manager.Restore(ctx)
	if err != nil {
		return err
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	go f.sweepCooldowns(bgCtx)
	go f.listenControl(bgCtx)

	log.Printf("%d instances started. Waiting for interrupt signal to gracefully shutdown...", started)

	// Wait for interrupt signal to gracefully shutdown the fleet
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	return nil
}

// addInstance provisions a bot, persists it with its token encrypted and
// asks the running fleet to start it.
func addInstance(ctx context.Context, c *cli.Command, f *fleet) error {
	if c.Args().Len() != 1 {
		return ErrTokenRequired
	}

	if c.String("owner") == "" {
		return ErrOwnerRequired
	}

	ownerID, err := snowflake.Parse(c.String("owner"))
	if err != nil {
		return fmt.Errorf("invalid owner ID: %w", err)
	}

	inst, err := f.manager.Provision(ctx, c.Args().First(), ownerID)
	if err != nil {
		return err
	}

	f.app.Logger.Info("Instance provisioned",
		zap.Uint64("instanceID", uint64(inst.ID)),
		zap.String("username", inst.Username),
		zap.Uint64("ownerID", uint64(ownerID)))

	f.notify(ctx, control.ActionStart, inst.ID)

	return nil
}

// removeInstance deletes a bot's record and asks the running fleet to stop it.
func removeInstance(ctx context.Context, c *cli.Command, f *fleet) error {
	if c.Args().Len() != 1 {
		return ErrInstanceIDRequired
	}

	id, err := snowflake.Parse(c.Args().First())
	if err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}

	if err := f.manager.Remove(ctx, id); err != nil {
		return err
	}

	f.notify(ctx, control.ActionStop, id)

	return nil
}

// listInstances prints every persisted instance.
func listInstances(ctx context.Context, _ *cli.Command, f *fleet) error {
	records, err := f.app.DB.Model().Instance().GetAllInstances(ctx)
	if err != nil {
		return err
	}

	for _, record := range records {
		fmt.Printf("%d\towner=%d\tprefix=%q\tcreated=%s\n",
			record.ID, record.OwnerID, record.Config.General.Prefix, record.CreatedAt.Format(time.RFC3339))
	}

	return nil
}

// setConfig replaces one config module of an instance through the audit service.
func setConfig(ctx context.Context, c *cli.Command, f *fleet) error {
	if c.Args().Len() != 3 {
		return ErrConfigArgsRequired
	}

	id, err := snowflake.Parse(c.Args().Get(0))
	if err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}

	var section map[string]any
	if err := sonic.UnmarshalString(c.Args().Get(2), &section); err != nil {
		return fmt.Errorf("invalid module JSON: %w", err)
	}

	by, err := changeAuthor(ctx, c, f, id)
	if err != nil {
		return err
	}

	changes, err := f.audit.UpdateModule(ctx, id, c.Args().Get(1), section, by)
	if err != nil {
		return err
	}

	if changes.IsEmpty() {
		fmt.Println("No changes.")
		return nil
	}

	f.notify(ctx, control.ActionInvalidate, id)

	out, err := sonic.ConfigStd.MarshalIndent(changes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode changes: %w", err)
	}

	fmt.Println(string(out))

	return nil
}

// changeAuthor returns the --by flag or the instance owner when unset.
func changeAuthor(ctx context.Context, c *cli.Command, f *fleet, id snowflake.ID) (snowflake.ID, error) {
	if by := c.String("by"); by != "" {
		parsed, err := snowflake.Parse(by)
		if err != nil {
			return 0, fmt.Errorf("invalid --by ID: %w", err)
		}

		return parsed, nil
	}

	record, err := f.app.DB.Model().Instance().GetInstance(ctx, id)
	if err != nil {
		return 0, err
	}

	return record.OwnerID, nil
}
