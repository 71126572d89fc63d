package main

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/audit"
	"github.com/robalyx/botfleet/internal/command"
	"github.com/robalyx/botfleet/internal/command/builtin"
	"github.com/robalyx/botfleet/internal/command/cooldown"
	"github.com/robalyx/botfleet/internal/control"
	"github.com/robalyx/botfleet/internal/gateway"
	"github.com/robalyx/botfleet/internal/instance"
	"github.com/robalyx/botfleet/internal/leveling"
	"github.com/robalyx/botfleet/internal/redis"
	"github.com/robalyx/botfleet/internal/setup"
	"github.com/robalyx/botfleet/internal/setup/config"
	"go.uber.org/zap"
)

// cooldownSweepInterval is how often expired in-memory cooldowns are dropped.
const cooldownSweepInterval = 5 * time.Minute

// fleet wires the instance manager and its collaborators.
type fleet struct {
	app     *setup.App
	manager *instance.Manager
	configs *instance.ConfigCache
	audit   *audit.Service
	sweeper *cooldown.MemoryTracker
	control *control.Bus
}

// controlHandler applies control messages to the live instances and the config cache.
type controlHandler struct {
	*instance.Manager
	*instance.ConfigCache
}

// newFleet builds the event pipeline and instance manager from the app.
func newFleet(app *setup.App) (*fleet, error) {
	repo := app.DB.Model()
	logger := app.Logger

	tracker, sweeper, err := newCooldownTracker(app)
	if err != nil {
		return nil, err
	}

	engine := leveling.NewEngine(repo.Member(), app.Metrics, logger)

	registry := command.NewRegistry()
	if err := builtin.Register(registry, repo.Member(), engine); err != nil {
		return nil, fmt.Errorf("failed to register commands: %w", err)
	}

	configs := instance.NewConfigCache(repo.Instance(), app.Config.Bot.ConfigCacheDuration())
	dispatcher := command.NewDispatcher(registry, tracker, repo.Log(), app.Metrics, logger)
	pipeline := instance.NewPipeline(configs, dispatcher, engine, app.Metrics, logger)
	connector := gateway.NewDisgoConnector(app.Config.Bot.RequestTimeoutDuration(), logger)

	manager := instance.NewManager(
		connector,
		repo.Instance(),
		app.Codec,
		pipeline,
		configs,
		app.Metrics,
		app.Config.Bot.RestoreConcurrency,
		logger,
	)

	return &fleet{
		app:     app,
		manager: manager,
		configs: configs,
		audit:   audit.NewService(repo.Instance(), configs, logger),
		sweeper: sweeper,
		control: newControlBus(app),
	}, nil
}

// newControlBus connects the control channel. Without Redis the fleet still
// runs, but CLI changes only reach it on the next restart.
func newControlBus(app *setup.App) *control.Bus {
	client, err := app.RedisManager.GetClient(redis.ConfigDBIndex)
	if err != nil {
		app.Logger.Warn("Control channel unavailable", zap.Error(err))
		return nil
	}

	return control.NewBus(client, app.Logger)
}

// newCooldownTracker selects the configured cooldown backend. The memory
// tracker is also returned so the caller can sweep it.
func newCooldownTracker(app *setup.App) (cooldown.Tracker, *cooldown.MemoryTracker, error) {
	if app.Config.Bot.CooldownBackend == config.CooldownBackendRedis {
		client, err := app.RedisManager.GetClient(redis.CooldownDBIndex)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get cooldown redis client: %w", err)
		}

		return cooldown.NewRedisTracker(client, app.Logger), nil, nil
	}

	tracker := cooldown.NewMemoryTracker()

	return tracker, tracker, nil
}

// sweepCooldowns drops expired in-memory cooldowns until ctx is done.
func (f *fleet) sweepCooldowns(ctx context.Context) {
	if f.sweeper == nil {
		return
	}

	ticker := time.NewTicker(cooldownSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := f.sweeper.Sweep(); removed > 0 {
				f.app.Logger.Debug("Swept expired cooldowns", zap.Int("removed", removed))
			}
		}
	}
}

// listenControl applies control messages from CLI commands until ctx is done.
func (f *fleet) listenControl(ctx context.Context) {
	if f.control == nil {
		return
	}

	if err := f.control.Listen(ctx, controlHandler{f.manager, f.configs}); err != nil {
		f.app.Logger.Error("Control listener stopped", zap.Error(err))
	}
}

// notify tells the running fleet about a change. The change itself is
// already stored, so failures are only logged.
func (f *fleet) notify(ctx context.Context, action control.Action, id snowflake.ID) {
	if f.control == nil {
		f.app.Logger.Warn("Running fleet not notified, restart it to apply the change",
			zap.String("action", string(action)),
			zap.Uint64("instanceID", uint64(id)))

		return
	}

	if err := f.control.Publish(ctx, action, id); err != nil {
		f.app.Logger.Warn("Failed to notify running fleet", zap.Error(err))
	}
}

// close stops every instance and releases the config cache.
func (f *fleet) close(ctx context.Context) {
	f.manager.Shutdown(ctx)
	f.configs.Close()
}
