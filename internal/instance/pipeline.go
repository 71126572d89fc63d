package instance

import (
	"context"
	"errors"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/automod"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/robalyx/botfleet/internal/gateway"
	"github.com/robalyx/botfleet/internal/leveling"
	"github.com/robalyx/botfleet/internal/metrics"
	"go.uber.org/zap"
)

// ConfigSource provides the current config of an instance.
type ConfigSource interface {
	Get(ctx context.Context, id snowflake.ID) (*types.InstanceConfig, error)
}

// Dispatcher runs commands for a message.
type Dispatcher interface {
	Dispatch(ctx context.Context, instanceID snowflake.ID, conn gateway.Connection, msg *gateway.Message,
		cfg *types.InstanceConfig)
}

// XPRecorder awards XP for a message.
type XPRecorder interface {
	RecordMessageXP(ctx context.Context, conn gateway.Connection, msg *gateway.Message, cfg *types.InstanceConfig) error
}

// Pipeline processes inbound guild messages: auto-moderation first, then
// command dispatch and XP. A message that violates a filter goes no further.
type Pipeline struct {
	configs    ConfigSource
	dispatcher Dispatcher
	xp         XPRecorder
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewPipeline creates the message pipeline.
func NewPipeline(
	configs ConfigSource, dispatcher Dispatcher, xp XPRecorder, m *metrics.Metrics, logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		configs:    configs,
		dispatcher: dispatcher,
		xp:         xp,
		metrics:    m,
		logger:     logger.Named("pipeline"),
	}
}

// HandleMessage runs a message through the pipeline.
func (p *Pipeline) HandleMessage(ctx context.Context, instanceID snowflake.ID, conn gateway.Connection, msg *gateway.Message) {
	if msg == nil || !msg.InGuild() || msg.Author.Bot {
		return
	}

	cfg, err := p.configs.Get(ctx, instanceID)
	if err != nil {
		p.logger.Error("Failed to load instance config",
			zap.Uint64("instanceID", uint64(instanceID)),
			zap.Error(err))

		return
	}

	if p.enforceAutoMod(ctx, conn, msg, &cfg.AutoMod) {
		return
	}

	p.dispatcher.Dispatch(ctx, instanceID, conn, msg, cfg)

	err = p.xp.RecordMessageXP(ctx, conn, msg, cfg)
	switch {
	case err == nil:
	case errors.Is(err, leveling.ErrIneligible), errors.Is(err, leveling.ErrCooldown):
		p.logger.Debug("No XP awarded",
			zap.Uint64("guildID", uint64(msg.GuildID)),
			zap.Uint64("userID", uint64(msg.Author.ID)),
			zap.String("reason", err.Error()))
	default:
		p.logger.Error("Failed to record message XP",
			zap.Uint64("instanceID", uint64(instanceID)),
			zap.Uint64("guildID", uint64(msg.GuildID)),
			zap.Uint64("userID", uint64(msg.Author.ID)),
			zap.Error(err))
	}
}

// enforceAutoMod runs the configured filters and acts on the first violation.
// Reports whether the message was rejected.
func (p *Pipeline) enforceAutoMod(
	ctx context.Context, conn gateway.Connection, msg *gateway.Message, cfg *types.AutoModConfig,
) bool {
	if !cfg.Enabled {
		return false
	}

	violation, violated := automod.Run(msg.Content, cfg, automod.Filters(cfg))
	if !violated {
		return false
	}

	p.metrics.Violation(string(violation.Filter))

	logger := p.logger.With(
		zap.Uint64("guildID", uint64(msg.GuildID)),
		zap.Uint64("userID", uint64(msg.Author.ID)),
		zap.String("filter", string(violation.Filter)))
	logger.Debug("Auto-mod violation")

	if cfg.AutoDeleteMessages {
		if err := conn.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
			logger.Warn("Failed to delete violating message", zap.Error(err))
		}
	}

	if cfg.AutoWarnUsers {
		if err := conn.Send(ctx, msg.ChannelID, msg.Author.Mention()+" "+violation.Message); err != nil {
			logger.Warn("Failed to warn user", zap.Error(err))
		}
	}

	return true
}
