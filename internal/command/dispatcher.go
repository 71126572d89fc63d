package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/command/cooldown"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/robalyx/botfleet/internal/gateway"
	"github.com/robalyx/botfleet/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// UsageLogger records successful command executions.
type UsageLogger interface {
	LogCommand(ctx context.Context, usage *types.CommandUsage) error
}

// Dispatcher runs commands for inbound guild messages.
type Dispatcher struct {
	registry  *Registry
	cooldowns cooldown.Tracker
	usage     UsageLogger
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewDispatcher creates a dispatcher over a registry built at startup.
func NewDispatcher(
	registry *Registry, cooldowns cooldown.Tracker, usage UsageLogger, m *metrics.Metrics, logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		cooldowns: cooldowns,
		usage:     usage,
		metrics:   m,
		logger:    logger.Named("dispatcher"),
		tracer:    otel.Tracer("github.com/robalyx/botfleet/command"),
		now:       time.Now,
	}
}

// Dispatch resolves and runs the command in msg, if any. Rejections and
// handler failures are reported to the originating channel and never
// returned to the caller. Only the text of a DispatchError reaches the
// channel; any other error or a panic is logged and shown as a generic
// "An unknown error occurred" message.
func (d *Dispatcher) Dispatch(
	ctx context.Context, instanceID snowflake.ID, conn gateway.Connection, msg *gateway.Message,
	cfg *types.InstanceConfig,
) {
	if msg == nil || msg.Member == nil || msg.Content == "" || !msg.InGuild() || msg.Author.Bot || cfg == nil {
		return
	}

	cmd, args, ok := d.resolve(msg.Content, cfg.General.Prefix)
	if !ok {
		return
	}

	ctx, span := d.tracer.Start(ctx, "command.Dispatch", trace.WithAttributes(
		attribute.String("command", cmd.Name),
		attribute.String("instance_id", instanceID.String()),
		attribute.String("guild_id", msg.GuildID.String()),
	))
	defer span.End()

	logger := d.logger.With(
		zap.String("command", cmd.Name),
		zap.Uint64("instanceID", uint64(instanceID)),
		zap.Uint64("guildID", uint64(msg.GuildID)),
		zap.Uint64("userID", uint64(msg.Author.ID)),
	)

	err := d.execute(ctx, logger, cmd, &Context{
		InstanceID: instanceID,
		Conn:       conn,
		Message:    msg,
		Config:     cfg,
		Args:       args,
	})
	if err == nil {
		return
	}

	var dispatchErr *DispatchError
	switch {
	case errors.Is(err, errOnCooldown):
		d.metrics.CommandDispatched(cmd.Name, metrics.OutcomeRejected)
		logger.Debug("Command on cooldown")

		return
	case errors.As(err, &dispatchErr) && dispatchErr.Reason != ReasonHandler:
		d.metrics.CommandDispatched(cmd.Name, metrics.OutcomeRejected)
		logger.Debug("Command rejected", zap.Stringer("reason", dispatchErr.Reason))
	default:
		d.metrics.CommandDispatched(cmd.Name, metrics.OutcomeError)
		span.SetStatus(codes.Error, err.Error())

		if dispatchErr == nil {
			logger.Error("Command failed", zap.Error(err))
		}
	}

	if sendErr := conn.Send(ctx, msg.ChannelID, ":warning: "+userMessage(err)); sendErr != nil {
		logger.Warn("Failed to send command warning", zap.Error(sendErr))
	}
}

// errOnCooldown aborts a dispatch without telling the user.
var errOnCooldown = errors.New("command on cooldown")

// execute applies the validation chain, runs the handler and records the
// usage. The cooldown and usage log are only touched on success.
func (d *Dispatcher) execute(ctx context.Context, logger *zap.Logger, cmd *Command, c *Context) error {
	msg := c.Message

	if slices.Contains(c.Config.General.IgnoredChannelNames, msg.ChannelName) {
		return errIgnoredChannel()
	}

	active, err := d.cooldowns.Active(ctx, msg.Author.ID, cmd.Name)
	if err != nil {
		logger.Error("Failed to check cooldown", zap.Error(err))
	} else if active {
		return errOnCooldown
	}

	if !c.Config.Commands.Enabled(cmd.Name) {
		return errDisabled()
	}

	if cmd.Precondition != 0 && !msg.Member.Permissions.Has(cmd.Precondition) {
		return errMissingPermission(cmd.Precondition)
	}

	if err := d.runHandler(ctx, cmd, c); err != nil {
		return err
	}

	d.metrics.CommandDispatched(cmd.Name, metrics.OutcomeSuccess)

	if err := d.cooldowns.Add(ctx, msg.Author.ID, cmd.Name, cmd.Cooldown); err != nil {
		logger.Error("Failed to add cooldown", zap.Error(err))
	}

	if d.usage != nil {
		usage := &types.CommandUsage{
			InstanceID: c.InstanceID,
			GuildID:    msg.GuildID,
			Name:       cmd.Name,
			By:         msg.Author.ID,
			At:         d.now(),
		}
		if err := d.usage.LogCommand(ctx, usage); err != nil {
			logger.Error("Failed to log command usage", zap.Error(err))
		}
	}

	logger.Debug("Command executed", zap.Strings("args", c.Args))

	return nil
}

// runHandler calls the handler, converting a panic into an error.
func (d *Dispatcher) runHandler(ctx context.Context, cmd *Command, c *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Command handler panicked",
				zap.String("command", cmd.Name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))

			err = fmt.Errorf("command %s panicked: %v", cmd.Name, r)
		}
	}()

	return cmd.Handler(ctx, c)
}

// resolve lower-cases the first token, strips the prefix and looks the rest up
// in the registry. Arguments keep their original casing.
func (d *Dispatcher) resolve(content, prefix string) (*Command, []string, bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return nil, nil, false
	}

	first := strings.ToLower(fields[0])
	prefix = strings.ToLower(prefix)

	if !strings.HasPrefix(first, prefix) {
		return nil, nil, false
	}

	cmd, ok := d.registry.Get(strings.TrimPrefix(first, prefix))
	if !ok {
		return nil, nil, false
	}

	return cmd, fields[1:], true
}
