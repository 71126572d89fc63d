package instance

import (
	"context"
	"runtime/debug"

	"github.com/robalyx/botfleet/internal/gateway"
	"go.uber.org/zap"
)

type eventFunc func(ctx context.Context, inst *Instance, event *gateway.Event)

type handlerEntry struct {
	kind gateway.EventKind
	fn   eventFunc
}

// handlers returns the handlers registered after the connection opens, in
// registration order. Ready is registered separately before opening.
func (m *Manager) handlers() []handlerEntry {
	return []handlerEntry{
		{gateway.EventGuildCreate, m.onGuildCreate},
		{gateway.EventMessageCreate, m.onMessageCreate},
		{gateway.EventMemberJoin, m.onMemberJoin},
		{gateway.EventMemberLeave, m.onMemberLeave},
		{gateway.EventMessageDelete, m.onMessageDelete},
	}
}

// guard drops events for stopped instances, tracks in-flight events and
// recovers handler panics.
func (m *Manager) guard(inst *Instance, fn eventFunc) gateway.Handler {
	return func(ctx context.Context, event *gateway.Event) {
		if !inst.enter() {
			return
		}
		defer inst.leave()

		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Event handler panicked",
					zap.Uint64("instanceID", uint64(inst.id())),
					zap.Stringer("event", event.Kind),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))
			}
		}()

		fn(ctx, inst, event)
	}
}

func (m *Manager) onReady(_ context.Context, _ *Instance, event *gateway.Event) {
	m.logger.Info("Instance ready",
		zap.Uint64("instanceID", uint64(event.Self.ID)),
		zap.String("username", event.Self.Username))
}

func (m *Manager) onGuildCreate(_ context.Context, inst *Instance, event *gateway.Event) {
	if event.Guild == nil {
		return
	}

	m.logger.Info("Joined guild",
		zap.Uint64("instanceID", uint64(inst.id())),
		zap.Uint64("guildID", uint64(event.Guild.ID)),
		zap.String("guildName", event.Guild.Name))
}

func (m *Manager) onMessageCreate(ctx context.Context, inst *Instance, event *gateway.Event) {
	if m.pipeline == nil {
		return
	}

	m.pipeline.HandleMessage(ctx, inst.id(), inst.Conn, event.Message)
}

func (m *Manager) onMemberJoin(_ context.Context, inst *Instance, event *gateway.Event) {
	if event.Member == nil {
		return
	}

	m.logger.Info("Member joined",
		zap.Uint64("instanceID", uint64(inst.id())),
		zap.Uint64("guildID", uint64(event.Member.GuildID)),
		zap.Uint64("userID", uint64(event.Member.User.ID)))
}

func (m *Manager) onMemberLeave(_ context.Context, inst *Instance, event *gateway.Event) {
	if event.Member == nil {
		return
	}

	m.logger.Info("Member left",
		zap.Uint64("instanceID", uint64(inst.id())),
		zap.Uint64("guildID", uint64(event.Member.GuildID)),
		zap.Uint64("userID", uint64(event.Member.User.ID)))
}

func (m *Manager) onMessageDelete(_ context.Context, inst *Instance, event *gateway.Event) {
	msg := event.Message
	if msg == nil || !msg.InGuild() || msg.Author.Bot {
		return
	}

	m.logger.Debug("Message deleted",
		zap.Uint64("instanceID", uint64(inst.id())),
		zap.Uint64("guildID", uint64(msg.GuildID)),
		zap.Uint64("channelID", uint64(msg.ChannelID)),
		zap.Uint64("userID", uint64(msg.Author.ID)))
}
