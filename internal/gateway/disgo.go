package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	dgateway "github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Outbound REST calls allowed per second for one bot.
	restRate  = 40
	restBurst = 10

	roleCacheSize = 2048
	roleCacheTTL  = 10 * time.Minute
)

// DisgoConnector builds connections backed by a disgo client.
type DisgoConnector struct {
	logger         *zap.Logger
	requestTimeout time.Duration
}

// NewDisgoConnector creates a connector for real platform sessions.
func NewDisgoConnector(requestTimeout time.Duration, logger *zap.Logger) *DisgoConnector {
	return &DisgoConnector{
		logger:         logger.Named("gateway"),
		requestTimeout: requestTimeout,
	}
}

// Connect creates an unopened connection. Malformed tokens fail here.
func (c *DisgoConnector) Connect(token string) (Connection, error) {
	conn := &disgoConnection{
		handlers:       make(map[EventKind][]Handler),
		logger:         c.logger,
		requestTimeout: c.requestTimeout,
		limiter:        rate.NewLimiter(rate.Limit(restRate), restBurst),
		roles:          expirable.NewLRU[roleKey, snowflake.ID](roleCacheSize, nil, roleCacheTTL),
	}

	client, err := disgo.New(token,
		bot.WithGatewayConfigOpts(
			dgateway.WithIntents(
				dgateway.IntentGuilds,
				dgateway.IntentGuildMembers,
				dgateway.IntentGuildMessages,
				dgateway.IntentMessageContent,
			),
		),
		bot.WithEventListeners(&events.ListenerAdapter{
			OnReady:              conn.onReady,
			OnGuildJoin:          conn.onGuildJoin,
			OnGuildMessageCreate: conn.onMessageCreate,
			OnGuildMemberJoin:    conn.onMemberJoin,
			OnGuildMemberLeave:   conn.onMemberLeave,
			OnGuildMessageDelete: conn.onMessageDelete,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	conn.client = client

	return conn, nil
}

// roleKey identifies a role by guild and name.
type roleKey struct {
	guildID snowflake.ID
	name    string
}

// disgoConnection adapts a disgo client to Connection.
type disgoConnection struct {
	client         bot.Client
	logger         *zap.Logger
	requestTimeout time.Duration
	limiter        *rate.Limiter
	roles          *expirable.LRU[roleKey, snowflake.ID]
	handlers       map[EventKind][]Handler
	self           User
	mu             sync.RWMutex
	closeOnce      sync.Once
}

func (c *disgoConnection) On(kind EventKind, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[kind] = append(c.handlers[kind], handler)
}

func (c *disgoConnection) Open(ctx context.Context) error {
	app, err := c.client.Rest().GetBotApplicationInfo(rest.WithCtx(ctx))
	if err != nil {
		if isUnauthorized(err) {
			return fmt.Errorf("%w: %w", ErrAuthentication, err)
		}

		return fmt.Errorf("failed to fetch application info: %w", err)
	}

	if app.Bot != nil {
		c.mu.Lock()
		c.self = User{ID: app.Bot.ID, Username: app.Bot.Username, Bot: true}
		c.mu.Unlock()
	}

	if err := c.client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}

	return nil
}

func (c *disgoConnection) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		c.client.Close(ctx)
	})
}

func (c *disgoConnection) Self() User {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.self
}

func (c *disgoConnection) Send(ctx context.Context, channelID snowflake.ID, content string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := c.client.Rest().CreateMessage(channelID, discord.MessageCreate{
		Content: content,
	}, rest.WithCtx(ctx))
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

func (c *disgoConnection) DeleteMessage(ctx context.Context, channelID, messageID snowflake.ID) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := c.client.Rest().DeleteMessage(channelID, messageID, rest.WithCtx(ctx)); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	return nil
}

func (c *disgoConnection) GrantRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := c.client.Rest().AddMemberRole(guildID, userID, roleID, rest.WithCtx(ctx)); err != nil {
		return fmt.Errorf("failed to grant role: %w", err)
	}

	return nil
}

func (c *disgoConnection) RoleByName(ctx context.Context, guildID snowflake.ID, name string) (snowflake.ID, bool, error) {
	key := roleKey{guildID: guildID, name: name}
	if roleID, ok := c.roles.Get(key); ok {
		return roleID, true, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, false, err
	}

	roles, err := c.client.Rest().GetRoles(guildID, rest.WithCtx(ctx))
	if err != nil {
		return 0, false, fmt.Errorf("failed to get roles: %w", err)
	}

	for _, role := range roles {
		c.roles.Add(roleKey{guildID: guildID, name: role.Name}, role.ID)
	}

	roleID, ok := c.roles.Get(key)

	return roleID, ok, nil
}

// emit runs the handlers registered for the event kind.
func (c *disgoConnection) emit(event *Event) {
	c.mu.RLock()
	handlers := c.handlers[event.Kind]
	event.Self = c.self
	c.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	for _, handler := range handlers {
		handler(ctx, event)
	}
}

func (c *disgoConnection) onReady(e *events.Ready) {
	c.mu.Lock()
	c.self = User{ID: e.User.ID, Username: e.User.Username, Bot: true}
	c.mu.Unlock()

	c.emit(&Event{Kind: EventReady})
}

func (c *disgoConnection) onGuildJoin(e *events.GuildJoin) {
	c.emit(&Event{
		Kind:  EventGuildCreate,
		Guild: &Guild{ID: e.Guild.ID, Name: e.Guild.Name},
	})
}

func (c *disgoConnection) onMessageCreate(e *events.GuildMessageCreate) {
	msg := &Message{
		ID:        e.MessageID,
		GuildID:   e.GuildID,
		ChannelID: e.ChannelID,
		Author:    toUser(e.Message.Author),
		Content:   e.Message.Content,
	}

	if channel, ok := c.client.Caches().Channel(e.ChannelID); ok {
		msg.ChannelName = channel.Name()
	}

	if e.Message.Member != nil {
		member := *e.Message.Member
		member.User = e.Message.Author
		member.GuildID = e.GuildID
		msg.Member = c.toMember(member)
	}

	c.emit(&Event{Kind: EventMessageCreate, Message: msg})
}

func (c *disgoConnection) onMemberJoin(e *events.GuildMemberJoin) {
	c.emit(&Event{Kind: EventMemberJoin, Member: c.toMember(e.Member)})
}

func (c *disgoConnection) onMemberLeave(e *events.GuildMemberLeave) {
	c.emit(&Event{
		Kind:   EventMemberLeave,
		Member: &Member{GuildID: e.GuildID, User: toUser(e.User)},
	})
}

func (c *disgoConnection) onMessageDelete(e *events.GuildMessageDelete) {
	// Only cached messages carry an author
	c.emit(&Event{
		Kind: EventMessageDelete,
		Message: &Message{
			ID:        e.MessageID,
			GuildID:   e.GuildID,
			ChannelID: e.ChannelID,
			Author:    toUser(e.Message.Author),
			Content:   e.Message.Content,
		},
	})
}

// toMember resolves role names and permissions from the cache.
func (c *disgoConnection) toMember(member discord.Member) *Member {
	caches := c.client.Caches()

	roleNames := make([]string, 0, len(member.RoleIDs))
	for _, roleID := range member.RoleIDs {
		if role, ok := caches.Role(member.GuildID, roleID); ok {
			roleNames = append(roleNames, role.Name)
		}
	}

	return &Member{
		GuildID:     member.GuildID,
		User:        toUser(member.User),
		RoleNames:   roleNames,
		Permissions: toPermission(caches.MemberPermissions(member)),
	}
}

func toUser(user discord.User) User {
	return User{ID: user.ID, Username: user.Username, Bot: user.Bot}
}

// toPermission maps platform permission bits onto Permission.
func toPermission(perms discord.Permissions) Permission {
	var p Permission

	mapping := []struct {
		platform discord.Permissions
		perm     Permission
	}{
		{discord.PermissionAdministrator, PermissionAdministrator},
		{discord.PermissionManageGuild, PermissionManageGuild},
		{discord.PermissionManageMessages, PermissionManageMessages},
		{discord.PermissionManageRoles, PermissionManageRoles},
		{discord.PermissionKickMembers, PermissionKickMembers},
		{discord.PermissionBanMembers, PermissionBanMembers},
	}

	for _, m := range mapping {
		if perms.Has(m.platform) {
			p |= m.perm
		}
	}

	return p
}

// isUnauthorized reports whether a REST error means the token was rejected.
func isUnauthorized(err error) bool {
	var restErr *rest.Error
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusUnauthorized
	}

	return false
}
