// Package gateway abstracts a live chat-platform connection for one bot instance.
package gateway

import (
	"context"
	"errors"

	"github.com/disgoorg/snowflake/v2"
)

// ErrAuthentication is returned when the platform rejects a bot token.
var ErrAuthentication = errors.New("authentication rejected")

// EventKind identifies an inbound gateway event.
type EventKind int

const (
	EventReady EventKind = iota
	EventGuildCreate
	EventMessageCreate
	EventMemberJoin
	EventMemberLeave
	EventMessageDelete
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventGuildCreate:
		return "guildCreate"
	case EventMessageCreate:
		return "messageCreate"
	case EventMemberJoin:
		return "memberJoin"
	case EventMemberLeave:
		return "memberLeave"
	case EventMessageDelete:
		return "messageDelete"
	default:
		return "unknown"
	}
}

// Permission is a set of member permissions relevant to command preconditions.
type Permission int64

const (
	PermissionAdministrator Permission = 1 << iota
	PermissionManageGuild
	PermissionManageMessages
	PermissionManageRoles
	PermissionKickMembers
	PermissionBanMembers
)

var permissionNames = []struct {
	perm Permission
	name string
}{
	{PermissionAdministrator, "Administrator"},
	{PermissionManageGuild, "ManageGuild"},
	{PermissionManageMessages, "ManageMessages"},
	{PermissionManageRoles, "ManageRoles"},
	{PermissionKickMembers, "KickMembers"},
	{PermissionBanMembers, "BanMembers"},
}

// String returns the name of a single permission.
func (p Permission) String() string {
	for _, pn := range permissionNames {
		if pn.perm == p {
			return pn.name
		}
	}

	return "Unknown"
}

// Has reports whether p grants required. Administrator grants everything.
func (p Permission) Has(required Permission) bool {
	return p&PermissionAdministrator != 0 || p&required == required
}

// User is a platform user.
type User struct {
	ID       snowflake.ID
	Username string
	Bot      bool
}

// Mention returns the mention markup for the user.
func (u User) Mention() string {
	return "<@" + u.ID.String() + ">"
}

// Member is a user within a guild.
type Member struct {
	GuildID     snowflake.ID
	User        User
	RoleNames   []string
	Permissions Permission
}

// Guild is a server the bot belongs to.
type Guild struct {
	ID   snowflake.ID
	Name string
}

// Message is a chat message. GuildID is zero for direct messages.
type Message struct {
	ID          snowflake.ID
	GuildID     snowflake.ID
	ChannelID   snowflake.ID
	ChannelName string
	Author      User
	Member      *Member // Nil when the sender is not a resolved guild member
	Content     string
}

// InGuild reports whether the message was sent in a guild.
func (m *Message) InGuild() bool {
	return m.GuildID != 0
}

// Event is an inbound gateway event. Only the payload matching Kind is set.
type Event struct {
	Kind    EventKind
	Self    User
	Guild   *Guild
	Message *Message
	Member  *Member
}

// Handler processes an inbound event.
type Handler func(ctx context.Context, event *Event)

// Connection is a single bot's gateway session.
type Connection interface {
	// On registers a handler for an event kind. Handlers run in registration order.
	On(kind EventKind, handler Handler)
	// Open authenticates and starts receiving events.
	// Returns ErrAuthentication if the token is rejected.
	Open(ctx context.Context) error
	// Close ends the session. Safe to call more than once.
	Close(ctx context.Context)
	// Self returns the bot user. Valid after Open succeeds.
	Self() User
	// Send posts a text message to a channel.
	Send(ctx context.Context, channelID snowflake.ID, content string) error
	// DeleteMessage removes a message from a channel.
	DeleteMessage(ctx context.Context, channelID, messageID snowflake.ID) error
	// GrantRole adds a role to a guild member.
	GrantRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
	// RoleByName resolves a guild role by its name.
	RoleByName(ctx context.Context, guildID snowflake.ID, name string) (snowflake.ID, bool, error)
}

// Connector creates unopened connections from bot tokens.
type Connector interface {
	Connect(token string) (Connection, error)
}
