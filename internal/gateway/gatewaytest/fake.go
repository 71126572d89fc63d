// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"errors"
	"sync"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/gateway"
)

// ErrSendFailed can be assigned to Conn.SendErr to simulate outbound failures.
var ErrSendFailed = errors.New("send failed")

// SentMessage is a message recorded by Conn.Send.
type SentMessage struct {
	ChannelID snowflake.ID
	Content   string
}

// Grant is a role grant recorded by Conn.GrantRole.
type Grant struct {
	GuildID snowflake.ID
	UserID  snowflake.ID
	RoleID  snowflake.ID
}

// Conn is a fake gateway.Connection that records outbound calls.
type Conn struct {
	SelfUser gateway.User
	OpenErr  error
	SendErr  error
	GrantErr error
	Roles    map[string]snowflake.ID // Role name to ID for RoleByName

	mu           sync.Mutex
	handlers     map[gateway.EventKind][]gateway.Handler
	registered   []gateway.EventKind
	openedBefore []gateway.EventKind
	opened       bool
	closed       int
	sent         []SentMessage
	deleted      []snowflake.ID
	granted      []Grant
}

// NewConn creates a fake connection for the given bot user.
func NewConn(self gateway.User) *Conn {
	return &Conn{
		SelfUser: self,
		Roles:    make(map[string]snowflake.ID),
		handlers: make(map[gateway.EventKind][]gateway.Handler),
	}
}

func (c *Conn) On(kind gateway.EventKind, handler gateway.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[kind] = append(c.handlers[kind], handler)
	c.registered = append(c.registered, kind)
}

func (c *Conn) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.OpenErr != nil {
		return c.OpenErr
	}

	c.opened = true
	c.openedBefore = append([]gateway.EventKind(nil), c.registered...)

	return nil
}

func (c *Conn) Close(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed++
}

func (c *Conn) Self() gateway.User {
	return c.SelfUser
}

func (c *Conn) Send(_ context.Context, channelID snowflake.ID, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SendErr != nil {
		return c.SendErr
	}

	c.sent = append(c.sent, SentMessage{ChannelID: channelID, Content: content})

	return nil
}

func (c *Conn) DeleteMessage(_ context.Context, _, messageID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deleted = append(c.deleted, messageID)

	return nil
}

func (c *Conn) GrantRole(_ context.Context, guildID, userID, roleID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.GrantErr != nil {
		return c.GrantErr
	}

	c.granted = append(c.granted, Grant{GuildID: guildID, UserID: userID, RoleID: roleID})

	return nil
}

func (c *Conn) RoleByName(_ context.Context, _ snowflake.ID, name string) (snowflake.ID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.Roles[name]

	return id, ok, nil
}

// Emit delivers an event to the registered handlers in order.
func (c *Conn) Emit(ctx context.Context, event *gateway.Event) {
	c.mu.Lock()
	handlers := append([]gateway.Handler(nil), c.handlers[event.Kind]...)
	c.mu.Unlock()

	event.Self = c.SelfUser
	for _, h := range handlers {
		h(ctx, event)
	}
}

// Registered returns the event kinds in the order handlers were registered.
func (c *Conn) Registered() []gateway.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]gateway.EventKind(nil), c.registered...)
}

// RegisteredBeforeOpen returns the kinds registered before Open succeeded.
func (c *Conn) RegisteredBeforeOpen() []gateway.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]gateway.EventKind(nil), c.openedBefore...)
}

// Opened reports whether Open succeeded.
func (c *Conn) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.opened
}

// Closed returns how many times Close was called.
func (c *Conn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Sent returns the recorded messages.
func (c *Conn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]SentMessage(nil), c.sent...)
}

// Deleted returns the IDs of deleted messages.
func (c *Conn) Deleted() []snowflake.ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]snowflake.ID(nil), c.deleted...)
}

// Granted returns the recorded role grants.
func (c *Conn) Granted() []Grant {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Grant(nil), c.granted...)
}

// Connector is a fake gateway.Connector keyed by token.
type Connector struct {
	mu    sync.Mutex
	conns map[string]*Conn
	errs  map[string]error
	calls []string
}

// NewConnector creates an empty fake connector.
func NewConnector() *Connector {
	return &Connector{
		conns: make(map[string]*Conn),
		errs:  make(map[string]error),
	}
}

// Add registers the connection returned for a token.
func (f *Connector) Add(token string, conn *Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.conns[token] = conn
}

// Fail makes Connect fail for a token.
func (f *Connector) Fail(token string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errs[token] = err
}

// Calls returns the tokens Connect was called with.
func (f *Connector) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *Connector) Connect(token string) (gateway.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, token)

	if err, ok := f.errs[token]; ok {
		return nil, err
	}

	conn, ok := f.conns[token]
	if !ok {
		return nil, gateway.ErrAuthentication
	}

	return conn, nil
}
