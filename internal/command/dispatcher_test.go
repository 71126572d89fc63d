package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/command/cooldown"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/robalyx/botfleet/internal/gateway"
	"github.com/robalyx/botfleet/internal/gateway/gatewaytest"
	"github.com/robalyx/botfleet/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type usageRecorder struct {
	mu     sync.Mutex
	usages []types.CommandUsage
}

func (r *usageRecorder) LogCommand(_ context.Context, usage *types.CommandUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.usages = append(r.usages, *usage)

	return nil
}

func (r *usageRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.usages)
}

// spyTracker records Add calls on top of an in-memory tracker.
type spyTracker struct {
	*cooldown.MemoryTracker

	mu   sync.Mutex
	adds int
}

func (s *spyTracker) Add(ctx context.Context, userID snowflake.ID, command string, d time.Duration) error {
	s.mu.Lock()
	s.adds++
	s.mu.Unlock()

	return s.MemoryTracker.Add(ctx, userID, command, d)
}

func (s *spyTracker) addCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.adds
}

type fixture struct {
	registry   *Registry
	dispatcher *Dispatcher
	tracker    *spyTracker
	usage      *usageRecorder
	conn       *gatewaytest.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		registry: NewRegistry(),
		tracker:  &spyTracker{MemoryTracker: cooldown.NewMemoryTracker()},
		usage:    &usageRecorder{},
		conn:     gatewaytest.NewConn(gateway.User{ID: 1, Username: "bot", Bot: true}),
	}
	f.dispatcher = NewDispatcher(f.registry, f.tracker, f.usage, metrics.New(), zaptest.NewLogger(t))

	return f
}

func testMessage(content string) *gateway.Message {
	author := gateway.User{ID: 42, Username: "member"}

	return &gateway.Message{
		ID:          7,
		GuildID:     100,
		ChannelID:   200,
		ChannelName: "general",
		Author:      author,
		Member:      &gateway.Member{GuildID: 100, User: author},
		Content:     content,
	}
}

func testConfig() *types.InstanceConfig {
	cfg := types.DefaultInstanceConfig()
	cfg.General.Prefix = "!"

	return &cfg
}

func TestDispatchRunsCommand(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var calls int
	var gotArgs []string
	f.registry.MustRegister(&Command{
		Name: "ping",
		Handler: func(ctx context.Context, c *Context) error {
			calls++
			gotArgs = c.Args
			return c.Reply(ctx, "Pong!")
		},
	})

	f.dispatcher.Dispatch(t.Context(), 9, f.conn, testMessage("!PING Hello World"), testConfig())

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"Hello", "World"}, gotArgs)
	assert.Equal(t, []gatewaytest.SentMessage{{ChannelID: 200, Content: "Pong!"}}, f.conn.Sent())
	assert.Equal(t, 1, f.tracker.addCount())

	require.Equal(t, 1, f.usage.count())
	assert.Equal(t, "ping", f.usage.usages[0].Name)
	assert.EqualValues(t, 9, f.usage.usages[0].InstanceID)
	assert.EqualValues(t, 42, f.usage.usages[0].By)
}

func TestDispatchSilentNoOps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(msg *gateway.Message)
	}{
		{name: "no member", modify: func(msg *gateway.Message) { msg.Member = nil }},
		{name: "empty content", modify: func(msg *gateway.Message) { msg.Content = "" }},
		{name: "direct message", modify: func(msg *gateway.Message) { msg.GuildID = 0 }},
		{name: "bot author", modify: func(msg *gateway.Message) { msg.Author.Bot = true }},
		{name: "missing prefix", modify: func(msg *gateway.Message) { msg.Content = "ping" }},
		{name: "unknown command", modify: func(msg *gateway.Message) { msg.Content = "!pong" }},
		{name: "plain chat in ignored channel", modify: func(msg *gateway.Message) {
			msg.Content = "hello there"
			msg.ChannelName = "quiet"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)

			var calls int
			f.registry.MustRegister(&Command{
				Name: "ping",
				Handler: func(context.Context, *Context) error {
					calls++
					return nil
				},
			})

			cfg := testConfig()
			cfg.General.IgnoredChannelNames = []string{"quiet"}

			msg := testMessage("!ping")
			tt.modify(msg)

			f.dispatcher.Dispatch(t.Context(), 9, f.conn, msg, cfg)

			assert.Zero(t, calls)
			assert.Empty(t, f.conn.Sent())
		})
	}
}

func TestDispatchHandlerErrorSkipsCooldown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var calls int
	f.registry.MustRegister(&Command{
		Name:     "ping",
		Cooldown: time.Minute,
		Handler: func(context.Context, *Context) error {
			calls++
			return Errorf("Something went wrong.")
		},
	})

	f.dispatcher.Dispatch(t.Context(), 9, f.conn, testMessage("!ping"), testConfig())

	assert.Equal(t, 1, calls)
	assert.Zero(t, f.tracker.addCount())
	assert.Zero(t, f.usage.count())
	assert.Equal(t, []gatewaytest.SentMessage{{ChannelID: 200, Content: ":warning: Something went wrong."}}, f.conn.Sent())
}

func TestDispatchInternalErrorsAreHidden(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registry.MustRegister(
		&Command{
			Name:    "broken",
			Handler: func(context.Context, *Context) error { return errors.New("dial tcp: connection refused") },
		},
		&Command{
			Name:    "panics",
			Handler: func(context.Context, *Context) error { panic("boom") },
		},
	)

	f.dispatcher.Dispatch(t.Context(), 9, f.conn, testMessage("!broken"), testConfig())
	f.dispatcher.Dispatch(t.Context(), 9, f.conn, testMessage("!panics"), testConfig())

	sent := f.conn.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, ":warning: An unknown error occurred", sent[0].Content)
	assert.Equal(t, ":warning: An unknown error occurred", sent[1].Content)
}

func TestDispatchValidationChain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		channel   string
		disabled  bool
		perms     gateway.Permission
		wantReply string
		wantCalls int
	}{
		{
			name:      "ignored channel wins over disabled command",
			channel:   "quiet",
			disabled:  true,
			wantReply: ":warning: Commands cannot be executed in this channel.",
		},
		{
			name:      "disabled command",
			channel:   "general",
			disabled:  true,
			wantReply: ":warning: Command not enabled!",
		},
		{
			name:      "missing permission",
			channel:   "general",
			wantReply: ":warning: **Required Permission**: `ManageGuild`",
		},
		{
			name:      "administrator satisfies precondition",
			channel:   "general",
			perms:     gateway.PermissionAdministrator,
			wantReply: "ok",
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)

			var calls int
			f.registry.MustRegister(&Command{
				Name:         "setxp",
				Precondition: gateway.PermissionManageGuild,
				Handler: func(ctx context.Context, c *Context) error {
					calls++
					return c.Reply(ctx, "ok")
				},
			})

			cfg := testConfig()
			cfg.General.IgnoredChannelNames = []string{"quiet"}
			if tt.disabled {
				cfg.Commands = types.CommandsConfig{"setxp": {Enabled: false}}
			}

			msg := testMessage("!setxp")
			msg.ChannelName = tt.channel
			msg.Member.Permissions = tt.perms

			f.dispatcher.Dispatch(t.Context(), 9, f.conn, msg, cfg)

			assert.Equal(t, tt.wantCalls, calls)

			sent := f.conn.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.wantReply, sent[0].Content)
		})
	}
}

func TestDispatchCooldownIsSilent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var calls int
	f.registry.MustRegister(&Command{
		Name:     "ping",
		Cooldown: time.Hour,
		Handler: func(context.Context, *Context) error {
			calls++
			return nil
		},
	})

	f.dispatcher.Dispatch(t.Context(), 9, f.conn, testMessage("!ping"), testConfig())
	f.dispatcher.Dispatch(t.Context(), 9, f.conn, testMessage("!ping"), testConfig())

	assert.Equal(t, 1, calls)
	assert.Empty(t, f.conn.Sent())
	assert.Equal(t, 1, f.usage.count())
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	handler := func(context.Context, *Context) error { return nil }

	require.NoError(t, r.Register(&Command{Name: "XP", Handler: handler}))
	require.ErrorIs(t, r.Register(&Command{Name: "xp", Handler: handler}), ErrDuplicateCommand)
	require.ErrorIs(t, r.Register(&Command{Name: "empty"}), ErrInvalidCommand)
	require.ErrorIs(t, r.Register(&Command{Handler: handler}), ErrInvalidCommand)
	require.NoError(t, r.Register(&Command{Name: "leaderboard", Handler: handler}))

	_, ok := r.Get("xp")
	assert.True(t, ok)
	assert.Equal(t, []string{"leaderboard", "xp"}, r.Names())
}
