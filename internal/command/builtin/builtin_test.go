package builtin

import (
	"context"
	"fmt"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/command"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/robalyx/botfleet/internal/gateway"
	"github.com/robalyx/botfleet/internal/gateway/gatewaytest"
	"github.com/robalyx/botfleet/internal/leveling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMembers is ordered like the store returns members: XP descending.
type fakeMembers struct {
	members []*types.Member
}

func (f *fakeMembers) GetGuildMembers(context.Context, snowflake.ID) ([]*types.Member, error) {
	return f.members, nil
}

type fakeSetter struct {
	calls []int64
}

func (f *fakeSetter) SetXP(_ context.Context, guildID, userID snowflake.ID, xp int64) (*types.Member, error) {
	if xp < 0 {
		return nil, leveling.ErrNegativeXP
	}

	if xp > leveling.MaxXP {
		return nil, leveling.ErrXPTooLarge
	}

	f.calls = append(f.calls, xp)

	return &types.Member{GuildID: guildID, UserID: userID, XP: xp}, nil
}

func find(t *testing.T, cmds []*command.Command, name string) *command.Command {
	t.Helper()

	for _, cmd := range cmds {
		if cmd.Name == name {
			return cmd
		}
	}

	t.Fatalf("command %s not found", name)

	return nil
}

func newContext(conn *gatewaytest.Conn, args ...string) *command.Context {
	cfg := types.DefaultInstanceConfig()
	author := gateway.User{ID: 42, Username: "member"}

	return &command.Context{
		InstanceID: 9,
		Conn:       conn,
		Message: &gateway.Message{
			GuildID:   100,
			ChannelID: 200,
			Author:    author,
			Member:    &gateway.Member{GuildID: 100, User: author},
		},
		Config: &cfg,
		Args:   args,
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	registry := command.NewRegistry()
	require.NoError(t, Register(registry, &fakeMembers{}, &fakeSetter{}))
	assert.Equal(t, []string{"leaderboard", "ping", "setxp", "xp"}, registry.Names())

	setxp, ok := registry.Get("setxp")
	require.True(t, ok)
	assert.Equal(t, gateway.PermissionManageGuild, setxp.Precondition)

	require.ErrorIs(t, Register(registry, &fakeMembers{}, &fakeSetter{}), command.ErrDuplicateCommand)
}

func TestPing(t *testing.T) {
	t.Parallel()

	conn := gatewaytest.NewConn(gateway.User{ID: 1, Bot: true})
	cmd := find(t, Commands(&fakeMembers{}, &fakeSetter{}), "ping")

	require.NoError(t, cmd.Handler(t.Context(), newContext(conn)))
	assert.Equal(t, []gatewaytest.SentMessage{{ChannelID: 200, Content: "Pong! 🏓"}}, conn.Sent())
}

func TestXP(t *testing.T) {
	t.Parallel()

	members := &fakeMembers{members: []*types.Member{
		{GuildID: 100, UserID: 7, XP: 900},
		{GuildID: 100, UserID: 42, XP: 340},
	}}
	cmds := Commands(members, &fakeSetter{})

	t.Run("self", func(t *testing.T) {
		t.Parallel()

		conn := gatewaytest.NewConn(gateway.User{ID: 1, Bot: true})
		require.NoError(t, find(t, cmds, "xp").Handler(t.Context(), newContext(conn)))

		sent := conn.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "<@42>\n**Level**: `2`\n**XP**: `340`\n**XP to next level**: `410`\n"+
			"**Progress**: `10%`\n**Rank**: `#2`", sent[0].Content)
	})

	t.Run("unranked member", func(t *testing.T) {
		t.Parallel()

		conn := gatewaytest.NewConn(gateway.User{ID: 1, Bot: true})
		require.NoError(t, find(t, cmds, "xp").Handler(t.Context(), newContext(conn, "<@!555>")))

		sent := conn.Sent()
		require.Len(t, sent, 1)
		assert.Contains(t, sent[0].Content, "<@555>")
		assert.Contains(t, sent[0].Content, "**Rank**: `Unranked`")
	})

	t.Run("bad user", func(t *testing.T) {
		t.Parallel()

		conn := gatewaytest.NewConn(gateway.User{ID: 1, Bot: true})
		err := find(t, cmds, "xp").Handler(t.Context(), newContext(conn, "nobody"))

		var dispatchErr *command.DispatchError
		require.ErrorAs(t, err, &dispatchErr)
		assert.Equal(t, "Could not find user `nobody`.", dispatchErr.Message)
	})
}

func TestLeaderboard(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()

		conn := gatewaytest.NewConn(gateway.User{ID: 1, Bot: true})
		cmd := find(t, Commands(&fakeMembers{}, &fakeSetter{}), "leaderboard")

		require.NoError(t, cmd.Handler(t.Context(), newContext(conn)))
		assert.Equal(t, "No members have earned XP yet.", conn.Sent()[0].Content)
	})

	t.Run("top ten", func(t *testing.T) {
		t.Parallel()

		members := &fakeMembers{}
		for i := range 12 {
			members.members = append(members.members, &types.Member{
				GuildID: 100,
				UserID:  snowflake.ID(i + 1),
				XP:      int64(2000 - i*100),
			})
		}

		conn := gatewaytest.NewConn(gateway.User{ID: 1, Bot: true})
		cmd := find(t, Commands(members, &fakeSetter{}), "leaderboard")
		require.NoError(t, cmd.Handler(t.Context(), newContext(conn)))

		content := conn.Sent()[0].Content
		assert.Contains(t, content, "**#1** <@1> - Level `4` (`2000` XP)")
		assert.Contains(t, content, fmt.Sprintf("**#10** <@10> - Level `%d` (`1100` XP)", leveling.LevelOf(1100)))
		assert.NotContains(t, content, "<@11>")
	})
}

func TestSetXP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		wantErr   string
		wantReply string
	}{
		{name: "mention", args: []string{"<@77>", "750"}, wantReply: "Set XP of <@77> to `750` (level `3`)."},
		{name: "raw id", args: []string{"77", "0"}, wantReply: "Set XP of <@77> to `0` (level `1`)."},
		{name: "missing amount", args: []string{"<@77>"}, wantErr: "Usage: `.setxp <@user> <amount>`"},
		{name: "bad amount", args: []string{"<@77>", "lots"}, wantErr: "Usage: `.setxp <@user> <amount>`"},
		{name: "bad user", args: []string{"someone", "10"}, wantErr: "Usage: `.setxp <@user> <amount>`"},
		{name: "negative", args: []string{"<@77>", "-5"}, wantErr: "XP cannot be negative."},
		{
			name:    "above the cap",
			args:    []string{"<@77>", "9223372036854775807"},
			wantErr: "XP cannot exceed `1000000000000000`.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			conn := gatewaytest.NewConn(gateway.User{ID: 1, Bot: true})
			cmd := find(t, Commands(&fakeMembers{}, &fakeSetter{}), "setxp")

			err := cmd.Handler(t.Context(), newContext(conn, tt.args...))
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				assert.Empty(t, conn.Sent())

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantReply, conn.Sent()[0].Content)
		})
	}
}
