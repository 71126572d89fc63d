package gateway

import (
	"testing"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
)

func TestPermissionHas(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		held     Permission
		required Permission
		want     bool
	}{
		{name: "none held", held: 0, required: PermissionManageGuild, want: false},
		{name: "exact", held: PermissionManageGuild, required: PermissionManageGuild, want: true},
		{name: "other permission", held: PermissionKickMembers, required: PermissionManageGuild, want: false},
		{name: "administrator", held: PermissionAdministrator, required: PermissionBanMembers, want: true},
		{
			name:     "combined",
			held:     PermissionManageRoles | PermissionManageMessages,
			required: PermissionManageMessages,
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.held.Has(tt.required))
		})
	}
}

func TestToPermission(t *testing.T) {
	t.Parallel()

	perms := toPermission(discord.PermissionManageGuild | discord.PermissionSendMessages)
	assert.Equal(t, PermissionManageGuild, perms)
	assert.Equal(t, "ManageGuild", perms.String())
}

func TestEventKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ready", EventReady.String())
	assert.Equal(t, "messageDelete", EventMessageDelete.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}

func TestUserMention(t *testing.T) {
	t.Parallel()

	u := User{ID: snowflake.ID(123456789012345678)}
	assert.Equal(t, "<@123456789012345678>", u.Mention())
}
