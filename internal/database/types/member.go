package types

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Member is the leveling progress of a user within a guild.
// Records are shared by every bot instance present in the guild.
type Member struct {
	GuildID        snowflake.ID `bun:",pk"`
	UserID         snowflake.ID `bun:",pk"`
	XP             int64        `bun:"xp,notnull,default:0"`
	RecentMessages []time.Time  `bun:",type:jsonb,notnull"` // Timestamps within the current minute bucket
	UpdatedAt      time.Time    `bun:",notnull"`
}

// CommandUsage records a successful command execution.
type CommandUsage struct {
	ID         int64        `bun:",pk,autoincrement"`
	InstanceID snowflake.ID `bun:",notnull"`
	GuildID    snowflake.ID `bun:",notnull"`
	Name       string       `bun:",notnull"`
	By         snowflake.ID `bun:",notnull"`
	At         time.Time    `bun:",notnull"`
}
