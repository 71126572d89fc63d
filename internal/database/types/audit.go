package types

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
)

// Changes holds the differing keys of a config module before and after an update.
type Changes struct {
	Old map[string]any `json:"old"`
	New map[string]any `json:"new"`
}

// IsEmpty reports whether nothing changed.
func (c Changes) IsEmpty() bool {
	return len(c.Old) == 0 && len(c.New) == 0
}

// AuditEntry is an append-only record of a config mutation.
type AuditEntry struct {
	ID         uuid.UUID    `bun:",pk,type:uuid"`
	InstanceID snowflake.ID `bun:",notnull"`
	By         snowflake.ID `bun:",notnull"`
	Module     string       `bun:",notnull"`
	Changes    Changes      `bun:",type:jsonb,notnull"`
	At         time.Time    `bun:",notnull"`
}
