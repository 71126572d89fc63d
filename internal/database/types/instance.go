package types

import (
	"errors"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ErrRecordNotFound is returned when a requested record does not exist.
var ErrRecordNotFound = errors.New("record not found")

// Config module names accepted by the audited update path.
const (
	ModuleGeneral  = "general"
	ModuleCommands = "commands"
	ModuleLeveling = "leveling"
	ModuleAutoMod  = "autoMod"
)

// Auto-moderation filter names as stored in the instance config.
const (
	FilterLinks       = "links"
	FilterWords       = "words"
	FilterMassCaps    = "massCaps"
	FilterMassMention = "massMention"
)

// Instance is a persisted bot instance. The token is stored encrypted.
type Instance struct {
	ID        snowflake.ID   `bun:",pk"`                 // Bot user ID assigned by the platform
	OwnerID   snowflake.ID   `bun:",notnull"`            // Tenant that provisioned the bot
	Token     string         `bun:",notnull"`            // Encrypted bot token
	Config    InstanceConfig `bun:",type:jsonb,notnull"` // Per-instance settings
	CreatedAt time.Time      `bun:",notnull"`
	UpdatedAt time.Time      `bun:",notnull"`
}

// InstanceConfig holds the settings consulted by the event pipeline.
type InstanceConfig struct {
	General  GeneralConfig  `json:"general"`
	Commands CommandsConfig `json:"commands"`
	Leveling LevelingConfig `json:"leveling"`
	AutoMod  AutoModConfig  `json:"autoMod"`
}

// GeneralConfig contains the command prefix and channel restrictions.
type GeneralConfig struct {
	Prefix              string   `json:"prefix"`
	IgnoredChannelNames []string `json:"ignoredChannelNames"`
}

// CommandSetting toggles a single command.
type CommandSetting struct {
	Enabled bool `json:"enabled"`
}

// CommandsConfig maps command names to their settings.
// Commands without an entry are enabled.
type CommandsConfig map[string]CommandSetting

// Enabled reports whether the named command may run.
func (c CommandsConfig) Enabled(name string) bool {
	setting, ok := c[name]
	return !ok || setting.Enabled
}

// LevelRole maps a level to the name of the role granted on reaching it.
type LevelRole struct {
	Level    int    `json:"level"`
	RoleName string `json:"roleName"`
}

// LevelingConfig controls XP awards.
type LevelingConfig struct {
	Enabled              bool        `json:"enabled"`
	XPPerMessage         int64       `json:"xpPerMessage"`
	MaxMessagesPerMinute int         `json:"maxMessagesPerMinute"`
	IgnoredRoleNames     []string    `json:"ignoredRoleNames"`
	LevelRoleNames       []LevelRole `json:"levelRoleNames"`
}

// RoleNameForLevel returns the role configured for the given level.
func (c *LevelingConfig) RoleNameForLevel(level int) (string, bool) {
	for _, lr := range c.LevelRoleNames {
		if lr.Level == level {
			return lr.RoleName, true
		}
	}

	return "", false
}

// AutoModConfig controls the content filters.
type AutoModConfig struct {
	Enabled              bool     `json:"enabled"`
	Filters              []string `json:"filters"` // Enabled filters in evaluation order
	BanWords             []string `json:"banWords"`
	BanLinks             []string `json:"banLinks"`
	MassCapsThreshold    int      `json:"massCapsThreshold"` // 0-10, compared against ratio*10
	MassMentionThreshold int      `json:"massMentionThreshold"`
	AutoDeleteMessages   bool     `json:"autoDeleteMessages"`
	AutoWarnUsers        bool     `json:"autoWarnUsers"`
}

// DefaultInstanceConfig returns the config given to newly provisioned instances.
func DefaultInstanceConfig() InstanceConfig {
	return InstanceConfig{
		General: GeneralConfig{
			Prefix:              ".",
			IgnoredChannelNames: []string{},
		},
		Commands: CommandsConfig{},
		Leveling: LevelingConfig{
			Enabled:              true,
			XPPerMessage:         50,
			MaxMessagesPerMinute: 3,
			IgnoredRoleNames:     []string{},
			LevelRoleNames:       []LevelRole{},
		},
		AutoMod: AutoModConfig{
			Enabled:              true,
			Filters:              []string{FilterWords, FilterLinks, FilterMassMention, FilterMassCaps},
			BanWords:             []string{},
			BanLinks:             []string{},
			MassCapsThreshold:    7,
			MassMentionThreshold: 5,
			AutoDeleteMessages:   true,
			AutoWarnUsers:        true,
		},
	}
}
