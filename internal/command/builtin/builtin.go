// Package builtin provides the commands every instance ships with.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/command"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/robalyx/botfleet/internal/gateway"
	"github.com/robalyx/botfleet/internal/leveling"
)

// leaderboardSize is the number of members shown by the leaderboard command.
const leaderboardSize = 10

var mentionPattern = regexp.MustCompile(`^<@!?(\d+)>$`)

// MemberStore reads guild progression.
type MemberStore interface {
	GetGuildMembers(ctx context.Context, guildID snowflake.ID) ([]*types.Member, error)
}

// XPSetter overrides a member's XP.
type XPSetter interface {
	SetXP(ctx context.Context, guildID, userID snowflake.ID, xp int64) (*types.Member, error)
}

// Commands returns the built-in command set.
func Commands(members MemberStore, xp XPSetter) []*command.Command {
	h := &handlers{members: members, setter: xp}

	return []*command.Command{
		{
			Name:        "ping",
			Description: "Check that the bot is responding.",
			Cooldown:    3 * time.Second,
			Handler:     h.ping,
		},
		{
			Name:        "xp",
			Description: "Show your level, XP and rank, or another member's.",
			Cooldown:    3 * time.Second,
			Handler:     h.xp,
		},
		{
			Name:        "leaderboard",
			Description: "Show the members with the most XP.",
			Cooldown:    5 * time.Second,
			Handler:     h.leaderboard,
		},
		{
			Name:         "setxp",
			Description:  "Set a member's XP.",
			Precondition: gateway.PermissionManageGuild,
			Handler:      h.setXP,
		},
	}
}

// Register adds the built-in commands to a registry.
func Register(registry *command.Registry, members MemberStore, xp XPSetter) error {
	for _, cmd := range Commands(members, xp) {
		if err := registry.Register(cmd); err != nil {
			return err
		}
	}

	return nil
}

type handlers struct {
	members MemberStore
	setter  XPSetter
}

func (h *handlers) ping(ctx context.Context, c *command.Context) error {
	return c.Reply(ctx, "Pong! 🏓")
}

func (h *handlers) xp(ctx context.Context, c *command.Context) error {
	target := c.Message.Author.ID
	if arg := c.Arg(0); arg != "" {
		id, err := parseUser(arg)
		if err != nil {
			return command.Errorf("Could not find user `%s`.", arg)
		}

		target = id
	}

	members, err := h.members.GetGuildMembers(ctx, c.Message.GuildID)
	if err != nil {
		return fmt.Errorf("failed to load guild members: %w", err)
	}

	var xp int64
	for _, m := range members {
		if m.UserID == target {
			xp = m.XP
			break
		}
	}

	progress := leveling.ProgressOf(xp)

	rank := "Unranked"
	if r := leveling.Rank(members, target); r > 0 {
		rank = "#" + strconv.Itoa(r)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<@%d>\n", target)
	fmt.Fprintf(&b, "**Level**: `%d`\n", progress.Level)
	fmt.Fprintf(&b, "**XP**: `%d`\n", progress.XP)
	fmt.Fprintf(&b, "**XP to next level**: `%d`\n", progress.XPForNextLevel)
	fmt.Fprintf(&b, "**Progress**: `%d%%`\n", int(math.Floor(progress.Completion*100)))
	fmt.Fprintf(&b, "**Rank**: `%s`", rank)

	return c.Reply(ctx, b.String())
}

func (h *handlers) leaderboard(ctx context.Context, c *command.Context) error {
	members, err := h.members.GetGuildMembers(ctx, c.Message.GuildID)
	if err != nil {
		return fmt.Errorf("failed to load guild members: %w", err)
	}

	if len(members) == 0 {
		return c.Reply(ctx, "No members have earned XP yet.")
	}

	var b strings.Builder
	b.WriteString("**Leaderboard**")

	for i, m := range members[:min(len(members), leaderboardSize)] {
		fmt.Fprintf(&b, "\n**#%d** <@%d> - Level `%d` (`%d` XP)", i+1, m.UserID, leveling.LevelOf(m.XP), m.XP)
	}

	return c.Reply(ctx, b.String())
}

func (h *handlers) setXP(ctx context.Context, c *command.Context) error {
	usage := command.Errorf("Usage: `%ssetxp <@user> <amount>`", c.Config.General.Prefix)

	if len(c.Args) != 2 {
		return usage
	}

	userID, err := parseUser(c.Args[0])
	if err != nil {
		return usage
	}

	amount, err := strconv.ParseInt(c.Args[1], 10, 64)
	if err != nil {
		return usage
	}

	member, err := h.setter.SetXP(ctx, c.Message.GuildID, userID, amount)
	switch {
	case errors.Is(err, leveling.ErrNegativeXP):
		return command.Errorf("XP cannot be negative.")
	case errors.Is(err, leveling.ErrXPTooLarge):
		return command.Errorf("XP cannot exceed `%d`.", leveling.MaxXP)
	}

	if err != nil {
		return err
	}

	return c.Reply(ctx, fmt.Sprintf("Set XP of <@%d> to `%d` (level `%d`).",
		member.UserID, member.XP, leveling.LevelOf(member.XP)))
}

// parseUser accepts a mention or a raw user ID.
func parseUser(arg string) (snowflake.ID, error) {
	if m := mentionPattern.FindStringSubmatch(arg); m != nil {
		arg = m[1]
	}

	return snowflake.Parse(arg)
}
