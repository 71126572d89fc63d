package leveling

import (
	"math"
	"sort"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/database/types"
)

// minXP is the boundary of level 0. Anything below it is treated as level 0.
const minXP = -150

// MaxXP is the largest XP total a member can hold. The start of the level
// after LevelOf(MaxXP) still fits in an int64.
const MaxXP int64 = 1_000_000_000_000_000

// maxLevelCorrection bounds the steps taken to fix floating point drift.
const maxLevelCorrection = 4

// Progress describes where an XP total sits between two levels.
type Progress struct {
	Level          int
	XP             int64
	XPForNextLevel int64   // XP still needed to reach Level+1
	NextLevelXP    int64   // Total XP at which Level+1 starts
	Completion     float64 // Fraction of the current level completed, in [0,1)
}

// XPAtLevel returns the total XP at which a level starts: 75L² + 75L - 150.
func XPAtLevel(level int) int64 {
	l := int64(level)
	return 75*l*l + 75*l - 150
}

// preciseLevel inverts XPAtLevel for an arbitrary XP total.
func preciseLevel(xp int64) float64 {
	if xp <= minXP {
		return 0
	}

	return (-75 + math.Sqrt(75*75-300*(-150-float64(xp)))) / 150
}

// LevelOf returns the level reached with the given XP.
// Totals above MaxXP are treated as MaxXP.
func LevelOf(xp int64) int {
	xp = min(xp, MaxXP)
	level := int(math.Floor(preciseLevel(xp)))

	// Correct floating point drift at exact boundaries
	for range maxLevelCorrection {
		if XPAtLevel(level+1) > xp {
			break
		}

		level++
	}

	for range maxLevelCorrection {
		if level == 0 || XPAtLevel(level) <= xp {
			break
		}

		level--
	}

	return level
}

// AddXP adds delta to xp, saturating at 0 and MaxXP.
func AddXP(xp, delta int64) int64 {
	xp = max(min(xp, MaxXP), 0)

	switch {
	case delta > MaxXP-xp:
		return MaxXP
	case delta < -xp:
		return 0
	default:
		return xp + delta
	}
}

// ProgressOf returns the level, remaining XP and completion for an XP total.
// Totals above MaxXP are reported as MaxXP.
func ProgressOf(xp int64) Progress {
	xp = min(xp, MaxXP)
	level := LevelOf(xp)
	next := XPAtLevel(level + 1)

	completion := preciseLevel(xp) - float64(level)
	if completion < 0 {
		completion = 0
	}

	if completion >= 1 {
		completion = math.Nextafter(1, 0)
	}

	return Progress{
		Level:          level,
		XP:             xp,
		XPForNextLevel: next - xp,
		NextLevelXP:    next,
		Completion:     completion,
	}
}

// Rank returns the 1-based position of a user in the guild ordered by XP
// descending, or 0 if the user has no record. Ties keep user ID order.
func Rank(members []*types.Member, userID snowflake.ID) int {
	sorted := make([]*types.Member, len(members))
	copy(sorted, members)

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].XP != sorted[j].XP {
			return sorted[i].XP > sorted[j].XP
		}

		return sorted[i].UserID < sorted[j].UserID
	})

	for i, m := range sorted {
		if m.UserID == userID {
			return i + 1
		}
	}

	return 0
}
