// Package leveling awards XP for guild messages and handles level ups.
package leveling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/robalyx/botfleet/internal/gateway"
	"github.com/robalyx/botfleet/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrIneligible is returned when the sender cannot earn XP.
	ErrIneligible = errors.New("member cannot earn XP")
	// ErrCooldown is returned when the sender reached the per-minute message cap.
	ErrCooldown = errors.New("member is in cooldown")
	// ErrNegativeXP is returned when an XP override is below zero.
	ErrNegativeXP = errors.New("xp cannot be negative")
	// ErrXPTooLarge is returned when an XP override is above MaxXP.
	ErrXPTooLarge = errors.New("xp exceeds the maximum")
)

// lockKey identifies one member's progression record.
type lockKey struct {
	guildID snowflake.ID
	userID  snowflake.ID
}

// memberLock is held while a member record is read, changed and saved.
// refs counts holders and waiters so the entry can be dropped when unused.
type memberLock struct {
	mu   sync.Mutex
	refs int
}

// MemberStore loads and persists member progression.
type MemberStore interface {
	GetOrCreateMember(ctx context.Context, guildID, userID snowflake.ID) (*types.Member, error)
	SaveMember(ctx context.Context, member *types.Member) error
}

// Engine awards message XP. Member records are shared by every instance in a
// guild, so updates to the same member are serialized by a per-member lock.
type Engine struct {
	store   MemberStore
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
	locks   *xsync.MapOf[lockKey, *memberLock]
}

// NewEngine creates a leveling engine.
func NewEngine(store MemberStore, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		store:   store,
		metrics: m,
		logger:  logger.Named("leveling"),
		tracer:  otel.Tracer("github.com/robalyx/botfleet/leveling"),
		now:     time.Now,
		locks:   xsync.NewMapOf[lockKey, *memberLock](),
	}
}

// RecordMessageXP grants the configured XP for a message.
// Returns ErrIneligible or ErrCooldown when no XP is granted; callers treat
// both as normal outcomes.
func (e *Engine) RecordMessageXP(
	ctx context.Context, conn gateway.Connection, msg *gateway.Message, cfg *types.InstanceConfig,
) error {
	if msg == nil || msg.Member == nil || cfg == nil || !cfg.Leveling.Enabled {
		return ErrIneligible
	}

	if hasIgnoredRole(msg.Member, cfg.Leveling.IgnoredRoleNames) {
		return ErrIneligible
	}

	ctx, span := e.tracer.Start(ctx, "leveling.RecordMessageXP", trace.WithAttributes(
		attribute.String("guild_id", msg.GuildID.String()),
		attribute.String("user_id", msg.Author.ID.String()),
	))
	defer span.End()

	oldLevel, newLevel, err := e.awardXP(ctx, msg.GuildID, msg.Author.ID, cfg)
	if err != nil {
		if !errors.Is(err, ErrCooldown) {
			span.SetStatus(codes.Error, err.Error())
		}

		return err
	}

	// Side effects run after the member lock is released
	if newLevel > oldLevel {
		span.AddEvent("level_up", trace.WithAttributes(attribute.Int("level", newLevel)))
		e.handleLevelUp(ctx, conn, msg, newLevel, &cfg.Leveling)
	}

	return nil
}

// awardXP applies the minute bucket and the per-message award under the
// member lock and saves the record. Returns the levels before and after.
func (e *Engine) awardXP(
	ctx context.Context, guildID, userID snowflake.ID, cfg *types.InstanceConfig,
) (int, int, error) {
	unlock := e.lock(guildID, userID)
	defer unlock()

	member, err := e.store.GetOrCreateMember(ctx, guildID, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load member: %w", err)
	}

	if err := applyCooldown(member, e.now().UTC(), cfg.Leveling.MaxMessagesPerMinute); err != nil {
		return 0, 0, err
	}

	oldLevel := LevelOf(member.XP)
	member.XP = AddXP(member.XP, cfg.Leveling.XPPerMessage)
	newLevel := LevelOf(member.XP)

	if err := e.store.SaveMember(ctx, member); err != nil {
		return 0, 0, fmt.Errorf("failed to save member: %w", err)
	}

	return oldLevel, newLevel, nil
}

// SetXP overrides a member's XP total. The recent message history is kept.
func (e *Engine) SetXP(ctx context.Context, guildID, userID snowflake.ID, xp int64) (*types.Member, error) {
	if xp < 0 {
		return nil, ErrNegativeXP
	}

	if xp > MaxXP {
		return nil, ErrXPTooLarge
	}

	unlock := e.lock(guildID, userID)
	defer unlock()

	member, err := e.store.GetOrCreateMember(ctx, guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}

	member.XP = xp

	if err := e.store.SaveMember(ctx, member); err != nil {
		return nil, fmt.Errorf("failed to save member: %w", err)
	}

	e.logger.Info("XP overridden",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Uint64("userID", uint64(userID)),
		zap.Int64("xp", xp))

	return member, nil
}

// handleLevelUp announces the new level and grants its role if one is mapped.
// Failures are logged and not retried.
func (e *Engine) handleLevelUp(
	ctx context.Context, conn gateway.Connection, msg *gateway.Message, level int, cfg *types.LevelingConfig,
) {
	e.metrics.LevelUp()

	announcement := "Level Up! ⭐\n**New Level**: `" + strconv.Itoa(level) + "`"
	if err := conn.Send(ctx, msg.ChannelID, announcement); err != nil {
		e.logger.Warn("Failed to announce level up",
			zap.Uint64("guildID", uint64(msg.GuildID)),
			zap.Uint64("userID", uint64(msg.Author.ID)),
			zap.Error(err))
	}

	roleName, ok := cfg.RoleNameForLevel(level)
	if !ok {
		return
	}

	roleID, found, err := conn.RoleByName(ctx, msg.GuildID, roleName)
	if err != nil || !found {
		e.logger.Debug("Level role not found",
			zap.Uint64("guildID", uint64(msg.GuildID)),
			zap.String("role", roleName),
			zap.Error(err))

		return
	}

	if err := conn.GrantRole(ctx, msg.GuildID, msg.Author.ID, roleID); err != nil {
		e.logger.Warn("Failed to grant level role",
			zap.Uint64("guildID", uint64(msg.GuildID)),
			zap.Uint64("userID", uint64(msg.Author.ID)),
			zap.String("role", roleName),
			zap.Error(err))
	}
}

// lock acquires the lock of one member and returns its release func.
// Members never share a lock.
func (e *Engine) lock(guildID, userID snowflake.ID) func() {
	key := lockKey{guildID: guildID, userID: userID}

	var l *memberLock

	e.locks.Compute(key, func(current *memberLock, loaded bool) (*memberLock, bool) {
		if !loaded {
			current = &memberLock{}
		}

		current.refs++
		l = current

		return current, false
	})

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		e.locks.Compute(key, func(current *memberLock, _ bool) (*memberLock, bool) {
			current.refs--
			return current, current.refs == 0
		})
	}
}

// applyCooldown keeps only timestamps sharing the current minute of the hour
// and appends now, or returns ErrCooldown if the bucket is full.
func applyCooldown(member *types.Member, now time.Time, maxPerMinute int) error {
	current := make([]time.Time, 0, len(member.RecentMessages)+1)
	for _, ts := range member.RecentMessages {
		if ts.UTC().Minute() == now.Minute() {
			current = append(current, ts)
		}
	}

	if len(current) >= maxPerMinute {
		return ErrCooldown
	}

	member.RecentMessages = append(current, now)

	return nil
}

func hasIgnoredRole(member *gateway.Member, ignored []string) bool {
	for _, name := range member.RoleNames {
		if slices.Contains(ignored, name) {
			return true
		}
	}

	return false
}
