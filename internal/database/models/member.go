package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/database/dbretry"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// MemberModel handles database operations for member progression.
type MemberModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewMember creates a MemberModel with database access.
func NewMember(db *bun.DB, logger *zap.Logger) *MemberModel {
	return &MemberModel{
		db:     db,
		logger: logger.Named("db_member"),
	}
}

// GetOrCreateMember retrieves a member, inserting an empty record if none exists.
func (r *MemberModel) GetOrCreateMember(ctx context.Context, guildID, userID snowflake.ID) (*types.Member, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.Member, error) {
		member := &types.Member{
			GuildID:        guildID,
			UserID:         userID,
			RecentMessages: []time.Time{},
		}

		err := r.db.NewSelect().Model(member).
			WherePK().
			Scan(ctx)
		if err == nil {
			return member, nil
		}

		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to get member: %w (guildID=%d, userID=%d)", err, guildID, userID)
		}

		member.UpdatedAt = time.Now()

		_, err = r.db.NewInsert().Model(member).
			On("CONFLICT (guild_id, user_id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create member: %w (guildID=%d, userID=%d)", err, guildID, userID)
		}

		return member, nil
	})
}

// SaveMember persists the member's XP and recent message timestamps.
func (r *MemberModel) SaveMember(ctx context.Context, member *types.Member) error {
	member.UpdatedAt = time.Now()

	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := r.db.NewInsert().Model(member).
			On("CONFLICT (guild_id, user_id) DO UPDATE").
			Set("xp = EXCLUDED.xp").
			Set("recent_messages = EXCLUDED.recent_messages").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to save member: %w (guildID=%d, userID=%d)",
				err, member.GuildID, member.UserID)
		}

		return nil
	})
}

// GetGuildMembers returns all members of a guild ordered by XP descending.
// Ties are ordered by user ID so ranks are stable between queries.
func (r *MemberModel) GetGuildMembers(ctx context.Context, guildID snowflake.ID) ([]*types.Member, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.Member, error) {
		var members []*types.Member

		err := r.db.NewSelect().Model(&members).
			Where("guild_id = ?", guildID).
			Order("xp DESC", "user_id ASC").
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get guild members: %w (guildID=%d)", err, guildID)
		}

		return members, nil
	})
}
