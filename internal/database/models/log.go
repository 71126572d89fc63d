package models

import (
	"context"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/database/dbretry"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// LogModel handles the append-only command usage and audit logs.
type LogModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewLog creates a LogModel with database access.
func NewLog(db *bun.DB, logger *zap.Logger) *LogModel {
	return &LogModel{
		db:     db,
		logger: logger.Named("db_log"),
	}
}

// LogCommand appends a command usage record.
func (r *LogModel) LogCommand(ctx context.Context, usage *types.CommandUsage) error {
	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := r.db.NewInsert().Model(usage).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to log command: %w (command=%s, instanceID=%d)",
				err, usage.Name, usage.InstanceID)
		}

		return nil
	})
}

// GetAuditLog returns the audit entries of an instance, newest first.
func (r *LogModel) GetAuditLog(ctx context.Context, instanceID snowflake.ID, limit int) ([]*types.AuditEntry, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.AuditEntry, error) {
		var entries []*types.AuditEntry

		err := r.db.NewSelect().Model(&entries).
			Where("instance_id = ?", instanceID).
			Order("at DESC").
			Limit(limit).
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get audit log: %w (instanceID=%d)", err, instanceID)
		}

		return entries, nil
	})
}

// GetCommandUsage returns the most recent command executions of an instance.
func (r *LogModel) GetCommandUsage(
	ctx context.Context, instanceID snowflake.ID, limit int,
) ([]*types.CommandUsage, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.CommandUsage, error) {
		var usages []*types.CommandUsage

		err := r.db.NewSelect().Model(&usages).
			Where("instance_id = ?", instanceID).
			Order("at DESC").
			Limit(limit).
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get command usage: %w (instanceID=%d)", err, instanceID)
		}

		return usages, nil
	})
}
