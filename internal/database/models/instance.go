package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"github.com/robalyx/botfleet/internal/database/dbretry"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// InstanceModel handles database operations for bot instances.
type InstanceModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewInstance creates an InstanceModel with database access.
func NewInstance(db *bun.DB, logger *zap.Logger) *InstanceModel {
	return &InstanceModel{
		db:     db,
		logger: logger.Named("db_instance"),
	}
}

// GetInstance retrieves an instance by ID.
// Returns types.ErrRecordNotFound when it does not exist.
func (r *InstanceModel) GetInstance(ctx context.Context, id snowflake.ID) (*types.Instance, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.Instance, error) {
		instance := &types.Instance{ID: id}

		err := r.db.NewSelect().Model(instance).
			WherePK().
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, types.ErrRecordNotFound
			}

			return nil, fmt.Errorf("failed to get instance: %w (instanceID=%d)", err, id)
		}

		return instance, nil
	})
}

// GetAllInstances retrieves every persisted instance.
func (r *InstanceModel) GetAllInstances(ctx context.Context) ([]*types.Instance, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.Instance, error) {
		var instances []*types.Instance

		err := r.db.NewSelect().Model(&instances).
			Order("created_at ASC").
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get instances: %w", err)
		}

		return instances, nil
	})
}

// SaveInstance inserts or updates an instance.
func (r *InstanceModel) SaveInstance(ctx context.Context, instance *types.Instance) error {
	now := time.Now()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now

	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := r.db.NewInsert().Model(instance).
			On("CONFLICT (id) DO UPDATE").
			Set("owner_id = EXCLUDED.owner_id").
			Set("token = EXCLUDED.token").
			Set("config = EXCLUDED.config").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to save instance: %w (instanceID=%d)", err, instance.ID)
		}

		return nil
	})
}

// UpdateConfig stores the config of an instance and appends its audit entry
// in one transaction, so a config change is never persisted without its entry.
// Returns types.ErrRecordNotFound when the instance does not exist.
func (r *InstanceModel) UpdateConfig(ctx context.Context, instance *types.Instance, entry *types.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	instance.UpdatedAt = time.Now()

	return dbretry.Transaction(ctx, r.db, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().Model(instance).
			Column("config", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to update config: %w (instanceID=%d)", err, instance.ID)
		}

		if rows, err := result.RowsAffected(); err == nil && rows == 0 {
			return types.ErrRecordNotFound
		}

		if _, err := tx.NewInsert().Model(entry).Exec(ctx); err != nil {
			return fmt.Errorf("failed to log change: %w (module=%s, instanceID=%d)",
				err, entry.Module, entry.InstanceID)
		}

		return nil
	})
}

// DeleteInstance removes an instance. Deleting a missing instance is not an error.
func (r *InstanceModel) DeleteInstance(ctx context.Context, id snowflake.ID) error {
	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := r.db.NewDelete().Model((*types.Instance)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete instance: %w (instanceID=%d)", err, id)
		}

		r.logger.Debug("Deleted instance", zap.Uint64("instanceID", uint64(id)))

		return nil
	})
}
