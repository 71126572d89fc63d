package migrations

import (
	"context"
	"fmt"

	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		tables := []struct {
			model any
			name  string
		}{
			{(*types.Instance)(nil), "instances"},
			{(*types.Member)(nil), "members"},
			{(*types.CommandUsage)(nil), "command_usages"},
			{(*types.AuditEntry)(nil), "audit_entries"},
		}

		for _, table := range tables {
			_, err := db.NewCreateTable().
				Model(table.model).
				ModelTableExpr(table.name).
				IfNotExists().
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to create table %s: %w", table.name, err)
			}
		}

		indexes := []string{
			"CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances (owner_id)",
			"CREATE INDEX IF NOT EXISTS idx_members_guild_xp ON members (guild_id, xp DESC, user_id)",
			"CREATE INDEX IF NOT EXISTS idx_command_usages_instance_at ON command_usages (instance_id, at DESC)",
			"CREATE INDEX IF NOT EXISTS idx_audit_entries_instance_at ON audit_entries (instance_id, at DESC)",
		}

		for _, index := range indexes {
			if _, err := db.ExecContext(ctx, index); err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		for _, name := range []string{"audit_entries", "command_usages", "members", "instances"} {
			if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+name+" CASCADE"); err != nil {
				return fmt.Errorf("failed to drop table %s: %w", name, err)
			}
		}

		return nil
	})
}
