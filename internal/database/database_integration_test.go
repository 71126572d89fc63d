//go:build integration

package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/database"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"
)

func setupDatabase(t *testing.T) database.Client {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("botfleet"),
		postgres.WithUsername("botfleet"),
		postgres.WithPassword("botfleet"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.NewFromDSN(ctx, dsn, zaptest.NewLogger(t), true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestStoreRoundTrip(t *testing.T) {
	db := setupDatabase(t)
	ctx := context.Background()
	repo := db.Model()

	t.Run("instance not found", func(t *testing.T) {
		_, err := repo.Instance().GetInstance(ctx, snowflake.ID(1))
		require.ErrorIs(t, err, types.ErrRecordNotFound)
	})

	t.Run("instance upsert and delete", func(t *testing.T) {
		instance := &types.Instance{
			ID:      snowflake.ID(100),
			OwnerID: snowflake.ID(200),
			Token:   "encrypted",
			Config:  types.DefaultInstanceConfig(),
		}
		require.NoError(t, repo.Instance().SaveInstance(ctx, instance))

		instance.Config.General.Prefix = "!"
		require.NoError(t, repo.Instance().SaveInstance(ctx, instance))

		loaded, err := repo.Instance().GetInstance(ctx, instance.ID)
		require.NoError(t, err)
		assert.Equal(t, "!", loaded.Config.General.Prefix)
		assert.Equal(t, 5, loaded.Config.AutoMod.MassMentionThreshold)

		all, err := repo.Instance().GetAllInstances(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, repo.Instance().DeleteInstance(ctx, instance.ID))
		_, err = repo.Instance().GetInstance(ctx, instance.ID)
		require.ErrorIs(t, err, types.ErrRecordNotFound)
	})

	t.Run("guild members ordered by xp", func(t *testing.T) {
		guildID := snowflake.ID(300)

		for userID, xp := range map[snowflake.ID]int64{1: 50, 2: 500, 3: 50} {
			member, err := repo.Member().GetOrCreateMember(ctx, guildID, userID)
			require.NoError(t, err)

			member.XP = xp
			member.RecentMessages = []time.Time{time.Now()}
			require.NoError(t, repo.Member().SaveMember(ctx, member))
		}

		members, err := repo.Member().GetGuildMembers(ctx, guildID)
		require.NoError(t, err)
		require.Len(t, members, 3)
		assert.Equal(t, snowflake.ID(2), members[0].UserID)
		assert.Equal(t, snowflake.ID(1), members[1].UserID)
		assert.Equal(t, snowflake.ID(3), members[2].UserID)
		assert.Len(t, members[0].RecentMessages, 1)
	})

	t.Run("append logs", func(t *testing.T) {
		require.NoError(t, repo.Log().LogCommand(ctx, &types.CommandUsage{
			InstanceID: 100, GuildID: 300, Name: "ping", By: 1, At: time.Now(),
		}))
		usages, err := repo.Log().GetCommandUsage(ctx, 100, 10)
		require.NoError(t, err)
		assert.Len(t, usages, 1)
	})

	t.Run("config update commits with its audit entry", func(t *testing.T) {
		instance := &types.Instance{
			ID:      snowflake.ID(400),
			OwnerID: snowflake.ID(200),
			Token:   "encrypted",
			Config:  types.DefaultInstanceConfig(),
		}
		require.NoError(t, repo.Instance().SaveInstance(ctx, instance))

		instance.Config.General.Prefix = "!"
		entry := &types.AuditEntry{
			InstanceID: instance.ID,
			By:         instance.OwnerID,
			Module:     types.ModuleGeneral,
			Changes: types.Changes{
				Old: map[string]any{"prefix": "."},
				New: map[string]any{"prefix": "!"},
			},
			At: time.Now(),
		}
		require.NoError(t, repo.Instance().UpdateConfig(ctx, instance, entry))

		// Reusing the entry ID fails the insert, which must roll back the config
		instance.Config.General.Prefix = "?"
		require.Error(t, repo.Instance().UpdateConfig(ctx, instance, &types.AuditEntry{
			ID:         entry.ID,
			InstanceID: instance.ID,
			By:         instance.OwnerID,
			Module:     types.ModuleGeneral,
			At:         time.Now(),
		}))

		loaded, err := repo.Instance().GetInstance(ctx, instance.ID)
		require.NoError(t, err)
		assert.Equal(t, "!", loaded.Config.General.Prefix)

		entries, err := repo.Log().GetAuditLog(ctx, instance.ID, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "!", entries[0].Changes.New["prefix"])

		missing := &types.Instance{ID: snowflake.ID(401), Config: types.DefaultInstanceConfig()}
		err = repo.Instance().UpdateConfig(ctx, missing, &types.AuditEntry{InstanceID: 401, At: time.Now()})
		require.ErrorIs(t, err, types.ErrRecordNotFound)
	})
}
