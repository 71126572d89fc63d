package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFromStrings(t *testing.T, common, bot string) (*Config, error) {
	t.Helper()

	dir := t.TempDir()
	k := koanf.New(".")

	for name, content := range map[string]string{"common": common, "bot": bot} {
		path := filepath.Join(dir, name+".toml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		require.NoError(t, k.Load(file.Provider(path), toml.Parser()))
	}

	return unmarshal(k)
}

func TestUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		common  string
		bot     string
		wantErr error
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid config with defaults",
			common: `[common]
version = 1
[common.debug]
log_level = "debug"
[common.postgresql]
host = "localhost"
port = 5432`,
			bot: `[bot]
version = 1
request_timeout = 2500`,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, "debug", cfg.Common.Debug.LogLevel)
				assert.Equal(t, 5432, cfg.Common.PostgreSQL.Port)
				assert.Equal(t, CooldownBackendMemory, cfg.Bot.CooldownBackend)
				assert.Equal(t, 2500*time.Millisecond, cfg.Bot.RequestTimeoutDuration())
				assert.Equal(t, time.Minute, cfg.Bot.ConfigCacheDuration())
			},
		},
		{
			name: "redis cooldown backend",
			common: `[common]
version = 1`,
			bot: `[bot]
version = 1
cooldown_backend = "redis"
config_cache_ttl = 30`,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, CooldownBackendRedis, cfg.Bot.CooldownBackend)
				assert.Equal(t, 30*time.Second, cfg.Bot.ConfigCacheDuration())
			},
		},
		{
			name:    "missing version",
			common:  `[common.debug]`,
			bot:     `[bot]` + "\nversion = 1",
			wantErr: ErrConfigVersionMissing,
		},
		{
			name: "version mismatch",
			common: `[common]
version = 1`,
			bot: `[bot]
version = 7`,
			wantErr: ErrConfigVersionMismatch,
		},
		{
			name: "unknown cooldown backend",
			common: `[common]
version = 1`,
			bot: `[bot]
version = 1
cooldown_backend = "memcached"`,
			wantErr: ErrInvalidCooldownStore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := loadFromStrings(t, tt.common, tt.bot)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}
