package internal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/match-arena/internal"
)

// TestDefaultConfig 測試預設配置
func TestDefaultConfig(t *testing.T) {
	cfg := internal.DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "match_arena", cfg.Postgres.DBName)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Redis.CacheTTL)
	assert.Equal(t, 60*time.Second, cfg.Invite.TTL)
	assert.Equal(t, 10*time.Second, cfg.Invite.SweepInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

// TestLoadConfig 測試配置載入
func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		env      map[string]string
		wantErr  bool
		validate func(t *testing.T, cfg *internal.Config)
	}{
		{
			name: "partial yaml keeps defaults",
			yaml: `
server:
  port: 9090
invite:
  ttl: 30s
`,
			validate: func(t *testing.T, cfg *internal.Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, 30*time.Second, cfg.Invite.TTL)
				// 未指定的欄位保留預設值
				assert.Equal(t, 10*time.Second, cfg.Invite.SweepInterval)
				assert.Equal(t, "localhost", cfg.Postgres.Host)
			},
		},
		{
			name: "redis section",
			yaml: `
redis:
  enabled: true
  addr: redis.internal:6379
  cache_ttl: 1m
`,
			validate: func(t *testing.T, cfg *internal.Config) {
				assert.True(t, cfg.Redis.Enabled)
				assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
				assert.Equal(t, time.Minute, cfg.Redis.CacheTTL)
			},
		},
		{
			name: "env overrides yaml",
			yaml: `
redis:
  addr: from-yaml:6379
`,
			env: map[string]string{"REDIS_ADDR": "from-env:6379"},
			validate: func(t *testing.T, cfg *internal.Config) {
				assert.Equal(t, "from-env:6379", cfg.Redis.Addr)
			},
		},
		{
			name: "invalid port",
			yaml: `
server:
  port: 70000
`,
			wantErr: true,
		},
		{
			name: "invalid invite ttl",
			yaml: `
invite:
  ttl: -1s
`,
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "server: [not a map",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			cfg, err := internal.LoadConfig(path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

// TestLoadConfig_MissingFile 測試不存在的配置檔
func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := internal.LoadConfig("/no/such/config.yaml")
	require.Error(t, err)

	// 空路徑表示純預設值
	cfg, err := internal.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

// TestPostgresDSN 測試連線字串生成
func TestPostgresDSN(t *testing.T) {
	cfg := internal.DefaultConfig()
	cfg.Postgres.Password = "secret"

	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=secret dbname=match_arena sslmode=disable",
		cfg.PostgresDSN())

	// DATABASE_URL 覆蓋一切
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/arena")
	assert.Equal(t, "postgres://u:p@db:5432/arena", cfg.PostgresDSN())
}
