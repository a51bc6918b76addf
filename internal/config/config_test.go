package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/pong-engine/internal/config"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		env      map[string]string
		wantErr  string
		validate func(t *testing.T, cfg config.Config)
	}{
		{
			name: "defaults with secret from env",
			env:  map[string]string{"PONG_AUTH_JWT_SECRET": "s3cret"},
			validate: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, config.DriverMemory, cfg.Storage.Driver)
				assert.Equal(t, 5, cfg.Game.Defaults.MaxScore)
				assert.Equal(t, time.Second/60, cfg.Game.TickInterval())
				assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
			},
		},
		{
			name: "yaml overrides defaults",
			yaml: `
server:
  port: 9000
  read_timeout: 5s
game:
  tick_rate: 30
  retention: 10m
  defaults:
    max_score: 11
storage:
  driver: sqlite
  sqlite:
    path: /tmp/pong-test.db
auth:
  jwt_secret: from-file
log:
  level: debug
  format: json
`,
			validate: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout, "未設定的欄位保留預設值")
				assert.Equal(t, 30, cfg.Game.TickRate)
				assert.Equal(t, 10*time.Minute, cfg.Game.Retention)
				assert.Equal(t, 11, cfg.Game.Defaults.MaxScore)
				assert.Equal(t, 800.0, cfg.Game.Defaults.CanvasWidth)
				assert.Equal(t, config.DriverSQLite, cfg.Storage.Driver)
				assert.Equal(t, "/tmp/pong-test.db", cfg.Storage.SQLite.Path)
				assert.Equal(t, "json", cfg.Log.Format)
			},
		},
		{
			name: "env overrides yaml",
			yaml: `
server:
  port: 9000
auth:
  jwt_secret: from-file
`,
			env: map[string]string{
				"PONG_SERVER_PORT":                 "7000",
				"PONG_STORAGE_DRIVER":              "postgres",
				"DATABASE_URL":                     "postgres://pong@localhost/pong",
				"PONG_NATS_ENABLED":                "true",
				"NATS_URL":                         "nats://bus:4222",
				"PONG_RATELIMIT_BURST":             "20",
				"PONG_GAME_RETENTION":              "30s",
				"PONG_REDIS_ENABLED":               "true",
				"REDIS_ADDR":                       "cache:6379",
				"PONG_RATELIMIT_EVENTS_PER_SECOND": "5",
			},
			validate: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, 7000, cfg.Server.Port)
				assert.Equal(t, config.DriverPostgres, cfg.Storage.Driver)
				assert.Equal(t, "postgres://pong@localhost/pong", cfg.Storage.Postgres.DSN)
				assert.True(t, cfg.NATS.Enabled)
				assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
				assert.Equal(t, 20, cfg.RateLimit.Burst)
				assert.Equal(t, 5.0, cfg.RateLimit.EventsPerSecond)
				assert.Equal(t, 30*time.Second, cfg.Game.Retention)
				assert.True(t, cfg.Redis.Enabled)
				assert.Equal(t, "cache:6379", cfg.Redis.Addr)
			},
		},
		{
			name: "driver name is case-insensitive",
			yaml: "storage:\n  driver: Postgres\n  postgres:\n    dsn: postgres://x\nauth:\n  jwt_secret: x\n",
			validate: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, config.DriverPostgres, cfg.Storage.Driver)
				assert.Equal(t, "postgres://x", cfg.Storage.Postgres.DSN)
			},
		},
		{
			name: "driver from env is normalized",
			env:  map[string]string{"PONG_STORAGE_DRIVER": " SQLite ", "PONG_AUTH_JWT_SECRET": "x"},
			validate: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, config.DriverSQLite, cfg.Storage.Driver)
			},
		},
		{
			name:    "missing secret",
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "unknown driver",
			yaml:    "storage:\n  driver: mongo\nauth:\n  jwt_secret: x\n",
			wantErr: "unknown storage driver",
		},
		{
			name:    "postgres without dsn",
			yaml:    "storage:\n  driver: postgres\nauth:\n  jwt_secret: x\n",
			wantErr: "storage.postgres.dsn",
		},
		{
			name:    "invalid tick rate",
			yaml:    "game:\n  tick_rate: 0\nauth:\n  jwt_secret: x\n",
			wantErr: "game.tick_rate",
		},
		{
			name:    "invalid game defaults",
			yaml:    "game:\n  defaults:\n    max_score: 0\nauth:\n  jwt_secret: x\n",
			wantErr: "game.defaults",
		},
		{
			name:    "malformed yaml",
			yaml:    "server: [",
			wantErr: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := ""
			if tt.yaml != "" {
				path = writeFile(t, tt.yaml)
			}

			cfg, err := config.Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PONG_AUTH_JWT_SECRET", "s3cret")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server, cfg.Server)
}

func TestValidate_RejectsNonCanonicalDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "x"
	cfg.Storage.Driver = "Postgres"
	cfg.Storage.Postgres.DSN = "postgres://x"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver")
}
