// Package config 載入服務配置
//
// 來源優先順序：環境變數 > YAML 檔 > 預設值。
// 環境變數以 PONG_ 為前綴（例如 PONG_SERVER_PORT、PONG_AUTH_JWT_SECRET），
// 另外支援平台慣用的 DATABASE_URL 與 REDIS_ADDR。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/koopa0/pong-engine/internal/game"
)

// 儲存驅動
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config 整個應用的配置
type Config struct {
	Server    Server    `yaml:"server" envPrefix:"SERVER_"`
	Game      Game      `yaml:"game" envPrefix:"GAME_"`
	Storage   Storage   `yaml:"storage" envPrefix:"STORAGE_"`
	Redis     Redis     `yaml:"redis" envPrefix:"REDIS_"`
	NATS      NATS      `yaml:"nats" envPrefix:"NATS_"`
	Auth      Auth      `yaml:"auth" envPrefix:"AUTH_"`
	RateLimit RateLimit `yaml:"ratelimit" envPrefix:"RATELIMIT_"`
	Log       Log       `yaml:"log" envPrefix:"LOG_"`
}

// Server HTTP 伺服器
type Server struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Game 對局引擎
type Game struct {
	TickRate     int           `yaml:"tick_rate" env:"TICK_RATE"` // 每秒 tick 數
	Retention    time.Duration `yaml:"retention" env:"RETENTION"`
	ReapInterval time.Duration `yaml:"reap_interval" env:"REAP_INTERVAL"`
	Defaults     game.Config   `yaml:"defaults"`
}

// Storage 對局結果儲存
type Storage struct {
	Driver   string   `yaml:"driver" env:"DRIVER"`
	Postgres Postgres `yaml:"postgres" envPrefix:"POSTGRES_"`
	SQLite   SQLite   `yaml:"sqlite" envPrefix:"SQLITE_"`
}

// Postgres 連線設定
type Postgres struct {
	DSN      string `yaml:"dsn" env:"DSN"`
	MaxConns int32  `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns int32  `yaml:"min_conns" env:"MIN_CONNS"`
}

// SQLite 檔案位置
type SQLite struct {
	Path string `yaml:"path" env:"PATH"`
}

// Redis 啟用時以 Redis 做跨實例限流
type Redis struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// NATS 啟用時轉發生命週期事件
type NATS struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	URL           string `yaml:"url" env:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// Auth token 驗證
type Auth struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
}

// RateLimit 即時通道的每位玩家事件頻率
type RateLimit struct {
	EventsPerSecond float64 `yaml:"events_per_second" env:"EVENTS_PER_SECOND"`
	Burst           int     `yaml:"burst" env:"BURST"`
}

// Log 日誌
type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// platformEnv 不帶前綴的平台環境變數
type platformEnv struct {
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`
	NATSURL     string `env:"NATS_URL"`
}

// Default 預設配置
func Default() Config {
	return Config{
		Server: Server{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Game: Game{
			TickRate:     game.ReferenceFPS,
			Retention:    5 * time.Minute,
			ReapInterval: time.Minute,
			Defaults:     game.DefaultConfig(),
		},
		Storage: Storage{
			Driver: DriverMemory,
			Postgres: Postgres{
				MaxConns: 10,
				MinConns: 2,
			},
			SQLite: SQLite{Path: "pong.db"},
		},
		Redis: Redis{
			Addr: "localhost:6379",
		},
		NATS: NATS{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "pong",
		},
		Auth: Auth{
			Issuer: "pong",
		},
		RateLimit: RateLimit{
			EventsPerSecond: 10,
			Burst:           10,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load 載入配置
//
// path 為空或檔案不存在時使用預設值；之後套用環境變數並驗證。
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "PONG_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	var platform platformEnv
	if err := env.Parse(&platform); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if platform.DatabaseURL != "" {
		cfg.Storage.Postgres.DSN = platform.DatabaseURL
	}
	if platform.RedisAddr != "" {
		cfg.Redis.Addr = platform.RedisAddr
	}
	if platform.NATSURL != "" {
		cfg.NATS.URL = platform.NATSURL
	}

	// 驅動名稱不分大小寫，統一為常數形式供 openStore 比對
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 驗證配置
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Game.TickRate <= 0 || c.Game.TickRate > 1000 {
		errs = append(errs, fmt.Errorf("game.tick_rate must be in (0, 1000]: %d", c.Game.TickRate))
	}
	if c.Game.Retention <= 0 {
		errs = append(errs, errors.New("game.retention must be positive"))
	}
	if c.Game.ReapInterval <= 0 {
		errs = append(errs, errors.New("game.reap_interval must be positive"))
	}
	if err := c.Game.Defaults.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("game.defaults: %w", err))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required"))
		}
	case DriverSQLite:
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.RateLimit.EventsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("ratelimit.events_per_second and ratelimit.burst must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// TickInterval tick 間隔
func (g Game) TickInterval() time.Duration {
	return time.Second / time.Duration(g.TickRate)
}
