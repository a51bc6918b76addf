package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/pong-engine/internal/auth"
	"github.com/koopa0/pong-engine/internal/config"
	"github.com/koopa0/pong-engine/internal/events"
	"github.com/koopa0/pong-engine/internal/game"
	"github.com/koopa0/pong-engine/internal/handler"
	"github.com/koopa0/pong-engine/internal/ratelimit"
	"github.com/koopa0/pong-engine/internal/storage/memory"
	"github.com/koopa0/pong-engine/internal/storage/postgres"
	"github.com/koopa0/pong-engine/internal/storage/sqlite"
	"github.com/koopa0/pong-engine/internal/ws"
	"github.com/koopa0/pong-engine/pkg/logger"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "config.yaml", "配置檔路徑")
		issueFor   = flag.Int64("issue-token", 0, "簽發指定玩家 ID 的 token 後結束（開發用）")
		issueName  = flag.String("name", "", "簽發 token 時的顯示名稱")
		issueTTL   = flag.Duration("ttl", 24*time.Hour, "簽發 token 的有效期")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		log.Error("建立 token 驗證器失敗", "error", err)
		os.Exit(1)
	}

	if *issueFor > 0 {
		token, err := verifier.Issue(auth.Identity{
			PlayerID: game.PlayerID(*issueFor),
			Name:     *issueName,
		}, *issueTTL)
		if err != nil {
			log.Error("簽發 token 失敗", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, verifier, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, verifier *auth.Verifier, log *slog.Logger) error {
	ctx := context.Background()

	// 結果儲存
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 即時通道限流
	limiter, closeLimiter := newLimiter(ctx, cfg, log)
	defer closeLimiter()

	roster := auth.NewRoster()
	hub := ws.NewHub(verifier, roster, limiter, log)

	// 生命週期事件轉發
	var gateway game.Gateway = hub
	if cfg.NATS.Enabled {
		conn, err := events.Connect(cfg.NATS.URL, "pong-engine", log)
		if err != nil {
			log.Warn("NATS 不可用，停用事件轉發", "error", err)
		} else {
			defer conn.Close()
			gateway = events.NewRelay(hub, conn, cfg.NATS.SubjectPrefix, log)
			log.Info("事件轉發已啟用", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
		}
	}

	registry := game.NewRegistry(gateway, store, log, game.Options{
		TickInterval: cfg.Game.TickInterval(),
		Retention:    cfg.Game.Retention,
		ReapInterval: cfg.Game.ReapInterval,
		Defaults:     cfg.Game.Defaults,
		Directory:    roster,
	})
	matchmaker := game.NewMatchmaker(registry, gateway, log)
	hub.Bind(registry, matchmaker)

	h := handler.New(registry, matchmaker, store, verifier, roster, log)

	// 設置路由
	mux := http.NewServeMux()
	mux.Handle("/", h.Routes())
	mux.HandleFunc("GET /ws", hub.ServeWS)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Pong 對局服務器啟動",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Driver,
			"tick_rate", cfg.Game.TickRate)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info("收到關閉信號，開始優雅關閉...")
	case err := <-errCh:
		if err != nil {
			registry.Stop()
			hub.Stop()
			return fmt.Errorf("服務器啟動失敗: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}

	// 結束所有對局並等待結果寫入，再關閉連線
	registry.Stop()
	hub.Stop()

	log.Info("服務器已關閉")
	return nil
}

// openStore 依配置開啟結果儲存
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (game.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.Storage.Postgres.DSN, postgres.Options{
			MaxConns: cfg.Storage.Postgres.MaxConns,
			MinConns: cfg.Storage.Postgres.MinConns,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("開啟 PostgreSQL 失敗: %w", err)
		}
		return store, store.Close, nil

	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("開啟 SQLite 失敗: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Error("關閉 SQLite 失敗", "error", err)
			}
		}, nil
	}

	log.Warn("使用記憶體儲存，重啟後對局紀錄會遺失")
	return memory.New(), func() {}, nil
}

// newLimiter 建立限流器：啟用 Redis 且可連線時跨實例共享，否則使用本地令牌桶
func newLimiter(ctx context.Context, cfg config.Config, log *slog.Logger) (ratelimit.Limiter, func()) {
	rl := cfg.RateLimit
	if !cfg.Redis.Enabled {
		return ratelimit.NewLocal(rl.EventsPerSecond, rl.Burst), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("Redis 不可用，改用本地限流", "addr", cfg.Redis.Addr, "error", err)
		_ = client.Close()
		return ratelimit.NewLocal(rl.EventsPerSecond, rl.Burst), func() {}
	}

	log.Info("使用 Redis 分散式限流", "addr", cfg.Redis.Addr)
	return ratelimit.NewRedis(client, "pong:ratelimit", rl.EventsPerSecond, rl.Burst), func() {
		if err := client.Close(); err != nil {
			log.Error("關閉 Redis 失敗", "error", err)
		}
	}
}
