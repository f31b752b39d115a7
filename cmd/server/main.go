package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/match-arena/internal"
	"github.com/koopa0/match-arena/internal/migrations"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "配置檔路徑（缺省使用預設值）")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置檔）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	// 載入配置
	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// 設置日誌
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()

	// 執行資料庫遷移
	migrator, err := migrations.New(migrateURL(cfg), logger)
	if err != nil {
		logger.Error("建立遷移管理器失敗", "error", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logger.Error("資料庫遷移失敗", "error", err)
		os.Exit(1)
	}
	migrator.Close()

	// 連接 PostgreSQL
	pool, err := internal.NewPostgresPool(ctx, cfg)
	if err != nil {
		logger.Error("連接資料庫失敗", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 身份服務：PostgreSQL 後端，可選 Redis 快取
	var identity internal.Identity = internal.NewPostgresIdentity(pool, logger)
	if cfg.Redis.Enabled {
		redisClient := internal.NewRedisClient(cfg)
		defer redisClient.Close()
		identity = internal.NewCachedIdentity(identity, redisClient, cfg.Redis.CacheTTL, logger)
		logger.Info("身份快取已啟用", "addr", cfg.Redis.Addr)
	}

	// 組裝核心
	presence := internal.NewPresenceRegistry(identity, logger)
	games := internal.NewGameEngine(logger)
	hub := internal.NewHub(presence, games, identity, cfg, logger)
	handler := internal.NewHandler(hub, logger)

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// 啟動服務器
	go func() {
		logger.Info("配對服務器啟動",
			"port", cfg.Server.Port,
			"log_level", cfg.Log.Level,
			"redis_cache", cfg.Redis.Enabled)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	// 優雅關閉
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 停止連接中心（含邀請掃描）
	hub.Stop()

	logger.Info("服務器已關閉")
}

// migrateURL 生成 golang-migrate 用的連線 URL
func migrateURL(cfg *internal.Config) string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.DBName,
	)
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
