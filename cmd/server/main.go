package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-chat-cache/internal/cache"
	"github.com/koopa0/system-design/14-chat-cache/internal/chat"
	"github.com/koopa0/system-design/14-chat-cache/internal/config"
	"github.com/koopa0/system-design/14-chat-cache/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. 載入配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. 初始化結構化日誌
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting chat cache server",
		"port", cfg.Server.Port,
		"redis", cfg.Redis.Addr)

	ctx := context.Background()

	// 3. 連接 Redis（權威資料 + 快取都在這裡）
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("redis connected", "addr", cfg.Redis.Addr)

	// 4. 連接 PostgreSQL（訊息歸檔，write-back 的持久化終點）
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.Postgres.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Postgres.MaxConns
	}
	if cfg.Postgres.MinConns > 0 {
		poolCfg.MinConns = cfg.Postgres.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	archive := chat.NewPostgresArchive(pool)
	if err := archive.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("postgres connected", "host", cfg.Postgres.Host)

	// 5. 組裝快取引擎與聊天服務
	redisStore := store.NewRedisStore(redisClient)
	stats := cache.NewStats()
	writer := cache.NewDeferredWriter(redisStore, cfg.Cache.WriteBackDelay, logger)
	engine := cache.NewEngine(redisStore, stats, writer, logger)

	service := chat.NewService(redisStore, engine, archive, chat.Options{
		CacheTTL:         cfg.Cache.DefaultTTL,
		RecentWindow:     cfg.Chat.RecentMessages,
		LeaderboardSize:  cfg.Chat.LeaderboardSize,
		MaxCachedEntries: cfg.Cache.MaxSize,
	}, logger)

	hub := chat.NewHub(service, logger)
	handler := chat.NewHandler(service, engine, hub, logger)

	// 6. 啟動 HTTP 服務器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 7. 優雅關閉
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// 先停止接收新請求
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	// 關閉 WebSocket 連接
	hub.Stop()

	// 等待 write-back 隊列排空（否則未持久化的訊息會遺失）
	writer.Close()

	logger.Info("server stopped")
	return nil
}

// newLogger 根據配置建立 slog Logger
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}

	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
