package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/margin/internal/api"
	"github.com/exchange/margin/internal/catalog"
	"github.com/exchange/margin/internal/config"
	"github.com/exchange/margin/internal/engine"
	"github.com/exchange/margin/internal/feed"
	"github.com/exchange/margin/internal/ledger"
	"github.com/exchange/margin/internal/metrics"
	"github.com/exchange/margin/internal/orders"
	"github.com/exchange/margin/internal/reconcile"
	"github.com/exchange/margin/internal/ws"
	"github.com/exchange/margin/pkg/logger"
	"github.com/exchange/margin/pkg/snowflake"
	"github.com/exchange/margin/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout)
	log.Info("starting " + cfg.ServiceName)

	metrics.Init()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		log.WithError(err).Error("tracing init failed")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Error("redis connect failed")
		os.Exit(1)
	}
	log.Info("connected to redis")

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.WithError(err).Error("database open failed")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	if err := db.Ping(); err != nil {
		log.WithError(err).Error("database ping failed")
		os.Exit(1)
	}
	log.Info("connected to postgres")

	lg := ledger.New(redisClient, log)
	store := orders.NewStore(redisClient, log)

	// 目录：市场列表与预置账户
	cat := catalog.New(db)
	markets := cfg.Markets
	if assets, err := cat.ListAssets(ctx); err != nil {
		log.WithError(err).Warn("asset catalog unavailable, using configured markets")
	} else if len(assets) > 0 {
		markets = markets[:0]
		for _, a := range assets {
			markets = append(markets, a.Symbol)
		}
	}
	if seeded, err := cat.SeedAccounts(ctx, lg); err != nil {
		log.WithError(err).Warn("account seeding failed")
	} else if seeded > 0 {
		log.Infof("seeded accounts", map[string]interface{}{"count": seeded})
	}

	idGen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.WithError(err).Error("snowflake init failed")
		os.Exit(1)
	}

	// 引擎
	eng := engine.New(engine.Config{
		Markets:              markets,
		MaintenanceMarginBps: cfg.MaintenanceMarginBps,
		CmdBufferSize:        cfg.CmdBufferSize,
	}, lg, store, idGen, log)
	eng.Start()

	if err := eng.Recover(ctx); err != nil {
		log.WithError(err).Error("open order recovery failed")
		os.Exit(1)
	}

	// 行情接入：上游 websocket → redis 频道 → 引擎
	adapter := feed.NewAdapter(feed.AdapterConfig{
		UpstreamURL:    cfg.FeedUpstreamURL,
		SpreadBps:      cfg.FeedSpreadBps,
		ControlChannel: cfg.FeedControlChannel,
	}, redisClient, log)
	go func() {
		if err := adapter.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("feed adapter stopped")
		}
	}()
	for _, market := range markets {
		adapter.Subscribe(ctx, market)
	}

	consumer := feed.NewConsumer(redisClient, eng, log)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("tick consumer stopped")
		}
	}()

	// 客户端行情推送
	hub := ws.NewHub(redisClient, cfg.FeedControlChannel, log)
	wsServer := ws.NewServer(hub, log)

	// 账本巡检
	checker := reconcile.NewChecker(lg, store, log)
	go func() {
		if err := checker.Run(ctx, cfg.ReconcileCron); err != nil {
			log.WithError(err).Error("reconciliation scheduler stopped")
		}
	}()

	// HTTP
	mux := http.NewServeMux()
	mux.Handle("/", api.NewServer(eng, log).Handler())
	mux.HandleFunc("/ws", wsServer.HandleWS)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}

	go func() {
		log.Infof("http server listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server error")
			os.Exit(1)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown error")
	}
	hub.Close()
	eng.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown error")
	}
	log.Info("shutdown complete")
}
