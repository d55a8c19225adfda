package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"vaultscan/internal/adapter/chain"
	"vaultscan/internal/api"
	"vaultscan/internal/app/scan"
	"vaultscan/internal/db/postgres"
	redisdb "vaultscan/internal/db/redis"
	"vaultscan/internal/domain/port"
	"vaultscan/internal/domain/vault"
	"vaultscan/internal/platform/config"
	applog "vaultscan/internal/platform/log"
	"vaultscan/internal/platform/telemetry"
)

const startupTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: cfg.Telemetry.ServiceName,
	})
	defer applog.Sync()

	tel, err := telemetry.New(context.Background(), telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		applog.Fatalf("❌ Failed to init telemetry: %v", err)
	}

	db, runs := initHistory(cfg)
	if db != nil {
		defer db.Close()
	}

	rdb, cache := initRecordCache(cfg)
	if rdb != nil {
		defer rdb.Close()
	}

	var caller chain.Caller
	if cfg.Chain.RPCURL != "" {
		client, err := chain.Dial(context.Background(), chain.Config{
			RPCURL:            cfg.Chain.RPCURL,
			RequestTimeout:    time.Duration(cfg.Chain.RequestTimeoutSeconds) * time.Second,
			RequestsPerSecond: cfg.Chain.RequestsPerSecond,
		})
		if err != nil {
			applog.Fatalf("❌ Failed to create chain client: %v", err)
		}
		defer client.Close()
		caller = client
		applog.Infof("✅ Chain client ready (rps limit: %.1f)", cfg.Chain.RequestsPerSecond)
	} else {
		applog.Warn("⚠️  No CHAIN_RPC_URL set, every search will fail until configured")
	}
	if cfg.Chain.CdpContractAddress == "" {
		applog.Warn("⚠️  No CDP_CONTRACT_ADDRESS set, every search will fail until configured")
	}

	svc := scan.NewService(scan.Options{
		Engine:   cfg.SearchEngine(),
		Fetcher:  chain.NewCdpFetcher(caller, cfg.Chain.CdpContractAddress, cache),
		Rates:    chain.NewRateReader(caller, cfg.Chain.RatesContractAddress),
		RatesTTL: time.Duration(cfg.Chain.RatesCacheTTLSeconds) * time.Second,
		Runs:     runs,
		Observer: tel,
	})

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer
	server := api.NewServer(serverConfig, svc)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		applog.Fatalf("❌ Server error: %v", err)
	}

	svc.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		applog.Warnf("⚠️  Telemetry shutdown error: %v", err)
	}
	applog.Info("👋 Server stopped")
}

// initHistory 连接 PostgreSQL 并准备 search_runs 表；未配置或失败时不持久化
func initHistory(cfg *config.AppConfig) (*sql.DB, port.SearchRunRepository) {
	if cfg.Database.URL == "" {
		applog.Info("ℹ️  No DATABASE_URL set, search history disabled")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database.URL,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		time.Duration(cfg.Database.ConnMaxLifetimeSeconds)*time.Second,
	)
	if err != nil {
		applog.Warnf("⚠️  PostgreSQL unavailable, search history disabled: %v", err)
		return nil, nil
	}
	applog.Info("✅ Connected to PostgreSQL")

	repo := postgres.NewRepository(db)
	if err := repo.EnsureSearchRunsTable(ctx); err != nil {
		applog.Warnf("⚠️  Failed to ensure search_runs table: %v", err)
		db.Close()
		return nil, nil
	}
	applog.Info("✅ Search runs table ready")
	return db, repo
}

// initRecordCache 连接 Redis 作为金库缓存；未配置或失败时直连节点
func initRecordCache(cfg *config.AppConfig) (*goredis.Client, vault.Cache) {
	if cfg.Redis.URL == "" {
		applog.Info("ℹ️  No REDIS_URL set, vault cache disabled")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	rdb, err := redisdb.Open(ctx, cfg.Redis.URL)
	if err != nil {
		applog.Warnf("⚠️  Redis unavailable, vault cache disabled: %v", err)
		return nil, nil
	}
	ttl := time.Duration(cfg.Redis.RecordCacheTTLSeconds) * time.Second
	cache := redisdb.NewRecordCache(rdb, ttl)
	if n := cache.InvalidateAll(ctx); n > 0 {
		applog.Infof("🧹 Dropped %d stale vault cache entries", n)
	}
	applog.Infof("✅ Vault cache initialized (TTL: %s)", ttl)
	return rdb, cache
}
