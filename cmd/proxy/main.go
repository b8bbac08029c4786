// Package main is the entry point for the cluster-edge proxy. It wires
// config, logging, the Postgres catalog, Redis (optional), the
// supervisor client, the registration service and the proxy engine,
// then serves HTTP with signal-driven graceful shutdown.
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

	backoff "github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/utilmeta/cluster-proxy/internal/catalog"
	"github.com/utilmeta/cluster-proxy/internal/config"
	"github.com/utilmeta/cluster-proxy/internal/logging"
	"github.com/utilmeta/cluster-proxy/internal/proxy"
	"github.com/utilmeta/cluster-proxy/internal/registration"
	"github.com/utilmeta/cluster-proxy/internal/router"
	"github.com/utilmeta/cluster-proxy/internal/supervisor"
	"github.com/utilmeta/cluster-proxy/internal/workerpool"
)

const version = "1.0.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "check":
			os.Exit(runCheck())
		case "version":
			fmt.Println(version)
			return
		case "setup", "restart", "upgrade", "export_env":
			fmt.Printf("%q is not supported by this build\n", os.Args[1])
			os.Exit(1)
		}
	}

	run()
}

func run() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config: ", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{Environment: cfg.AppEnv, Level: cfg.LogLevel, ServiceName: "cluster-proxy", OutputPath: cfg.LogPath})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger: ", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Sync(); err != nil {
			log.Warn("failed to sync logger", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := connectPostgres(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unavailable, falling back to in-process registration locking", zap.Error(err))
			redisClient = nil
		}
	}

	repo := catalog.NewPostgresRepository(db, log)
	supClient := supervisor.New(log, cfg.DefaultTimeout)
	pool := workerpool.New(4)
	defer pool.Close()

	var lock registration.AddressLock
	if redisClient != nil {
		lock = registration.NewRedisAddressLock(redisClient, 10*time.Second, 25*time.Millisecond)
	} else {
		lock = registration.NewMemoryAddressLock()
	}

	regSvc := registration.New(repo, cfg, supClient, pool, lock, log)
	proxyEngine := proxy.New(repo, cfg, log)

	handler := router.New(router.Dependencies{
		Proxy:        proxyEngine,
		Registration: regSvc,
		DB:           db,
		Redis:        redisClient,
		Log:          log,
		CORSMaxAge:   cfg.CORSMaxAge,
	})

	server := &http.Server{
		Addr:         ":8080",
		Handler:      handler,
		ReadTimeout:  cfg.DefaultTimeout,
		WriteTimeout: cfg.LoadTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting cluster proxy", zap.String("addr", server.Addr), zap.String("base_url", cfg.BaseURL))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
}

func connectPostgres(ctx context.Context, cfg *config.Config, log *zap.Logger) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.LoadTimeout

	operation := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("postgres not reachable after retries: %w", err)
	}
	log.Info("connected to postgres", zap.String("host", cfg.DBHost))
	return db, nil
}

func runCheck() int {
	resp, err := http.Get("http://localhost:8080/")
	if err != nil || resp.StatusCode != http.StatusOK {
		fmt.Println("not ok")
		return 1
	}
	fmt.Println("ok")
	return 0
}
