package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iapkit/asc-importer/config"
	"github.com/iapkit/asc-importer/internal/adapters/cache"
	"github.com/iapkit/asc-importer/internal/adapters/logger"
	"github.com/iapkit/asc-importer/internal/adapters/messaging"
	"github.com/iapkit/asc-importer/internal/adapters/storage"
	"github.com/iapkit/asc-importer/internal/api"
	"github.com/iapkit/asc-importer/internal/api/handlers"
	"github.com/iapkit/asc-importer/internal/appstore"
	"github.com/iapkit/asc-importer/internal/domain/services"
	"github.com/iapkit/asc-importer/internal/utils"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, err := logger.NewZapLogger(cfg.LogLevel, cfg.ENV == "production")
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("starting api service",
		"app_name", cfg.AppName,
		"version", cfg.Version,
		"env", cfg.ENV,
	)

	postgresCon, err := utils.GenerateConnectionString(
		cfg.Postgres.Host,
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.SSLMode,
		cfg.Postgres.Port,
		cfg.Postgres.PoolSize,
		cfg.Postgres.Timeout,
	)
	if err != nil {
		log.Fatal("invalid postgres configuration", "error", err.Error())
	}

	db, err := storage.NewPostgresStorage(ctx, postgresCon)
	if err != nil {
		log.Fatal("failed to initialize storage", "error", err.Error())
	}
	defer db.Close()
	log.Info("storage initialized")

	cacheClient, err := cache.NewRedisCache(
		ctx,
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
	)
	if err != nil {
		log.Fatal("failed to initialize cache", "error", err.Error())
	}
	defer cacheClient.Close()
	log.Info("cache initialized")

	messagingClient, err := messaging.NewKafkaMessaging(
		cfg.Kafka.Brokers,
		cfg.Kafka.GroupID,
		log,
	)
	if err != nil {
		log.Fatal("failed to initialize messaging", "error", err.Error())
	}
	defer messagingClient.Close()
	log.Info("messaging initialized")

	tokens, err := buildTokenSource(cfg)
	if err != nil {
		log.Fatal("failed to initialize credentials", "error", err.Error())
	}

	ascClient := appstore.NewClient(
		cfg.AppStore.BaseURL,
		tokens,
		cfg.AppStore.RequestTimeout,
		cfg.AppStore.UploadTimeout,
		log,
	)

	guard := services.NewInflightGuard()
	iapService := services.NewIAPService(ascClient, cacheClient, guard, log, cfg.Redis.DefaultExpiration)
	log.Info("services initialized")

	iapHandler := handlers.NewIAPHandler(iapService, log)
	importHandler := handlers.NewImportHandler(db, messagingClient, log, cfg.Kafka.CommandsTopic)

	router := api.NewRouter(iapHandler, importHandler, log, api.RouterConfig{})
	log.Info("router configured")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", "error", err.Error())
		}
	}()

	go func() {
		<-quit
		log.Info("shutdown signal received, draining...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err.Error())
		}
		log.Info("http server stopped")

		if err := messagingClient.Close(); err != nil {
			log.Error("failed to close kafka", "error", err.Error())
		}
		if err := cacheClient.Close(); err != nil {
			log.Error("failed to close redis", "error", err.Error())
		}
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err.Error())
		}

		close(done)
	}()

	<-done
	log.Info("server stopped cleanly")
}

// buildTokenSource reads the .p8 key from disk and wires the JWT source.
func buildTokenSource(cfg *config.Config) (*appstore.TokenSource, error) {
	keyPEM, err := os.ReadFile(cfg.AppStore.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", cfg.AppStore.PrivateKeyPath, err)
	}

	return appstore.NewTokenSource(appstore.Credentials{
		KeyID:      cfg.AppStore.KeyID,
		IssuerID:   cfg.AppStore.IssuerID,
		PrivateKey: keyPEM,
	}, cfg.AppStore.TokenLifetime, cfg.AppStore.TokenEarlyRefresh)
}
