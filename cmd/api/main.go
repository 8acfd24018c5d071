package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"captable/internal/config"
	"captable/internal/database"
	"captable/internal/eventsink"
	"captable/internal/ledger"
	"captable/internal/logger"
	"captable/internal/scheduler"
	"captable/internal/server"
	"captable/internal/validator"
)

// @title           Cap Table API
// @version         1.0
// @description     Fractional mortgage ownership ledger with a maker-checker transfer workflow.
// @termsOfService  http://swagger.io/terms/

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description Scheduler API key.

const shutdownTimeout = 15 * time.Second

func main() {
	// Initialize logger (use ENV var if available, default to development)
	logger.Init(os.Getenv("ENV"))
	defer logger.Sync()

	if err := run(); err != nil {
		logger.Get().Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	log := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	appConfig, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create database manager
	dbManager, err := database.NewManager(database.NewConfig(appConfig))
	if err != nil {
		return fmt.Errorf("failed to create database manager: %w", err)
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			log.Warnw("failed to close database", "error", err)
		}
	}()

	// Run migrations
	if err := dbManager.RunMigrations(appConfig.MigrationsDir); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	// Audit event sink
	sink, err := eventsink.New(ctx, eventsink.Options{
		Kind:                   appConfig.EventSink,
		KafkaBrokers:           appConfig.KafkaBrokers,
		KafkaTopic:             appConfig.KafkaTopic,
		KafkaPartitions:        int32(appConfig.KafkaTopicPartitions),
		KafkaReplicationFactor: int16(appConfig.KafkaReplicationFactor),
		RedisAddr:              appConfig.RedisAddr,
		RedisPassword:          appConfig.RedisPassword,
		RedisStreamKey:         appConfig.RedisStreamKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create event sink: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warnw("failed to close event sink", "error", err)
		}
	}()

	// External ledger
	ledgerClient := ledger.NewHTTPClient(appConfig.LedgerAPIURL, appConfig.LedgerAPIToken,
		&http.Client{Timeout: appConfig.LedgerTimeout})

	validator.Register()
	app := server.NewApp(dbManager.DB(), ledgerClient, sink, appConfig)

	router := server.NewRouter(app.Handlers, server.Options{
		JWTSecret:       appConfig.JWTSecret,
		SchedulerAPIKey: appConfig.SchedulerAPIKey,
		Health:          dbManager.Ping,
		EnableSwagger:   appConfig.Env != "production",
		EnableMetrics:   true,
	})

	srv := &http.Server{
		Addr:              ":" + appConfig.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("Starting cap table server on port %s", appConfig.Port)
		if appConfig.Env != "production" {
			log.Infof("Swagger documentation available at http://localhost:%s/swagger/index.html", appConfig.Port)
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if appConfig.RunBackgroundJobs {
		g.Go(func() error {
			return scheduler.New(app.Jobs...).Start(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
