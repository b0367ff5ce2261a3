package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cap-net/be-me-approvals/internal/client"
	"github.com/cap-net/be-me-approvals/internal/config"
	"github.com/cap-net/be-me-approvals/internal/database"
	"github.com/cap-net/be-me-approvals/internal/gateway"
	"github.com/cap-net/be-me-approvals/internal/handler"
	"github.com/cap-net/be-me-approvals/internal/repository"
	"github.com/cap-net/be-me-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()

	log.Info().Msg("Starting M&E Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		DSN:      cfg.PostgresDSN,
		MaxConns: int32(cfg.DBMaxConns),
		MinConns: int32(cfg.DBMinConns),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	hierarchyRepo := repository.NewHierarchyRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	decisionRepo := repository.NewDecisionRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	identityRepo := repository.NewIdentityRepository(db)
	statusGateway := gateway.NewStatusGateway(db)

	// Initialize NATS notification publisher (optional)
	var natsClient *client.NATSClient
	if cfg.NATSURL != "" {
		natsClient, err = client.ConnectNATS(cfg.NATSURL, cfg.ServiceName)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer func() {
			if err := natsClient.Close(); err != nil {
				log.Warn().Err(err).Msg("NATS drain failed")
			}
		}()
		log.Info().Str("nats_url", cfg.NATSURL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set; notifications disabled")
	}
	notifier := client.NewNotificationPublisher(natsClient, log)

	// Initialize workflow service
	workflowService := service.NewApprovalWorkflowService(
		hierarchyRepo,
		requestRepo,
		decisionRepo,
		statusGateway,
		auditRepo,
		identityRepo,
		notifier,
		log,
		cfg.StatusWriteRetries,
	)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(workflowService, hierarchyRepo, auditRepo, log)
	router := handler.NewRouter(httpHandler, time.Duration(cfg.RequestTimeoutSec)*time.Second)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
