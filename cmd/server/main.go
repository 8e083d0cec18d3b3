package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexigo/be-bp-approvals/internal/client"
	"github.com/nexigo/be-bp-approvals/internal/config"
	"github.com/nexigo/be-bp-approvals/internal/database"
	"github.com/nexigo/be-bp-approvals/internal/handler"
	"github.com/nexigo/be-bp-approvals/internal/logger"
	"github.com/nexigo/be-bp-approvals/internal/middleware"
	"github.com/nexigo/be-bp-approvals/internal/repository"
	"github.com/nexigo/be-bp-approvals/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting BP Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Notifications are optional: without a NATS URL the engine runs with
	// publishing disabled.
	var natsClient *client.NATSClient
	if cfg.NATS.URL != "" {
		natsClient, err = client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsClient.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set; notification publishing disabled")
	}
	publisher := client.NewNotificationPublisher(natsClient, log.Logger)

	policyRepo := repository.NewPolicyRepository(db)
	flowRepo := repository.NewFlowRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	historyRepo := repository.NewHistoryRepository(db)

	policyService := service.NewPolicyService(policyRepo, log)
	approvalService := service.NewApprovalService(
		flowRepo, requestRepo, historyRepo, publisher, cfg.Approval.RequestTTL, log)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	router.Handle("/metrics", promhttp.Handler())

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth(cfg.Auth.JWTSecret))

	httpHandler := handler.NewHTTPHandler(policyService, approvalService, log)
	httpHandler.Register(api)

	// RequestID must wrap Logger so access log lines carry the id.
	var h http.Handler = router
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
