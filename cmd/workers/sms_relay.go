package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"request-portal/request-portal-backend/internal/config"
	"request-portal/request-portal-backend/internal/database"
	"request-portal/request-portal-backend/internal/notifications"
	"request-portal/request-portal-backend/pkg/awsclient"
)

// The SMS relay drains the sms_queue table through SNS. It runs beside the
// API when notifications.sms.provider is "sns".
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Database.Driver != config.DriverPostgres {
		logger.Fatal("SMS relay needs the postgres driver", zap.String("driver", cfg.Database.Driver))
	}
	if cfg.Notifications.SMS.Provider != config.SMSProviderSNS {
		logger.Warn("SMS provider is not sns; the relay will only drain entries left queued",
			zap.String("provider", cfg.Notifications.SMS.Provider))
	}

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer database.Close(db)

	logger.Info("Connected to database")

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := awsclient.Load(ctx, cfg.AWS)
	if err != nil {
		logger.Fatal("Failed to configure AWS", zap.Error(err))
	}

	smsCfg := cfg.Notifications.SMS
	relay := notifications.NewSMSRelay(
		notifications.NewPostgresRepository(db),
		awsclient.NewSNS(awsCfg),
		logger,
		notifications.SMSRelayConfig{
			Schedule:    smsCfg.RelaySchedule,
			BatchSize:   smsCfg.BatchSize,
			MaxAttempts: smsCfg.MaxAttempts,
		},
	)

	// Drain anything left over from a previous run before the first tick
	if _, _, err := relay.RunOnce(ctx); err != nil {
		logger.Error("Initial relay run failed", zap.Error(err))
	}
	if err := relay.Start(ctx); err != nil {
		logger.Fatal("Failed to start SMS relay", zap.Error(err))
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	relay.Stop()
	cancel()
	logger.Info("SMS relay exited")
}
