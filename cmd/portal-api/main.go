package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"request-portal/request-portal-backend/internal/auth"
	"request-portal/request-portal-backend/internal/config"
	"request-portal/request-portal-backend/internal/database"
	"request-portal/request-portal-backend/internal/notifications"
	"request-portal/request-portal-backend/internal/notifications/websocket"
	"request-portal/request-portal-backend/internal/requests"
	"request-portal/request-portal-backend/pkg/awsclient"
)

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	var (
		requestRepo requests.Repository
		notifRepo   notifications.Repository
		directory   notifications.Directory
		db          *gorm.DB
	)
	switch cfg.Database.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-memory storage, data is lost on restart")
		requestRepo = requests.NewMemoryRepository()
		notifRepo = notifications.NewMemoryRepository()
		directory = notifications.StaticDirectory{}
	default:
		db, err = database.Open(cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to open database", zap.Error(err))
		}
		defer database.Close(db)

		if err := requests.Migrate(db); err != nil {
			logger.Fatal("Failed to migrate request tables", zap.Error(err))
		}
		if err := notifications.Migrate(db); err != nil {
			logger.Fatal("Failed to migrate notification tables", zap.Error(err))
		}
		requestRepo = requests.NewPostgresRepository(db)
		notifRepo = notifications.NewPostgresRepository(db)
		directory = notifications.NewUserDirectory(db)
	}

	smsCfg := cfg.Notifications.SMS
	emailCfg := cfg.Notifications.Email

	// Notification channels
	gatewayUsers := make([]string, 0, len(smsCfg.GatewayUserIDs))
	for _, id := range smsCfg.GatewayUserIDs {
		gatewayUsers = append(gatewayUsers, strconv.FormatUint(uint64(id), 10))
	}
	wsManager := websocket.NewManager(logger, cfg.Server.AllowedOrigins,
		websocket.WithRestrictedTopic(notifications.TopicSMSGateway, gatewayUsers))
	channels := []notifications.Channel{
		notifications.NewInAppChannel(notifRepo, wsManager, logger),
	}
	if (smsCfg.Enabled && smsCfg.Provider == config.SMSProviderSNS) || emailCfg.Enabled {
		awsCfg, err := awsclient.Load(ctx, cfg.AWS)
		if err != nil {
			logger.Fatal("Failed to configure AWS", zap.Error(err))
		}
		if emailCfg.Enabled {
			channels = append(channels, notifications.NewEmailChannel(directory, awsclient.NewSES(awsCfg), emailCfg.FromAddress, logger))
		}
		// the relay binary drains the shared table; memory storage has no
		// other reader, so drain it here
		if smsCfg.Enabled && smsCfg.Provider == config.SMSProviderSNS && db == nil {
			relay := notifications.NewSMSRelay(notifRepo, awsclient.NewSNS(awsCfg), logger, notifications.SMSRelayConfig{
				Schedule:    smsCfg.RelaySchedule,
				BatchSize:   smsCfg.BatchSize,
				MaxAttempts: smsCfg.MaxAttempts,
			})
			if err := relay.Start(ctx); err != nil {
				logger.Fatal("Failed to start SMS relay", zap.Error(err))
			}
			defer relay.Stop()
		}
	}
	if smsCfg.Enabled {
		var gateway notifications.Pusher
		if smsCfg.Provider == config.SMSProviderGateway {
			if len(gatewayUsers) == 0 {
				logger.Warn("No SMS gateway users configured, texts stay queued")
			}
			gateway = wsManager
		}
		channels = append(channels, notifications.NewSMSChannel(directory, notifRepo, gateway, logger))
	}

	notifService := notifications.NewService(notifRepo, logger, cfg.Notifications.DispatchTimeout, channels...)

	requestService := requests.NewService(requestRepo, notifService, logger, requests.Options{
		ReferencePrefix: cfg.Requests.ReferencePrefix,
		ReferenceWidth:  cfg.Requests.ReferenceWidth,
	})

	tokens := auth.NewTokenManager(cfg.Security.JWTSecret, cfg.Security.CookieName, 0)

	// Setup Router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), cors(cfg.Server.AllowedOrigins))

	api := router.Group("/api/v1")
	api.Use(tokens.Middleware())
	{
		auth.NewHandler().RegisterRoutes(api)
		requests.NewHandler(requestService, logger).RegisterRoutes(api)
		notifications.NewHandler(notifService, wsManager, logger).RegisterRoutes(api)
	}

	// Health Check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"timestamp":      time.Now(),
			"storage":        cfg.Database.Driver,
			"ws_connections": wsManager.GetConnectionCount(),
			"online_users":   wsManager.OnlineUsers(),
		})
	})

	// Start Server
	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", srv.Addr))

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	notifService.Wait()
	wsManager.Close()
	cancel()

	logger.Info("Server exiting")
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func cors(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			// credentials need an explicit origin, never "*"
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
			c.Writer.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{
				http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions,
			}, ", "))
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
