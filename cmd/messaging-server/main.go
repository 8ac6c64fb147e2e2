package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dentms/dentms/internal/config"
	"github.com/dentms/dentms/internal/domain/appointment"
	"github.com/dentms/dentms/internal/platform/db"
	"github.com/dentms/dentms/internal/platform/messaging"
	"github.com/dentms/dentms/internal/platform/middleware"
	"github.com/dentms/dentms/internal/platform/telemetry"
)

const serverVersion = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "messaging-server",
		Short: "Appointment reminder messaging server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore from a backup or write a compensating forward migration instead.")
			return nil
		},
	})

	return cmd
}

// parseChannels splits a comma-separated channel list, trimming whitespace
// and dropping empty entries. An empty input yields the default channel set.
func parseChannels(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{messaging.ChannelWhatsApp, messaging.ChannelSMS}
	}
	var channels []string
	for _, part := range strings.Split(raw, ",") {
		if c := strings.TrimSpace(part); c != "" {
			channels = append(channels, c)
		}
	}
	if len(channels) == 0 {
		return []string{messaging.ChannelWhatsApp, messaging.ChannelSMS}
	}
	return channels
}

// buildSenders returns one sender per configured channel. Until a real
// gateway integration is plugged in, every channel is backed by the
// loopback sender; delivery confirmations still flow through the status
// callback endpoint, so the full session lifecycle is exercised.
func buildSenders(channels []string) []messaging.Sender {
	senders := make([]messaging.Sender, 0, len(channels))
	for _, c := range channels {
		senders = append(senders, &messaging.MockSender{ChannelID: c})
	}
	return senders
}

// trackedMessages sums the per-session message totals for the gauge.
func trackedMessages(stats messaging.ManagerStats) int64 {
	var total int64
	for _, s := range stats.Sessions {
		total += int64(s.TotalMessages)
	}
	return total
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Telemetry
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceVersion: serverVersion,
		Environment:    cfg.Env,
	})
	defer tp.Shutdown(ctx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Provider-Signature"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())

	// API group
	apiV1 := e.Group("/api/v1")

	// Rate limiting
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Provider auth. An empty JWT secret disables bearer verification,
	// which is only acceptable in development; Validate enforces that at
	// least one callback secret is set in production.
	apiV1.Use(middleware.ProviderAuth([]byte(cfg.ProviderJWTSecret)))

	// Appointment domain
	apptRepo := appointment.NewRepoPG(pool)
	apptSvc := appointment.NewService(apptRepo)
	apptHandler := appointment.NewHandler(apptSvc)
	apptHandler.RegisterRoutes(apiV1)

	// Messaging core
	manager := messaging.NewSessionManager(messaging.ManagerConfig{
		MaxActiveSessions:     cfg.MaxActiveSessions,
		MaxMessagesPerSession: cfg.MaxMessagesPerSession,
		AckTrackingWindow:     cfg.AckTrackingWindow,
		AutoExpireEnabled:     &cfg.AutoExpireEnabled,
		CleanupInterval:       cfg.CleanupInterval,
		MaxSessionAge:         cfg.MaxSessionAge,
		MaxHistorySize:        cfg.MaxHistorySize,
		KeepHistory:           &cfg.KeepHistory,
	}, logger)
	defer manager.Destroy()

	senders := buildSenders(parseChannels(cfg.MessagingChannels))
	templates := messaging.NewTemplateEngine()
	dispatcher := messaging.NewReminderDispatcher(manager, senders, templates, logger,
		messaging.WithClinicInfo(cfg.ClinicName, cfg.ClinicPhone),
		messaging.WithMetrics(tp))

	msgHandler := messaging.NewHandler(manager, dispatcher, apptSvc, cfg.ProviderWebhookSecret, logger,
		messaging.WithCallbackMetrics(tp))
	msgHandler.RegisterRoutes(apiV1)

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": serverVersion,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", tp.PrometheusHandler())

	// Gauge refresher
	gaugeCtx, cancelGauges := context.WithCancel(ctx)
	defer cancelGauges()
	go func() {
		health := tp.HealthMetrics()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gaugeCtx.Done():
				return
			case <-ticker.C:
				stat := pool.Stat()
				health.SetDBPoolActive(int64(stat.AcquiredConns()))
				health.SetDBPoolIdle(int64(stat.IdleConns()))

				stats := manager.AllStats()
				health.SetActiveSessions(int64(stats.ActiveSessions))
				health.SetTrackedMessages(trackedMessages(stats))
			}
		}
	}()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	manager.CompleteAllSessions()
	logger.Info().Msg("server stopped")
	return nil
}
