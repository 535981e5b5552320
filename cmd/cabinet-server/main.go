package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/config"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/application"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/consultation"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/history"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/participant"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/payment"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/promo"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/recommendation"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/auth"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/blobstore"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/bot"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/db"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/metrics"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/middleware"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/notification"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/scheduler"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/session"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cabinet-server",
		Short: "Skin care consultation cabinet API server",
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
		Short: "Start the cabinet API server",
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
			migrator, cleanup, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, cleanup, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(os.Stdout, statuses)
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	cmd.PersistentFlags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.PersistentFlags().String("dir", "./migrations", "Path to migrations directory")
	return cmd
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if schema == "" {
		schema = cfg.DBSchema
	}

	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, schema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	fmt.Printf("Using schema: %s\n", schema)
	return db.NewMigrator(pool, dir, schema), pool.Close, nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database
	pool, err := db.NewPool(runCtx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	m := metrics.New()

	repos := consultation.Repositories{
		Applications:    application.NewRepoPG(pool),
		Payments:        payment.NewRepoPG(pool),
		Promos:          promo.NewRepoPG(pool),
		History:         history.NewRepoPG(pool),
		Recommendations: recommendation.NewRepoPG(pool),
		Participants:    participant.NewRepoPG(pool),
	}

	// Photo storage
	var photos blobstore.BlobStore
	if cfg.MinioEndpoint != "" {
		photos, err = blobstore.NewMinioStore(runCtx, blobstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to object storage")
		}
		logger.Info().Str("bucket", cfg.MinioBucket).Msg("photo storage: minio")
	} else {
		photos = blobstore.NewInMemoryBlobStore()
		logger.Warn().Msg("MINIO_ENDPOINT not set, photos are kept in memory")
	}

	// Telegram
	var botAPI *tgbotapi.BotAPI
	if cfg.TelegramBotToken != "" {
		botAPI, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to telegram")
		}
		logger.Info().Str("bot", botAPI.Self.UserName).Msg("telegram bot authorized")
	}

	// Notifications
	var channels []notification.Channel
	if botAPI != nil {
		channels = append(channels, notification.NewTelegramChannel(botAPI))
	}
	if cfg.SMTPHost != "" {
		channels = append(channels, notification.NewEmailChannel(notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})))
	}
	if len(channels) == 0 {
		logger.Warn().Msg("no external notification channels configured")
	}
	live := websocket.NewHub()
	channels = append(channels, live)

	var events notification.EventPublisher
	var kafka *notification.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafka = notification.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		events = kafka
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing application events")
	}

	dispatcher := notification.NewDispatcher(
		notification.NewRepoDirectory(repos.Participants, repos.Recommendations, repos.Payments),
		notification.NewTemplateEngine(),
		channels,
		events,
		notification.Options{
			Workers:     cfg.NotifyWorkers,
			QueueSize:   cfg.NotifyQueueSize,
			MaxAttempts: cfg.NotifyMaxAttempts,
		},
		logger, m,
	)

	// Domain services
	svc, err := consultation.NewService(repos, db.NewTxManager(pool), dispatcher, photos, consultation.Settings{
		BasePrice: cfg.ConsultationPrice,
		Provider:  cfg.PaymentProvider,
		MaxPhotos: cfg.MaxPhotos,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init consultation service")
	}
	svc.SetMetrics(m)
	participantSvc := participant.NewService(repos.Participants)

	// Dialog sessions
	var sessions session.Store
	var memSessions *session.MemoryStore
	if cfg.RedisURL != "" {
		client, err := session.NewRedisClient(runCtx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		sessions = session.NewRedisStore(client, cfg.SessionTTL)
	} else {
		memSessions = session.NewMemoryStore(cfg.SessionTTL)
		sessions = memSessions
	}

	// Maintenance jobs
	sched := scheduler.New(logger)
	jobs := []scheduler.Job{{
		Name:     "cancel-expired-payments",
		Interval: 10 * time.Minute,
		Run: func(ctx context.Context) error {
			n, err := svc.CancelExpired(ctx, time.Now().UTC().Add(-cfg.PendingPaymentTTL))
			if n > 0 {
				logger.Info().Int("cancelled", n).Msg("expired unpaid applications cancelled")
			}
			return err
		},
	}}
	if memSessions != nil {
		jobs = append(jobs, scheduler.Job{
			Name:     "sweep-sessions",
			Interval: time.Minute,
			Run: func(ctx context.Context) error {
				_, err := memSessions.Sweep(ctx)
				return err
			},
		})
	}
	for _, j := range jobs {
		if err := sched.Add(j); err != nil {
			logger.Fatal().Err(err).Msg("failed to schedule job")
		}
	}
	sched.Start()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevActorHeader, auth.DevRoleHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", db.HealthHandler(pool))
	e.GET("/metrics", m.Handler())

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		devActor, err := uuid.Parse(cfg.DevActorID)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid DEV_ACTOR_ID")
		}
		authMW = auth.DevAuthMiddleware(devActor, jwtCfg)
	}

	rateLimit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	})

	// API groups
	apiV1 := e.Group("/api/v1", authMW, rateLimit)
	public := e.Group("/api/v1", rateLimit)

	participant.NewHandler(participantSvc).RegisterRoutes(apiV1)
	promo.NewHandler(svc.Promos()).RegisterRoutes(apiV1)

	appHandler := consultation.NewHandler(svc, consultation.HandlerOptions{
		WebhookSecret: cfg.PaymentWebhookSecret,
		MockPayments:  cfg.PaymentProvider == payment.ProviderMock,
	}, logger)
	appHandler.RegisterRoutes(apiV1)
	appHandler.RegisterWebhook(public)
	websocket.NewHandler(live, cfg.CORSOrigins, logger).RegisterRoutes(apiV1)

	// Telegram intake
	if botAPI != nil {
		intake := bot.NewIntake(botAPI, sessions, svc, repos.Participants, participantSvc, bot.Options{
			MaxPhotos: cfg.MaxPhotos,
			Price:     cfg.ConsultationPrice,
		}, logger)
		if cfg.TelegramWebhookSecret != "" {
			public.POST("/telegram/webhook", intake.WebhookHandler(cfg.TelegramWebhookSecret))
		} else {
			go intake.Run(runCtx)
		}
	}

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
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	stop()
	sched.Stop()
	if err := dispatcher.Close(ctx); err != nil {
		logger.Warn().Err(err).Interface("stats", dispatcher.Stats()).Msg("notification queue not drained")
	}
	if kafka != nil {
		if err := kafka.Close(); err != nil {
			logger.Warn().Err(err).Msg("kafka writer close failed")
		}
	}
	logger.Info().Msg("server stopped")
	return nil
}
