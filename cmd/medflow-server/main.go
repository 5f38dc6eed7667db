package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/medflow/medflow/internal/config"
	"github.com/medflow/medflow/internal/domain/admin"
	"github.com/medflow/medflow/internal/domain/identity"
	"github.com/medflow/medflow/internal/domain/medication"
	"github.com/medflow/medflow/internal/domain/messaging"
	"github.com/medflow/medflow/internal/domain/patient"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/internal/platform/blobstore"
	"github.com/medflow/medflow/internal/platform/bot"
	"github.com/medflow/medflow/internal/platform/db"
	"github.com/medflow/medflow/internal/platform/events"
	"github.com/medflow/medflow/internal/platform/middleware"
	"github.com/medflow/medflow/internal/platform/notification"
	"github.com/medflow/medflow/internal/platform/telemetry"
	"github.com/medflow/medflow/migrations"
)

const (
	blobMountPath   = "/api/blobs"
	webhookPath     = "/api/telegram-bot/webhook"
	shutdownTimeout = 10 * time.Second
	requestTimeout  = 30 * time.Second
	uploadBodyLimit = "25M"
	pollTimeoutSec  = 30
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medflow-server",
		Short: "MedFlow clinical operations API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(indexesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	var schema, dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage postgres schema migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, cfg, cleanup, err := openMigrator(dir)
			if err != nil {
				return err
			}
			defer cleanup()

			if schema == "" {
				schema = cfg.DBSchema
			}
			n, err := migrator.Up(cmd.Context(), schema)
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migration(s) to schema %s\n", n, schema)
			return nil
		},
	}
	upCmd.Flags().StringVar(&schema, "schema", "", "target schema (defaults to DB_SCHEMA)")
	upCmd.Flags().StringVar(&dir, "dir", "", "read migrations from this directory instead of the embedded set")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, cfg, cleanup, err := openMigrator(dir)
			if err != nil {
				return err
			}
			defer cleanup()

			if schema == "" {
				schema = cfg.DBSchema
			}
			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return err
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "APPLIED", "APPLIED AT")
			for _, s := range statuses {
				appliedAt := "-"
				if s.AppliedAt != nil {
					appliedAt = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-10d %-40s %-10t %s\n", s.Version, s.Name, s.Applied, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().StringVar(&schema, "schema", "", "target schema (defaults to DB_SCHEMA)")
	statusCmd.Flags().StringVar(&dir, "dir", "", "read migrations from this directory instead of the embedded set")

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

// migrationSource returns the embedded migrations unless dir is set.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func openMigrator(dir string) (*db.Migrator, *config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.StoreDriver != config.StorePostgres {
		return nil, nil, nil, fmt.Errorf("migrations only apply to STORE_DRIVER=%s", config.StorePostgres)
	}
	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return db.NewMigrator(pool, migrationSource(dir)), cfg, pool.Close, nil
}

func indexesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indexes",
		Short: "Create mongo collection indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.StoreDriver != config.StoreMongo {
				return fmt.Errorf("indexes only apply to STORE_DRIVER=%s", config.StoreMongo)
			}
			client, database, err := db.NewMongo(cmd.Context(), cfg.MongoURI, cfg.MongoDatabase)
			if err != nil {
				return err
			}
			defer client.Disconnect(context.Background())

			if err := db.EnsureIndexes(cmd.Context(), database); err != nil {
				return err
			}
			fmt.Printf("Indexes ensured on database %s\n", cfg.MongoDatabase)
			return nil
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// stores holds the repositories for the configured STORE_DRIVER.
type stores struct {
	name     string
	users    identity.UserRepository
	admins   identity.AdminRepository
	settings identity.SettingsRepository
	patients patient.Repository
	threads  messaging.ThreadRepository
	tx       db.Transactor
	pinger   db.Pinger
	pool     *pgxpool.Pool
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StoreMongo:
		client, database, err := db.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := db.EnsureIndexes(ctx, database); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongo")
		return mongoStores(client, database), nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to postgres")
		return pgStores(pool), nil
	}
}

func pgStores(pool *pgxpool.Pool) *stores {
	return &stores{
		name:     config.StorePostgres,
		users:    identity.NewUserRepoPG(pool),
		admins:   identity.NewAdminRepoPG(pool),
		settings: identity.NewSettingsRepoPG(pool),
		patients: patient.NewRepoPG(pool),
		threads:  messaging.NewThreadRepoPG(pool),
		tx:       db.NewTransactor(pool),
		pinger:   pool,
		pool:     pool,
		close:    pool.Close,
	}
}

func mongoStores(client *mongo.Client, database *mongo.Database) *stores {
	return &stores{
		name:     config.StoreMongo,
		users:    identity.NewUserRepoMongo(database),
		admins:   identity.NewAdminRepoMongo(database),
		settings: identity.NewSettingsRepoMongo(database),
		patients: patient.NewRepoMongo(database),
		threads:  messaging.NewThreadRepoMongo(database),
		tx:       db.NoopTransactor{},
		pinger:   db.MongoPinger{Client: client},
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(ctx)
		},
	}
}

// newBlobStore returns the S3-compatible store when credentials are set.
// Otherwise it returns an in-process store that newServer mounts under
// blobMountPath.
func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, *blobstore.MemoryStore, error) {
	if cfg.SpacesEnabled() {
		store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
			Endpoint:  cfg.SpacesEndpoint,
			Region:    cfg.SpacesRegion,
			Bucket:    cfg.SpacesBucket,
			AccessKey: cfg.SpacesKey,
			SecretKey: cfg.SpacesSecret,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init object storage: %w", err)
		}
		return store, nil, nil
	}
	mem := blobstore.NewMemoryStore(blobMountPath)
	return mem, mem, nil
}

// newNotifier builds the outbound notification manager. Providers without
// credentials fall back to notification.LogSender.
func newNotifier(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*notification.Manager, error) {
	var email notification.EmailSender = notification.LogSender{Logger: logger}
	if cfg.SMTPEnabled() {
		from := cfg.OutlookFrom
		if from == "" {
			from = cfg.OutlookUser
		}
		sender, err := notification.NewSMTPEmailSender(notification.SMTPConfig{
			Host:     cfg.OutlookSMTPHost,
			Port:     cfg.OutlookSMTPPort,
			Username: cfg.OutlookUser,
			Password: cfg.OutlookPassword,
			From:     from,
			Timeout:  15 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init smtp: %w", err)
		}
		email = sender
	}

	var whatsapp notification.WhatsAppSender = notification.LogSender{Logger: logger}
	if cfg.TwilioEnabled() {
		sender, err := notification.NewTwilioWhatsAppSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppFrom)
		if err != nil {
			return nil, fmt.Errorf("init twilio: %w", err)
		}
		whatsapp = sender
	}

	var recorder notification.Recorder
	if metrics != nil {
		recorder = metrics
	}
	return notification.NewManager(email, whatsapp, notification.NewTemplateEngine(), logger, recorder), nil
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) events.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return events.Noop{}
	}
	pub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		logger.Warn().Err(err).Msg("kafka publisher unavailable; domain events disabled")
		return events.Noop{}
	}
	logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing domain events to kafka")
	return pub
}

// app is the set of wired services the HTTP server routes to.
type app struct {
	identity  *identity.Service
	admin     *admin.Service
	patients  *patient.Service
	rx        *medication.Service
	messaging *messaging.Service
	metrics   *telemetry.Metrics
	memBlobs  *blobstore.MemoryStore
	storeName string
	pinger    db.Pinger
}

type appDeps struct {
	stores    *stores
	blobs     blobstore.BlobStore
	memBlobs  *blobstore.MemoryStore
	notifier  *notification.Manager
	publisher events.Publisher
	metrics   *telemetry.Metrics
	gateway   bot.Gateway
}

func newApp(cfg *config.Config, d appDeps, logger zerolog.Logger) *app {
	tokens := auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTTTL)

	identitySvc := identity.NewService(d.stores.users, d.stores.admins, d.stores.settings, d.stores.tx, tokens, logger)
	identitySvc.SetNotifier(d.notifier)
	identitySvc.SetEvents(d.publisher)
	identitySvc.SetPublicBaseURL(cfg.PublicBaseURL)

	adminSvc := admin.NewService(d.stores.users, d.stores.admins, identitySvc, d.stores.tx, logger)
	adminSvc.SetNotifier(d.notifier)
	adminSvc.SetEvents(d.publisher)
	adminSvc.SetMetrics(d.metrics)
	adminSvc.SetPublicBaseURL(cfg.PublicBaseURL)

	patientSvc := patient.NewService(d.stores.patients, logger)
	patientSvc.SetBlobStore(d.blobs, cfg.PresignTTL)
	patientSvc.SetMessenger(d.notifier)
	patientSvc.SetEvents(d.publisher)

	msgSvc := messaging.NewService(d.stores.threads, patientSvc, logger)
	if d.gateway != nil {
		msgSvc.SetGateway(d.gateway)
	}
	msgSvc.SetBlobStore(d.blobs, cfg.PresignTTL)
	msgSvc.SetWebhookSecret(cfg.TelegramWebhookSecret)
	msgSvc.SetEvents(d.publisher)
	msgSvc.SetMetrics(d.metrics)

	rxSvc := medication.NewService(d.stores.patients, cfg.PublicBaseURL, logger)
	rxSvc.SetNotifier(d.notifier)
	rxSvc.SetChatNotifier(msgSvc)
	rxSvc.SetEvents(d.publisher)
	rxSvc.SetMetrics(d.metrics)

	return &app{
		identity:  identitySvc,
		admin:     adminSvc,
		patients:  patientSvc,
		rx:        rxSvc,
		messaging: msgSvc,
		metrics:   d.metrics,
		memBlobs:  d.memBlobs,
		storeName: d.stores.name,
		pinger:    d.stores.pinger,
	}
}

func newServer(cfg *config.Config, a *app, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderXRequestID},
		AllowCredentials: true,
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, uploadBodyLimit))
	e.Use(middleware.RequestTimeout(requestTimeout, webhookPath))
	if a.metrics != nil {
		e.Use(a.metrics.Middleware())
	}
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.storeName, a.pinger))
	if a.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	api := e.Group("/api", middleware.RateLimit(rl))

	jwtMW := auth.JWTMiddleware([]byte(cfg.JWTSecret))
	authorized := auth.RequireAuthorized(a.identity)

	identity.NewHandler(a.identity).RegisterRoutes(api.Group("/auth"), api.Group("/user", jwtMW))
	admin.NewHandler(a.admin).RegisterRoutes(api.Group("/admin", jwtMW, authorized, auth.RequireAdmin(a.identity)))

	patientGroup := api.Group("/patient", jwtMW, authorized)
	patient.NewHandler(a.patients).RegisterRoutes(patientGroup)
	medication.NewHandler(a.rx).RegisterRoutes(patientGroup, api.Group("/rx-order-qr-code"),
		auth.RequireAccountType(identity.AccountDoctor))

	messaging.NewHandler(a.messaging, logger).RegisterRoutes(api.Group("/telegram-bot"), jwtMW, authorized)

	if a.memBlobs != nil {
		blobstore.NewHandler(a.memBlobs).RegisterRoutes(e.Group(blobMountPath))
	}

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New()
		if st.pool != nil {
			metrics.RegisterPool(st.pool)
		}
	}

	blobs, memBlobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	if memBlobs != nil {
		logger.Warn().Msg("object storage not configured; photos are kept in memory")
	}

	notifier, err := newNotifier(cfg, logger, metrics)
	if err != nil {
		return err
	}

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	var gateway *bot.TelegramGateway
	if cfg.TelegramBotToken != "" {
		gateway, err = bot.NewTelegramGateway(cfg.TelegramBotToken, logger)
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
	} else {
		logger.Warn().Msg("TELEGRAM_BOT_TOKEN not set; telegram messaging disabled")
	}

	deps := appDeps{
		stores:    st,
		blobs:     blobs,
		memBlobs:  memBlobs,
		notifier:  notifier,
		publisher: publisher,
		metrics:   metrics,
	}
	if gateway != nil {
		deps.gateway = gateway
	}
	a := newApp(cfg, deps, logger)
	e := newServer(cfg, a, logger)

	if gateway != nil {
		switch cfg.TelegramMode {
		case config.TelegramPolling:
			go func() {
				if err := gateway.Poll(ctx, pollTimeoutSec, a.messaging.HandleIncoming); err != nil && ctx.Err() == nil {
					logger.Error().Err(err).Msg("telegram polling stopped")
				}
			}()
			logger.Info().Msg("telegram long polling started")
		default:
			if cfg.TelegramWebhookURL != "" {
				if err := gateway.RegisterWebhook(cfg.TelegramWebhookURL, cfg.TelegramWebhookSecret); err != nil {
					logger.Error().Err(err).Msg("failed to register telegram webhook")
				} else {
					logger.Info().Str("url", cfg.TelegramWebhookURL).Msg("telegram webhook registered")
				}
			}
		}
	}

	addr := ":" + cfg.Port
	go func() {
		var err error
		if cfg.TLSEnabled {
			logger.Info().Str("addr", addr).Str("store", st.name).Msg("starting MedFlow server with TLS")
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			logger.Info().Str("addr", addr).Str("store", st.name).Msg("starting MedFlow server")
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return e.Shutdown(shutdownCtx)
}
