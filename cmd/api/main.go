package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/finitefield/order-engine/internal/handlers"
	"github.com/finitefield/order-engine/internal/platform/auth"
	"github.com/finitefield/order-engine/internal/platform/config"
	"github.com/finitefield/order-engine/internal/platform/database"
	pfirestore "github.com/finitefield/order-engine/internal/platform/firestore"
	"github.com/finitefield/order-engine/internal/platform/idempotency"
	"github.com/finitefield/order-engine/internal/platform/jobs"
	"github.com/finitefield/order-engine/internal/platform/observability"
	"github.com/finitefield/order-engine/internal/platform/secrets"
	"github.com/finitefield/order-engine/internal/repositories"
	firestoreRepo "github.com/finitefield/order-engine/internal/repositories/firestore"
	"github.com/finitefield/order-engine/internal/repositories/sqlstore"
	"github.com/finitefield/order-engine/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("orders")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(cfg, startedAt)
	metrics := observability.NewMetrics()

	dbProvider, err := database.NewProvider(cfg.Database)
	if err != nil {
		logger.Fatal("failed to initialise database provider", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		if err := sqlstore.Migrate(ctx, dbProvider); err != nil {
			logger.Fatal("failed to apply database migrations", zap.Error(err))
		}
	}
	store, err := sqlstore.New(dbProvider)
	if err != nil {
		logger.Fatal("failed to initialise sql store", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	var (
		auditSink services.AuditSink
		auditRepo *firestoreRepo.AuditLogRepository
	)
	firestoreProvider := newFirestoreProvider(cfg)
	if firestoreProvider != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := firestoreProvider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		auditRepo, err = firestoreRepo.NewAuditLogRepository(firestoreProvider, cfg.Firestore.AuditCollection)
		if err != nil {
			logger.Fatal("failed to initialise audit log repository", zap.Error(err))
		}
		auditSink, err = services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      time.Now,
			Logger:     observability.ServiceLogger(logger.Named("audit")),
		})
		if err != nil {
			logger.Fatal("failed to initialise audit log service", zap.Error(err))
		}
	} else {
		logger.Warn("firestore project not configured; audit log disabled")
	}

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	publisher, closePublisher, err := newEventPublisher(ctx, cfg, logger.Named("events"))
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}
	defer closePublisher()

	inventoryService, err := services.NewInventoryService(services.InventoryServiceDeps{
		Products: store.Products(),
		Metrics:  metrics,
		Logger:   observability.ServiceLogger(logger.Named("inventory")),
	})
	if err != nil {
		logger.Fatal("failed to initialise inventory service", zap.Error(err))
	}

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Repository: store.Carts(),
		Products:   store.Products(),
		UnitOfWork: store,
		Clock:      time.Now,
		Logger:     observability.ServiceLogger(logger.Named("cart")),
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     store.Orders(),
		History:    store.OrderHistory(),
		Products:   store.Products(),
		Carts:      store.Carts(),
		Counters:   store.Counters(),
		Outbox:     store.Outbox(),
		Inventory:  inventoryService,
		Users:      firebaseVerifier,
		Audit:      auditSink,
		UnitOfWork: store,
		Metrics:    metrics,
		Currency:   cfg.Orders.DefaultCurrency,
		Clock:      time.Now,
		Logger:     observability.ServiceLogger(logger.Named("order")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	sweeper, err := services.NewOrderExpirationSweeper(services.OrderExpirationSweeperDeps{
		Orders:    store.Orders(),
		Lifecycle: orderService,
		BatchSize: cfg.Orders.SweepBatchSize,
		Clock:     time.Now,
		Tracer:    otel.Tracer("github.com/finitefield/order-engine/cmd/api"),
		Metrics:   metrics,
		Logger:    observability.ServiceLogger(logger.Named("sweeper")),
	})
	if err != nil {
		logger.Fatal("failed to initialise expiration sweeper", zap.Error(err))
	}

	relay, err := services.NewOutboxRelay(services.OutboxRelayDeps{
		Outbox:      store.Outbox(),
		Publisher:   publisher,
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Clock:       time.Now,
		Metrics:     metrics,
		Logger:      observability.ServiceLogger(logger.Named("outbox")),
	})
	if err != nil {
		logger.Fatal("failed to initialise outbox relay", zap.Error(err))
	}

	idempotencyStore := newIdempotencyStore(cfg, redisClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	systemService, err := newSystemService(dependencyChecks(dbProvider, auditRepo, redisClient, fetcher, cfg), buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerCtx = observability.WithLogger(workerCtx, logger)
	var workers sync.WaitGroup

	if cfg.Orders.SweepEnabled {
		workers.Add(1)
		go func() {
			defer workers.Done()
			sweepLogger := logger.Named("sweeper")
			sweepLogger.Info("expiration sweeper started",
				zap.Duration("interval", cfg.Orders.SweepInterval),
				zap.Duration("cutoff", cfg.Orders.ExpirationCutoff))
			if err := sweeper.Run(workerCtx, cfg.Orders.SweepInterval, cfg.Orders.ExpirationCutoff); err != nil && !errors.Is(err, context.Canceled) {
				sweepLogger.Error("expiration sweeper stopped", zap.Error(err))
			}
		}()
	}

	workers.Add(1)
	go func() {
		defer workers.Done()
		relayLogger := logger.Named("outbox")
		relayLogger.Info("outbox relay started", zap.String("backend", cfg.Events.Backend), zap.Duration("interval", cfg.Outbox.Interval))
		if err := relay.Run(workerCtx, cfg.Outbox.Interval); err != nil && !errors.Is(err, context.Canceled) {
			relayLogger.Error("outbox relay stopped", zap.Error(err))
		}
	}()

	workers.Add(1)
	go func() {
		defer workers.Done()
		runIdempotencyCleanup(workerCtx, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
	}()

	cartHandlers := handlers.NewCartHandlers(authenticator, cartService)
	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService,
		handlers.WithCheckoutMiddlewares(idempotencyMiddleware),
		handlers.WithCheckoutRateLimit(cfg.Orders.CheckoutLimit, cfg.Orders.CheckoutWindow, nil),
	)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, orderService, sweeper,
		handlers.WithSweepCutoff(cfg.Orders.ExpirationCutoff),
	)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
		metrics.HTTPMiddleware,
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMetricsHandler(metrics.Handler()),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("order engine api listening", zap.String("version", buildInfo.Version), zap.String("environment", buildInfo.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	workerCancel()
	workers.Wait()
}

func buildInfoFromEnv(cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(os.Getenv("ORDERS_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		Environment: environment,
		StartedAt:   started,
	}
}

// newSecretFetcher runs before config.Load so it reads its own settings straight from the environment.
func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	project := strings.TrimSpace(os.Getenv("ORDERS_SECRETS_PROJECT_ID"))
	if project == "" {
		project = strings.TrimSpace(os.Getenv("ORDERS_FIREBASE_PROJECT_ID"))
	}
	fallbackPath := strings.TrimSpace(os.Getenv("ORDERS_SECRETS_FALLBACK_FILE"))
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := strings.TrimSpace(os.Getenv("ORDERS_FIREBASE_CREDENTIALS_FILE")); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func newFirestoreProvider(cfg config.Config) *pfirestore.Provider {
	if strings.TrimSpace(cfg.Firestore.ProjectID) == "" {
		return nil
	}
	var opts []pfirestore.ProviderOption
	if credentialsFile := strings.TrimSpace(cfg.Firebase.CredentialsFile); credentialsFile != "" && cfg.Firestore.EmulatorHost == "" {
		opts = append(opts, pfirestore.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return pfirestore.NewProvider(cfg.Firestore, opts...)
}

func newIdempotencyStore(cfg config.Config, client *redis.Client) idempotency.Store {
	if cfg.Idempotency.Backend == "redis" && client != nil {
		return idempotency.NewRedisStore(client)
	}
	return idempotency.NewMemoryStore()
}

// newEventPublisher selects the outbox transport. The returned func releases its connections.
func newEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.EventPublisher, func(), error) {
	switch cfg.Events.Backend {
	case config.EventsBackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Firebase.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Events.PubSubTopic)
		publisher, err := jobs.NewPubSubEventPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return publisher, func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}, nil
	case config.EventsBackendRabbitMQ:
		publisher, err := jobs.NewRabbitMQEventPublisher(cfg.Events.RabbitMQURL, cfg.Events.RabbitMQExchange)
		if err != nil {
			return nil, nil, err
		}
		return publisher, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("rabbitmq close error", zap.Error(err))
			}
		}, nil
	default:
		return jobs.NewLogEventPublisher(logger), func() {}, nil
	}
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func dependencyChecks(db *database.Provider, audit *firestoreRepo.AuditLogRepository, rdb *redis.Client, fetcher *secrets.Fetcher, cfg config.Config) []repositories.DependencyCheck {
	checks := make([]repositories.DependencyCheck, 0, 4)
	if db != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "database",
			Timeout: time.Second,
			Check:   db.Ping,
		})
	}
	if audit != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Timeout:  1500 * time.Millisecond,
			Optional: true,
			Check:    audit.Ping,
		})
	}
	if rdb != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Timeout:  500 * time.Millisecond,
			Optional: cfg.Idempotency.Backend != "redis",
			Check: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		})
	}
	if fetcher != nil && strings.TrimSpace(cfg.Secrets.ProjectID) != "" {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:     "secretManager",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	return checks
}

func newSystemService(checks []repositories.DependencyCheck, build services.BuildInfo) (services.SystemService, error) {
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
