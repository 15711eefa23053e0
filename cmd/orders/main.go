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
	"go.uber.org/zap"

	"github.com/bikeshop/order-service/internal/clients"
	"github.com/bikeshop/order-service/internal/events"
	"github.com/bikeshop/order-service/internal/handlers"
	"github.com/bikeshop/order-service/internal/payments"
	"github.com/bikeshop/order-service/internal/platform/auth"
	"github.com/bikeshop/order-service/internal/platform/config"
	pfirestore "github.com/bikeshop/order-service/internal/platform/firestore"
	"github.com/bikeshop/order-service/internal/platform/idempotency"
	"github.com/bikeshop/order-service/internal/platform/observability"
	"github.com/bikeshop/order-service/internal/platform/secrets"
	"github.com/bikeshop/order-service/internal/repositories"
	"github.com/bikeshop/order-service/internal/repositories/cache"
	firestoreRepo "github.com/bikeshop/order-service/internal/repositories/firestore"
	"github.com/bikeshop/order-service/internal/repositories/memory"
	"github.com/bikeshop/order-service/internal/repositories/postgres"
	"github.com/bikeshop/order-service/internal/services"
)

// closer is released in reverse registration order on shutdown.
type closer struct {
	name string
	fn   func() error
}

type closers []closer

func (c *closers) add(name string, fn func() error) {
	*c = append(*c, closer{name: name, fn: fn})
}

func (c closers) closeAll(logger *zap.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].fn(); err != nil {
			logger.Warn("close failed", zap.String("component", c[i].name), zap.Error(err))
		}
	}
}

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

	var cleanup closers
	defer cleanup.closeAll(logger)

	resolver := newLazySecretResolver(logger)
	cleanup.add("secrets", resolver.Close)

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	var redisClient redis.UniversalClient
	if cfg.HasRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup.add("redis", redisClient.Close)
	}

	store, err := buildOrderStore(ctx, cfg, logger, &cleanup)
	if err != nil {
		logger.Fatal("failed to initialise order store", zap.Error(err))
	}
	readinessProbe, _ := store.(repositories.HealthChecker)
	if redisClient != nil {
		cached, err := cache.NewOrderRepository(store, redisClient, cfg.Redis.CacheTTL, logger.Named("cache"))
		if err != nil {
			logger.Fatal("failed to initialise order cache", zap.Error(err))
		}
		store = cached
	}

	cartClient, err := clients.NewCartClient(clients.Options{
		BaseURL:      cfg.Services.Cart.URL,
		ServiceToken: cfg.Auth.ServiceAuthToken,
		Timeout:      cfg.Services.Cart.Timeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise cart client", zap.Error(err))
	}
	productClient, err := clients.NewProductClient(clients.Options{
		BaseURL:      cfg.Services.Product.URL,
		ServiceToken: cfg.Auth.ServiceAuthToken,
		Timeout:      cfg.Services.Product.Timeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise product client", zap.Error(err))
	}
	gateway, err := buildPaymentGateway(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}

	publisher, err := buildEventPublisher(ctx, cfg, redisClient, logger, &cleanup)
	if err != nil {
		logger.Fatal("failed to initialise event publishers", zap.Error(err))
	}

	deps := services.OrderServiceDeps{
		Orders:          store,
		Carts:           cartClient,
		Products:        productClient,
		Payments:        gateway,
		Events:          publisher,
		DefaultCurrency: cfg.Payments.DefaultCurrency,
		Logger:          observability.ServiceLogger(logger.Named("saga")),
	}
	if metrics != nil {
		deps.Metrics = metrics
	}
	orderService, err := services.NewOrderService(deps)
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		logger.Fatal("failed to initialise authenticator", zap.Error(err))
	}

	var idempotencyStore idempotency.Store = idempotency.NewMemoryStore()
	var limiter handlers.RateLimiter
	if redisClient != nil {
		redisStore, err := idempotency.NewRedisStore(redisClient)
		if err != nil {
			logger.Fatal("failed to initialise idempotency store", zap.Error(err))
		}
		idempotencyStore = redisStore
		limiter = handlers.NewRedisRateLimiter(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	} else {
		limiter = handlers.NewMemoryRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, nil)
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	healthOpts := []handlers.HealthOption{handlers.WithHealthStartedAt(startedAt)}
	if readinessProbe != nil {
		healthOpts = append(healthOpts, handlers.WithReadinessCheck("store", readinessProbe.Ping))
	}
	if redisClient != nil {
		healthOpts = append(healthOpts, handlers.WithReadinessCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	orderHandlers := handlers.NewOrderHandlers(orderService, handlers.WithIdempotency(idempotencyMiddleware))
	routerOpts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(cfg.Observability.TraceProjectID),
			observability.RequestLoggerMiddleware(metrics),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithAPIMiddlewares(handlers.RateLimitMiddleware(limiter, cfg.RateLimit.Requests)),
		handlers.WithAuthentication(authenticator.RequireAuth),
		handlers.WithOrderRoutes(orderHandlers.Routes),
	}
	if metrics != nil {
		routerOpts = append(routerOpts, handlers.WithMetricsHandler(metrics.Handler()))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(routerOpts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	serverErr := make(chan error, 1)
	go func() {
		serverLogger.Info("order service listening",
			zap.String("store", cfg.Store.Kind),
			zap.Strings("event_sinks", cfg.Events.Sinks),
			zap.String("payment_provider", cfg.Payments.Provider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-shutdown:
		logger.Info("shutdown signal received; draining requests")
	case err := <-serverErr:
		logger.Error("http server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildOrderStore(ctx context.Context, cfg config.Config, logger *zap.Logger, cleanup *closers) (repositories.OrderRepository, error) {
	switch cfg.Store.Kind {
	case config.StorePostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		repo, err := postgres.Connect(connectCtx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
		if err != nil {
			return nil, err
		}
		cleanup.add("postgres", func() error {
			repo.Close()
			return nil
		})
		return repo, nil
	case config.StoreFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		if _, err := provider.Client(ctx); err != nil {
			return nil, err
		}
		cleanup.add("firestore", provider.Close)
		return firestoreRepo.NewOrderRepository(provider)
	case config.StoreMemory:
		logger.Warn("using in-memory order store; orders are lost on restart")
		return memory.NewOrderRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported order store %q", cfg.Store.Kind)
	}
}

func buildPaymentGateway(cfg config.Config, logger *zap.Logger) (services.PaymentGateway, error) {
	if cfg.Payments.Provider == config.PaymentProviderStripe {
		return payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:    cfg.Payments.StripeAPIKey,
			AccountID: cfg.Payments.StripeAccountID,
			Logger:    observability.ServiceLogger(logger.Named("stripe")),
		})
	}
	return clients.NewPaymentClient(clients.PaymentOptions{
		Options: clients.Options{
			BaseURL:      cfg.Services.Payment.URL,
			ServiceToken: cfg.Auth.ServiceAuthToken,
			Timeout:      cfg.Services.Payment.Timeout,
		},
		AllowedHosts: cfg.Services.PaymentAllowedHosts,
	})
}

func buildEventPublisher(ctx context.Context, cfg config.Config, redisClient redis.UniversalClient, logger *zap.Logger, cleanup *closers) (services.EventPublisher, error) {
	eventsLogger := logger.Named("events")
	var sinks []events.Sink
	for _, name := range cfg.Events.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, events.Sink{Name: name, Publisher: events.NewLogPublisher(eventsLogger)})
		case config.SinkPubSub:
			client, err := pubsub.NewClient(ctx, cfg.Events.PubSubProjectID)
			if err != nil {
				return nil, fmt.Errorf("pubsub client: %w", err)
			}
			cleanup.add("pubsub client", client.Close)
			publisher, err := events.NewPubSubPublisher(client.Topic(cfg.Events.PubSubTopic))
			if err != nil {
				return nil, err
			}
			cleanup.add("pubsub publisher", publisher.Close)
			sinks = append(sinks, events.Sink{Name: name, Publisher: publisher})
		case config.SinkKafka:
			publisher, err := events.DialKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, eventsLogger)
			if err != nil {
				return nil, err
			}
			cleanup.add("kafka publisher", publisher.Close)
			sinks = append(sinks, events.Sink{Name: name, Publisher: publisher})
		case config.SinkRedis:
			if redisClient == nil {
				return nil, errors.New("redis event sink requires REDIS_ADDR")
			}
			publisher, err := events.NewRedisPublisher(redisClient, cfg.Events.RedisChannel)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, events.Sink{Name: name, Publisher: publisher})
		}
	}
	return events.NewFanout(sinks...), nil
}

// lazySecretResolver dials Secret Manager only when configuration contains a secret reference.
type lazySecretResolver struct {
	logger *zap.Logger

	once    sync.Once
	fetcher *secrets.Fetcher
	err     error
}

func newLazySecretResolver(logger *zap.Logger) *lazySecretResolver {
	return &lazySecretResolver{logger: logger.Named("secrets")}
}

func (r *lazySecretResolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	r.once.Do(func() {
		project := strings.TrimSpace(os.Getenv("SECRET_PROJECT_ID"))
		if project == "" {
			project = strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_PROJECT"))
		}
		r.fetcher, r.err = secrets.NewFetcher(ctx, secrets.WithLogger(r.logger), secrets.WithDefaultProject(project))
	})
	if r.err != nil {
		return "", r.err
	}
	return r.fetcher.ResolveSecret(ctx, ref)
}

func (r *lazySecretResolver) Close() error {
	if r.fetcher == nil {
		return nil
	}
	return r.fetcher.Close()
}
