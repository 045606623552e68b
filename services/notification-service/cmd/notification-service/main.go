package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/usernotify/libs/breaker"
	"github.com/md-rashed-zaman/usernotify/libs/config"
	"github.com/md-rashed-zaman/usernotify/libs/db"
	"github.com/md-rashed-zaman/usernotify/libs/httpx"
	"github.com/md-rashed-zaman/usernotify/libs/kafkax"
	otelx "github.com/md-rashed-zaman/usernotify/libs/otel"
	"github.com/md-rashed-zaman/usernotify/libs/runtime"
	"github.com/md-rashed-zaman/usernotify/libs/userevent"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/consumer"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/handlers"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/health"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/inbox"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/metrics"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/notify"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}
	recorder := metrics.New(otel.GetMeterProvider(), logger)

	brokers := config.String("KAFKA_BROKERS", "localhost:9092")
	readyChecks := []runtime.ReadyCheck{{Name: "kafka", Check: kafkax.ReadyCheck(brokers)}}

	// Postgres is optional: without it there is no inbox dedupe and no journal.
	var (
		inboxRepo consumer.Inbox
		journal   notify.Journal
	)
	if dbURL := config.String("DATABASE_URL", ""); dbURL != "" {
		pool, err := db.Open(ctx, dbURL)
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()
		inboxRepo = inbox.NewRepository(pool)
		journal = storage.NewDeliveryRepository(pool)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	} else {
		logger.Warn("DATABASE_URL not set; inbox dedupe and delivery journal disabled")
	}

	sender, err := newSender(logger)
	if err != nil {
		panic(err)
	}

	healthServer := health.NewServer(notify.BreakerName)
	breakerSettings, err := breakerSettingsFromEnv()
	if err != nil {
		panic(err)
	}
	trackHealth := health.Tracker(healthServer)
	breakerSettings.OnStateChange = func(name string, from, to breaker.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		recorder.BreakerTransition(context.Background(), name, from, to)
		trackHealth(name, from, to)
	}
	emailBreaker := breaker.New(breakerSettings)
	if err := metrics.ObserveBreaker(recorder, emailBreaker); err != nil {
		logger.Warn("breaker state gauge not registered", "err", err)
	}

	templates, err := notify.LoadTemplates()
	if err != nil {
		panic(err)
	}
	dispatcher := notify.NewDispatcher(sender, emailBreaker, templates, logger, recorder, journal)
	router := consumer.NewRouter(dispatcher, logger, recorder)

	reader := kafkax.NewGroupReader(kafkax.ReaderConfig{
		Brokers: brokers,
		GroupID: config.String("KAFKA_GROUP_ID", "notification-group"),
		Topic:   config.String("KAFKA_TOPIC", userevent.DefaultTopic),
	})
	eventConsumer := consumer.New(reader, logger, inboxRepo, router.HandleMessage, consumer.Config{})
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		eventConsumer.Run(ctx)
	}()

	if err := startGrpcServer(ctx, logger, healthServer); err != nil {
		logger.Error("grpc server failed to start", "err", err)
		panic(err)
	}

	rateLimit, closeLimiter, err := rateLimitFromEnv(logger)
	if err != nil {
		panic(err)
	}
	defer closeLimiter()

	mux := runtime.NewBaseMux(readyChecks...)
	handlers.NewNotificationHandler(dispatcher, logger).Register(mux, func(h http.Handler) http.Handler {
		return httpx.Chain(h, rateLimit, httpx.WithBodyLimit(1<<20))
	})
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithTimeout(30*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")

	select {
	case <-consumerDone:
		logger.Info("consumer stopped")
	case <-shutdownCtx.Done():
		logger.Warn("consumer did not drain before shutdown deadline")
	}
}

func breakerSettingsFromEnv() (breaker.Settings, error) {
	rate, err := config.Int("BREAKER_FAILURE_RATE", 50)
	if err != nil {
		return breaker.Settings{}, err
	}
	minCalls, err := config.Int("BREAKER_MIN_CALLS", 5)
	if err != nil {
		return breaker.Settings{}, err
	}
	window, err := config.Int("BREAKER_WINDOW", 10)
	if err != nil {
		return breaker.Settings{}, err
	}
	openTimeout, err := config.Duration("BREAKER_OPEN_TIMEOUT", 30*time.Second)
	if err != nil {
		return breaker.Settings{}, err
	}
	halfOpen, err := config.Int("BREAKER_HALF_OPEN_CALLS", 1)
	if err != nil {
		return breaker.Settings{}, err
	}
	return breaker.Settings{
		Name:                 notify.BreakerName,
		FailureRateThreshold: rate,
		MinimumCalls:         minCalls,
		WindowSize:           window,
		OpenTimeout:          openTimeout,
		HalfOpenMaxCalls:     halfOpen,
	}, nil
}

func rateLimitFromEnv(logger *slog.Logger) (httpx.Middleware, func(), error) {
	limitPerMinute, err := config.Int("RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		return nil, nil, err
	}
	failOpen := config.Bool("RATE_LIMIT_FAIL_OPEN", true)

	addr := strings.TrimSpace(config.String("REDIS_ADDR", ""))
	if addr == "" {
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
		return httpx.RateLimit(httpx.NewMemoryLimiter(limitPerMinute, time.Minute), logger, failOpen), func() {}, nil
	}

	redisDB := 0
	if config.String("REDIS_DB", "0") != "0" {
		if redisDB, err = config.Int("REDIS_DB", 0); err != nil {
			return nil, nil, err
		}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       redisDB,
	})
	limiter := httpx.NewRedisLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "notify-rl"))
	logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	return httpx.RateLimit(limiter, logger, failOpen), func() { _ = rdb.Close() }, nil
}
