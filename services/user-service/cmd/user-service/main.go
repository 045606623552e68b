package main

import (
	"context"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/usernotify/libs/breaker"
	"github.com/md-rashed-zaman/usernotify/libs/config"
	"github.com/md-rashed-zaman/usernotify/libs/db"
	"github.com/md-rashed-zaman/usernotify/libs/httpx"
	"github.com/md-rashed-zaman/usernotify/libs/kafkax"
	otelx "github.com/md-rashed-zaman/usernotify/libs/otel"
	"github.com/md-rashed-zaman/usernotify/libs/runtime"
	"github.com/md-rashed-zaman/usernotify/libs/userevent"
	"github.com/md-rashed-zaman/usernotify/services/user-service/internal/handlers"
	"github.com/md-rashed-zaman/usernotify/services/user-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "user-service")
	port, err := config.Port("PORT", "8080")
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

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	brokers := config.String("KAFKA_BROKERS", "localhost:9092")
	writer := kafkax.NewWriter(brokers)
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close failed", "err", err)
		}
	}()
	publisher := userevent.NewPublisher(writer, logger, userevent.PublisherConfig{
		Topic: config.String("KAFKA_TOPIC", userevent.DefaultTopic),
	})

	mux := runtime.NewBaseMux(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	publishBreaker := breaker.New(breaker.Settings{
		Name: "user-events",
		OnStateChange: func(name string, from, to breaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	handlers.NewUsersHandler(storage.NewUserRepository(pool), publisher, publishBreaker, logger).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(15*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "users")
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
}
