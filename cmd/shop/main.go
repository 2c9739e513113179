package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/followers-shop/internal/accounts"
	"github.com/joao-fontenele/followers-shop/internal/catalog"
	"github.com/joao-fontenele/followers-shop/internal/checkout"
	"github.com/joao-fontenele/followers-shop/internal/config"
	"github.com/joao-fontenele/followers-shop/internal/domain"
	"github.com/joao-fontenele/followers-shop/internal/idempotency"
	"github.com/joao-fontenele/followers-shop/internal/messaging"
	"github.com/joao-fontenele/followers-shop/internal/orders"
	"github.com/joao-fontenele/followers-shop/internal/payments"
	"github.com/joao-fontenele/followers-shop/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load("8081")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Require("POSTGRES_URL", "JWT_SECRET", "MERCADOPAGO_ACCESS_TOKEN"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	metricsHandler, shutdownTelemetry, err := telemetry.Setup(ctx, "shop", cfg.ServiceVersion, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(ctx) }()

	db, err := telemetry.OpenDB(cfg.PostgresURL, cfg.DBSchema)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	var publisher checkout.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, domain.EventOrderStatusChanged)
		defer func() { _ = producer.Close() }()
		publisher = producer
	}

	var idem orders.IdempotencyStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := redisotel.InstrumentTracing(rdb); err != nil {
			logger.Warn("failed to instrument redis", "error", err)
		}
		idem = idempotency.NewStore(rdb, cfg.IdempotencyTTL)
	}

	tokens := accounts.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)
	accountService := accounts.NewService(accounts.NewUserRepository(db), tokens, logger)
	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		if err := accountService.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			logger.Error("failed to provision admin account", "error", err)
			os.Exit(1)
		}
	}

	paymentClient := payments.NewClient(cfg.MercadoPago, otelhttp.NewTransport(http.DefaultTransport), logger)

	checkoutService, err := checkout.NewService(
		catalog.NewProductRepository(db),
		orders.NewOrderRepository(db),
		paymentClient,
		publisher,
		cfg.PublicBaseURL,
		logger,
	)
	if err != nil {
		logger.Error("failed to create checkout service", "error", err)
		os.Exit(1)
	}

	accountHandler := accounts.NewHandler(accountService, tokens, logger)
	orderHandler := orders.NewHandler(checkoutService, idem, logger)
	paymentHandler := payments.NewHandler(checkoutService, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer, telemetry.WithHTTPRoute)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Method(http.MethodGet, "/metrics", metricsHandler)

	router.Post("/auth/register", accountHandler.HandleRegister)
	router.Post("/auth/login", accountHandler.HandleLogin)
	router.Post("/auth/logout", accountHandler.HandleLogout)
	router.Post("/payments/webhook", paymentHandler.HandleWebhook)

	router.Group(func(r chi.Router) {
		r.Use(accounts.Authenticate(tokens))

		r.Get("/auth/me", accountHandler.HandleMe)

		r.Post("/orders", orderHandler.HandleCreate)
		r.Get("/orders", orderHandler.HandleList)
		r.Get("/orders/{id}", orderHandler.HandleGet)

		r.Post("/payments/preference", paymentHandler.HandleCreatePreference)
		r.Get("/payments/status/{orderId}", paymentHandler.HandleStatus)
	})

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(router, "shop",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting shop service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
