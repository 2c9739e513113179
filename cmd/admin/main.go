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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/followers-shop/internal/accounts"
	"github.com/joao-fontenele/followers-shop/internal/admin"
	"github.com/joao-fontenele/followers-shop/internal/catalog"
	"github.com/joao-fontenele/followers-shop/internal/checkout"
	"github.com/joao-fontenele/followers-shop/internal/config"
	"github.com/joao-fontenele/followers-shop/internal/domain"
	"github.com/joao-fontenele/followers-shop/internal/messaging"
	"github.com/joao-fontenele/followers-shop/internal/orders"
	"github.com/joao-fontenele/followers-shop/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load("8082")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Require("POSTGRES_URL", "JWT_SECRET"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	metricsHandler, shutdownTelemetry, err := telemetry.Setup(ctx, "admin", cfg.ServiceVersion, cfg.OTLPEndpoint)
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

	products := catalog.NewProductRepository(db)
	ledger := orders.NewOrderRepository(db)

	// Admins never create payment preferences, so no gateway is wired.
	checkoutService, err := checkout.NewService(products, ledger, nil, publisher, cfg.PublicBaseURL, logger)
	if err != nil {
		logger.Error("failed to create checkout service", "error", err)
		os.Exit(1)
	}

	tokens := accounts.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)
	handler := admin.NewHandler(checkoutService, ledger, products, accounts.NewUserRepository(db), logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer, telemetry.WithHTTPRoute)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Method(http.MethodGet, "/metrics", metricsHandler)

	router.Group(func(r chi.Router) {
		r.Use(accounts.Authenticate(tokens), accounts.RequireAdmin)

		r.Get("/orders", handler.HandleListOrders)
		r.Put("/orders/{id}/status", handler.HandleUpdateStatus)
		r.Get("/stats", handler.HandleStats)
		r.Put("/products/{id}/active", handler.HandleSetProductActive)
	})

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(router, "admin",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting admin service", "port", cfg.Port)
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
