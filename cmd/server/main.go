package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/meterline/backend/internal/config"
	"github.com/meterline/backend/internal/database"
	"github.com/meterline/backend/internal/handlers"
	mW "github.com/meterline/backend/internal/middleware"
	"github.com/meterline/backend/internal/services"
	"github.com/meterline/backend/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	viper.BindEnv("catalog.path", "TIER_CATALOG_PATH")
	viper.BindEnv("port", "PORT")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	engineCfg := config.LoadEngineConfig()
	policy := config.LoadPolicyConfig()
	if err := policy.Validate(); err != nil {
		log.Fatalf("Invalid policy config: %v", err)
	}

	catalog, err := config.LoadCatalog(viper.GetString("catalog.path"))
	if err != nil {
		log.Fatalf("Failed to load tier catalog: %v", err)
	}

	// Initialize storage
	db := database.InitDatabase()
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}

	var guardStore services.GuardStore
	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
		guardStore = services.NewRedisGuardStore(redisClient)
	} else {
		guardStore = services.NewPostgresGuardStore(db)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)
	audit := telemetry.NewAuditLogger(metrics)

	// Initialize services
	ledgerService := services.NewLedgerService(db, audit, engineCfg)
	subscriptionTracker := services.NewSubscriptionTracker(audit, engineCfg)
	creditPackService := services.NewCreditPackService(db, ledgerService, audit)
	dailyGuard := services.NewDailyGuard(guardStore, audit, engineCfg)
	reservationService := services.NewReservationService(db, dailyGuard, subscriptionTracker, ledgerService, creditPackService, audit, engineCfg)
	eventService := services.NewEventService(db, subscriptionTracker, ledgerService, creditPackService, catalog, audit, engineCfg)
	accountService := services.NewAccountService(db, subscriptionTracker, ledgerService, catalog, audit, engineCfg)

	var pruner services.GuardPruner
	if pg, ok := guardStore.(*services.PostgresGuardStore); ok {
		pruner = pg
	}
	sweepService := services.NewSweepService(db, subscriptionTracker, ledgerService, eventService, pruner, engineCfg)
	scheduler := services.NewSweepScheduler(sweepService, engineCfg)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("Failed to start sweep scheduler: %v", err)
	}
	defer scheduler.Stop()

	billingHandler := handlers.NewBillingHandler(reservationService, accountService, policy)
	webhookHandler := handlers.NewWebhookHandler(eventService)

	webhookSecret := []byte(viper.GetString("webhook.secret"))
	if len(webhookSecret) == 0 {
		log.Println("WEBHOOK_SECRET not set, payment webhooks will be rejected")
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			status, code = "database unavailable", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/openapi.yaml"),
	))

	// Serve OpenAPI document
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yaml")
	})

	r.With(mW.WebhookSignature(webhookSecret)).Post("/webhooks/payments", webhookHandler.PaymentEvent)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.AuthMiddleware)

		r.Post("/accounts", billingHandler.InitializeAccount)
		r.Post("/reservations", billingHandler.Reserve)
		r.Get("/status", billingHandler.Status)
	})

	port := viper.GetString("port")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
