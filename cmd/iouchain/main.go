// ==============================================================================
// IOU ENGINE SERVICE MAIN - cmd/iouchain/main.go
// ==============================================================================
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"iouchain/internal/chain"
	"iouchain/internal/chain/sim"
	"iouchain/internal/domain"
	"iouchain/internal/extractor"
	"iouchain/internal/handler"
	"iouchain/internal/iou"
	"iouchain/internal/middleware"
	"iouchain/internal/repository/postgres"
	"iouchain/internal/scheduler"
	"iouchain/pkg/cache"
	"iouchain/pkg/config"
	"iouchain/pkg/logger"
	"iouchain/pkg/validator"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New("iouchain")

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting IOU engine", map[string]interface{}{
		"port":     cfg.Server.Port,
		"contract": cfg.Ledger.ContractAddress,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The ledger runs in-process; see cmd/ledger-sim for a scripted walkthrough.
	contract := domain.NormalizeIdentity(cfg.Ledger.ContractAddress)
	ledger := sim.New(contract)

	ex := extractor.New(ledger, chain.DefaultCodec(), extractor.Config{
		Contract:       contract,
		EventKind:      cfg.Ledger.EventKind,
		MaxHops:        cfg.Ledger.MaxHops,
		BlockCacheSize: uint32(cfg.Engine.BlockCacheSize),
	}, log)

	// Redis connection
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		store, err := cache.NewRedisCache(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
		}
		defer store.Close()
		redisClient = store.Client()
		ex.WithEventCache(extractor.NewRedisEventCache(store, cfg.Engine.EventCacheTTL))
		log.Info("Redis connected", nil)
	}

	service := iou.NewService(ledger, ex, iou.Config{
		SubmitRetries: cfg.Engine.SubmitRetries,
		PollInterval:  cfg.Engine.PollInterval,
	}, log)

	// Database connection
	var db *sqlx.DB
	var events *postgres.EventRepository
	if cfg.Database.URL != "" {
		var err error
		db, err = sqlx.Connect("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
		}
		defer db.Close()

		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

		events = postgres.NewEventRepository(db)
		service.WithIndex(events)
		log.Info("Event index connected", nil)
	}

	if err := service.Bootstrap(ctx); err != nil {
		log.Fatal("Failed to build debt view", map[string]interface{}{"error": err.Error()})
	}
	log.Info("Debt view ready", map[string]interface{}{
		"tip":          service.Snapshot().Tip().String(),
		"events":       service.Snapshot().EventCount(),
		"participants": len(service.ListParticipants()),
	})

	go func() {
		if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Refresh loop stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	standing := scheduler.NewScheduler(service, time.Second, log)
	standing.Start(ctx)

	// Initialize handlers
	val := validator.New()
	iouHandler := handler.NewIOUHandler(service, val, log, cfg.Engine.AmountScale, cfg.Engine.RequestTimeout)
	if events != nil {
		iouHandler.WithHistory(events)
	}

	var revoker handler.TokenRevoker
	authMW := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	if redisClient != nil {
		blacklist := middleware.NewRedisTokenBlacklist(redisClient)
		authMW.WithBlacklist(blacklist)
		revoker = blacklist
	}
	standingHandler := handler.NewStandingHandler(standing, val, log, cfg.Engine.AmountScale)
	systemHandler := handler.NewSystemHandler(ledger, service, db, redisClient, revoker, log)

	// Setup router
	r := mux.NewRouter()

	r.Use(middleware.CORS)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log).Log)

	// Health check routes (no auth)
	r.HandleFunc("/health", systemHandler.Health).Methods("GET")
	r.HandleFunc("/ready", systemHandler.Ready).Methods("GET")
	r.HandleFunc("/ws", iouHandler.Stream)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/participants", iouHandler.ListParticipants).Methods("GET")
	api.HandleFunc("/participants/{address}", iouHandler.GetParticipant).Methods("GET")
	api.HandleFunc("/participants/{address}/events", iouHandler.GetHistory).Methods("GET")

	// Protected routes
	protected := api.NewRoute().Subrouter()
	protected.Use(authMW.Authenticate)

	// Writes that commit to the ledger or create orders honour Idempotency-Key.
	writes := protected.NewRoute().Subrouter()
	if redisClient != nil {
		protected.Use(middleware.NewRateLimiter(redisClient, 60, time.Minute).Limit)
		writes.Use(middleware.NewIdempotencyMiddleware(redisClient, 24*time.Hour, log).Require)
	}
	writes.HandleFunc("/ious", iouHandler.SubmitIOU).Methods("POST")
	writes.HandleFunc("/standing-ious", standingHandler.Create).Methods("POST")

	protected.HandleFunc("/ious/preview", iouHandler.PreviewIOU).Methods("POST")
	protected.HandleFunc("/auth/revoke", systemHandler.RevokeToken).Methods("POST")
	protected.HandleFunc("/standing-ious", standingHandler.List).Methods("GET")
	protected.HandleFunc("/standing-ious/{id}/pause", standingHandler.Pause).Methods("POST")
	protected.HandleFunc("/standing-ious/{id}/resume", standingHandler.Resume).Methods("POST")
	protected.HandleFunc("/standing-ious/{id}", standingHandler.Cancel).Methods("DELETE")

	// Start server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("IOU engine started", map[string]interface{}{
			"address": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down IOU engine...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("IOU engine forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	log.Info("IOU engine stopped gracefully", nil)
}
