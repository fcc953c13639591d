package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/certano/backend/internal/auth"
	"github.com/certano/backend/internal/billing"
	"github.com/certano/backend/internal/config"
	"github.com/certano/backend/internal/database"
	"github.com/certano/backend/internal/gamification"
	"github.com/certano/backend/internal/localstate"
	"github.com/certano/backend/internal/logging"
	"github.com/certano/backend/internal/middleware"
	"github.com/certano/backend/internal/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize databases
	db, err := database.Connect(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := database.Migrate(db)
	if err != nil {
		return err
	}
	logger.Info("Migrations applied", "version", version)

	state, err := localstate.Open(cfg.LocalState.Path)
	if err != nil {
		return err
	}
	defer state.Close()

	// Remote sync
	sync := outbox.New(logger, cfg.Sync.JobTimeout)
	if err := sync.Start(cfg.Sync.Interval); err != nil {
		return err
	}

	// Initialize handlers
	gameService := gamification.NewService(state, gamification.NewStore(db), sync, logger, gamification.EngineOptions{
		Location:   cfg.Location(),
		WeeklyGoal: cfg.Gamification.WeeklyGoal,
	})
	gameHandler := gamification.NewHandler(gameService, logger)

	billingService := billing.NewService(billing.NewStore(db), billing.NewStripeProvider(cfg.Stripe.SecretKey), logger, billing.Options{
		WebhookSecret: cfg.Stripe.WebhookSecret,
		SuccessURL:    cfg.Stripe.SuccessURL,
		CancelURL:     cfg.Stripe.CancelURL,
	})
	billingHandler := billing.NewHandler(billingService, logger)

	secret := []byte(cfg.Auth.JWTSecret)
	authHandler := auth.NewHandler(db, secret, cfg.Auth.TokenTTL, logger)

	// Setup router
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(logger))

	public := r.PathPrefix("/api/v1").Subrouter()
	protected := r.PathPrefix("/api/v1").Subrouter()
	protected.Use(middleware.JWTAuth(secret, logger))

	authHandler.RegisterRoutes(public, protected)
	billingHandler.RegisterRoutes(public, protected)
	gameHandler.RegisterRoutes(protected)

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "sync": sync.Stats()})
	}).Methods("GET")

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newCORS(cfg.Server.AllowedOrigins).Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown", "error", err)
	}
	if err := sync.Stop(shutdownCtx); err != nil {
		logger.Error("Outbox shutdown", "error", err)
	}
	return nil
}

// newCORS allows the configured origins. Auth travels in the Authorization
// header, so credentialed (cookie) requests are not enabled.
func newCORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Stripe-Signature"},
		AllowCredentials: false,
	})
}
