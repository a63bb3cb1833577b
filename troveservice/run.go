// Package troveservice boots the marketplace HTTP service: configuration,
// store, chat pipeline, health monitoring, and graceful shutdown.
package troveservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/opentrove/trove/internal/api"
	"github.com/opentrove/trove/internal/api/recovery"
	"github.com/opentrove/trove/internal/config"
	"github.com/opentrove/trove/internal/conversation"
	"github.com/opentrove/trove/internal/executor"
	"github.com/opentrove/trove/internal/factory"
	"github.com/opentrove/trove/internal/health"
	"github.com/opentrove/trove/internal/images"
	"github.com/opentrove/trove/internal/intent"
	"github.com/opentrove/trove/internal/llm"
	"github.com/opentrove/trove/internal/logger"
	"github.com/opentrove/trove/internal/services"
	"github.com/opentrove/trove/internal/store"
)

// Run starts the trove service HTTP server and blocks until shutdown or error.
func Run(cfg *config.Config) error {
	log := logger.New("trove-service")

	log.Info().
		Str("build_target", cfg.BuildTarget).
		Str("db_driver", cfg.DBDriver).
		Int("http_port", cfg.HTTPPort).
		Str("llm_url", cfg.LLMURL).
		Str("llm_model", cfg.LLMModel).
		Msg("Trove service starting")

	ctx, stop := newServerContext()
	defer stop()

	st, llmClient, gen, objs, err := initDependencies(ctx, cfg, log)
	if err != nil {
		return err
	}

	router := buildRouter(cfg, log, st, llmClient, gen, objs)

	svcHealth := startHealthCheckers(ctx, cfg, log, st, llmClient)
	if err := waitUntilHealthy(ctx, cfg, svcHealth); err != nil {
		log.Error().Stack().Err(err).Msg("startup health check failed")
		return err
	}

	server := newHTTPServer(ctx, cfg, router)
	errCh := serveHTTP(server, log, cfg)

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctxShutdown); err != nil {
			log.Error().Stack().Err(err).Msg("Server forced to shutdown")
			return err
		}
		log.Info().Msg("Server exited")
		return nil
	case err := <-errCh:
		log.Error().Stack().Err(err).Msg("HTTP server failed")
		return err
	}
}

// initDependencies constructs the store and external collaborators. The
// image pipeline is optional; everything else is fail-fast.
func initDependencies(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, *llm.OllamaClient, images.Generator, images.ObjectStore, error) {
	st, err := factory.NewStore(ctx, cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("Store adapter unavailable")
		return nil, nil, nil, nil, err
	}

	llmClient := llm.NewOllamaClient(cfg.LLMURL, cfg.LLMModel)

	var gen images.Generator
	var objs images.ObjectStore
	if cfg.ImageAPIURL != "" {
		gen = images.NewHTTPGenerator(cfg.ImageAPIURL)
		media, err := images.NewMediaStore(cfg.MediaDir, cfg.MediaBaseURL)
		if err != nil {
			log.Error().Stack().Err(err).Msg("Media store unavailable")
			return nil, nil, nil, nil, err
		}
		objs = media
	} else {
		log.Info().Msg("Image generation disabled: TROVE_IMAGE_API_URL not set")
	}
	return st, llmClient, gen, objs, nil
}

// buildRouter wires HTTP routes to handlers.
func buildRouter(cfg *config.Config, log zerolog.Logger, st store.Store, llmClient llm.Client, gen images.Generator, objs images.ObjectStore) *mux.Router {
	root := mux.NewRouter()
	root.Use(recovery.Middleware)

	// Chat pipeline
	analyzer := intent.New(llmClient, log)
	exec := executor.New(st, gen, objs, log)
	machine := conversation.New(st, analyzer, exec, log)

	// Users
	userSvc := services.NewUserService(st, cfg.SignupBalance)
	userHandler := api.NewUserHandler(userSvc)
	root.HandleFunc("/api/users", userHandler.CreateUser).Methods("POST")
	root.HandleFunc("/api/users/{userId}", userHandler.GetUser).Methods("GET")

	// Conversations
	chatSvc := services.NewChatService(st, machine)
	chatHandler := api.NewChatHandler(chatSvc)
	root.HandleFunc("/api/users/{userId}/conversations", chatHandler.OpenConversation).Methods("POST")
	root.HandleFunc("/api/conversations/{conversationId}/messages", chatHandler.PostMessage).Methods("POST")
	root.HandleFunc("/api/conversations/{conversationId}/messages", chatHandler.ListMessages).Methods("GET")

	// Listings
	listingSvc := services.NewListingService(st)
	listingHandler := api.NewListingHandler(listingSvc)
	root.HandleFunc("/api/listings", listingHandler.ListListings).Methods("GET")
	root.HandleFunc("/api/listings/{listingId}", listingHandler.GetListing).Methods("GET")
	root.HandleFunc("/api/users/{userId}/listings", listingHandler.ListUserListings).Methods("GET")

	// Notifications
	notifSvc := services.NewNotificationService(st)
	notifHandler := api.NewNotificationHandler(notifSvc)
	root.HandleFunc("/api/users/{userId}/notifications", notifHandler.ListNotifications).Methods("GET")
	root.HandleFunc("/api/users/{userId}/notifications/read", notifHandler.MarkAllRead).Methods("POST")

	// Generated media (local object store)
	if cfg.ImageAPIURL != "" {
		prefix := cfg.MediaBaseURL + "/"
		root.PathPrefix(prefix).Handler(
			http.StripPrefix(prefix, http.FileServer(http.Dir(cfg.MediaDir))))
	}

	// Health
	healthHandler := api.NewHealthHandler()
	root.HandleFunc("/api/health", healthHandler.CheckHealth).Methods("GET")

	return root
}

// startHealthCheckers starts component checkers and the service aggregator.
func startHealthCheckers(ctx context.Context, cfg *config.Config, log zerolog.Logger, st store.Store, llmClient *llm.OllamaClient) *health.ServiceHealthChecker {
	probeTimeout := time.Duration(cfg.HealthProbeTimeoutSeconds) * time.Second
	interval := time.Duration(cfg.HealthIntervalSeconds) * time.Second

	var checkers []health.HealthChecker

	storeChecker := store.NewStoreHealthChecker(st, log, probeTimeout)
	go storeChecker.Start(ctx, interval)
	checkers = append(checkers, storeChecker)

	llmChecker := health.NewPingHealthChecker("llm", llmClient, log, probeTimeout)
	go llmChecker.Start(ctx, interval)
	checkers = append(checkers, llmChecker)

	svcHealth := health.NewServiceHealthChecker(log, checkers...)
	go svcHealth.Start(ctx, interval)
	api.BindServiceHealth(svcHealth.IsHealthy)
	return svcHealth
}

func newHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func serveHTTP(server *http.Server, log zerolog.Logger, cfg *config.Config) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// calculateStartupHealthTimeout returns interval*2 with a 60 second floor,
// giving checkers time to finish their first probe cycle.
func calculateStartupHealthTimeout(healthIntervalSeconds int) int {
	timeout := healthIntervalSeconds * 2
	if timeout < 60 {
		return 60
	}
	return timeout
}

// waitUntilHealthy blocks until service health is healthy or the startup window expires.
func waitUntilHealthy(ctx context.Context, cfg *config.Config, svcHealth *health.ServiceHealthChecker) error {
	timeoutSeconds := calculateStartupHealthTimeout(cfg.HealthIntervalSeconds)
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if svcHealth.IsHealthy() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("startup aborted: dependencies not healthy within %d seconds", timeoutSeconds)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// newServerContext returns a cancellable context bound to SIGINT/SIGTERM.
func newServerContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
