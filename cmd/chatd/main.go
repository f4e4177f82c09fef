// Package main is the entry point for the group chat gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/studyhub/groupchat/internal/classify"
	"github.com/studyhub/groupchat/internal/config"
	"github.com/studyhub/groupchat/internal/handler"
	"github.com/studyhub/groupchat/internal/llm"
	"github.com/studyhub/groupchat/internal/middleware"
	"github.com/studyhub/groupchat/internal/model"
	natsclient "github.com/studyhub/groupchat/internal/nats"
	"github.com/studyhub/groupchat/internal/service"
	"github.com/studyhub/groupchat/pkg/logger"
	"github.com/studyhub/groupchat/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting chat gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "groupchat", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		Name:     "groupchat",
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	streamManager := natsclient.NewStreamManager(natsClient, cfg.StreamMaxAge)
	if err := streamManager.EnsureStream(ctx); err != nil {
		log.Fatal("failed to ensure stream", zap.Error(err))
	}
	if err := streamManager.EnsureBuckets(ctx); err != nil {
		log.Fatal("failed to ensure buckets", zap.Error(err))
	}

	chat := natsclient.NewBackend(natsClient, cfg.HistoryLimit)
	if cfg.SeedFile != "" {
		if err := seed(ctx, chat, cfg.SeedFile); err != nil {
			log.Fatal("failed to load seed file", zap.String("path", cfg.SeedFile), zap.Error(err))
		}
		log.Info("seed data loaded", zap.String("path", cfg.SeedFile))
	}

	classifier, err := newClassifier(cfg, log)
	if err != nil {
		log.Fatal("failed to create classifier", zap.Error(err))
	}

	sessions := service.NewSessionService(chat, chat, service.Options{
		Classifier: classifier,
		Rewards:    chat,
		OnClassified: func(msg model.ChatMessage, t model.MessageType) {
			log.Debug("message classified",
				zap.String("conversation_id", msg.ConversationID),
				zap.String("message_id", msg.ID),
				zap.String("type", string(t)),
			)
		},
		ClassifyConcurrency: int64(cfg.ClassifyConcurrency),
		ClassifyTimeout:     cfg.ClassifyTimeout,
		MentionLimit:        cfg.MentionLimit,
		IdleTTL:             cfg.SessionIdleTTL,
	}, log.Named("sessions"))
	defer sessions.Shutdown()
	go sessions.Run(ctx)

	healthHandler := handler.NewHealthHandler().
		WithCheck("jetstream", streamManager.Check)
	sessionHandler := handler.NewSessionHandler(sessions, handler.StreamOptions{
		Heartbeat: cfg.HeartbeatInterval,
	}, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/session", sessionHandler.Routes)
	})

	// Request contexts derive from baseCtx so open event streams end on
	// shutdown.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelRequests()
	sessions.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// newClassifier builds the classifier selected by CLASSIFIER. In chain
// mode the LLM is consulted only when markers say nothing and a key is
// configured.
func newClassifier(cfg *config.Config, log *logger.Logger) (classify.Classifier, error) {
	markers := classify.MarkerClassifier{}
	if cfg.ClassifierMode == config.ClassifierMarkers {
		return markers, nil
	}

	key := cfg.LLMAPIKey()
	if key == "" {
		log.Info("no LLM API key, classifying by markers only")
		return markers, nil
	}

	client, err := llm.NewClient(llm.Provider(cfg.DefaultLLM), key)
	if err != nil {
		return nil, err
	}
	byLLM := classify.NewLLMClassifier(client, cfg.ClassifierModel)
	log.Info("LLM classification enabled", zap.String("provider", client.Name()), zap.String("mode", cfg.ClassifierMode))

	if cfg.ClassifierMode == config.ClassifierLLM {
		return byLLM, nil
	}
	return classify.Chain{markers, byLLM}, nil
}
