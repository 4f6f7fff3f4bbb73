package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/mrmushfiq/aiproxy-gateway/internal/dialect"
	"github.com/mrmushfiq/aiproxy-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/aiproxy-gateway/internal/pipeline"
	"github.com/mrmushfiq/aiproxy-gateway/internal/pool"
	"github.com/mrmushfiq/aiproxy-gateway/internal/shared/config"
	"github.com/mrmushfiq/aiproxy-gateway/internal/shared/database"
	"github.com/mrmushfiq/aiproxy-gateway/internal/shared/logging"
	"github.com/mrmushfiq/aiproxy-gateway/internal/shared/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	appLog := logging.New(cfg.Env)
	log.Printf("starting aiproxy-gateway on port %s (env: %s)", cfg.Port, cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers := make(map[pool.Service]pool.Provider)
	var checkers []*pool.Checker

	if len(cfg.OpenAI.Keys) > 0 {
		p := pool.NewOpenAIProvider(cfg.OpenAI.Keys, cfg.OpenAI.RateLimitLockout, cfg.OpenAI.KeyReuseDelay, appLog.WithField("service", pool.ServiceOpenAI))
		providers[pool.ServiceOpenAI] = p
		checkers = append(checkers, pool.NewChecker(p, p, appLog.WithField("service", pool.ServiceOpenAI)))
		log.Printf("loaded %d openai key(s)", len(cfg.OpenAI.Keys))
	}
	if len(cfg.Anthropic.Keys) > 0 {
		p := pool.NewAnthropicProvider(cfg.Anthropic.Keys, cfg.Anthropic.RateLimitLockout, cfg.Anthropic.KeyReuseDelay, appLog.WithField("service", pool.ServiceAnthropic))
		providers[pool.ServiceAnthropic] = p
		checkers = append(checkers, pool.NewChecker(p, p, appLog.WithField("service", pool.ServiceAnthropic)))
		log.Printf("loaded %d anthropic key(s)", len(cfg.Anthropic.Keys))
	}
	if len(cfg.GoogleAI.Keys) > 0 {
		p := pool.NewGoogleAIProvider(cfg.GoogleAI.Keys, cfg.GoogleAI.RateLimitLockout, cfg.GoogleAI.KeyReuseDelay, appLog.WithField("service", pool.ServiceGoogleAI))
		providers[pool.ServiceGoogleAI] = p
		checkers = append(checkers, pool.NewChecker(p, p, appLog.WithField("service", pool.ServiceGoogleAI)))
		log.Printf("loaded %d google-ai key(s)", len(cfg.GoogleAI.Keys))
	}
	if len(providers) == 0 {
		log.Fatalf("startup failed: %v", pool.ErrNoKeysConfigured)
	}

	keyPool := pool.NewPool(providers, nil)
	estimator := dialect.NewEstimator()
	preprocessor := pipeline.NewPreprocessor(keyPool, estimator)
	queue := pipeline.NewQueue(keyPool, 0, appLog.WithField("component", "queue"))

	var sink pipeline.PromptLogSink
	if cfg.DatabaseURL != "" {
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer db.Close()
		sink = db
		log.Println("connected to postgres, prompt logging available")
	} else if cfg.PromptLogging {
		log.Println("PROMPT_LOGGING is set but DATABASE_URL is empty, disabling prompt logging")
		cfg.PromptLogging = false
	}

	upstream := pipeline.NewUpstream(keyPool, queue, sink, cfg.PromptLogging, appLog.WithField("component", "upstream"))
	gateway := handlers.NewGateway(keyPool, preprocessor, upstream, appLog.WithField("component", "gateway"))

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		log.Println("connected to redis, IP throttling enabled")
	} else {
		log.Println("REDIS_URL is empty, IP throttling disabled")
	}
	mw := handlers.NewMiddleware(redisClient, cfg.DefaultRateLimit)

	// Background supervision: the queue scheduler loops and every service's
	// key checker (if enabled) run under one errgroup rooted at the
	// process's lifetime context (spec §5, §4.2).
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(gctx) })
	if cfg.CheckKeys {
		for _, c := range checkers {
			c := c
			g.Go(func() error { return c.Start(gctx) })
		}
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(pipeline.DefaultStreamTimeout))
	r.Use(mw.CORS)

	r.Get("/health", gateway.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.IPRateLimit)
		r.Get("/models", gateway.ListModels)
		r.Post("/chat/completions", gateway.ChatCompletions)
		r.Post("/complete", gateway.Complete)
		r.Post("/messages", gateway.Messages)
		r.Post("/claude-3/complete", gateway.Claude3Complete)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: pipeline.DefaultStreamTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("listening on http://localhost:%s", cfg.Port)
		log.Println("  GET  /health")
		log.Println("  GET  /v1/models")
		log.Println("  POST /v1/chat/completions")
		log.Println("  POST /v1/complete")
		log.Println("  POST /v1/messages")
		log.Println("  POST /v1/claude-3/complete")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down gracefully...")
	cancel() // stop the queue scheduler and every key checker

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		appLog.WithError(err).Warn("background supervisor exited with error")
	}

	log.Println("server stopped")
}
