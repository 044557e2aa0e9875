package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alg-bug-engineer/interactive-storybook/internal/api"
	"github.com/alg-bug-engineer/interactive-storybook/internal/config"
	"github.com/alg-bug-engineer/interactive-storybook/internal/db"
	"github.com/alg-bug-engineer/interactive-storybook/internal/queue"
	"github.com/alg-bug-engineer/interactive-storybook/internal/services"
	"github.com/alg-bug-engineer/interactive-storybook/internal/store"
	"github.com/alg-bug-engineer/interactive-storybook/internal/worker"
)

func main() {
	log.Println("Starting Storybook Video API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// In-memory job state, shared between the API and the worker
	tracker := store.NewTracker()

	// Create API handler
	handler := api.NewHandler(database, database, q, tracker)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		// Initialize services
		jimengSvc := services.NewJimengService(cfg.JimengBaseURL, cfg.JimengSessionID, cfg.SubmitConnectTimeout, cfg.SubmitReadTimeout)
		imageStore := services.NewImageStore(cfg.ImagesDir)
		ffmpegSvc := services.NewFFmpegService("/tmp/storybook", cfg.TargetVideoWidth, cfg.TargetVideoHeight)

		// Narration TTS is optional — without a key, videos are generated silent
		var ttsSvc services.NarrationResolver
		if cfg.OpenAIKey != "" {
			ttsSvc = services.NewOpenAITTSService(cfg.OpenAIKey, cfg.AudioCacheDir, cfg.TTSVoice)
			log.Printf("TTS provider: OpenAI (voice: %s)", cfg.TTSVoice)
		} else {
			log.Println("No OPENAI_API_KEY set — narration disabled, videos will be silent")
		}

		// Create worker
		w := worker.New(database, database, q, tracker, jimengSvc, jimengSvc, imageStore, ttsSvc, ffmpegSvc, cfg)

		// Start worker in background
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.MaxConcurrentJobs)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown worker
	if workerCancel != nil {
		workerCancel()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
