package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Jimeng first/last-frame video synthesis API
	JimengBaseURL   string
	JimengSessionID string

	// Model/duration ladder — deployment-time data, not hard-coded invariants.
	// The exact supported duration sets drift between service revisions.
	PrimaryVideoModel  models.ModelProfile
	FallbackVideoModel models.ModelProfile

	// Submission timeout policy. Read is deliberately long: the service may
	// queue accepted requests before responding, and a local timeout must not
	// be mistaken for a server-side rejection.
	SubmitConnectTimeout time.Duration
	SubmitReadTimeout    time.Duration
	SubmitRetries        int

	// Pipeline
	MaxConcurrentVideoTasks int
	PollInterval            time.Duration
	MaxPollRounds           int

	// Output geometry — clips arrive in mixed aspect ratios and are
	// letterboxed to this canonical frame before concatenation.
	TargetVideoWidth  int
	TargetVideoHeight int

	// Filesystem layout
	VideoOutputDir string // per-story segment/final artifact directories
	ImagesDir      string // local images + remote download cache
	AudioCacheDir  string // narration audio cache

	// OpenAI (narration TTS)
	OpenAIKey string
	TTSVoice  string

	// Worker
	MaxConcurrentJobs int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:                 getEnv("API_PORT", "8100"),
		WorkerEnabled:           getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:           getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:      getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		RedisURL:                getEnv("REDIS_URL", "redis://localhost:6379"),
		JimengBaseURL:           getEnv("JIMENG_API_BASE_URL", "http://localhost:5100"),
		JimengSessionID:         getEnv("JIMENG_SESSION_ID", ""),
		SubmitConnectTimeout:    getEnvDuration("VIDEO_SUBMIT_CONNECT_TIMEOUT", 20*time.Second),
		SubmitReadTimeout:       getEnvDuration("VIDEO_SUBMIT_READ_TIMEOUT", 420*time.Second),
		SubmitRetries:           getEnvInt("VIDEO_SUBMIT_RETRIES", 2),
		MaxConcurrentVideoTasks: getEnvInt("MAX_CONCURRENT_VIDEO_TASKS", 5),
		PollInterval:            getEnvDuration("VIDEO_POLL_INTERVAL", 5*time.Second),
		MaxPollRounds:           getEnvInt("VIDEO_MAX_POLL_ROUNDS", 120),
		TargetVideoWidth:        getEnvInt("TARGET_VIDEO_WIDTH", 1024),
		TargetVideoHeight:       getEnvInt("TARGET_VIDEO_HEIGHT", 1024),
		VideoOutputDir:          getEnv("VIDEO_OUTPUT_DIR", "data/storybook_videos"),
		ImagesDir:               getEnv("IMAGES_DIR", "data/images"),
		AudioCacheDir:           getEnv("AUDIO_CACHE_DIR", "data/audio/tts"),
		OpenAIKey:               getEnv("OPENAI_API_KEY", ""),
		TTSVoice:                getEnv("TTS_VOICE", "nova"),
		MaxConcurrentJobs:       getEnvInt("MAX_CONCURRENT_JOBS", 2),
	}

	cfg.PrimaryVideoModel = models.ModelProfile{
		Name:      getEnv("PRIMARY_VIDEO_MODEL", "jimeng-video-3.5-pro"),
		Durations: getEnvIntList("PRIMARY_VIDEO_DURATIONS", []int{5, 10, 12}),
	}
	cfg.FallbackVideoModel = models.ModelProfile{
		Name:      getEnv("FALLBACK_VIDEO_MODEL", "jimeng-video-3.0"),
		Durations: getEnvIntList("FALLBACK_VIDEO_DURATIONS", []int{5, 10}),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JimengSessionID == "" {
		return nil, fmt.Errorf("JIMENG_SESSION_ID is required")
	}

	if len(cfg.PrimaryVideoModel.Durations) == 0 {
		return nil, fmt.Errorf("PRIMARY_VIDEO_DURATIONS must not be empty")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// Accept bare seconds ("420") or Go duration syntax ("7m")
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvIntList(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil {
			return defaultValue
		}
		out = append(out, i)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
