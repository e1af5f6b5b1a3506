package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the web front-end configuration loaded from environment
// variables, optionally read from .env files first.
type Config struct {
	AppEnv string
	Port   int

	// EditorModel is the model served by the web UI.
	EditorModel string
	CatalogPath string
	Device      string

	// External runner. Takes precedence over managed containers.
	RunnerURL   string
	RunnerToken string

	// Managed runner containers.
	RunnerImage string
	GPUs        []string
	ModelDir    string
	WarmRunner  bool

	Workers      int
	QueueSize    int
	WorkDir      string
	JobRetention time.Duration

	AllowedOrigins   []string
	MaxUploadBytes   int64
	MaxImagePixels   int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	port, err := getEnvInt("PORT", 7860)
	if err != nil {
		return Config{}, fmt.Errorf("parse PORT: %w", err)
	}
	workers, err := getEnvInt("WORKERS", 1)
	if err != nil {
		return Config{}, fmt.Errorf("parse WORKERS: %w", err)
	}
	queueSize, err := getEnvInt("QUEUE_SIZE", 16)
	if err != nil {
		return Config{}, fmt.Errorf("parse QUEUE_SIZE: %w", err)
	}
	maxUpload, err := getEnvInt("MAX_UPLOAD_MB", 32)
	if err != nil {
		return Config{}, fmt.Errorf("parse MAX_UPLOAD_MB: %w", err)
	}
	maxPixels, err := getEnvInt("MAX_IMAGE_PIXELS", 4096*4096)
	if err != nil {
		return Config{}, fmt.Errorf("parse MAX_IMAGE_PIXELS: %w", err)
	}
	retention, err := getEnvDuration("JOB_RETENTION", time.Hour)
	if err != nil {
		return Config{}, fmt.Errorf("parse JOB_RETENTION: %w", err)
	}
	readTimeout, err := getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("parse HTTP_READ_TIMEOUT: %w", err)
	}
	writeTimeout, err := getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("parse HTTP_WRITE_TIMEOUT: %w", err)
	}
	idleTimeout, err := getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("parse HTTP_IDLE_TIMEOUT: %w", err)
	}
	warm, err := getEnvBool("WARM_RUNNER", true)
	if err != nil {
		return Config{}, fmt.Errorf("parse WARM_RUNNER: %w", err)
	}

	cfg := Config{
		AppEnv:           getEnv("APP_ENV", "production"),
		Port:             port,
		EditorModel:      getEnv("EDITOR_MODEL", "sfe"),
		CatalogPath:      getEnv("CATALOG_PATH", ""),
		Device:           getEnv("DEVICE", "cuda"),
		RunnerURL:        getEnv("RUNNER_URL", ""),
		RunnerToken:      getEnv("RUNNER_TOKEN", ""),
		RunnerImage:      getEnv("RUNNER_IMAGE", ""),
		GPUs:             getEnvList("GPUS"),
		ModelDir:         getEnv("MODEL_DIR", "~/.face-editor/models"),
		WarmRunner:       warm,
		Workers:          workers,
		QueueSize:        queueSize,
		WorkDir:          getEnv("WORK_DIR", os.TempDir()),
		JobRetention:     retention,
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS"),
		MaxUploadBytes:   int64(maxUpload) << 20,
		MaxImagePixels:   maxPixels,
		HTTPReadTimeout:  readTimeout,
		HTTPWriteTimeout: writeTimeout,
		HTTPIdleTimeout:  idleTimeout,
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RunnerURL == "" && len(c.GPUs) == 0 {
		return fmt.Errorf("RUNNER_URL or GPUS is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive")
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(v)
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(v)
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(v)
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
