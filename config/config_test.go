package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"APP_ENV", "PORT", "EDITOR_MODEL", "CATALOG_PATH", "DEVICE", "RUNNER_URL",
	"RUNNER_TOKEN", "RUNNER_IMAGE", "GPUS", "MODEL_DIR", "WARM_RUNNER", "WORKERS",
	"QUEUE_SIZE", "WORK_DIR", "JOB_RETENTION", "ALLOWED_ORIGINS", "MAX_UPLOAD_MB", "MAX_IMAGE_PIXELS",
	"HTTP_READ_TIMEOUT", "HTTP_WRITE_TIMEOUT", "HTTP_IDLE_TIMEOUT",
}

// clearEnv blanks every variable Load reads and runs the test from an empty
// directory so no .env file is picked up.
func clearEnv(t *testing.T) {
	t.Helper()

	for _, key := range envKeys {
		t.Setenv(key, "")
	}

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUNNER_URL", "http://localhost:8000")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "production", cfg.AppEnv)
	require.Equal(t, 7860, cfg.Port)
	require.Equal(t, "sfe", cfg.EditorModel)
	require.Equal(t, "cuda", cfg.Device)
	require.Equal(t, 1, cfg.Workers)
	require.Equal(t, 16, cfg.QueueSize)
	require.Equal(t, time.Hour, cfg.JobRetention)
	require.Equal(t, int64(32<<20), cfg.MaxUploadBytes)
	require.Equal(t, 4096*4096, cfg.MaxImagePixels)
	require.True(t, cfg.WarmRunner)
	require.Empty(t, cfg.GPUs)
	require.Empty(t, cfg.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GPUS", "0, 1,,2")
	t.Setenv("EDITOR_MODEL", "styleres")
	t.Setenv("WORKERS", "2")
	t.Setenv("QUEUE_SIZE", "4")
	t.Setenv("JOB_RETENTION", "15m")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:3000,https://editor.example.com")
	t.Setenv("WARM_RUNNER", "false")
	t.Setenv("MAX_IMAGE_PIXELS", "1048576")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, []string{"0", "1", "2"}, cfg.GPUs)
	require.Equal(t, "styleres", cfg.EditorModel)
	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, 4, cfg.QueueSize)
	require.Equal(t, 15*time.Minute, cfg.JobRetention)
	require.Equal(t, []string{"http://localhost:3000", "https://editor.example.com"}, cfg.AllowedOrigins)
	require.False(t, cfg.WarmRunner)
	require.Equal(t, 1<<20, cfg.MaxImagePixels)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(".", ".env"), []byte("RUNNER_URL=http://runner:8000\nPORT=9000\n"), 0o644))
	// godotenv does not override variables that are already set.
	os.Unsetenv("RUNNER_URL")
	os.Unsetenv("PORT")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "http://runner:8000", cfg.RunnerURL)
	require.Equal(t, 9000, cfg.Port)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		err  string
	}{
		{"no runner", map[string]string{}, "RUNNER_URL or GPUS is required"},
		{"bad port", map[string]string{"RUNNER_URL": "http://x", "PORT": "http"}, "parse PORT"},
		{"bad retention", map[string]string{"RUNNER_URL": "http://x", "JOB_RETENTION": "forever"}, "parse JOB_RETENTION"},
		{"zero workers", map[string]string{"RUNNER_URL": "http://x", "WORKERS": "0"}, "WORKERS must be at least 1"},
		{"zero queue", map[string]string{"RUNNER_URL": "http://x", "QUEUE_SIZE": "-1"}, "QUEUE_SIZE must be at least 1"},
		{"zero pixels", map[string]string{"RUNNER_URL": "http://x", "MAX_IMAGE_PIXELS": "0"}, "MAX_IMAGE_PIXELS must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.ErrorContains(t, err, tt.err)
		})
	}
}
