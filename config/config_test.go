package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("AUTH_DISABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, 2*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, "FAC", cfg.InvoiceFallbackSeries)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:3000"}, cfg.AllowedOrigins())
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("WORKER_POLL_INTERVAL", "500ms")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 500*time.Millisecond, cfg.WorkerPollInterval)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "billing.env")
	require.NoError(t, os.WriteFile(path, []byte("JWT_SECRET=fromfile\nTASK_MAX_ATTEMPTS=3\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fromfile", cfg.JWTSecret)
	assert.Equal(t, 3, cfg.TaskMaxAttempts)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := Load("does-not-exist.env")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Config{Port: 8080, DBDriver: "mysql", AuthDisabled: true}
	assert.ErrorContains(t, cfg.Validate(), "DB_DRIVER")

	cfg = Config{Port: 8080, DBDriver: "sqlite3"}
	assert.ErrorContains(t, cfg.Validate(), "JWT_SECRET")

	cfg = Config{Port: 8080, DBDriver: "sqlite3", JWTSecret: "x"}
	assert.NoError(t, cfg.Validate())
}
