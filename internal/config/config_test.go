package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
service:
  name: approvald
  environment: staging
  log_level: debug
database:
  host: db.internal
  port: 5433
  user: approvals
  password: secret
  database: approvals
nats:
  url: nats://queue.internal:4222
scanner:
  interval: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Service.Environment)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "nats://queue.internal:4222", cfg.NATS.URL)
	assert.Equal(t, 30*time.Second, cfg.Scanner.Interval)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
database:
  database: approvals
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "approvald", cfg.Service.Name)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, time.Minute, cfg.Scanner.Interval)
	assert.Empty(t, cfg.NATS.URL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  host: from-file
  database: approvals
`)

	t.Setenv("DB_HOST", "from-env")
	t.Setenv("SCAN_INTERVAL", "15s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Database.Host)
	assert.Equal(t, 15*time.Second, cfg.Scanner.Interval)
}

func TestLoad_Validation(t *testing.T) {
	_, err := Load(writeConfig(t, `
service:
  name: approvald
`))
	assert.ErrorContains(t, err, "database.database is required")

	_, err = Load(writeConfig(t, `
database:
  database: approvals
scanner:
  interval: -5s
`))
	assert.ErrorContains(t, err, "scanner.interval must be positive")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
