package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost:5432/approvals")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "be-me-approvals", cfg.ServiceName)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.DBMaxConns)
	assert.Equal(t, 2, cfg.DBMinConns)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, 3, cfg.StatusWriteRetries)
	assert.Equal(t, 30, cfg.RequestTimeoutSec)
}

func TestLoadRequiresPostgresDSN(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost:5432/approvals")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("STATUS_WRITE_RETRIES", "5")
	t.Setenv("DB_MAX_CONNS", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, 5, cfg.StatusWriteRetries)
	assert.Equal(t, 25, cfg.DBMaxConns)
}

func TestGetenvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("STATUS_WRITE_RETRIES", "not-a-number")
	assert.Equal(t, 3, getenvInt("STATUS_WRITE_RETRIES", 3))
}
