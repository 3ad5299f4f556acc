package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/stakes")
	t.Setenv("SERVICE_TOKEN", "svc-token")
	t.Setenv("ESCROW_ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "5200", cfg.Port)
	assert.Equal(t, 0.8, cfg.Settlement.RequiredCompletionRate)
	assert.Equal(t, 2, cfg.Settlement.MaxConsecutiveMisses)
	assert.Equal(t, 60*time.Second, cfg.Solana.ConfirmTimeout)
	assert.Equal(t, time.Minute, cfg.Reconcile.Interval)
	assert.False(t, cfg.ArchiveEnabled())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SERVICE_TOKEN", "svc-token")
	t.Setenv("ESCROW_ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/stakes")
	t.Setenv("SERVICE_TOKEN", "svc-token")
	t.Setenv("ESCROW_ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("REQUIRED_COMPLETION_RATE", "1.5")

	_, err := Load()
	require.Error(t, err)
}

func TestOrigins(t *testing.T) {
	cfg := &Config{AllowedOrigins: " https://a.example , ,https://b.example"}
	assert.Equal(t, "https://a.example,https://b.example", cfg.Origins())
}
