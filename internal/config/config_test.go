package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 10*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Discovery.VisibilityTimeout)
	assert.Equal(t, 0.75, cfg.Discovery.HighThreshold)
	assert.Equal(t, 0.50, cfg.Discovery.MediumThreshold)
	assert.True(t, cfg.Discovery.AutoAccept)
	assert.Equal(t, []string{"cloud"}, cfg.Tiers.Replicas)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("TIER_REPLICAS", "cloud, collab")
	t.Setenv("QUEUE_VISIBILITY_TIMEOUT", "90s")
	t.Setenv("DISCOVERY_AUTO_ACCEPT", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"cloud", "collab"}, cfg.Tiers.Replicas)
	assert.Equal(t, 90*time.Second, cfg.Queue.VisibilityTimeout)
	assert.False(t, cfg.Discovery.AutoAccept)
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("QUEUE_WORKERS", "four")
	_, err := Load()
	assert.ErrorContains(t, err, "QUEUE_WORKERS")
}

func TestValidate(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DISCOVERY_HIGH_THRESHOLD", "0.4")

	cfg, err := Load()
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "thresholds")
}
