package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nonprofitsuite/storagecore/internal/config"
	"github.com/nonprofitsuite/storagecore/internal/models"
)

func TestRegistryConfig(t *testing.T) {
	got, err := registryConfig(config.TiersConfig{
		Ingest:   "local",
		Replicas: []string{"cloud", "COLLAB"},
		PublicTo: "cdn",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TierLocal, got.Ingest)
	assert.Equal(t, []models.Tier{models.TierCloud, models.TierCollab}, got.Replicas)
	assert.Equal(t, models.TierCDN, got.PublicTo)

	got, err = registryConfig(config.TiersConfig{Ingest: "local"})
	require.NoError(t, err)
	assert.Empty(t, got.Replicas)
	assert.Empty(t, got.PublicTo)

	_, err = registryConfig(config.TiersConfig{Ingest: "tape"})
	assert.Error(t, err)
}
