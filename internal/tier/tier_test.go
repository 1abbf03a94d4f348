package tier

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nonprofitsuite/storagecore/internal/config"
	"github.com/nonprofitsuite/storagecore/internal/models"
)

func TestCleanKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"files/a/b.pdf", "files/a/b.pdf", false},
		{"/files//a/./b.pdf", "files/a/b.pdf", false},
		{`files\a\b.pdf`, "files/a/b.pdf", false},
		{"../etc/passwd", "", true},
		{"files/../../x", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := CleanKey(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidKey, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "files/abc/budget.pdf", ObjectKey("abc", "budget.pdf"))
	assert.Equal(t, "files/abc/passwd", ObjectKey("abc", "../../etc/passwd"))
	assert.Equal(t, "files/abc/blob", ObjectKey("abc", ""))
}

func TestErrorClassification(t *testing.T) {
	err := newError(models.TierCloud, "upload", errors.New("503"), true)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "tier cloud: upload")

	err = newError(models.TierCDN, "open", ErrNotFound, false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTransient(err))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	local, err := NewLocal(models.TierLocal, t.TempDir(), 0)
	require.NoError(t, err)
	reg.Register(local)

	a, err := reg.Get(models.TierLocal)
	require.NoError(t, err)
	assert.Equal(t, "local", a.Name())

	_, err = reg.Get(models.TierCloud)
	assert.ErrorIs(t, err, ErrNoAdapter)
	assert.Equal(t, []models.Tier{models.TierLocal}, reg.Tiers())
}

func TestBuildAllLocal(t *testing.T) {
	cfg := config.TiersConfig{
		LocalDir:     t.TempDir(),
		CDNBackend:   "local",
		CloudBackend: "local",
	}
	reg, err := Build(context.Background(), cfg, nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []models.Tier{models.TierCDN, models.TierCloud, models.TierLocal}, reg.Tiers())

	_, err = Build(context.Background(), config.TiersConfig{LocalDir: t.TempDir(), CacheBackend: "redis"}, nil, time.Hour)
	assert.Error(t, err)

	_, err = Build(context.Background(), config.TiersConfig{LocalDir: t.TempDir(), CloudBackend: "ftp"}, nil, time.Hour)
	assert.Error(t, err)
}

func TestOpenFirstFollowsReadPreference(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	for _, tr := range []models.Tier{models.TierLocal, models.TierCloud, models.TierCollab} {
		a, err := NewLocal(tr, t.TempDir(), 0)
		require.NoError(t, err)
		reg.Register(a)
	}

	cloud, _ := reg.Get(models.TierCloud)
	collab, _ := reg.Get(models.TierCollab)
	_, err := cloud.Upload(ctx, "files/a/x.txt", strings.NewReader("cloud"), UploadOptions{})
	require.NoError(t, err)
	_, err = collab.Upload(ctx, "files/a/x.txt", strings.NewReader("collab"), UploadOptions{})
	require.NoError(t, err)

	// local is held on paper but the object is gone
	rc, got, err := reg.OpenFirst(ctx, "files/a/x.txt", []models.Tier{models.TierCollab, models.TierLocal, models.TierCloud})
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, models.TierCloud, got)
	assert.Equal(t, "cloud", string(body))

	_, _, err = reg.OpenFirst(ctx, "files/a/x.txt", []models.Tier{models.TierCDN})
	assert.ErrorIs(t, err, ErrNotFound)
}
