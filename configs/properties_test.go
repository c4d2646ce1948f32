package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProperties(t *testing.T) {
	origVote := VoteWindow
	origRetries := PairLockRetries
	origDSN := PostgresDSN
	defer func() {
		VoteWindow = origVote
		PairLockRetries = origRetries
		PostgresDSN = origDSN
	}()

	path := filepath.Join(t.TempDir(), "cupid.properties")
	content := "vote_window_ms = 15000\n" +
		"pair_lock_retries = 5\n" +
		"postgres_dsn = postgres://x:y@db:5432/cupid\n" +
		"unknown_key = whatever\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	require.NoError(t, LoadProperties(path))
	assert.Equal(t, 15*time.Second, VoteWindow)
	assert.Equal(t, 5, PairLockRetries)
	assert.Equal(t, "postgres://x:y@db:5432/cupid", PostgresDSN)
}

func TestLoadPropertiesIgnoresNonPositive(t *testing.T) {
	origGrace := GracePeriod
	defer func() { GracePeriod = origGrace }()

	path := filepath.Join(t.TempDir(), "cupid.properties")
	require.NoError(t, os.WriteFile(path, []byte("grace_ms = 0\n"), 0644))
	require.NoError(t, LoadProperties(path))
	assert.Equal(t, origGrace, GracePeriod, "non-positive values keep the default")
}

func TestLoadPropertiesMissingFile(t *testing.T) {
	assert.Error(t, LoadProperties(filepath.Join(t.TempDir(), "absent.properties")))
}

func TestAdvisoryKeysAreStable(t *testing.T) {
	assert.Equal(t, AdvisoryKey("participant", 7), AdvisoryKey("participant", 7))
	assert.NotEqual(t, AdvisoryKey("participant", 7), AdvisoryKey("match", 7))
	assert.NotEqual(t, AdvisoryKey("participant", 7), AdvisoryKey("participant", 8))
	assert.Equal(t, NamedKey("guardian:expansion"), NamedKey("guardian:expansion"))
	assert.NotEqual(t, NamedKey("guardian:expansion"), NamedKey("guardian:reveal_timer"))
}

func TestNextIDIncreases(t *testing.T) {
	a := NextID()
	b := NextID()
	assert.Greater(t, b, a)
}
