package resource

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deeployd/forge/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupOldOutputs_RemovesOnlyStaleFiles(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "stale.png")
	fresh := filepath.Join(dir, "fresh.png")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	log, err := logger.New("test")
	require.NoError(t, err)
	s := New(log, dir)

	removed, err := s.CleanupOldOutputs(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestCleanupOldOutputs_MissingDirIsNotAnError(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	s := New(log, filepath.Join(t.TempDir(), "does-not-exist"))

	removed, err := s.CleanupOldOutputs(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
