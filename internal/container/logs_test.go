package container

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailFile_MissingFileReturnsEmpty(t *testing.T) {
	out, err := tailFile(filepath.Join(t.TempDir(), "absent.log"), 10)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestTailFile_ReturnsLastNLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "container.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour\nfive\n"), 0o644))

	out, err := tailFile(path, 2)
	require.NoError(t, err)
	assert.Equal(t, "four\nfive", out)
}
