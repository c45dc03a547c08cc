package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocateExplicitPathWins(t *testing.T) {
	t.Parallel()

	path, err := Locate("/tmp/custom.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.yaml", path)
}

func TestLocateSearchPaths(t *testing.T) {
	dir := t.TempDir()
	want := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(want, []byte("server:\n  port: 9000\n"), 0o600))

	prev := SearchPaths
	SearchPaths = []string{dir}
	t.Cleanup(func() { SearchPaths = prev })

	path, err := Locate("", nil)
	require.NoError(t, err)
	assert.Equal(t, want, path)
}

func TestLocateWithoutFile(t *testing.T) {
	prev := SearchPaths
	SearchPaths = []string{t.TempDir()}
	t.Cleanup(func() { SearchPaths = prev })

	path, err := Locate("", nil)
	require.NoError(t, err)
	assert.Empty(t, path)
}
