package workspace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopeCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	path, err := Scope(root, "team-1", "mission-42")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "team-1", "missions", "mission-42"), path)
	require.True(t, Exists(path))
}

func TestScopeRequiresRoot(t *testing.T) {
	_, err := Scope("", "team-1", "mission-42")
	require.Error(t, err)
}

func TestScopeRequiresIdentifiers(t *testing.T) {
	root := t.TempDir()
	_, err := Scope(root, "", "mission-42")
	require.Error(t, err)
	_, err = Scope(root, "team-1", "")
	require.Error(t, err)
}

func TestExistsFalseForMissingPath(t *testing.T) {
	require.False(t, Exists(filepath.Join(t.TempDir(), "nope")))
}
