package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingOwner struct {
	paths []string
	fail  map[string]bool
}

func (r *recordingOwner) Chown(path string, uid, gid int) error {
	r.paths = append(r.paths, path)
	if r.fail[filepath.Base(path)] {
		return errors.New("permission denied")
	}
	return nil
}

func TestChownTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "agent", "state"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "agent", "agent.yaml"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "device.db"), []byte("x"), 0o600))

	t.Run("visits every entry including the root", func(t *testing.T) {
		owner := &recordingOwner{}
		require.NoError(t, ChownTree(owner, root, 1000, 1000))

		rel := make([]string, 0, len(owner.paths))
		for _, p := range owner.paths {
			r, err := filepath.Rel(root, p)
			require.NoError(t, err)
			rel = append(rel, r)
		}
		sort.Strings(rel)
		assert.Equal(t, []string{".", "agent", "agent/agent.yaml", "agent/state", "device.db"}, rel)
	})

	t.Run("continues past failures and reports the first", func(t *testing.T) {
		owner := &recordingOwner{fail: map[string]bool{"agent.yaml": true}}
		err := ChownTree(owner, root, 1000, 1000)
		assert.Error(t, err)
		assert.Len(t, owner.paths, 5)
	})

	t.Run("reports a missing root", func(t *testing.T) {
		err := ChownTree(&recordingOwner{}, filepath.Join(root, "missing"), 1000, 1000)
		assert.Error(t, err)
	})
}
