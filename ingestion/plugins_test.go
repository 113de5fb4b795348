package ingestion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverPlugins(t *testing.T) {
	t.Run("registers valid plugin definitions", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "waymo_export.yaml"), []byte(`
name: WaymoExport
format: csv
mapping:
  frame_path: image
  timestamp: time
  camera_angle: cam
`), 0o644))

		r := NewRegistry()
		n := DiscoverPlugins(r, []string{dir}, nil)
		assert.Equal(t, 1, n)
		assert.Contains(t, r.Formats(), "waymoexport")

		_, err := r.CreateLoader("waymoexport", t.TempDir(), "")
		assert.NoError(t, err)
	})

	t.Run("invalid plugins are skipped", func(t *testing.T) {
		dir := t.TempDir()
		// No name key.
		require.NoError(t, os.WriteFile(filepath.Join(dir, "anon.yaml"),
			[]byte("format: csv\n"), 0o644))
		// Invalid mapping.
		require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"),
			[]byte("name: broken\nformat: csv\n"), 0o644))
		// Wrong extension, ignored entirely.
		require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"),
			[]byte("name: nope\n"), 0o644))

		r := NewRegistry()
		before := len(r.Formats())
		n := DiscoverPlugins(r, []string{dir}, nil)
		assert.Equal(t, 0, n)
		assert.Len(t, r.Formats(), before)
	})

	t.Run("missing directories are ignored", func(t *testing.T) {
		r := NewRegistry()
		n := DiscoverPlugins(r, []string{filepath.Join(t.TempDir(), "absent")}, nil)
		assert.Equal(t, 0, n)
	})
}
