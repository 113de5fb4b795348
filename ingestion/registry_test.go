package ingestion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFormat(t *testing.T) {
	r := NewRegistry()

	t.Run("nuscenes layout", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "data", "sets", "nuscenes", "v1.0-mini"), 0o755))

		format, ok := r.DetectFormat(dir)
		require.True(t, ok)
		assert.Equal(t, "nuscenes", format)
	})

	t.Run("config file with declared format", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "prism_config.yaml"),
			[]byte("format: csv\nmapping:\n  frame_path: file\n"), 0o644))

		format, ok := r.DetectFormat(dir)
		require.True(t, ok)
		assert.Equal(t, "config:csv", format)
	})

	t.Run("csv fallback", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "frames.csv"), []byte("a,b\n"), 0o644))

		format, ok := r.DetectFormat(dir)
		require.True(t, ok)
		assert.Equal(t, "csv", format)
	})

	t.Run("metadata files below the root still detect", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "annotations"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "annotations", "frames.csv"), []byte("a,b\n"), 0o644))

		format, ok := r.DetectFormat(dir)
		require.True(t, ok)
		assert.Equal(t, "csv", format)

		jsonDir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(jsonDir, "meta"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(jsonDir, "meta", "one.json"), []byte("[]"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(jsonDir, "two.json"), []byte("[]"), 0o644))

		format, ok = r.DetectFormat(jsonDir)
		require.True(t, ok)
		assert.Equal(t, "json", format)
	})

	t.Run("json fallback needs more than one file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "one.json"), []byte("[]"), 0o644))

		_, ok := r.DetectFormat(dir)
		assert.False(t, ok, "a single json file is ambiguous")

		require.NoError(t, os.WriteFile(filepath.Join(dir, "two.json"), []byte("[]"), 0o644))
		format, ok := r.DetectFormat(dir)
		require.True(t, ok)
		assert.Equal(t, "json", format)
	})

	t.Run("unrecognizable directory is undetected", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hi"), 0o644))

		format, ok := r.DetectFormat(dir)
		assert.False(t, ok)
		assert.Empty(t, format)
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	t.Run("builtin formats registered", func(t *testing.T) {
		formats := r.Formats()
		assert.Contains(t, formats, "nuscenes")
		assert.Contains(t, formats, "csv")
		assert.Contains(t, formats, "json")
		assert.Contains(t, formats, "config:csv")
		assert.Contains(t, formats, "config:json")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := r.CreateLoader("rosbag", t.TempDir(), "")
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("format names are case insensitive", func(t *testing.T) {
		r.Register("MyFormat", func(_, _ string) (DatasetLoader, error) {
			return nil, nil
		})
		_, err := r.CreateLoader("myformat", "", "")
		assert.NoError(t, err)
	})

	t.Run("csv loader requires a config", func(t *testing.T) {
		_, err := r.CreateLoader("csv", t.TempDir(), "")
		assert.ErrorIs(t, err, ErrConfigValidation)
	})
}
