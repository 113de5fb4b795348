package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-search/prism/model"
)

// fakeRenderer writes an empty file so the cached render path exists.
type fakeRenderer struct {
	calls int
	fail  bool
}

func (f *fakeRenderer) Render(_ context.Context, _, outPath, kind string) error {
	f.calls++
	if f.fail {
		return errors.New("render failed")
	}
	if kind != "bev" {
		return errors.New("unexpected visualization kind")
	}
	return os.WriteFile(outPath, []byte("img"), 0o644)
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func writeJSONGz(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gz := gzip.NewWriter(f)
	_, err = gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
}

// buildNuScenesDataset lays out a minimal synthetic dataset: two camera
// keyframes, one non-keyframe, one LiDAR keyframe, one radar keyframe, and
// one keyframe record without a filename.
func buildNuScenesDataset(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	tableDir := filepath.Join(root, "v1.0-mini")
	require.NoError(t, os.MkdirAll(tableDir, 0o755))

	for _, dir := range []string{
		"samples/CAM_FRONT", "samples/CAM_BACK", "samples/LIDAR_TOP", "samples/RADAR_FRONT", "sweeps/CAM_FRONT",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	for _, file := range []string{
		"samples/CAM_FRONT/f1.jpg", "samples/CAM_BACK/f2.jpg",
		"samples/LIDAR_TOP/f3.pcd.bin", "samples/RADAR_FRONT/f4.pcd",
		"sweeps/CAM_FRONT/f5.jpg",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, file), []byte("x"), 0o644))
	}

	writeJSON(t, filepath.Join(tableDir, "scene.json"), []nuScene{
		{Token: "sc1", LogToken: "lg1", Name: "scene-0001", Description: "Driving in heavy rain"},
	})
	writeJSON(t, filepath.Join(tableDir, "sample.json"), []nuSample{
		{Token: "sm1", SceneToken: "sc1", Timestamp: 1533151603547590},
		{Token: "sm2", SceneToken: "sc1", Timestamp: 1533151604047590},
	})
	// sample_data is gzipped to cover the .json.gz path.
	writeJSONGz(t, filepath.Join(tableDir, "sample_data.json.gz"), []nuSampleData{
		{Token: "sd1", SampleToken: "sm1", Filename: "samples/CAM_FRONT/f1.jpg", FileFormat: "jpg", IsKeyFrame: true},
		{Token: "sd2", SampleToken: "sm2", Filename: "samples/CAM_BACK/f2.jpg", FileFormat: "jpg", IsKeyFrame: true},
		{Token: "sd3", SampleToken: "sm1", Filename: "samples/LIDAR_TOP/f3.pcd.bin", FileFormat: "pcd", IsKeyFrame: true},
		{Token: "sd4", SampleToken: "sm1", Filename: "samples/RADAR_FRONT/f4.pcd", FileFormat: "pcd", IsKeyFrame: true},
		{Token: "sd5", SampleToken: "sm1", Filename: "sweeps/CAM_FRONT/f5.jpg", FileFormat: "jpg", IsKeyFrame: false},
		{Token: "sd6", SampleToken: "sm2", Filename: "", FileFormat: "jpg", IsKeyFrame: true},
	})
	return root
}

func TestNuScenesLoader(t *testing.T) {
	ctx := context.Background()

	t.Run("loads keyframes with channel angles", func(t *testing.T) {
		root := buildNuScenesDataset(t)
		renderer := &fakeRenderer{}
		loader := NewNuScenesLoader(root, renderer, nil)

		metas, err := loader.LoadMetadata(ctx, root)
		require.NoError(t, err)
		// 2 cameras + 1 rendered lidar + 1 radar; the sweep and the
		// filename-less record are skipped.
		require.Len(t, metas, 4)

		byAngle := make(map[string]model.FrameMetadata)
		for _, m := range metas {
			byAngle[string(m.SensorKind)+"/"+m.SensorAngle] = m
		}

		front := byAngle["camera/front"]
		assert.Equal(t, filepath.Join(root, "samples", "CAM_FRONT", "f1.jpg"), front.FramePath)
		assert.Equal(t, "rain", front.Weather)
		assert.Equal(t, int64(1533151603), front.Timestamp.Unix())

		assert.Contains(t, byAngle, "camera/back")

		lidar := byAngle["lidar/top"]
		assert.Equal(t, 1, renderer.calls)
		assert.Contains(t, lidar.FramePath, "_bev.jpg")
		assert.Contains(t, lidar.FramePath, filepath.Join(".prism_cache", "lidar_viz"))
		assert.Equal(t, filepath.Join(root, "samples", "LIDAR_TOP", "f3.pcd.bin"), lidar.OriginalPath)

		radar := byAngle["radar/front"]
		radarFile := filepath.Join(root, "samples", "RADAR_FRONT", "f4.pcd")
		assert.Equal(t, radarFile, radar.FramePath, "radar is indexed against the raw sensor file")
		assert.Equal(t, radarFile, radar.OriginalPath)
		assert.Equal(t, model.SensorKindRadar, radar.SensorKind)
	})

	t.Run("render cache short-circuits second load", func(t *testing.T) {
		root := buildNuScenesDataset(t)
		renderer := &fakeRenderer{}
		loader := NewNuScenesLoader(root, renderer, nil)

		_, err := loader.LoadMetadata(ctx, root)
		require.NoError(t, err)
		_, err = loader.LoadMetadata(ctx, root)
		require.NoError(t, err)
		assert.Equal(t, 1, renderer.calls, "cached render must be reused")
	})

	t.Run("render failure skips the sample", func(t *testing.T) {
		root := buildNuScenesDataset(t)
		loader := NewNuScenesLoader(root, &fakeRenderer{fail: true}, nil)

		metas, err := loader.LoadMetadata(ctx, root)
		require.NoError(t, err, "a failed render must not fail the load")
		assert.Len(t, metas, 3)
	})

	t.Run("nil renderer skips lidar", func(t *testing.T) {
		root := buildNuScenesDataset(t)
		loader := NewNuScenesLoader(root, nil, nil)

		metas, err := loader.LoadMetadata(ctx, root)
		require.NoError(t, err)
		assert.Len(t, metas, 3)
	})

	t.Run("missing tables are fatal", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "v1.0-mini"), 0o755))
		loader := NewNuScenesLoader(root, nil, nil)

		_, err := loader.LoadMetadata(ctx, root)
		assert.ErrorIs(t, err, ErrConfigValidation)
	})

	t.Run("no version directory is fatal", func(t *testing.T) {
		loader := NewNuScenesLoader(t.TempDir(), nil, nil)
		_, err := loader.LoadMetadata(ctx, "")
		assert.ErrorIs(t, err, ErrConfigValidation)
	})
}

func TestWeatherFromDescription(t *testing.T) {
	tests := []struct {
		desc string
		want string
	}{
		{"Driving in heavy rain", "rain"},
		{"Night drive downtown", "night"},
		{"Clear afternoon", "clear"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, weatherFromDescription(tt.desc), tt.desc)
	}
}

func TestChannelFromFilename(t *testing.T) {
	assert.Equal(t, "CAM_FRONT", channelFromFilename("samples/CAM_FRONT/img.jpg"))
	assert.Equal(t, "", channelFromFilename("img.jpg"))
}
