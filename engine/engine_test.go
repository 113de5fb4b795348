package engine

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-search/prism/model"
)

// fakeEmbedder returns a fixed-dimension vector derived from the top-left
// pixel so identical content embeds identically.
type fakeEmbedder struct {
	dim   int
	calls int
}

func (f *fakeEmbedder) EmbedImages(_ context.Context, images []image.Image) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(images))
	for i, img := range images {
		r, g, b, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
		v := make([]float32, f.dim)
		v[0] = float32(r) + 1
		if f.dim > 1 {
			v[1] = float32(g)
		}
		if f.dim > 2 {
			v[2] = float32(b)
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedText(context.Context, string) ([]float32, error) {
	return make([]float32, f.dim), nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

// fakeDetector returns the configured detections for every image.
type fakeDetector struct {
	detections []model.Detection
}

func (f *fakeDetector) Detect(_ context.Context, images []image.Image) ([][]model.Detection, error) {
	out := make([][]model.Detection, len(images))
	for i := range images {
		out[i] = f.detections
	}
	return out, nil
}

// probeFunc adapts a func to DedupProbe.
type probeFunc func(ctx context.Context, hash string) (bool, error)

func (f probeFunc) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	return f(ctx, hash)
}

func writeTestPNG(t *testing.T, dir, name string, c color.Color, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestProcessBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("embeds local images", func(t *testing.T) {
		dir := t.TempDir()
		a := writeTestPNG(t, dir, "a.png", color.RGBA{R: 200, A: 255}, 32, 24)
		b := writeTestPNG(t, dir, "b.png", color.RGBA{G: 200, A: 255}, 64, 48)

		e := New(&fakeEmbedder{dim: 3}, nil)
		results, err := e.ProcessBatch(ctx, []model.IngestionInput{{Path: a}, {Path: b}}, nil)
		require.NoError(t, err)
		require.Len(t, results, 2)

		assert.False(t, results[0].Skipped)
		assert.Equal(t, a, results[0].Path)
		assert.Equal(t, 32, results[0].Width)
		assert.Equal(t, 24, results[0].Height)
		assert.NotEmpty(t, results[0].ContentHash)
		assert.Len(t, results[0].FullImage, 3)

		assert.Equal(t, 64, results[1].Width)
		assert.NotEqual(t, results[0].ContentHash, results[1].ContentHash)
	})

	t.Run("skips duplicates without decoding", func(t *testing.T) {
		dir := t.TempDir()
		a := writeTestPNG(t, dir, "a.png", color.RGBA{R: 200, A: 255}, 32, 24)

		probed := 0
		probe := probeFunc(func(_ context.Context, hash string) (bool, error) {
			probed++
			return true, nil
		})

		e := New(&fakeEmbedder{dim: 3}, nil)
		results, err := e.ProcessBatch(ctx, []model.IngestionInput{{Path: a}}, probe)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].Skipped)
		assert.Equal(t, "duplicate", results[0].SkipReason)
		assert.Equal(t, 1, probed)
		assert.Empty(t, results[0].FullImage)
	})

	t.Run("identical content within one batch indexes once", func(t *testing.T) {
		dir := t.TempDir()
		a := writeTestPNG(t, dir, "a.png", color.RGBA{R: 200, A: 255}, 32, 24)
		data, err := os.ReadFile(a)
		require.NoError(t, err)
		b := filepath.Join(dir, "b.png")
		require.NoError(t, os.WriteFile(b, data, 0o644))
		c := writeTestPNG(t, dir, "c.png", color.RGBA{G: 200, A: 255}, 32, 24)

		// Nothing is committed yet, so the storage probe passes everything;
		// the second copy must still be caught within the batch.
		probe := probeFunc(func(context.Context, string) (bool, error) {
			return false, nil
		})

		e := New(&fakeEmbedder{dim: 3}, nil)
		results, err := e.ProcessBatch(ctx, []model.IngestionInput{
			{Path: a}, {Path: b}, {Path: c},
		}, probe)
		require.NoError(t, err)
		require.Len(t, results, 3)

		assert.False(t, results[0].Skipped, "first occurrence in discovery order wins")
		assert.True(t, results[1].Skipped)
		assert.Equal(t, "duplicate", results[1].SkipReason)
		assert.Equal(t, results[0].ContentHash, results[1].ContentHash)
		assert.Empty(t, results[1].FullImage)
		assert.False(t, results[2].Skipped)
	})

	t.Run("skips unreadable and undecodable items", func(t *testing.T) {
		dir := t.TempDir()
		garbage := filepath.Join(dir, "garbage.png")
		require.NoError(t, os.WriteFile(garbage, []byte("not an image"), 0o644))
		good := writeTestPNG(t, dir, "good.png", color.RGBA{B: 100, A: 255}, 32, 32)

		e := New(&fakeEmbedder{dim: 3}, nil)
		results, err := e.ProcessBatch(ctx, []model.IngestionInput{
			{Path: filepath.Join(dir, "missing.png")},
			{Path: garbage},
			{Path: good},
		}, nil)
		require.NoError(t, err, "per-item failures must not abort the batch")
		require.Len(t, results, 3)
		assert.Equal(t, "unreadable", results[0].SkipReason)
		assert.Equal(t, "undecodable", results[1].SkipReason)
		assert.False(t, results[2].Skipped)
	})

	t.Run("in-memory inputs have no content hash", func(t *testing.T) {
		img := image.NewRGBA(image.Rect(0, 0, 16, 16))
		e := New(&fakeEmbedder{dim: 3}, nil)
		results, err := e.ProcessBatch(ctx, []model.IngestionInput{
			{Path: "clip.mp4#t=1.00", Image: img},
		}, nil)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.False(t, results[0].Skipped)
		assert.Empty(t, results[0].ContentHash)
		assert.Len(t, results[0].FullImage, 3)
	})

	t.Run("results are index aligned", func(t *testing.T) {
		dir := t.TempDir()
		var inputs []model.IngestionInput
		for i := 0; i < 20; i++ {
			p := writeTestPNG(t, dir, fmt.Sprintf("img%02d.png", i), color.RGBA{R: uint8(i * 10), A: 255}, 16, 16)
			inputs = append(inputs, model.IngestionInput{Path: p})
		}
		e := New(&fakeEmbedder{dim: 3}, nil, func(o *Options) {
			o.ResolveWorkers = 4
		})
		results, err := e.ProcessBatch(ctx, inputs, nil)
		require.NoError(t, err)
		require.Len(t, results, 20)
		for i, res := range results {
			assert.Equal(t, inputs[i].Path, res.Path)
		}
	})
}

func TestProcessBatchDetection(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := writeTestPNG(t, dir, "a.png", color.RGBA{R: 200, A: 255}, 200, 200)

	t.Run("allow-listed classes get crops, others only metadata", func(t *testing.T) {
		det := &fakeDetector{detections: []model.Detection{
			{ClassID: 2, ClassName: "car", BBox: model.BBox{X1: 10, Y1: 10, X2: 90, Y2: 90}},
			{ClassID: 16, ClassName: "dog", BBox: model.BBox{X1: 20, Y1: 20, X2: 80, Y2: 80}},
		}}
		e := New(&fakeEmbedder{dim: 3}, det)
		results, err := e.ProcessBatch(ctx, []model.IngestionInput{{Path: a}}, nil)
		require.NoError(t, err)
		require.Len(t, results, 1)

		require.Len(t, results[0].Crops, 1)
		assert.Equal(t, "car", results[0].Crops[0].Class)
		assert.Len(t, results[0].Crops[0].Vector, 3)
		assert.ElementsMatch(t, []string{"car", "dog"}, results[0].DetectedClasses)
	})

	t.Run("boxes are clipped and tiny crops discarded", func(t *testing.T) {
		det := &fakeDetector{detections: []model.Detection{
			// Extends past image bounds; survives clipping.
			{ClassName: "person", BBox: model.BBox{X1: 150, Y1: 150, X2: 400, Y2: 400}},
			// Under the minimum crop size after clipping.
			{ClassName: "car", BBox: model.BBox{X1: 0, Y1: 0, X2: 5, Y2: 5}},
		}}
		e := New(&fakeEmbedder{dim: 3}, det)
		results, err := e.ProcessBatch(ctx, []model.IngestionInput{{Path: a}}, nil)
		require.NoError(t, err)

		require.Len(t, results[0].Crops, 1)
		crop := results[0].Crops[0]
		assert.Equal(t, "person", crop.Class)
		assert.Equal(t, 200, crop.BBox.X2)
		assert.Equal(t, 200, crop.BBox.Y2)
		assert.ElementsMatch(t, []string{"person", "car"}, results[0].DetectedClasses)
	})

	t.Run("crops are chunked across the batch", func(t *testing.T) {
		det := &fakeDetector{detections: []model.Detection{
			{ClassName: "car", BBox: model.BBox{X1: 0, Y1: 0, X2: 50, Y2: 50}},
			{ClassName: "bus", BBox: model.BBox{X1: 50, Y1: 50, X2: 150, Y2: 150}},
		}}
		emb := &fakeEmbedder{dim: 3}
		e := New(emb, det, func(o *Options) {
			o.CropChunkSize = 1
		})
		results, err := e.ProcessBatch(ctx, []model.IngestionInput{{Path: a}}, nil)
		require.NoError(t, err)
		require.Len(t, results[0].Crops, 2)
		// 1 full-image call + 2 single-crop chunks.
		assert.Equal(t, 3, emb.calls)
	})
}

func TestDeviceClass(t *testing.T) {
	assert.Equal(t, 16, DeviceCPU.EmbedBatchSize())
	assert.Equal(t, 32, DeviceIntegratedGPU.EmbedBatchSize())
	assert.Equal(t, 64, DeviceDiscreteGPU.EmbedBatchSize())
	assert.Equal(t, "cpu", DeviceCPU.String())
}
