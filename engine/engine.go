// Package engine implements the batch processing stage of indexing: it
// resolves raw inputs into decoded images, deduplicates by content hash,
// and produces full-image and object-crop embeddings through the configured
// embedding and detection backends.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/prism-search/prism/distance"
	"github.com/prism-search/prism/model"
	"github.com/prism-search/prism/store"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// classesOfInterest are the detection classes that produce object-crop
// embeddings. All other detections are recorded as frame metadata only.
var classesOfInterest = map[string]struct{}{
	"person":        {},
	"car":           {},
	"bus":           {},
	"truck":         {},
	"traffic light": {},
}

// minCropPixels is the minimum width and height of a detection box after
// clipping. Smaller crops embed to noise.
const minCropPixels = 10

// DedupProbe answers whether a content hash has already been indexed.
type DedupProbe interface {
	ExistsByHash(ctx context.Context, hash string) (bool, error)
}

// FetchFunc retrieves the content of a remote URI.
type FetchFunc func(ctx context.Context, uri string) (io.ReadCloser, error)

// Options contains configuration options for the engine.
type Options struct {
	// ResolveWorkers bounds concurrent input resolution (file reads and
	// remote fetches).
	ResolveWorkers int
	// CropChunkSize bounds the number of crops sent to the embedder in one
	// call, independent of the device batch size for full images.
	CropChunkSize int
	// FetchTimeout bounds each remote fetch. A timed-out fetch skips the
	// item rather than failing the batch.
	FetchTimeout time.Duration
	// Device selects the embedding batch size.
	Device DeviceClass
	// Fetch resolves remote URIs. Nil disables remote inputs.
	Fetch FetchFunc
	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultOptions contains the default configuration options for the engine.
var DefaultOptions = Options{
	ResolveWorkers: 8,
	CropChunkSize:  32,
	FetchTimeout:   30 * time.Second,
	Device:         DeviceCPU,
}

// Engine turns batches of ingestion inputs into embedding-bearing results.
type Engine struct {
	embedder model.Embedder
	detector model.Detector
	opts     Options
	logger   *slog.Logger
}

// New creates a new engine. The detector may be nil, in which case no
// object crops are produced.
func New(embedder model.Embedder, detector model.Detector, optFns ...func(o *Options)) *Engine {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.ResolveWorkers < 1 {
		opts.ResolveWorkers = 1
	}
	if opts.CropChunkSize < 1 {
		opts.CropChunkSize = DefaultOptions.CropChunkSize
	}
	return &Engine{embedder: embedder, detector: detector, opts: opts, logger: opts.Logger}
}

// CropEmbedding is one object-crop vector with its provenance.
type CropEmbedding struct {
	Class  string
	BBox   model.BBox
	Vector []float32
}

// Result is the outcome of processing one input. Skipped results carry a
// reason and no vectors.
type Result struct {
	Path            string
	Skipped         bool
	SkipReason      string
	Width           int
	Height          int
	ContentHash     string
	FullImage       []float32
	Crops           []CropEmbedding
	DetectedClasses []string
}

// resolved is an input decoded and hashed, ready for model calls.
type resolved struct {
	input   model.IngestionInput
	img     *image.RGBA
	hash    string
	skipped string
}

// ProcessBatch resolves, deduplicates, detects, and embeds one batch of
// inputs. Per-item failures (unreadable file, undecodable image, fetch
// timeout, duplicate content) skip the item; embedder or detector failures
// fail the whole batch.
func (e *Engine) ProcessBatch(ctx context.Context, inputs []model.IngestionInput, probe DedupProbe) ([]Result, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	items, err := e.resolveAll(ctx, inputs, probe)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(items))
	live := make([]int, 0, len(items))
	// The store probe only sees previously committed content; two identical
	// inputs in the same batch both pass it. First in discovery order wins.
	seen := make(map[string]struct{}, len(items))
	for i := range items {
		it := &items[i]
		results[i].Path = it.input.Path
		results[i].ContentHash = it.hash
		if it.skipped == "" && it.hash != "" {
			if _, dup := seen[it.hash]; dup {
				it.skipped = "duplicate"
			} else {
				seen[it.hash] = struct{}{}
			}
		}
		if it.skipped != "" {
			results[i].Skipped = true
			results[i].SkipReason = it.skipped
			continue
		}
		b := it.img.Bounds()
		results[i].Width = b.Dx()
		results[i].Height = b.Dy()
		live = append(live, i)
	}
	if len(live) == 0 {
		return results, nil
	}

	if err := e.embedFullImages(ctx, items, results, live); err != nil {
		return nil, err
	}
	if e.detector != nil {
		if err := e.detectAndEmbedCrops(ctx, items, results, live); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (e *Engine) resolveAll(ctx context.Context, inputs []model.IngestionInput, probe DedupProbe) ([]resolved, error) {
	items := make([]resolved, len(inputs))
	sem := semaphore.NewWeighted(int64(e.opts.ResolveWorkers))
	errCh := make(chan error, 1)

	for i := range inputs {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func(i int) {
			defer sem.Release(1)
			if err := e.resolveOne(ctx, inputs[i], probe, &items[i]); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}(i)
	}
	if err := sem.Acquire(ctx, int64(e.opts.ResolveWorkers)); err != nil {
		return nil, err
	}
	select {
	case err := <-errCh:
		return nil, err
	default:
	}
	return items, nil
}

func (e *Engine) resolveOne(ctx context.Context, input model.IngestionInput, probe DedupProbe, out *resolved) error {
	out.input = input

	var img image.Image
	switch {
	case input.InMemory():
		// Extracted video frames arrive decoded and tied 1:1 to their
		// virtual path, so content hashing adds nothing.
		img = input.Image
	case strings.Contains(input.Path, "://"):
		out.hash = store.HashURI(input.Path)
		if dup, err := e.probeDup(ctx, probe, out); dup || err != nil {
			return err
		}
		decoded, err := e.fetchAndDecode(ctx, input.Path)
		if err != nil {
			e.logger.Warn("skipping remote input", slog.String("uri", input.Path), slog.Any("error", err))
			out.skipped = "fetch failed"
			return nil
		}
		img = decoded
	default:
		data, err := os.ReadFile(input.Path)
		if err != nil {
			e.logger.Warn("skipping unreadable file", slog.String("path", input.Path), slog.Any("error", err))
			out.skipped = "unreadable"
			return nil
		}
		out.hash = store.HashBytes(data)
		if dup, err := e.probeDup(ctx, probe, out); dup || err != nil {
			return err
		}
		decoded, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			e.logger.Warn("skipping undecodable image", slog.String("path", input.Path), slog.Any("error", err))
			out.skipped = "undecodable"
			return nil
		}
		img = decoded
	}

	out.img = toRGBA(img)
	return nil
}

func (e *Engine) probeDup(ctx context.Context, probe DedupProbe, out *resolved) (bool, error) {
	if probe == nil || out.hash == "" {
		return false, nil
	}
	exists, err := probe.ExistsByHash(ctx, out.hash)
	if err != nil {
		return false, fmt.Errorf("dedup probe: %w", err)
	}
	if exists {
		out.skipped = "duplicate"
		return true, nil
	}
	return false, nil
}

func (e *Engine) fetchAndDecode(ctx context.Context, uri string) (image.Image, error) {
	if e.opts.Fetch == nil {
		return nil, fmt.Errorf("no fetcher configured for %q", uri)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()

	rc, err := e.opts.Fetch(fetchCtx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	img, _, err := image.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}

func (e *Engine) embedFullImages(ctx context.Context, items []resolved, results []Result, live []int) error {
	batchSize := e.opts.Device.EmbedBatchSize()
	for start := 0; start < len(live); start += batchSize {
		end := min(start+batchSize, len(live))
		chunk := live[start:end]

		images := make([]image.Image, len(chunk))
		for j, idx := range chunk {
			images[j] = items[idx].img
		}
		vectors, err := e.embedder.EmbedImages(ctx, images)
		if err != nil {
			return fmt.Errorf("embed images: %w", err)
		}
		if len(vectors) != len(images) {
			return fmt.Errorf("embedder returned %d vectors for %d images", len(vectors), len(images))
		}
		for j, idx := range chunk {
			normalized, _ := distance.NormalizeL2Copy(vectors[j])
			results[idx].FullImage = normalized
		}
	}
	return nil
}

// cropRef ties a pending crop back to its result slot.
type cropRef struct {
	resultIdx int
	class     string
	bbox      model.BBox
	img       image.Image
}

func (e *Engine) detectAndEmbedCrops(ctx context.Context, items []resolved, results []Result, live []int) error {
	images := make([]image.Image, len(live))
	for j, idx := range live {
		images[j] = items[idx].img
	}
	detectionLists, err := e.detector.Detect(ctx, images)
	if err != nil {
		return fmt.Errorf("detect objects: %w", err)
	}
	if len(detectionLists) != len(images) {
		return fmt.Errorf("detector returned %d lists for %d images", len(detectionLists), len(images))
	}

	var pending []cropRef
	for j, idx := range live {
		it := items[idx]
		seen := make(map[string]struct{})
		for _, det := range detectionLists[j] {
			if _, ok := seen[det.ClassName]; !ok {
				seen[det.ClassName] = struct{}{}
				results[idx].DetectedClasses = append(results[idx].DetectedClasses, det.ClassName)
			}
			if _, ok := classesOfInterest[det.ClassName]; !ok {
				continue
			}
			bbox := det.BBox.Clip(results[idx].Width, results[idx].Height)
			if bbox.Width() < minCropPixels || bbox.Height() < minCropPixels {
				continue
			}
			pending = append(pending, cropRef{
				resultIdx: idx,
				class:     det.ClassName,
				bbox:      bbox,
				img:       cropImage(it.img, bbox),
			})
		}
	}

	for start := 0; start < len(pending); start += e.opts.CropChunkSize {
		end := min(start+e.opts.CropChunkSize, len(pending))
		chunk := pending[start:end]

		images := make([]image.Image, len(chunk))
		for j, ref := range chunk {
			images[j] = ref.img
		}
		vectors, err := e.embedder.EmbedImages(ctx, images)
		if err != nil {
			return fmt.Errorf("embed crops: %w", err)
		}
		if len(vectors) != len(images) {
			return fmt.Errorf("embedder returned %d vectors for %d crops", len(vectors), len(images))
		}
		for j, ref := range chunk {
			normalized, _ := distance.NormalizeL2Copy(vectors[j])
			results[ref.resultIdx].Crops = append(results[ref.resultIdx].Crops, CropEmbedding{
				Class:  ref.class,
				BBox:   ref.bbox,
				Vector: normalized,
			})
		}
	}
	return nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

func cropImage(img *image.RGBA, bbox model.BBox) image.Image {
	r := image.Rect(bbox.X1, bbox.Y1, bbox.X2, bbox.Y2)
	return img.SubImage(r)
}
