// Package prism is an embedded semantic search engine for sensor datasets.
// It indexes images and video frames from local directories, cloud object
// stores, and structured datasets into a single SQLite file, producing
// CLIP-style embeddings and object-crop embeddings, and answers natural-
// language queries by exact cosine ranking over an in-memory vector cache.
package prism

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prism-search/prism/engine"
	"github.com/prism-search/prism/ingestion"
	"github.com/prism-search/prism/model"
	"github.com/prism-search/prism/searcher"
	"github.com/prism-search/prism/source"
	"github.com/prism-search/prism/store"
)

// Prism is the top-level handle. It owns the embedded store, the batch
// processing engine, the searcher, the source manager, and the dataset
// loader registry. Safe for concurrent use; writes serialize internally.
type Prism struct {
	opts     options
	store    *store.Store
	engine   *engine.Engine
	searcher *searcher.Searcher
	manager  *source.Manager
	registry *ingestion.Registry
	logger   *Logger

	// writeMu enforces single-writer discipline across Index, DeleteFrame,
	// and Vacuum.
	writeMu sync.Mutex
}

// Open creates a Prism instance backed by the database at the configured
// path, creating it on first use.
func Open(ctx context.Context, optFns ...Option) (*Prism, error) {
	opts := options{
		dbPath:            "prism.db",
		entitlements:      model.CommunityEntitlements{},
		logger:            NoopLogger(),
		indexBatchSize:    8,
		maxResults:        1000,
		targetFPS:         source.DefaultLocalOptions.TargetFPS,
		maxFramesPerVideo: source.DefaultLocalOptions.MaxFramesPerVideo,
		minFrameInterval:  source.DefaultLocalOptions.MinFrameInterval,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if opts.extractor == nil {
		opts.extractor = source.NewFFmpegExtractor(func(o *source.FFmpegOptions) {
			o.Logger = opts.logger.Logger
		})
	}

	st, err := store.Open(opts.dbPath, func(o *store.Options) {
		o.Logger = opts.logger.Logger
	})
	if err != nil {
		return nil, err
	}

	p := &Prism{
		opts:   opts,
		store:  st,
		logger: opts.logger,
	}

	// Cloud sources come before the catch-all local source; ordering is
	// precedence.
	p.manager = source.NewManager()
	p.manager.Add(source.NewS3(opts.entitlements, func(o *source.S3Options) {
		o.Logger = opts.logger.Logger
	}))
	p.manager.Add(source.NewMinIO(opts.entitlements, func(o *source.MinIOOptions) {
		o.Logger = opts.logger.Logger
	}))
	for _, s := range opts.extraSources {
		p.manager.Add(s)
	}
	p.manager.Add(source.NewLocal(opts.extractor, func(o *source.LocalOptions) {
		o.TargetFPS = opts.targetFPS
		o.MaxFramesPerVideo = opts.maxFramesPerVideo
		o.MinFrameInterval = opts.minFrameInterval
		o.Logger = opts.logger.Logger
	}))

	p.engine = engine.New(opts.embedder, opts.detector, func(o *engine.Options) {
		o.Device = opts.device
		o.Fetch = p.manager.Fetch
		o.Logger = opts.logger.Logger
	})
	p.searcher = searcher.New(st, opts.embedder, func(o *searcher.Options) {
		o.Logger = opts.logger.Logger
	})

	p.registry = ingestion.NewRegistry(func(o *ingestion.Options) {
		o.Logger = opts.logger.Logger
		o.Renderer = opts.renderer
	})
	ingestion.DiscoverPlugins(p.registry, opts.pluginDirs, opts.logger.Logger)

	return p, nil
}

// Close releases the underlying database connection.
func (p *Prism) Close() error {
	return p.store.Close()
}

// IndexProgress is one progress event emitted during an indexing run.
type IndexProgress struct {
	Current      int
	Total        int
	Message      string
	SkippedCount int
	ETASeconds   float64
}

// IndexSummary reports the outcome of an indexing run.
type IndexSummary struct {
	Indexed int
	Skipped int
	Errors  int
	Total   int
	Elapsed time.Duration
}

// IndexOptions contains configuration options for one indexing run.
type IndexOptions struct {
	// MaxFiles caps discovery when > 0.
	MaxFiles int
	// Progress receives incremental progress events.
	Progress func(IndexProgress)
	// Metadata attaches dataset-provided frame metadata, keyed by frame
	// path. Typically produced by LoadMetadata.
	Metadata map[string]model.FrameMetadata
}

// WithProgress sets the progress callback for an indexing run.
func WithProgress(fn func(IndexProgress)) func(*IndexOptions) {
	return func(o *IndexOptions) {
		o.Progress = fn
	}
}

// WithMaxFiles caps the number of files discovered in one indexing run.
func WithMaxFiles(n int) func(*IndexOptions) {
	return func(o *IndexOptions) {
		o.MaxFiles = n
	}
}

// WithFrameMetadata attaches dataset metadata to the indexed frames, keyed
// by frame path.
func WithFrameMetadata(meta map[string]model.FrameMetadata) func(*IndexOptions) {
	return func(o *IndexOptions) {
		o.Metadata = meta
	}
}

// Index discovers inputs under rootPath through the first matching source
// and processes them in batches: dedup by content hash, batched embedding
// and detection, one storage transaction per batch. Cancellation is honored
// at batch boundaries; completed batches stay committed.
func (p *Prism) Index(ctx context.Context, rootPath string, optFns ...func(*IndexOptions)) (IndexSummary, error) {
	var runOpts IndexOptions
	for _, fn := range optFns {
		fn(&runOpts)
	}

	start := time.Now()
	summary := IndexSummary{}

	src, err := p.manager.SourceFor(rootPath)
	if err != nil {
		return summary, err
	}
	p.logger.Info("discovering inputs",
		slog.String("root", rootPath), slog.String("source", src.Name()))

	var inputs []model.IngestionInput
	for in, err := range src.Discover(ctx, rootPath, runOpts.MaxFiles) {
		if err != nil {
			return summary, err
		}
		inputs = append(inputs, in)
	}
	if len(inputs) == 0 {
		return summary, fmt.Errorf("%w: under %q", ErrNoFilesDiscovered, rootPath)
	}
	summary.Total = len(inputs)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	emit := func(current int, message string) {
		if runOpts.Progress == nil {
			return
		}
		var eta float64
		if current > 0 {
			perItem := time.Since(start).Seconds() / float64(current)
			eta = perItem * float64(summary.Total-current)
		}
		runOpts.Progress(IndexProgress{
			Current:      current,
			Total:        summary.Total,
			Message:      message,
			SkippedCount: summary.Skipped,
			ETASeconds:   eta,
		})
	}

	for batchStart := 0; batchStart < len(inputs); batchStart += p.opts.indexBatchSize {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		batchEnd := min(batchStart+p.opts.indexBatchSize, len(inputs))
		batch := inputs[batchStart:batchEnd]

		results, err := p.engine.ProcessBatch(ctx, batch, p.store)
		if err != nil {
			return summary, err
		}

		records := make([]store.FrameRecord, 0, len(results))
		for _, res := range results {
			if res.Skipped {
				summary.Skipped++
				if res.SkipReason != "duplicate" {
					summary.Errors++
				}
				continue
			}
			records = append(records, buildRecord(res, runOpts.Metadata))
		}
		if err := p.store.BatchSave(ctx, records); err != nil {
			return summary, err
		}
		summary.Indexed += len(records)
		p.searcher.Invalidate()
		emit(batchEnd, fmt.Sprintf("indexed %d/%d", batchEnd, summary.Total))
	}

	summary.Elapsed = time.Since(start)
	emit(summary.Total, "done")
	p.logger.Info("indexing complete",
		slog.Int("indexed", summary.Indexed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("errors", summary.Errors),
		slog.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

// buildRecord converts an engine result into a storage record, attaching
// dataset metadata when present.
func buildRecord(res engine.Result, metadata map[string]model.FrameMetadata) store.FrameRecord {
	frame := model.Frame{
		Path:       res.Path,
		SourceType: store.SourceTypeForPath(res.Path),
		Width:      res.Width,
		Height:     res.Height,
		IndexedAt:  time.Now(),
	}
	if res.ContentHash != "" {
		hash := res.ContentHash
		frame.ContentHash = &hash
	}
	if meta, ok := metadata[res.Path]; ok {
		applyMetadata(&frame, meta)
	}

	embeddings := make([]model.Embedding, 0, 1+len(res.Crops))
	embeddings = append(embeddings, model.Embedding{
		Kind:   model.EmbeddingKindFullImage,
		Vector: model.EncodeVector(res.FullImage),
	})
	for _, crop := range res.Crops {
		class := crop.Class
		bbox := crop.BBox.String()
		embeddings = append(embeddings, model.Embedding{
			Kind:        model.EmbeddingKindObjectCrop,
			ObjectClass: &class,
			BBox:        &bbox,
			Vector:      model.EncodeVector(crop.Vector),
		})
	}
	if len(res.DetectedClasses) > 0 {
		if encoded, err := json.Marshal(res.DetectedClasses); err == nil {
			classes := string(encoded)
			frame.DetectedClasses = &classes
		}
	}

	return store.FrameRecord{Frame: frame, Embeddings: embeddings}
}

func applyMetadata(frame *model.Frame, meta model.FrameMetadata) {
	if !meta.Timestamp.IsZero() {
		ts := meta.Timestamp
		frame.Timestamp = &ts
	}
	frame.GPSLat = meta.GPSLat
	frame.GPSLon = meta.GPSLon
	if meta.Weather != "" {
		weather := meta.Weather
		frame.Weather = &weather
	}
	if meta.SensorAngle != "" {
		angle := meta.SensorAngle
		frame.SensorAngle = &angle
	}
	if meta.SensorKind != "" {
		kind := meta.SensorKind
		frame.SensorKind = &kind
	}
	if meta.OriginalPath != "" {
		orig := meta.OriginalPath
		frame.OriginalPath = &orig
	}
}

// SearchOptions contains configuration options for one search.
type SearchOptions struct {
	// Limit caps returned results. Zero means the instance-wide cap.
	Limit int
	// MinConfidence drops results scoring below it.
	MinConfidence float32
	// ObjectClass restricts results to frames containing a detection of
	// this class.
	ObjectClass string
}

// WithLimit caps the number of results returned by a search.
func WithLimit(n int) func(*SearchOptions) {
	return func(o *SearchOptions) {
		o.Limit = n
	}
}

// WithMinConfidence drops results scoring below the threshold.
func WithMinConfidence(c float32) func(*SearchOptions) {
	return func(o *SearchOptions) {
		o.MinConfidence = c
	}
}

// WithObjectClass restricts results to frames containing a detection of the
// given class.
func WithObjectClass(class string) func(*SearchOptions) {
	return func(o *SearchOptions) {
		o.ObjectClass = class
	}
}

// SearchResult is one ranked hit.
type SearchResult = searcher.Result

// Search embeds the query text and ranks it against every stored embedding
// by cosine similarity, deduplicated per frame. The vector cache is built
// lazily on the first query after any write.
func (p *Prism) Search(ctx context.Context, query string, optFns ...func(*SearchOptions)) ([]SearchResult, error) {
	var opts SearchOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	limit := opts.Limit
	if limit <= 0 || limit > p.opts.maxResults {
		limit = p.opts.maxResults
	}
	return p.searcher.Search(ctx, searcher.Query{
		Text:          query,
		Limit:         limit,
		MinConfidence: opts.MinConfidence,
		ObjectClass:   opts.ObjectClass,
	})
}

// DeleteFrame removes a frame and its embeddings. Returns false when the
// path is not indexed.
func (p *Prism) DeleteFrame(ctx context.Context, path string) (bool, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deleted, err := p.store.DeleteFrame(ctx, path)
	if err != nil {
		return false, err
	}
	if deleted {
		p.searcher.Invalidate()
	}
	return deleted, nil
}

// Vacuum removes orphaned embedding rows and reclaims file space.
func (p *Prism) Vacuum(ctx context.Context) (int64, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	removed, err := p.store.Vacuum(ctx)
	if err != nil {
		return removed, err
	}
	p.searcher.Invalidate()
	return removed, nil
}

// Stats reports corpus totals.
func (p *Prism) Stats(ctx context.Context) (store.Stats, error) {
	return p.store.Stats(ctx)
}

// Formats returns the registered dataset format ids.
func (p *Prism) Formats() []string {
	return p.registry.Formats()
}

// DetectFormat inspects a dataset directory and returns the most likely
// format id. ok is false when nothing matches and the caller must specify
// a format explicitly.
func (p *Prism) DetectFormat(path string) (format string, ok bool) {
	return p.registry.DetectFormat(path)
}

// LoadMetadata loads dataset metadata using the named format's loader.
// configPath may be empty for formats that locate their own configuration.
func (p *Prism) LoadMetadata(ctx context.Context, format, datasetPath, configPath string) ([]model.FrameMetadata, error) {
	loader, err := p.registry.CreateLoader(format, datasetPath, configPath)
	if err != nil {
		return nil, err
	}
	return loader.LoadMetadata(ctx, datasetPath)
}

// RegisterFormat adds a custom dataset loader factory.
func (p *Prism) RegisterFormat(name string, factory ingestion.Factory) {
	p.registry.Register(name, factory)
}
