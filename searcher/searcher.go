// Package searcher implements text-to-image semantic search over the
// indexed corpus: an in-memory flat vector cache rebuilt lazily from
// storage, brute-force cosine scoring, class filtering via bitmaps, and
// per-frame result deduplication.
package searcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/prism-search/prism/distance"
	"github.com/prism-search/prism/model"
	"github.com/prism-search/prism/store"
)

// maxCandidates caps the scored candidate set before metadata hydration.
const maxCandidates = 1000

// VectorSource supplies the rows the cache is built from and the metadata
// results are hydrated with. *store.Store satisfies it.
type VectorSource interface {
	ColumnVectors(ctx context.Context, fn func(id uint, vector []byte) error) error
	ClassPairs(ctx context.Context, fn func(id uint, class string) error) error
	MetadataByIDs(ctx context.Context, ids []uint) (map[uint]store.EmbeddingMeta, error)
}

// vectorCache is an immutable snapshot of the embedding corpus. A new
// snapshot replaces the old one wholesale; readers never see a partial
// build.
type vectorCache struct {
	ids        []uint
	vectors    []float32 // flat, n rows of dim values each
	dim        int
	n          int
	dropped    int
	droppedDim int
	classes    map[string]*roaring.Bitmap
	builtAt    time.Time
}

// Options contains configuration options for the searcher.
type Options struct {
	Logger *slog.Logger
}

// DefaultOptions contains the default configuration options for the
// searcher.
var DefaultOptions = Options{}

// Searcher answers text queries against the vector cache.
type Searcher struct {
	source   VectorSource
	embedder model.Embedder
	logger   *slog.Logger

	mu       sync.Mutex
	cache    *vectorCache
	building bool
	buildGen uint64
	done     chan struct{}
}

// New creates a new searcher. The cache starts empty and is built on the
// first query.
func New(source VectorSource, embedder model.Embedder, optFns ...func(o *Options)) *Searcher {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Searcher{source: source, embedder: embedder, logger: opts.Logger}
}

// Invalidate discards the current cache snapshot. The next query rebuilds.
// Safe to call during an in-flight build; the stale build result is thrown
// away.
func (s *Searcher) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
	s.buildGen++
}

// CacheSize returns the number of cached vectors, or 0 when the cache is
// empty or invalidated.
func (s *Searcher) CacheSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		return 0
	}
	return s.cache.n
}

// ensureCache returns a ready snapshot, building one if necessary. Only one
// goroutine builds; concurrent callers wait for that build and then
// re-check.
func (s *Searcher) ensureCache(ctx context.Context) (*vectorCache, error) {
	for {
		s.mu.Lock()
		if s.cache != nil {
			c := s.cache
			s.mu.Unlock()
			return c, nil
		}
		if s.building {
			done := s.done
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		s.building = true
		s.done = make(chan struct{})
		gen := s.buildGen
		done := s.done
		s.mu.Unlock()

		cache, err := s.build(ctx)

		s.mu.Lock()
		s.building = false
		close(done)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if s.buildGen != gen {
			// Invalidated while building; loop and rebuild.
			s.mu.Unlock()
			continue
		}
		s.cache = cache
		s.mu.Unlock()
		return cache, nil
	}
}

func (s *Searcher) build(ctx context.Context) (*vectorCache, error) {
	start := time.Now()
	dim := s.embedder.Dimension()
	c := &vectorCache{
		dim:     dim,
		classes: make(map[string]*roaring.Bitmap),
	}

	err := s.source.ColumnVectors(ctx, func(id uint, raw []byte) error {
		vec := model.DecodeVector(raw)
		if len(vec) != dim {
			c.dropped++
			c.droppedDim = len(vec)
			return nil
		}
		c.ids = append(c.ids, id)
		c.vectors = append(c.vectors, vec...)
		c.n++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build vector cache: %w", err)
	}

	err = s.source.ClassPairs(ctx, func(id uint, class string) error {
		bm, ok := c.classes[class]
		if !ok {
			bm = roaring.New()
			c.classes[class] = bm
		}
		bm.Add(uint32(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build class bitmaps: %w", err)
	}

	c.builtAt = time.Now()
	if c.dropped > 0 {
		s.logger.Warn("dropped cache rows with mismatched dimensionality",
			slog.Int("dropped", c.dropped),
			slog.Int("found_dimension", c.droppedDim),
			slog.Int("expected_dimension", dim))
	}
	s.logger.Info("vector cache built",
		slog.Int("vectors", c.n),
		slog.Int("classes", len(c.classes)),
		slog.Duration("elapsed", time.Since(start)))
	return c, nil
}

// Query is one search request.
type Query struct {
	// Text is the natural-language query.
	Text string
	// Limit caps returned results. Zero means no caller limit beyond the
	// internal candidate cap.
	Limit int
	// MinConfidence drops candidates scoring below it.
	MinConfidence float32
	// ObjectClass restricts candidates to embeddings whose frame contains a
	// detection of this class.
	ObjectClass string
}

// Result is one search hit.
type Result struct {
	Path            string
	Confidence      float32
	Reasoning       string
	MatchType       model.EmbeddingKind
	ObjectClass     string
	BBox            string
	Width           int
	Height          int
	IndexedAt       time.Time
	SourceType      model.SourceType
	DetectedClasses []string
}

type scored struct {
	id    uint
	score float32
}

// Search embeds the query text and scores it against every cached vector.
// Results are per-frame deduplicated keeping the best-scoring embedding of
// each frame.
func (s *Searcher) Search(ctx context.Context, q Query) ([]Result, error) {
	cache, err := s.ensureCache(ctx)
	if err != nil {
		return nil, err
	}
	if cache.n == 0 {
		if cache.dropped > 0 {
			// Every stored vector was produced by a different model; an
			// empty result would silently mask the misconfiguration.
			return nil, &ErrDimensionMismatch{Expected: cache.dim, Actual: cache.droppedDim}
		}
		return []Result{}, nil
	}

	queryVec, err := s.embedder.EmbedText(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(queryVec) != cache.dim {
		return nil, &ErrDimensionMismatch{Expected: cache.dim, Actual: len(queryVec)}
	}
	distance.NormalizeL2InPlace(queryVec)

	var classBM *roaring.Bitmap
	if q.ObjectClass != "" {
		classBM = cache.classes[q.ObjectClass]
		if classBM == nil {
			return []Result{}, nil
		}
	}

	candidates := make([]scored, 0, cache.n)
	for i := 0; i < cache.n; i++ {
		id := cache.ids[i]
		if classBM != nil && !classBM.Contains(uint32(id)) {
			continue
		}
		score := distance.Dot(queryVec, cache.vectors[i*cache.dim:(i+1)*cache.dim])
		if score < q.MinConfidence {
			continue
		}
		candidates = append(candidates, scored{id: id, score: score})
	}
	if len(candidates) == 0 {
		return []Result{}, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	ids := make([]uint, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	meta, err := s.source.MetadataByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate results: %w", err)
	}

	limit := q.Limit
	if limit <= 0 || limit > maxCandidates {
		limit = maxCandidates
	}

	seenPaths := make(map[string]struct{})
	results := make([]Result, 0, min(limit, len(candidates)))
	for _, c := range candidates {
		m, ok := meta[c.id]
		if !ok {
			continue
		}
		if _, dup := seenPaths[m.FramePath]; dup {
			continue
		}
		seenPaths[m.FramePath] = struct{}{}

		results = append(results, Result{
			Path:            m.FramePath,
			Confidence:      c.score,
			Reasoning:       reasoning(c.score, m.ObjectClass),
			MatchType:       m.Kind,
			ObjectClass:     m.ObjectClass,
			BBox:            m.BBox,
			Width:           m.Width,
			Height:          m.Height,
			IndexedAt:       m.IndexedAt,
			SourceType:      m.SourceType,
			DetectedClasses: m.DetectedClasses,
		})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// reasoning maps a confidence score to a human-readable explanation band.
// Object-crop matches score lower on average than full-image matches, so
// they get their own thresholds.
func reasoning(score float32, objectClass string) string {
	if objectClass != "" {
		switch {
		case score >= 0.22:
			return fmt.Sprintf("strong match on detected %s", objectClass)
		case score >= 0.12:
			return fmt.Sprintf("moderate match on detected %s", objectClass)
		default:
			return fmt.Sprintf("possible match on detected %s", objectClass)
		}
	}
	switch {
	case score >= 0.25:
		return "strong visual match"
	case score >= 0.15:
		return "moderate visual match"
	default:
		return "weak visual match"
	}
}
