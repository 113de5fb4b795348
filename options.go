package prism

import (
	"github.com/prism-search/prism/engine"
	"github.com/prism-search/prism/model"
	"github.com/prism-search/prism/source"
)

type options struct {
	dbPath             string
	embedder           model.Embedder
	detector           model.Detector
	entitlements       model.Entitlements
	extractor          model.VideoExtractor
	renderer           model.PointCloudRenderer
	logger             *Logger
	device             engine.DeviceClass
	indexBatchSize     int
	maxResults         int
	pluginDirs         []string
	targetFPS          float64
	maxFramesPerVideo  int
	minFrameInterval   float64
	extraSources       []source.Source
}

// Option configures Prism constructor behavior.
type Option func(*options)

// WithDBPath sets the SQLite database file path. Defaults to "prism.db" in
// the working directory.
func WithDBPath(path string) Option {
	return func(o *options) {
		o.dbPath = path
	}
}

// WithEmbedder sets the embedding model. Required.
func WithEmbedder(e model.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithDetector sets the object-detection model. Without one, indexing
// produces full-image embeddings only.
func WithDetector(d model.Detector) Option {
	return func(o *options) {
		o.detector = d
	}
}

// WithEntitlements sets the capability/credentials provider gating cloud
// sources. Defaults to denying every gated capability.
func WithEntitlements(e model.Entitlements) Option {
	return func(o *options) {
		o.entitlements = e
	}
}

// WithVideoExtractor sets the video frame-extraction adapter. Defaults to
// the ffmpeg-based extractor.
func WithVideoExtractor(v model.VideoExtractor) Option {
	return func(o *options) {
		o.extractor = v
	}
}

// WithPointCloudRenderer sets the LiDAR visualization adapter. Without one,
// point-cloud samples are skipped during metadata loading.
func WithPointCloudRenderer(r model.PointCloudRenderer) Option {
	return func(o *options) {
		o.renderer = r
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDevice sets the compute device class driving embedding batch sizes.
func WithDevice(d engine.DeviceClass) Option {
	return func(o *options) {
		o.device = d
	}
}

// WithIndexBatchSize sets the number of inputs processed per indexing
// batch. Each batch commits atomically; cancellation is honored between
// batches.
func WithIndexBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.indexBatchSize = n
		}
	}
}

// WithMaxResults caps the number of results a search returns before the
// caller's own limit.
func WithMaxResults(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxResults = n
		}
	}
}

// WithPluginDirs overrides the directories scanned for loader plugins.
func WithPluginDirs(dirs ...string) Option {
	return func(o *options) {
		o.pluginDirs = dirs
	}
}

// WithVideoSampling tunes video frame extraction: target sampling rate,
// per-video frame cap, and minimum inter-frame interval in seconds.
func WithVideoSampling(targetFPS float64, maxFrames int, minInterval float64) Option {
	return func(o *options) {
		if targetFPS > 0 {
			o.targetFPS = targetFPS
		}
		if maxFrames > 0 {
			o.maxFramesPerVideo = maxFrames
		}
		if minInterval >= 0 {
			o.minFrameInterval = minInterval
		}
	}
}

// WithSource registers an additional ingestion source ahead of the built-in
// local source.
func WithSource(s source.Source) Option {
	return func(o *options) {
		o.extraSources = append(o.extraSources, s)
	}
}
