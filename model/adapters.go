package model

import (
	"context"
	"image"
	"iter"
)

// Embedder is the external embedding model. Implementations report a fixed
// output dimensionality and must return one vector per input, in input order.
// Inference runtimes are generally unsafe to call concurrently against one
// loaded model instance; callers batch instead of parallelizing calls.
type Embedder interface {
	EmbedImages(ctx context.Context, images []image.Image) ([][]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Detector is the external object-detection model. Detect returns one
// detection list per input image, in input order.
type Detector interface {
	Detect(ctx context.Context, images []image.Image) ([][]Detection, error)
}

// Entitlements gates optional capabilities (cloud ingestion) and supplies
// provider credentials.
type Entitlements interface {
	IsAllowed(capability string) bool
	// CredentialsFor returns opaque provider configuration, or ok=false when
	// the provider has no explicit credentials configured.
	CredentialsFor(provider string) (map[string]string, bool)
}

// CommunityEntitlements denies every gated capability. It is the default
// when no entitlement check is wired in.
type CommunityEntitlements struct{}

func (CommunityEntitlements) IsAllowed(string) bool { return false }

func (CommunityEntitlements) CredentialsFor(string) (map[string]string, bool) { return nil, false }

// ExtractOptions controls video frame sampling.
type ExtractOptions struct {
	// TargetFPS is the requested sampling rate.
	TargetFPS float64
	// MaxFrames caps extraction per video when > 0.
	MaxFrames int
	// MinInterval floors the spacing between sampled frames, in seconds.
	MinInterval float64
}

// VideoExtractor turns a video file into a lazy, finite sequence of frames.
// Implementations derive the frame stride from the sampling options and
// must honor MaxFrames.
type VideoExtractor interface {
	ExtractFrames(ctx context.Context, videoPath string, opts ExtractOptions) iter.Seq2[ExtractedFrame, error]
}

// PointCloudRenderer converts a point-cloud file into a 2-D visualization
// image at outPath. kind selects the visualization (e.g. "bev").
type PointCloudRenderer interface {
	Render(ctx context.Context, pointCloudPath, outPath, kind string) error
}
