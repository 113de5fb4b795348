package source

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prism-search/prism/model"
)

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".bmp":  {},
	".gif":  {},
	".webp": {},
}

var videoExtensions = map[string]struct{}{
	".mp4":  {},
	".avi":  {},
	".mov":  {},
	".mkv":  {},
	".webm": {},
	".m4v":  {},
}

// LocalOptions contains configuration options for the local source.
type LocalOptions struct {
	// TargetFPS is the requested video sampling rate.
	TargetFPS float64
	// MaxFramesPerVideo caps frames extracted per video file.
	MaxFramesPerVideo int
	// MinFrameInterval floors the spacing between extracted frames, in
	// seconds.
	MinFrameInterval float64
	Logger           *slog.Logger
}

// DefaultLocalOptions contains the default configuration options for the
// local source.
var DefaultLocalOptions = LocalOptions{
	TargetFPS:         1.0,
	MaxFramesPerVideo: 300,
	MinFrameInterval:  0.5,
}

// Local discovers images and videos under a local directory tree. Videos
// are expanded into in-memory extracted frames through the configured
// extractor.
type Local struct {
	extractor model.VideoExtractor
	opts      LocalOptions
	logger    *slog.Logger
}

// NewLocal creates a local source. extractor may be nil, in which case
// video files are skipped.
func NewLocal(extractor model.VideoExtractor, optFns ...func(o *LocalOptions)) *Local {
	opts := DefaultLocalOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Local{extractor: extractor, opts: opts, logger: opts.Logger}
}

// Name implements Source.
func (l *Local) Name() string { return "local" }

// CanHandle implements Source. The local source accepts anything without a
// URI scheme; it must be registered last.
func (l *Local) CanHandle(path string) bool {
	return !strings.Contains(path, "://")
}

// Discover walks root recursively, yielding image paths and extracted
// video frames. A single file root yields just that file.
func (l *Local) Discover(ctx context.Context, root string, maxFiles int) iter.Seq2[model.IngestionInput, error] {
	return func(yield func(model.IngestionInput, error) bool) {
		info, err := os.Stat(root)
		if err != nil {
			yield(model.IngestionInput{}, fmt.Errorf("%w: %q", ErrPathNotFound, root))
			return
		}

		count := 0
		emit := func(in model.IngestionInput) bool {
			if maxFiles > 0 && count >= maxFiles {
				return false
			}
			count++
			return yield(in, nil)
		}

		if !info.IsDir() {
			l.discoverFile(ctx, root, emit)
			return
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				l.logger.Warn("skipping unreadable entry", slog.String("path", path), slog.Any("error", err))
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if maxFiles > 0 && count >= maxFiles {
				return filepath.SkipAll
			}
			if !l.discoverFile(ctx, path, emit) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield(model.IngestionInput{}, err)
		}
	}
}

// discoverFile routes one file by extension. Returns false when iteration
// should stop.
func (l *Local) discoverFile(ctx context.Context, path string, emit func(model.IngestionInput) bool) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := imageExtensions[ext]; ok {
		return emit(model.IngestionInput{Path: path})
	}
	if _, ok := videoExtensions[ext]; ok {
		if l.extractor == nil {
			l.logger.Warn("skipping video, no extractor configured", slog.String("path", path))
			return true
		}
		return l.discoverVideo(ctx, path, emit)
	}
	return true
}

func (l *Local) discoverVideo(ctx context.Context, path string, emit func(model.IngestionInput) bool) bool {
	opts := model.ExtractOptions{
		TargetFPS:   l.opts.TargetFPS,
		MaxFrames:   l.opts.MaxFramesPerVideo,
		MinInterval: l.opts.MinFrameInterval,
	}
	extracted := 0
	for frame, err := range l.extractor.ExtractFrames(ctx, path, opts) {
		if err != nil {
			l.logger.Warn("video extraction failed", slog.String("path", path), slog.Any("error", err))
			return true
		}
		if !emit(model.IngestionInput{Path: frame.VirtualPath, Image: frame.Image}) {
			return false
		}
		extracted++
	}
	l.logger.Debug("extracted video frames", slog.String("path", path), slog.Int("frames", extracted))
	return true
}
