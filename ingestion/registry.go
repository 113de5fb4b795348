// Package ingestion implements dataset-metadata loading: a registry of
// format loaders with filesystem-based auto-detection, configurable
// CSV/JSON loaders, a nuScenes loader, and declarative loader plugins.
package ingestion

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/prism-search/prism/model"
)

// DatasetLoader extracts canonical frame metadata from a dataset directory.
type DatasetLoader interface {
	LoadMetadata(ctx context.Context, datasetPath string) ([]model.FrameMetadata, error)
}

// Factory constructs a loader for a dataset. configPath is empty for
// formats that need no configuration file.
type Factory func(datasetPath, configPath string) (DatasetLoader, error)

// Options contains configuration options for the registry.
type Options struct {
	Logger *slog.Logger
	// Renderer is passed to loaders that visualize point-cloud samples.
	Renderer model.PointCloudRenderer
}

// DefaultOptions contains the default configuration options for the
// registry.
var DefaultOptions = Options{}

// Registry maps format names to loader factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *slog.Logger
	renderer  model.PointCloudRenderer
}

// NewRegistry creates a registry with the built-in formats registered:
// nuscenes, csv, json, config:csv, and config:json.
func NewRegistry(optFns ...func(o *Options)) *Registry {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	r := &Registry{
		factories: make(map[string]Factory),
		logger:    opts.Logger,
		renderer:  opts.Renderer,
	}

	r.Register("nuscenes", func(datasetPath, _ string) (DatasetLoader, error) {
		return NewNuScenesLoader(datasetPath, r.renderer, r.logger), nil
	})
	configFactory := func(datasetPath, configPath string) (DatasetLoader, error) {
		if configPath == "" {
			configPath = findDatasetConfig(datasetPath)
		}
		if configPath == "" {
			return nil, fmt.Errorf("%w: no configuration file found in %q", ErrConfigValidation, datasetPath)
		}
		return NewConfigLoader(configPath, r.logger)
	}
	r.Register("csv", configFactory)
	r.Register("json", configFactory)
	r.Register("config:csv", configFactory)
	r.Register("config:json", configFactory)
	return r
}

// Register adds or replaces the factory for a format name.
func (r *Registry) Register(format string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(format)] = factory
}

// Formats returns the registered format names, sorted.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	formats := make([]string, 0, len(r.factories))
	for f := range r.factories {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}

// CreateLoader constructs a loader for the given format.
func (r *Registry) CreateLoader(format, datasetPath, configPath string) (DatasetLoader, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(format)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnsupportedFormat, format, strings.Join(r.Formats(), ", "))
	}
	return factory(datasetPath, configPath)
}

// DetectFormat inspects a dataset directory and returns the most likely
// format name. Checked in order: nuScenes table layout, a prism_config
// file, CSV files, multiple JSON files — the file checks search the whole
// tree, not just the top level. Returns ok=false when nothing matches.
func (r *Registry) DetectFormat(datasetPath string) (string, bool) {
	for _, version := range []string{"v1.0-mini", "v1.0-trainval", "v1.0-test", "v1.0"} {
		if dirExists(filepath.Join(datasetPath, "data", "sets", "nuscenes", version)) {
			return "nuscenes", true
		}
		if dirExists(filepath.Join(datasetPath, version)) {
			return "nuscenes", true
		}
	}

	if configPath := findDatasetConfig(datasetPath); configPath != "" {
		switch format := configDeclaredFormat(configPath); format {
		case "csv", "json":
			return "config:" + format, true
		}
		// Config present but format undeclared; fall through to globs.
	}

	if countFilesByExt(datasetPath, ".csv", 1) > 0 {
		return "csv", true
	}
	if countFilesByExt(datasetPath, ".json", 2) > 1 {
		return "json", true
	}
	return "", false
}

// countFilesByExt walks the tree counting files with the given extension,
// stopping once limit is reached. Metadata files may sit below the dataset
// root, so detection cannot glob only the top level.
func countFilesByExt(root, ext string, limit int) int {
	count := 0
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ext) {
			if count++; count >= limit {
				return fs.SkipAll
			}
		}
		return nil
	})
	return count
}

// findDatasetConfig returns the path of the dataset's prism_config file, or
// empty when none exists.
func findDatasetConfig(datasetPath string) string {
	for _, name := range []string{"prism_config.yaml", "prism_config.yml", "prism_config.json"} {
		p := filepath.Join(datasetPath, name)
		if fileExists(p) {
			return p
		}
	}
	return ""
}

// configDeclaredFormat reads only the format key of a config file. A
// malformed file yields empty; full validation happens at load time.
func configDeclaredFormat(configPath string) string {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return ""
	}
	var header struct {
		Format string `yaml:"format" json:"format"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return ""
	}
	return strings.ToLower(header.Format)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
