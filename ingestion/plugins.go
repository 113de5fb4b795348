package ingestion

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPluginDirs returns the directories scanned for loader plugins: the
// per-user plugin directory and ./loaders relative to the working
// directory.
func DefaultPluginDirs() []string {
	dirs := []string{"loaders"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append([]string{filepath.Join(home, ".prism", "loaders")}, dirs...)
	}
	return dirs
}

// DiscoverPlugins scans the given directories for declarative loader
// definitions (*.yaml, *.yml carrying a name key) and registers each as a
// config-driven format under its lowercased name. Invalid plugin files are
// logged and skipped; discovery never fails the caller.
func DiscoverPlugins(r *Registry, dirs []string, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	// A nil slice means "use the defaults"; an empty non-nil slice disables
	// plugin discovery.
	if dirs == nil {
		dirs = DefaultPluginDirs()
	}

	registered := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			cfg, err := readPluginConfig(path)
			if err != nil {
				logger.Warn("skipping invalid loader plugin",
					slog.String("path", path), slog.Any("error", err))
				continue
			}
			name := strings.ToLower(cfg.Name)
			r.Register(name, func(_, _ string) (DatasetLoader, error) {
				return NewConfigLoaderFromConfig(cfg, logger)
			})
			registered++
			logger.Info("registered loader plugin",
				slog.String("format", name), slog.String("path", path))
		}
	}
	return registered
}

func readPluginConfig(path string) (LoaderConfig, error) {
	var cfg LoaderConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Name == "" {
		return cfg, ErrConfigValidation
	}
	// Validate eagerly so a broken plugin surfaces at discovery, not at
	// first use.
	if _, err := NewConfigLoaderFromConfig(cfg, nil); err != nil {
		return cfg, err
	}
	return cfg, nil
}
