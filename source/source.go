// Package source implements ingestion sources: discovery of frame inputs
// from local directories (including video frame extraction) and from cloud
// object stores gated by entitlements.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/prism-search/prism/model"
)

var (
	// ErrPathNotFound is returned when no source can handle a path and the
	// path does not look like a cloud URI.
	ErrPathNotFound = errors.New("path not found")
	// ErrNoFilesDiscovered is returned when discovery over a valid root
	// yields nothing.
	ErrNoFilesDiscovered = errors.New("no files discovered")
	// ErrSourceUnavailable is returned when a path names a cloud provider
	// that is not entitled or not configured. Distinct from not-found so
	// operators fix credentials instead of chasing typos.
	ErrSourceUnavailable = errors.New("source unavailable")
)

// Source discovers ingestion inputs under a root path.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string
	// CanHandle reports whether this source serves the given root path.
	CanHandle(path string) bool
	// Discover yields inputs under root, at most maxFiles when maxFiles > 0.
	Discover(ctx context.Context, root string, maxFiles int) iter.Seq2[model.IngestionInput, error]
}

// Fetcher retrieves the content of a single discovered URI. Cloud sources
// implement it; local inputs are read directly by path.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Manager dispatches paths to the first source that can handle them.
// Registration order is precedence order.
type Manager struct {
	sources []Source
}

// NewManager creates a manager over the given sources.
func NewManager(sources ...Source) *Manager {
	return &Manager{sources: sources}
}

// Add appends a source at the lowest precedence.
func (m *Manager) Add(s Source) {
	m.sources = append(m.sources, s)
}

// SourceFor returns the first source that handles path.
func (m *Manager) SourceFor(path string) (Source, error) {
	for _, s := range m.sources {
		if s.CanHandle(path) {
			return s, nil
		}
	}
	if strings.Contains(path, "://") {
		return nil, fmt.Errorf("%w: no entitled source for %q", ErrSourceUnavailable, path)
	}
	return nil, fmt.Errorf("%w: %q", ErrPathNotFound, path)
}

// Fetch resolves a URI through the source that handles it. The source must
// implement Fetcher.
func (m *Manager) Fetch(ctx context.Context, uri string) (io.ReadCloser, error) {
	s, err := m.SourceFor(uri)
	if err != nil {
		return nil, err
	}
	f, ok := s.(Fetcher)
	if !ok {
		return nil, fmt.Errorf("%w: source %q cannot fetch %q", ErrSourceUnavailable, s.Name(), uri)
	}
	return f.Fetch(ctx, uri)
}
