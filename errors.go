package prism

import (
	"errors"

	"github.com/prism-search/prism/ingestion"
	"github.com/prism-search/prism/searcher"
	"github.com/prism-search/prism/source"
	"github.com/prism-search/prism/store"
)

// Sentinel errors re-exported from the subpackages that raise them, so
// callers can handle the whole taxonomy with errors.Is against this
// package alone.
var (
	// ErrEmbedderRequired is returned by Open when no embedding model is
	// configured.
	ErrEmbedderRequired = errors.New("an embedder is required")

	// ErrPathNotFound indicates the index root does not exist.
	ErrPathNotFound = source.ErrPathNotFound
	// ErrNoFilesDiscovered indicates discovery over a valid root yielded
	// nothing.
	ErrNoFilesDiscovered = source.ErrNoFilesDiscovered
	// ErrSourceUnavailable indicates a cloud path whose provider is not
	// entitled or not configured.
	ErrSourceUnavailable = source.ErrSourceUnavailable

	// ErrUnsupportedFormat indicates an unknown dataset format id.
	ErrUnsupportedFormat = ingestion.ErrUnsupportedFormat
	// ErrConfigValidation indicates a structurally invalid loader
	// configuration.
	ErrConfigValidation = ingestion.ErrConfigValidation

	// ErrStorageTransaction indicates a rolled-back storage write.
	ErrStorageTransaction = store.ErrTransaction

	// ErrVectorDimensionMismatch indicates the store and the active
	// embedding model disagree on vector width. Re-index to remediate.
	ErrVectorDimensionMismatch = searcher.ErrVectorDimensionMismatch
)

// ErrDimensionMismatch carries the expected and found vector widths of a
// dimension mismatch. Matches ErrVectorDimensionMismatch via errors.Is.
type ErrDimensionMismatch = searcher.ErrDimensionMismatch
