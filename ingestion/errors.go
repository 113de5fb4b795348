package ingestion

import "errors"

var (
	// ErrUnsupportedFormat is returned when a format name has no registered
	// loader factory.
	ErrUnsupportedFormat = errors.New("unsupported dataset format")
	// ErrConfigValidation is returned when a loader configuration is
	// structurally invalid. Configuration errors are fatal; row errors are
	// not.
	ErrConfigValidation = errors.New("invalid loader configuration")
	// ErrMissingRequiredField is returned when a metadata row lacks the
	// frame path field.
	ErrMissingRequiredField = errors.New("missing required field")
	// ErrTimestampParse is returned when no parsing strategy accepts a
	// row's timestamp value. Scoped to the row, never the run.
	ErrTimestampParse = errors.New("unparseable timestamp")
)
