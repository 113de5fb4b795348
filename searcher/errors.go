package searcher

import (
	"errors"
	"fmt"
)

// ErrVectorDimensionMismatch is the sentinel wrapped by
// ErrDimensionMismatch, for errors.Is checks.
var ErrVectorDimensionMismatch = errors.New("vector dimension mismatch")

// ErrDimensionMismatch reports that stored vectors and the configured
// embedding model disagree on dimensionality. The corpus must be re-indexed
// with the current model.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d (re-index with the current embedding model)", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error {
	return ErrVectorDimensionMismatch
}
