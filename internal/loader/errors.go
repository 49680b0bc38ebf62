package loader

import (
	"errors"
	"fmt"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
)

var (
	// ErrAborted settles a load that was cancelled by a visibility sweep,
	// a timeout or Close. Timeouts also match context.DeadlineExceeded.
	ErrAborted = errors.New("tile load aborted")
	ErrClosed  = errors.New("load controller closed")

	// ErrCapacityViolation is the panic value raised when more loads are in
	// flight than the concurrency limit allows.
	ErrCapacityViolation = errors.New("in-flight loads exceed concurrency limit")
)

// ProviderError carries a data provider failure for one tile.
type ProviderError struct {
	Addr model.TileAddress
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("fetch tile %s: %v", e.Addr.Key(), e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func aborted(cause error) error {
	if cause == nil {
		return ErrAborted
	}
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}
