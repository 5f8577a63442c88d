package ledger

import (
	"errors"
	"fmt"
)

// ErrInconsistent marks an equity-identity violation. It is the one ledger
// error that aborts a whole run.
var ErrInconsistent = errors.New("ledger inconsistency")

// InsufficientCapitalError reports that a position's required reservation or
// a share purchase exceeds the unreserved cash.
type InsufficientCapitalError struct {
	Required  float64
	Available float64
}

func (e *InsufficientCapitalError) Error() string {
	return fmt.Sprintf("insufficient capital: need $%.2f, have $%.2f available",
		e.Required, e.Available)
}

// CapacityError reports that the open-position cap has been reached. New
// entries are rejected, never queued.
type CapacityError struct {
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("open position cap reached (%d)", e.Max)
}
