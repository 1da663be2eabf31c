package favorites

import (
	"errors"
	"fmt"

	"weatherfav/internal/domain"
)

var (
	// ErrConflict is wrapped by every ConflictError.
	ErrConflict = errors.New("favorite already exists")

	// ErrResetDisabled is returned by Reset on gates built without WithReset.
	ErrResetDisabled = errors.New("reset is disabled")
)

// ConflictError is the expected, non-fatal outcome of submitting a favorite
// whose normalized (userId, city) key is already taken. It carries what the
// caller needs to explain the decision.
type ConflictError struct {
	Existing  domain.Favorite
	Requested domain.Key
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: user %q already has %q (id %s)", ErrConflict, e.Requested.UserID, e.Existing.City, e.Existing.ID)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
