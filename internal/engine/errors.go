package engine

import (
	"errors"
	"fmt"
)

// ErrSubscriptionNotFound is returned when an operation references a
// subscription id that does not exist.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ValidationError reports malformed caller input. The API layer maps it
// to a 400 response.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
