package rules

import (
	"errors"
	"fmt"
)

// DeniedError reports a failed authorization check. It is returned to the
// caller as is and never retried.
type DeniedError struct {
	Operation  Operation
	Collection string
	Reason     string
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s %s denied: %s", e.Operation, e.Collection, e.Reason)
}

// IsDenied reports whether err is or wraps a *DeniedError.
func IsDenied(err error) bool {
	var de *DeniedError
	return errors.As(err, &de)
}
