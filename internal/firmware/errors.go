package firmware

import (
	"errors"
	"fmt"
)

// ValidationError reports a firmware file that cannot be uploaded.
type ValidationError struct {
	File   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.File == "" {
		return "invalid image: " + e.Reason
	}
	return fmt.Sprintf("invalid image %s: %s", e.File, e.Reason)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
