package shared

import "errors"

// ErrValidation indicates request data failed validation.
var ErrValidation = errors.New("validation failed")
