package collector

import "errors"

var (
	// ErrInvalidRequest is returned for a control message that cannot be parsed.
	ErrInvalidRequest = errors.New("invalid collector request")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid collector config")
)
