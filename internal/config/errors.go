package config

import (
	"errors"
	"fmt"
)

// ErrMissingKey is returned when no encryption key is configured.
var ErrMissingKey = errors.New("no encryption key configured")

// ConfigError reports an invalid or missing setting.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
