package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrQuotaExhausted is returned when a rate-limit reservation is denied.
	ErrQuotaExhausted = errors.New("quota exhausted")
)

// AbandonedRunMessage is recorded on a key whose run never reported back,
// typically because the owning process died mid-run.
const AbandonedRunMessage = "run abandoned before completion"

// ConfigurationError reports missing or invalid platform/rule configuration.
// It is surfaced to callers instead of being absorbed into scheduling state.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

// Configf builds a ConfigurationError.
func Configf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
