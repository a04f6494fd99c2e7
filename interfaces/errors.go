package interfaces

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConfiguration is returned when a descriptor's configuration is
	// missing a required field or holds an invalid value.
	ErrConfiguration = errors.New("invalid source configuration")

	// ErrAuthentication is returned when a backend rejects the credentials.
	ErrAuthentication = errors.New("authentication failed")

	// ErrPermission is returned when credentials are valid but lack the
	// required rights.
	ErrPermission = errors.New("permission denied")

	// ErrNotFound is returned when the requested object or folder does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCapacityExhausted is returned when no source has enough free quota
	// for a write.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrUnsupportedOperation is returned by adapters for operations their
	// backend cannot perform.
	ErrUnsupportedOperation = errors.New("operation not supported by backend")

	// ErrTransientNetwork is returned for timeouts, rate limits and 5xx
	// responses. Retrying may succeed.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrFolderNotEmpty is returned by a non-recursive folder delete when the
	// folder still holds items.
	ErrFolderNotEmpty = errors.New("folder not empty")

	// ErrSourceNotFound is returned when an explicit source id is not in the
	// active pool.
	ErrSourceNotFound = errors.New("backend not found or inactive")

	// ErrNoSourceAvailable is returned when the pool holds no usable adapter.
	ErrNoSourceAvailable = errors.New("no storage source available")
)

// ConfigError reports an invalid or missing configuration field.
type ConfigError struct {
	Kind    SourceKind
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s %s", ErrConfiguration, e.Kind, e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// MissingField returns a ConfigError for an absent required field.
func MissingField(kind SourceKind, field string) error {
	return &ConfigError{Kind: kind, Field: field, Message: "is required"}
}

// SourceError attaches the source, operation and path to a backend failure.
type SourceError struct {
	Source string
	Op     string
	Path   string
	Err    error
}

func (e *SourceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Source, e.Op, e.Path, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Unsupported returns the error adapters use for operations they cannot perform.
func Unsupported(source, op string) error {
	return &SourceError{Source: source, Op: op, Err: ErrUnsupportedOperation}
}

// ErrorForStatus maps an HTTP status code from a backend API onto the error
// taxonomy. It returns nil for 2xx and 3xx codes.
func ErrorForStatus(code int) error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized:
		return ErrAuthentication
	case code == http.StatusForbidden:
		return ErrPermission
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusRequestEntityTooLarge, code == http.StatusInsufficientStorage:
		return ErrCapacityExhausted
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return ErrTransientNetwork
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}
