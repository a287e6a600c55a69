package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ConfigError reports an invalid or incomplete configuration.
// Configuration problems are fatal at construction time - they are never
// retried and never deferred to first use.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// NewConfigError creates a ConfigError for the given field.
func NewConfigError(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ProviderError is a failure surfaced by a generation or embedding backend.
// Transient failures (timeouts, rate limits) may be retried within the
// gateway's budget; permanent failures (auth, invalid request) never are.
type ProviderError struct {
	Backend   string
	Op        string // "generate" or "embed"
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("backend %s: %s: %s error: %v", e.Backend, e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retryable provider failure.
func TransientError(backend, op string, err error) *ProviderError {
	return &ProviderError{Backend: backend, Op: op, Transient: true, Err: err}
}

// PermanentError wraps err as a non-retryable provider failure.
func PermanentError(backend, op string, err error) *ProviderError {
	return &ProviderError{Backend: backend, Op: op, Transient: false, Err: err}
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

// IsPermanent reports whether err is a provider failure that must not be retried.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && !pe.Transient
}

// IngestionError reports that the memory store was unavailable while
// memorizing a unit. The resource may be lost; callers must see this.
type IngestionError struct {
	UserID string
	Err    error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion failed for user %s: %v", e.UserID, e.Err)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

// RoundFailure reports an arena round in which no backend produced a
// successful candidate. Every backend's individual failure reason is
// carried - partial failures are never silently hidden.
type RoundFailure struct {
	Reasons map[string]error // backend id -> failure reason
}

func (e *RoundFailure) Error() string {
	if len(e.Reasons) == 0 {
		return "arena round failed: no backends configured"
	}
	backends := make([]string, 0, len(e.Reasons))
	for id := range e.Reasons {
		backends = append(backends, id)
	}
	sort.Strings(backends)
	parts := make([]string, 0, len(backends))
	for _, id := range backends {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Reasons[id]))
	}
	return "arena round failed: " + strings.Join(parts, "; ")
}
