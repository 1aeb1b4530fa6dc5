package convert

import (
	"errors"
	"fmt"
)

// ErrorKind classifies batch-level engine failures. The set is closed;
// call sites switch on the kind rather than inspecting HTTP status codes.
type ErrorKind string

const (
	// KindConfiguration means the engine is unusable as deployed (missing
	// credentials, bad endpoint). The only kind that triggers engine-level
	// fallback.
	KindConfiguration = ErrorKind("configuration")
	// KindRateLimited means the engine rejected the batch due to quota.
	KindRateLimited = ErrorKind("rate_limited")
	// KindTransient means the batch failed for a reason that may clear
	// (timeouts, 5xx).
	KindTransient = ErrorKind("transient")
	// KindFatal means the batch was rejected permanently.
	KindFatal = ErrorKind("fatal")
)

// EngineError is a structured batch-level failure from an adapter.
type EngineError struct {
	Engine     Engine
	Kind       ErrorKind
	HTTPStatus int // zero when no HTTP exchange happened
	Reason     Reason
	Retryable  bool
	Err        error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s engine: %s: %v", e.Engine, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s engine: %s", e.Engine, e.Kind)
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewConfigurationError reports an engine that cannot run as deployed.
func NewConfigurationError(engine Engine, err error) *EngineError {
	return &EngineError{
		Engine:    engine,
		Kind:      KindConfiguration,
		Reason:    ReasonError,
		Retryable: false,
		Err:       err,
	}
}

// AsEngineError extracts an *EngineError from an error chain.
func AsEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsConfiguration reports whether err is a batch-level configuration failure.
func IsConfiguration(err error) bool {
	ee, ok := AsEngineError(err)
	return ok && ee.Kind == KindConfiguration
}
