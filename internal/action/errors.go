package action

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for conditions the dispatcher classifies by identity.
var (
	// ErrPromptTooLong means a handler could not proceed because its input
	// exceeds the generation model limits.
	ErrPromptTooLong = errors.New("prompt too long for the tool")

	// ErrTimeout is fatal to the run. It is never converted to an observation.
	ErrTimeout = errors.New("run timed out")

	// ErrConnectionAborted marks a broken backend connection. Fatal to the run.
	ErrConnectionAborted = errors.New("connection aborted")
)

// EnvError is the large bucket of recoverable environment failures. Message
// is shown to the agent verbatim after the "EnvError: " prefix.
type EnvError struct {
	Message string
	Err     error
}

func (e *EnvError) Error() string { return e.Message }

func (e *EnvError) Unwrap() error { return e.Err }

// NewEnvError builds an EnvError; cause may be nil.
func NewEnvError(message string, cause error) *EnvError {
	return &EnvError{Message: message, Err: cause}
}

// EnvErrorf formats an EnvError without a cause.
func EnvErrorf(format string, args ...any) *EnvError {
	return &EnvError{Message: fmt.Sprintf(format, args...)}
}

// GenerationError is a failure reported by the text-generation backend.
type GenerationError struct {
	Message string
	Err     error
}

func (e *GenerationError) Error() string { return e.Message }

func (e *GenerationError) Unwrap() error { return e.Err }

// ArgumentError means the handler was called with missing or mistyped
// arguments. The dispatcher answers it with the action's usage schema.
type ArgumentError struct {
	Param  string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument %s: %s", e.Param, e.Reason)
}

// IsTransportFailure reports whether err is a broken backend connection.
func IsTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConnectionAborted) || strings.Contains(err.Error(), "Connection aborted")
}
