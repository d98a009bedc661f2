// Package errors provides structured error handling for gristmill.
//
// Every failure inside the engine is classified by Kind. Item-level kinds
// (parse, transform, write) are recorded against the run statistics and do
// not abort a stage; run-level kinds (input discovery, stage exhausted)
// fail the run.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Kind represents the category of a pipeline error.
type Kind string

const (
	// KindInputDiscovery represents input file discovery failures.
	// Discovery errors fail the run.
	KindInputDiscovery Kind = "input_discovery"
	// KindItemParse represents a single input file that could not be
	// read or parsed. Item-level.
	KindItemParse Kind = "item_parse"
	// KindTransform represents a partition whose transform strategy
	// failed. Item-level.
	KindTransform Kind = "transform"
	// KindWrite represents a single load or output write failure.
	// Item-level.
	KindWrite Kind = "write"
	// KindStageExhausted represents a stage that produced zero
	// successful items. Fails the run.
	KindStageExhausted Kind = "stage_exhausted"
	// KindConfig represents configuration validation errors.
	KindConfig Kind = "config"
	// KindInternal represents internal engine errors, including
	// recovered panics.
	KindInternal Kind = "internal"
)

// Error represents a structured error with context
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given kind and message
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Kind:    kind,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)

	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Kind:    kind,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// KindOf returns the kind of an error. Unclassified errors report
// KindInternal; a nil error reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return KindInternal
	}
	return e.Kind
}

// IsKind checks if the error is of the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// ItemLevel reports whether errors of this kind are recorded per item
// rather than aborting the stage.
func ItemLevel(kind Kind) bool {
	switch kind {
	case KindItemParse, KindTransform, KindWrite:
		return true
	default:
		return false
	}
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
