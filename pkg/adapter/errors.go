package adapter

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of adapter failures. Every failure an
// adapter surfaces is exactly one of these.
type ErrorKind string

const (
	KindInvalidInput    ErrorKind = "InvalidInput"
	KindToolMissing     ErrorKind = "ToolMissing"
	KindExecutionFailed ErrorKind = "ExecutionFailed"
	KindTimeout         ErrorKind = "Timeout"
	KindParseError      ErrorKind = "ParseError"
	KindCanceled        ErrorKind = "Canceled"
)

// Error is the typed failure value crossing every adapter boundary.
type Error struct {
	Kind       ErrorKind
	ToolID     string
	Message    string
	FieldPath  string // set for InvalidInput
	ExitCode   int    // set for ExecutionFailed
	StderrTail string // set for ExecutionFailed and Timeout
	Partial    []byte // partial native output, set for Timeout when streamed
	Err        error
}

func (e *Error) Error() string {
	if e.FieldPath != "" {
		return fmt.Sprintf("%s [%s] %s: %s", e.Kind, e.ToolID, e.FieldPath, e.Message)
	}
	if e.Kind == KindExecutionFailed {
		return fmt.Sprintf("%s [%s] exit=%d: %s", e.Kind, e.ToolID, e.ExitCode, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.ToolID, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewInvalidInput(toolID, fieldPath, message string) *Error {
	return &Error{Kind: KindInvalidInput, ToolID: toolID, FieldPath: fieldPath, Message: message}
}

func NewToolMissing(toolID, message string) *Error {
	return &Error{Kind: KindToolMissing, ToolID: toolID, Message: message}
}

func NewExecutionFailed(toolID string, exitCode int, stderrTail string) *Error {
	return &Error{
		Kind:       KindExecutionFailed,
		ToolID:     toolID,
		ExitCode:   exitCode,
		StderrTail: stderrTail,
		Message:    fmt.Sprintf("tool exited with code %d", exitCode),
	}
}

func NewTimeout(toolID string, partial []byte) *Error {
	return &Error{Kind: KindTimeout, ToolID: toolID, Partial: partial, Message: "deadline exceeded"}
}

func NewParseError(toolID, message string, err error) *Error {
	return &Error{Kind: KindParseError, ToolID: toolID, Message: message, Err: err}
}

func NewCanceled(toolID string) *Error {
	return &Error{Kind: KindCanceled, ToolID: toolID, Message: "canceled"}
}

// KindOf classifies any error against the taxonomy. Errors produced outside
// the adapter layer count as ExecutionFailed.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindExecutionFailed
}

// AsError extracts the typed adapter error, if any.
func AsError(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}
