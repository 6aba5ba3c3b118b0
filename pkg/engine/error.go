package engine

import (
	"errors"
	"fmt"
)

// ErrorCode identifies one entry of the engine's error taxonomy. Codes are
// stable strings; the REST layer maps them to HTTP statuses.
type ErrorCode string

const (
	ErrCodeDefinitionNotFound      ErrorCode = "DEFINITION_NOT_FOUND"
	ErrCodeCaseNotFound            ErrorCode = "CASE_NOT_FOUND"
	ErrCodeInvalidInitialVariables ErrorCode = "INVALID_INITIAL_VARIABLES"
	ErrCodeTokenNotActive          ErrorCode = "TOKEN_NOT_ACTIVE"
	ErrCodeInvalidTransition       ErrorCode = "INVALID_TRANSITION"
	ErrCodeNoMatchingRoute         ErrorCode = "NO_MATCHING_ROUTE"
	ErrCodeRoutingLoopDetected     ErrorCode = "ROUTING_LOOP_DETECTED"
	ErrCodeCaseNotRunning          ErrorCode = "CASE_NOT_RUNNING"
	ErrCodeInvalidDefinition       ErrorCode = "INVALID_DEFINITION"
)

// EngineError is a typed failure of an engine command. Every taxonomy error
// leaves the affected case untouched; the enclosing batch is never flushed
// when one of these is returned.
type EngineError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(code ErrorCode, format string, a ...interface{}) error {
	return &EngineError{
		Code: code,
		Msg:  fmt.Sprintf(format, a...),
	}
}

// CodeOf extracts the taxonomy code from err, empty when err is not an
// engine error.
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// ExpressionEvaluationError wraps a failure to evaluate a flow condition or
// script-task body.
type ExpressionEvaluationError struct {
	Msg string
	Err error
}

func (e *ExpressionEvaluationError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ExpressionEvaluationError) Unwrap() error {
	return e.Err
}
