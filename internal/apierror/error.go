package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code categorizes a client-facing error with a stable machine-readable value.
type Code string

const (
	CodeAliasTaken   Code = "M_ALIAS_TAKEN"
	CodeBadEvent     Code = "M_BAD_EVENT"
	CodeBadJSON      Code = "M_BAD_JSON"
	CodeForbidden    Code = "M_FORBIDDEN"
	CodeInvalidParam Code = "M_INVALID_PARAM"
	CodeMissingParam Code = "M_MISSING_PARAM"
	CodeNotFound     Code = "M_NOT_FOUND"
	CodeNotJSON      Code = "M_NOT_JSON"
	CodeUnimplement  Code = "M_UNIMPLEMENTED"
	CodeUnknown      Code = "M_UNKNOWN"
	CodeUnknownToken Code = "M_UNKNOWN_TOKEN"
)

// StatusCode maps the error code to the HTTP status used on the wire.
func (c Code) StatusCode() int {
	switch c {
	case CodeAliasTaken:
		return http.StatusConflict
	case CodeBadEvent, CodeBadJSON:
		return http.StatusUnprocessableEntity
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidParam, CodeMissingParam, CodeNotJSON:
		return http.StatusBadRequest
	case CodeNotFound, CodeUnimplement:
		return http.StatusNotFound
	case CodeUnknownToken:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is a client-facing API error. The wrapped cause, if any, stays
// server-side and is never serialized to the client.
type Error struct {
	Code    Code   `json:"errcode"`
	Message string `json:"error"`

	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func AliasTaken(message string) *Error {
	return build(CodeAliasTaken, message, "Alias already taken.")
}

func BadEvent(message string) *Error {
	return build(CodeBadEvent, message, "Invalid event data.")
}

func BadJSON(message string) *Error {
	return build(CodeBadJSON, message, "Invalid or missing key-value pairs in JSON.")
}

func NotJSON(message string) *Error {
	return build(CodeNotJSON, message, "No JSON found in request.")
}

func InvalidParam(param string, detail string) *Error {
	return build(CodeInvalidParam, fmt.Sprintf("Parameter %q is not valid: %s", param, detail), "")
}

func MissingParam(param string) *Error {
	return build(CodeMissingParam, fmt.Sprintf("Missing value for required parameter %q.", param), "")
}

func NotFound(message string) *Error {
	return build(CodeNotFound, message, "The requested resource was not found.")
}

func Unauthorized(message string) *Error {
	return build(CodeForbidden, message, "The request is forbidden.")
}

func Unimplemented(message string) *Error {
	return build(CodeUnimplement, message, "The requested feature is not implemented.")
}

func UnknownToken(message string) *Error {
	return build(CodeUnknownToken, message, "The access token is not recognized.")
}

// Unknown wraps an unexpected internal error. The cause is retained for
// logging but only the generic message reaches the client.
func Unknown(cause error) *Error {
	return &Error{
		Code:    CodeUnknown,
		Message: "An unknown server-side error occurred.",
		cause:   cause,
	}
}

func build(code Code, message, fallback string) *Error {
	if message == "" {
		message = fallback
	}
	return &Error{Code: code, Message: message}
}
