// Package apperr provides the typed error taxonomy used across the control
// plane and dispatcher.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes, one per error kind named in the component design.
const (
	CodeBadRequest               = "BAD_REQUEST"
	CodeUnauthorized             = "UNAUTHORIZED"
	CodeForbidden                = "FORBIDDEN"
	CodeNotFound                 = "NOT_FOUND"
	CodeConflict                 = "CONFLICT"
	CodeExternalServiceUnavail   = "EXTERNAL_SERVICE_UNAVAILABLE"
	CodeCallbackForwardFailed    = "CALLBACK_FORWARD_FAILED"
	CodeStorageError             = "STORAGE_ERROR"
	CodeWorkspaceNotFound        = "WORKSPACE_NOT_FOUND"
	CodeContainerStartFailed     = "CONTAINER_START_FAILED"
	CodeInternal                 = "INTERNAL"
)

// Error is an application error carrying a kind, an HTTP status, a message,
// and an optional wrapped cause.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func new(code, message string, status int, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func NotFound(resource, id string) *Error {
	return new(CodeNotFound, fmt.Sprintf("%s with id '%s' not found", resource, id), http.StatusNotFound, nil)
}

func BadRequest(message string) *Error {
	return new(CodeBadRequest, message, http.StatusBadRequest, nil)
}

func Unauthorized(message string) *Error {
	return new(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func Forbidden(message string) *Error {
	return new(CodeForbidden, message, http.StatusForbidden, nil)
}

func Conflict(message string) *Error {
	return new(CodeConflict, message, http.StatusConflict, nil)
}

func ExternalServiceUnavailable(service string) *Error {
	return new(CodeExternalServiceUnavail, fmt.Sprintf("service '%s' is currently unavailable", service), http.StatusServiceUnavailable, nil)
}

func CallbackForwardFailed(message string, err error) *Error {
	return new(CodeCallbackForwardFailed, message, http.StatusBadGateway, err)
}

func StorageError(message string, err error) *Error {
	return new(CodeStorageError, message, http.StatusInternalServerError, err)
}

func WorkspaceNotFound(sessionID string) *Error {
	return new(CodeWorkspaceNotFound, fmt.Sprintf("workspace for session '%s' not found", sessionID), http.StatusNotFound, nil)
}

func ContainerStartFailed(message string, err error) *Error {
	return new(CodeContainerStartFailed, message, http.StatusInternalServerError, err)
}

func Internal(message string, err error) *Error {
	return new(CodeInternal, message, http.StatusInternalServerError, err)
}

// Wrap wraps err with additional context, preserving an existing Error's
// code and status; unknown errors are wrapped as internal.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return &Error{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return Internal(message, err)
}

func IsNotFound(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == CodeNotFound
}

func IsConflict(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == CodeConflict
}

func IsBadRequest(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == CodeBadRequest
}

// HTTPStatus returns the HTTP status for err, defaulting to 500 when err is
// not an *Error.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
