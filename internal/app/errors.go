package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"kanban/api/internal/auth"
	"kanban/api/internal/orderkey"
	"kanban/api/internal/reorder"
	"kanban/api/internal/store"
)

// DomainError is an error that already knows its HTTP response. Details, when
// set, is echoed to the client under "details".
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}

func invalid(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

// requiredName trims name and rejects it when nothing is left.
func requiredName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("name is required")
	}
	return name, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		message := http.StatusText(httpErr.Code)
		if m, ok := httpErr.Message.(string); ok && m != "" {
			message = m
		}
		return httpErr.Code, strings.ToUpper(strings.ReplaceAll(http.StatusText(httpErr.Code), " ", "_")), message, nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, reorder.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, reorder.ErrConflict), errors.Is(err, store.ErrStale), errors.Is(err, orderkey.ErrExhausted):
		return http.StatusConflict, "CONFLICT", "Board changed, reload and retry", nil
	case errors.Is(err, reorder.ErrPreconditionFailed):
		return http.StatusPreconditionFailed, "PRECONDITION_FAILED", unwrapMessage(err), nil
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// unwrapMessage drops the sentinel prefix from a wrapped reorder error.
func unwrapMessage(err error) string {
	_, detail, ok := strings.Cut(err.Error(), ": ")
	if !ok {
		return err.Error()
	}
	return detail
}
