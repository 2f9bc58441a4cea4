package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"notehub/api/internal/auth"
	"notehub/api/internal/votes"
)

// DomainError carries the HTTP status and error code a service failure is
// reported with.
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, votes.ErrInvalidKind):
		return http.StatusUnprocessableEntity, "INVALID_VOTE", "vote must be up or down", nil
	case errors.Is(err, votes.ErrUnknownNote), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOTE_NOT_FOUND", "Note not found", nil
	case errors.Is(err, votes.ErrUnavailable):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Vote storage is temporarily unavailable", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
