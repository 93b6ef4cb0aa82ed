package app

import (
	"fmt"
	"net/http"

	"movelog/internal/rbac"
)

const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeNotFound         = "NOT_FOUND"
	CodeUnauthenticated  = "UNAUTHENTICATED"
)

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

func unauthorized(d rbac.Decision) *DomainError {
	return domainError(http.StatusForbidden, CodeUnauthorized, "Not allowed: "+string(d.Reason), map[string]any{"reason": d.Reason})
}

func validationFailed(field, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidationFailed, message, map[string]any{"field": field})
}

// storeUnavailable carries the submitted values back so the client can put
// them into the form again. Never pass credentials as attempted.
func storeUnavailable(attempted any) *DomainError {
	return domainError(http.StatusServiceUnavailable, CodeStoreUnavailable, "Store unavailable, please resubmit", map[string]any{"attempted": attempted})
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}

func unauthenticated(message string) *DomainError {
	return domainError(http.StatusUnauthorized, CodeUnauthenticated, message, nil)
}
