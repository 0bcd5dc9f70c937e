// Package apierr defines the settlement error taxonomy and its HTTP mapping.
//
// Domain packages declare their sentinels with New so that every failure
// carries a stable kind and code. Handlers translate any error chain with
// Respond; errors without a classified sentinel become internal_error.
package apierr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind is the category an error belongs to.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
	KindConcurrentModification
	KindExternalService
	KindIllegalTransition
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindConcurrentModification:
		return "concurrent_modification"
	case KindExternalService:
		return "external_service"
	case KindIllegalTransition:
		return "illegal_transition"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind to its response status. Conflicts are successful
// no-ops from the caller's point of view.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusOK
	case KindConcurrentModification:
		return http.StatusConflict
	case KindExternalService:
		return http.StatusBadGateway
	case KindIllegalTransition:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the same request unchanged.
func (k Kind) Retryable() bool {
	return k == KindConcurrentModification || k == KindExternalService || k == KindInternal || k == KindRateLimited
}

// Error is a classified error with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// New declares a classified sentinel.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Classify returns the first classified error in err's chain.
func Classify(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal when unclassified.
func KindOf(err error) Kind {
	if e, ok := Classify(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err belongs to kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Respond writes err as {error, message} with the mapped status. Internal
// and external-service messages are not echoed to the client.
func Respond(c *gin.Context, err error) {
	e, ok := Classify(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
		return
	}

	message := err.Error()
	switch e.Kind {
	case KindInternal:
		message = "An unexpected error occurred"
	case KindExternalService:
		message = e.Message
	}

	c.JSON(e.Kind.HTTPStatus(), gin.H{
		"error":   e.Code,
		"message": message,
	})
}

// Shared sentinels used across packages.
var (
	ErrInvalidRequest  = New(KindValidation, "invalid_request", "invalid request")
	ErrUnauthenticated = New(KindAuth, "unauthenticated", "authentication required")
	ErrForbidden       = New(KindForbidden, "forbidden", "not permitted")
	ErrRateLimited     = New(KindRateLimited, "rate_limit_exceeded", "too many requests")
)
