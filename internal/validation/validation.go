// Package validation provides input validation helpers and middleware for
// the settlement API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/promptsettle/internal/apierr"
)

// MaxRequestSize is the maximum request body size (1MB). Processor webhooks
// are well under it.
const MaxRequestSize = 1 << 20

// MaxIDLength bounds ids and references accepted from callers.
const MaxIDLength = 128

// ErrInvalidID is returned for malformed path ids.
var ErrInvalidID = apierr.New(apierr.KindValidation, "invalid_id", "id is malformed")

// idRegex accepts our prefixed ids and processor ids (pi_, cs_, re_, evt_).
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-:.]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks that s looks like an id or external reference.
func IsValidID(s string) bool {
	return len(s) <= MaxIDLength && idRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Err returns nil for an empty collection, otherwise an error classified
// as invalid_request.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", apierr.ErrInvalidRequest, e.Error())
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks a non-empty field against the id format.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be a valid id"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Positive checks that an amount is greater than zero.
func Positive(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed :id URL parameters early.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			apierr.Respond(c, ErrInvalidID)
			c.Abort()
			return
		}
		c.Next()
	}
}
