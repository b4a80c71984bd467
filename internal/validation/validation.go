// Package validation provides input validation for the risk API.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxQueryLength bounds a protocol name or slug.
const MaxQueryLength = 64

// protocolQueryRegex accepts DefiLlama slugs and display names
// ("aave-v3", "Curve DEX", "Uniswap V3", "stake.link").
var protocolQueryRegex = regexp.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N} ._\-()]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidProtocolQuery reports whether s can name a protocol.
func IsValidProtocolQuery(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && len(s) <= MaxQueryLength && protocolQueryRegex.MatchString(s)
}

// SanitizeString trims whitespace, removes null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
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

// Validate runs validators and collects their errors
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

// ProtocolQuery checks a protocol name or slug
func ProtocolQuery(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidProtocolQuery(value) {
			return &ValidationError{Field: field, Message: "must be a protocol name or slug (letters, digits, spaces, '.', '-', '_')"}
		}
		return nil
	}
}

// Count checks that a list has between lo and hi entries
func Count(field string, n, lo, hi int) func() *ValidationError {
	return func() *ValidationError {
		if n < lo || n > hi {
			return &ValidationError{Field: field, Message: "must contain " + strconv.Itoa(lo) + " to " + strconv.Itoa(hi) + " entries"}
		}
		return nil
	}
}

// IntInRange checks an optional integer query value
func IntInRange(field, value string, lo, hi int) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < lo || n > hi {
			return &ValidationError{Field: field, Message: "must be an integer between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi)}
		}
		return nil
	}
}

// OneOf checks an optional value against a fixed set (case-insensitive)
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimSpace(value), a) {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// ProtocolParamMiddleware validates the :name URL parameter on routes that use it.
func ProtocolParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if name != "" && !IsValidProtocolQuery(name) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_protocol",
				"message": "protocol must be a name or slug of at most 64 characters",
			})
			return
		}
		c.Next()
	}
}
