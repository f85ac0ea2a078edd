// Package validation provides input validation middleware for the API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxTextLength bounds free-text fields such as reasons and notes.
const MaxTextLength = 2000

// idRegex matches record and user identifiers: order ids ("ord_…"), user
// ids from the identity provider, product ids.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

var ErrInvalidID = apperr.New(apperr.KindValidation, "INVALID_ID", "malformed identifier in path")

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string is an acceptable identifier
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	return s
}

// IDParamMiddleware rejects requests whose named path parameters are not
// valid identifiers before they reach a handler.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidID(v) {
				apperr.Respond(c, ErrInvalidID)
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

// Text sanitizes a free-text field to MaxTextLength.
func Text(s string) string {
	return SanitizeString(s, MaxTextLength)
}
