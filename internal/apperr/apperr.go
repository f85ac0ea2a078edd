// Package apperr defines the error taxonomy shared by the marketplace core
// and its HTTP mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/logging"
)

// Kind classifies an error for callers and transports.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindActionInProgress
	KindInsufficientFunds
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindActionInProgress:
		return "action_in_progress"
	case KindInsufficientFunds:
		return "insufficient_funds"
	default:
		return "internal"
	}
}

// Error is a classified application error. Sentinels are *Error values and
// are matched by identity with errors.Is.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies err under the given kind and code.
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: err}
}

// ErrValidation is the cause attached to every ad-hoc validation failure.
var ErrValidation = New(KindValidation, "VALIDATION_ERROR", "invalid input")

// Invalid returns a validation error with a formatted message.
func Invalid(format string, args ...any) error {
	return &Error{
		Kind:    KindValidation,
		Code:    ErrValidation.Code,
		Message: fmt.Sprintf(format, args...),
		Cause:   ErrValidation,
	}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Status maps a kind to its HTTP status code.
func Status(kind Kind) int {
	switch kind {
	case KindValidation, KindInsufficientFunds:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindActionInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as a JSON error body. Internal errors are logged and
// masked.
func Respond(c *gin.Context, err error) {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.Request.URL.Path,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL_ERROR",
			"message": "An unexpected error occurred",
		})
		return
	}
	c.JSON(Status(e.Kind), gin.H{
		"error":   e.Code,
		"message": e.Message,
	})
}
