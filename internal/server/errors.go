package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrTooManyRequests = errors.New("too_many_requests")
)

// ErrorHandlingMiddleware converts domain errors collected on the context
// into the JSON error envelope.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	var vErr *ValidationErrors
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case errors.Is(err, ledgerdomain.ErrInvalidAccount),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidKind),
		errors.Is(err, ledgerdomain.ErrInvalidCursor),
		errors.Is(err, subscriptiondomain.ErrInvalidAccount),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, billingdomain.ErrInvalidPayload),
		errors.Is(err, billingdomain.ErrInvalidEvent):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}

	case errors.Is(err, billingdomain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "webhook signature verification failed",
		}

	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}

	case errors.Is(err, ledgerdomain.ErrAccountNotFound),
		errors.Is(err, ledgerdomain.ErrTransactionNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}

	case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
		// Distinct type so clients can branch into their purchase flow.
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "insufficient_balance",
			Message: "account balance is too low for this spend",
		}

	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "too_many_requests",
			Message: "rate limit exceeded",
		}

	case pkgdb.IsTransientErr(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "temporarily unavailable, retry later",
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog labels request errors for the access log without
// leaking response bodies.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server_error", payload.Type
	case status >= http.StatusBadRequest:
		return "client_error", payload.Type
	default:
		return "", ""
	}
}
