package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
)

// maxWebhookBody bounds webhook payloads; the provider's events are a few KB.
const maxWebhookBody = 1 << 20

// HandleBillingEvent accepts one webhook delivery. It responds 200 whenever
// the event is durably recorded, including duplicates and events recorded as
// failed, so the provider stops redelivering. Only transient storage errors
// return a retryable status.
func (s *Server) HandleBillingEvent(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, billingdomain.ErrInvalidPayload)
		return
	}

	err = s.intake.Ingest(c.Request.Context(), payload, c.Request.Header)
	if errors.Is(err, billingdomain.ErrEventAlreadyProcessed) {
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
