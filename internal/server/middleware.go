package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// ServiceTokenAuth guards server-to-server endpoints. Callers present a
// bearer token; the config stores only sha256 digests, so a leaked config
// does not leak credentials.
func (s *Server) ServiceTokenAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
		digest := hex.EncodeToString(sum[:])

		for _, want := range s.cfg.ServiceTokens {
			if hmac.Equal([]byte(digest), []byte(strings.ToLower(strings.TrimSpace(want)))) {
				c.Next()
				return
			}
		}
		AbortWithError(c, ErrUnauthorized)
	}
}

// SpendRateLimit throttles spend requests per account.
func (s *Server) SpendRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		allowed, err := s.limiter.AllowSpend(c.Request.Context(), c.Param("account_id"))
		if err != nil {
			// Redis trouble must not block spends; the ledger stays correct
			// without the limiter.
			c.Next()
			return
		}
		if !allowed {
			s.metrics.RecordRateLimitDenied(c.Request.Context(), "spend")
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}

const spendLockTTL = 5 * time.Second

// SpendAccountLock serializes spends for one account across replicas with a
// short advisory lock. A contended account answers 429 so the client backs
// off instead of queueing on the balance row.
func (s *Server) SpendAccountLock() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		accountID := c.Param("account_id")
		token, ok, err := s.limiter.LockAccount(c.Request.Context(), accountID, spendLockTTL)
		if err != nil {
			// Redis trouble must not block spends; the conditional balance
			// update stays correct without the lock.
			c.Next()
			return
		}
		if !ok {
			s.metrics.RecordRateLimitDenied(c.Request.Context(), "spend_lock")
			AbortWithError(c, ErrTooManyRequests)
			return
		}

		c.Next()
		_ = s.limiter.UnlockAccount(c.Request.Context(), accountID, token)
	}
}

// WebhookRateLimit throttles webhook deliveries per source address.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		allowed, err := s.limiter.AllowWebhook(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.Next()
			return
		}
		if !allowed {
			s.metrics.RecordRateLimitDenied(c.Request.Context(), "webhook")
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
