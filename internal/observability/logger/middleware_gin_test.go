package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creditledger/internal/observability/context"
	"github.com/stretchr/testify/require"
)

func TestGinMiddlewareAttachesIdentifiers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var gotAccountID, gotRequestID string

	engine := gin.New()
	engine.Use(GinMiddleware(MiddlewareConfig{}))
	engine.GET("/v1/accounts/:account_id/balance", func(c *gin.Context) {
		gotAccountID = obscontext.AccountIDFromContext(c.Request.Context())
		gotRequestID = obscontext.RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_42/balance", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "acct_42", gotAccountID)
	require.NotEmpty(t, gotRequestID)
	require.Equal(t, gotRequestID, rec.Header().Get("X-Request-Id"))
}

func TestGinMiddlewareKeepsCallerRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(GinMiddleware(MiddlewareConfig{}))
	engine.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req_given")

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, "req_given", rec.Header().Get("X-Request-Id"))
}
