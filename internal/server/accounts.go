package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
)

type spendRequest struct {
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
}

type grantRequest struct {
	Amount            int64  `json:"amount"`
	Kind              string `json:"kind"`
	Description       string `json:"description"`
	ExternalReference string `json:"external_reference"`
	IdempotencyKey    string `json:"idempotency_key"`
}

type transactionResponse struct {
	Transaction ledgerdomain.Transaction `json:"transaction"`
	Balance     int64                    `json:"balance"`
}

// GetBalance reports the account's token balance. Accounts the ledger has
// never seen read as zero; they exist the moment anything is granted.
func (s *Server) GetBalance(c *gin.Context) {
	accountID := c.Param("account_id")

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), accountID)
	if errors.Is(err, ledgerdomain.ErrAccountNotFound) {
		c.JSON(http.StatusOK, gin.H{"account_id": accountID, "balance": 0})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": balance.AccountID,
		"balance":    balance.Balance,
		"updated_at": balance.UpdatedAt,
	})
}

func (s *Server) ListTransactions(c *gin.Context) {
	accountID := c.Param("account_id")
	cursor := c.Query("cursor")

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be an integer"))
			return
		}
		limit = parsed
	}

	page, err := s.ledgerSvc.ListTransactions(c.Request.Context(), accountID, cursor, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": page.Transactions,
		"next_cursor":  page.NextCursor,
	})
}

func (s *Server) GetTransaction(c *gin.Context) {
	txn, err := s.ledgerSvc.GetTransaction(c.Request.Context(), c.Param("account_id"), c.Param("txn_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) Spend(c *gin.Context) {
	var req spendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body must be valid JSON"))
		return
	}

	txn, err := s.ledgerSvc.Spend(c.Request.Context(), ledgerdomain.SpendInput{
		AccountID:      c.Param("account_id"),
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), txn.AccountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, transactionResponse{Transaction: txn, Balance: balance.Balance})
}

// Grant applies a manual grant, the operational escape hatch for support
// refunds and goodwill credits.
func (s *Server) Grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body must be valid JSON"))
		return
	}

	kind := ledgerdomain.TransactionKind(strings.TrimSpace(req.Kind))
	if kind == "" {
		kind = ledgerdomain.KindRefund
	}

	txn, err := s.ledgerSvc.Grant(c.Request.Context(), ledgerdomain.GrantInput{
		AccountID:         c.Param("account_id"),
		Amount:            req.Amount,
		Kind:              kind,
		Description:       req.Description,
		ExternalReference: req.ExternalReference,
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), txn.AccountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, transactionResponse{Transaction: txn, Balance: balance.Balance})
}

// GetSubscription returns the account's current subscription, or a JSON
// null when the account has none.
func (s *Server) GetSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.GetCurrent(c.Request.Context(), c.Param("account_id"))
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		c.JSON(http.StatusOK, nil)
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) CancelSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.SetCancelAtPeriodEnd(c.Request.Context(), c.Param("account_id"), true)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) ReactivateSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.SetCancelAtPeriodEnd(c.Request.Context(), c.Param("account_id"), false)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}
