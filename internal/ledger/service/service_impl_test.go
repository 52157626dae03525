package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/ledger/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	svc   domain.Service
	db    *gorm.DB
	repo  domain.Repository
	clock *clock.FakeClock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	// One connection keeps the shared in-memory database alive and
	// serializes access the way a server-side pool would under contention.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&domain.AccountBalance{}, &domain.Transaction{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	repo := repository.Provide()

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  repo,
	})

	return testEnv{svc: svc, db: db, repo: repo, clock: fake}
}

func TestGrantIncreasesBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn, err := env.svc.Grant(ctx, domain.GrantInput{
		AccountID:   "acct_1",
		Amount:      500,
		Kind:        domain.KindPurchase,
		Description: "token pack",
	})
	require.NoError(t, err)
	require.Equal(t, int64(500), txn.Delta)
	require.Equal(t, domain.KindPurchase, txn.Kind)

	balance, err := env.svc.GetBalance(ctx, "acct_1")
	require.NoError(t, err)
	require.Equal(t, int64(500), balance.Balance)

	sum, err := env.repo.SumDeltas(ctx, env.db, "acct_1")
	require.NoError(t, err)
	require.Equal(t, balance.Balance, sum)
}

func TestGrantDuplicateExternalReference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	input := domain.GrantInput{
		AccountID:         "acct_1",
		Amount:            500,
		Kind:              domain.KindPurchase,
		ExternalReference: "evt_abc123",
	}

	first, err := env.svc.Grant(ctx, input)
	require.NoError(t, err)

	second, err := env.svc.Grant(ctx, input)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	balance, err := env.svc.GetBalance(ctx, "acct_1")
	require.NoError(t, err)
	require.Equal(t, int64(500), balance.Balance)
}

func TestGrantReplayWithinOpenTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	input := domain.GrantInput{
		AccountID:         "acct_1",
		Amount:            500,
		Kind:              domain.KindPurchase,
		ExternalReference: "evt_abc123",
	}

	first, err := env.svc.Grant(ctx, input)
	require.NoError(t, err)

	// The replay conflict and the prior-row lookup share one transaction.
	// The conflict must leave that transaction usable, not aborted.
	err = env.db.Transaction(func(tx *gorm.DB) error {
		second, err := env.svc.GrantTx(ctx, tx, input)
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)

		prior, err := env.repo.FindByExternalReference(ctx, tx, "evt_abc123")
		require.NoError(t, err)
		require.NotNil(t, prior)
		return nil
	})
	require.NoError(t, err)

	balance, err := env.svc.GetBalance(ctx, "acct_1")
	require.NoError(t, err)
	require.Equal(t, int64(500), balance.Balance)
}

func TestGrantValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Grant(ctx, domain.GrantInput{AccountID: "", Amount: 10, Kind: domain.KindPurchase})
	require.ErrorIs(t, err, domain.ErrInvalidAccount)

	_, err = env.svc.Grant(ctx, domain.GrantInput{AccountID: "acct_1", Amount: 0, Kind: domain.KindPurchase})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = env.svc.Grant(ctx, domain.GrantInput{AccountID: "acct_1", Amount: 10, Kind: domain.KindUsage})
	require.ErrorIs(t, err, domain.ErrInvalidKind)

	_, err = env.svc.Grant(ctx, domain.GrantInput{AccountID: "acct_1", Amount: 10, Kind: "bogus"})
	require.ErrorIs(t, err, domain.ErrInvalidKind)
}

func TestSpendInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Grant(ctx, domain.GrantInput{AccountID: "acct_1", Amount: 50, Kind: domain.KindPurchase})
	require.NoError(t, err)

	_, err = env.svc.Spend(ctx, domain.SpendInput{AccountID: "acct_1", Amount: 100})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	balance, err := env.svc.GetBalance(ctx, "acct_1")
	require.NoError(t, err)
	require.Equal(t, int64(50), balance.Balance)
}

func TestSpendUnknownAccount(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Spend(context.Background(), domain.SpendInput{AccountID: "acct_missing", Amount: 10})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestSpendIdempotencyKeyRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Grant(ctx, domain.GrantInput{AccountID: "acct_1", Amount: 200, Kind: domain.KindPurchase})
	require.NoError(t, err)

	input := domain.SpendInput{
		AccountID:      "acct_1",
		Amount:         75,
		Description:    "image generation",
		IdempotencyKey: "req_42",
	}

	first, err := env.svc.Spend(ctx, input)
	require.NoError(t, err)
	require.Equal(t, int64(-75), first.Delta)

	second, err := env.svc.Spend(ctx, input)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	balance, err := env.svc.GetBalance(ctx, "acct_1")
	require.NoError(t, err)
	require.Equal(t, int64(125), balance.Balance)
}

func TestConcurrentSpendsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Grant(ctx, domain.GrantInput{AccountID: "acct_1", Amount: 100, Kind: domain.KindPurchase})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.svc.Spend(ctx, domain.SpendInput{AccountID: "acct_1", Amount: 80})
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientBalance):
			rejected++
		default:
			t.Fatalf("unexpected spend error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)

	balance, err := env.svc.GetBalance(ctx, "acct_1")
	require.NoError(t, err)
	require.Equal(t, int64(20), balance.Balance)

	sum, err := env.repo.SumDeltas(ctx, env.db, "acct_1")
	require.NoError(t, err)
	require.Equal(t, balance.Balance, sum)
}

func TestGetTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn, err := env.svc.Grant(ctx, domain.GrantInput{
		AccountID: "acct_1",
		Amount:    500,
		Kind:      domain.KindPurchase,
	})
	require.NoError(t, err)

	got, err := env.svc.GetTransaction(ctx, "acct_1", txn.ID.String())
	require.NoError(t, err)
	require.Equal(t, txn.ID, got.ID)
	require.Equal(t, int64(500), got.Delta)

	// A transaction id only reads together with its own account.
	_, err = env.svc.GetTransaction(ctx, "acct_2", txn.ID.String())
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)

	_, err = env.svc.GetTransaction(ctx, "acct_1", "not-an-id")
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)

	_, err = env.svc.GetTransaction(ctx, "acct_1", "12345")
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestListTransactionsPagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.svc.Grant(ctx, domain.GrantInput{
			AccountID:         "acct_1",
			Amount:            int64(10 * (i + 1)),
			Kind:              domain.KindPurchase,
			ExternalReference: fmt.Sprintf("evt_%d", i),
		})
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	var seen []int64
	cursor := ""
	for {
		page, err := env.svc.ListTransactions(ctx, "acct_1", cursor, 2)
		require.NoError(t, err)
		for _, txn := range page.Transactions {
			seen = append(seen, txn.Delta)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	require.Equal(t, []int64{50, 40, 30, 20, 10}, seen)
}

func TestListTransactionsInvalidCursor(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.ListTransactions(context.Background(), "acct_1", "not a cursor", 10)
	require.ErrorIs(t, err, domain.ErrInvalidCursor)
}
