package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/subscription/domain"
	"github.com/smallbiznis/creditledger/internal/subscription/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&domain.Subscription{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
	return svc, db
}

func period(month int) (time.Time, time.Time) {
	start := time.Date(2025, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func TestSyncCreatesSubscription(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	start, end := period(6)
	result, err := svc.SyncTx(ctx, db, domain.SyncInput{
		ExternalSubscriptionID: "sub_1",
		AccountID:              "acct_1",
		PlanID:                 "pro",
		Status:                 domain.StatusActive,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
	})
	require.NoError(t, err)
	require.True(t, result.NewPeriod)
	require.False(t, result.Stale)

	current, err := svc.GetCurrent(ctx, "acct_1")
	require.NoError(t, err)
	require.Equal(t, "pro", current.PlanID)
	require.Equal(t, domain.StatusActive, current.Status)
}

func TestSyncRenewalOpensNewPeriod(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	start, end := period(6)
	_, err := svc.SyncTx(ctx, db, domain.SyncInput{
		ExternalSubscriptionID: "sub_1",
		AccountID:              "acct_1",
		PlanID:                 "pro",
		Status:                 domain.StatusActive,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
	})
	require.NoError(t, err)

	nextStart, nextEnd := period(7)
	result, err := svc.SyncTx(ctx, db, domain.SyncInput{
		ExternalSubscriptionID: "sub_1",
		AccountID:              "acct_1",
		PlanID:                 "pro",
		Status:                 domain.StatusActive,
		CurrentPeriodStart:     nextStart,
		CurrentPeriodEnd:       nextEnd,
	})
	require.NoError(t, err)
	require.True(t, result.NewPeriod)
	require.Equal(t, nextEnd, result.Subscription.CurrentPeriodEnd.UTC())
}

func TestSyncDiscardsStaleSnapshot(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	newStart, newEnd := period(7)
	_, err := svc.SyncTx(ctx, db, domain.SyncInput{
		ExternalSubscriptionID: "sub_1",
		AccountID:              "acct_1",
		PlanID:                 "pro",
		Status:                 domain.StatusActive,
		CurrentPeriodStart:     newStart,
		CurrentPeriodEnd:       newEnd,
	})
	require.NoError(t, err)

	oldStart, oldEnd := period(6)
	result, err := svc.SyncTx(ctx, db, domain.SyncInput{
		ExternalSubscriptionID: "sub_1",
		AccountID:              "acct_1",
		PlanID:                 "starter",
		Status:                 domain.StatusPastDue,
		CurrentPeriodStart:     oldStart,
		CurrentPeriodEnd:       oldEnd,
	})
	require.NoError(t, err)
	require.True(t, result.Stale)

	current, err := svc.GetCurrent(ctx, "acct_1")
	require.NoError(t, err)
	require.Equal(t, "pro", current.PlanID)
	require.Equal(t, domain.StatusActive, current.Status)
	require.Equal(t, newEnd, current.CurrentPeriodEnd.UTC())
}

func TestSyncSamePeriodIsNotNewPeriod(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	start, end := period(6)
	input := domain.SyncInput{
		ExternalSubscriptionID: "sub_1",
		AccountID:              "acct_1",
		PlanID:                 "pro",
		Status:                 domain.StatusActive,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
	}
	_, err := svc.SyncTx(ctx, db, input)
	require.NoError(t, err)

	result, err := svc.SyncTx(ctx, db, input)
	require.NoError(t, err)
	require.False(t, result.NewPeriod)
	require.False(t, result.Stale)
}

func TestCancelMarksCanceled(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	start, end := period(6)
	_, err := svc.SyncTx(ctx, db, domain.SyncInput{
		ExternalSubscriptionID: "sub_1",
		AccountID:              "acct_1",
		PlanID:                 "pro",
		Status:                 domain.StatusActive,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
	})
	require.NoError(t, err)

	canceled, err := svc.CancelTx(ctx, db, domain.CancelInput{
		ExternalSubscriptionID: "sub_1",
		AccountID:              "acct_1",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCanceled, canceled.Status)

	// Canceled rows still resolve so the dashboard can show history.
	current, err := svc.GetCurrent(ctx, "acct_1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCanceled, current.Status)
}

func TestCancelBeforeSnapshotBlocksStaleResurrection(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.CancelTx(ctx, db, domain.CancelInput{
		ExternalSubscriptionID: "sub_1",
		AccountID:              "acct_1",
	})
	require.NoError(t, err)

	// The late-arriving creation snapshot covers a period the deletion
	// already ended; it must not flip the row back to active.
	result, err := svc.SyncTx(ctx, db, domain.SyncInput{
		ExternalSubscriptionID: "sub_1",
		AccountID:              "acct_1",
		PlanID:                 "pro",
		Status:                 domain.StatusActive,
		CurrentPeriodStart:     time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:       time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, result.Stale)
	require.Equal(t, domain.StatusCanceled, result.Subscription.Status)

	current, err := svc.GetCurrent(ctx, "acct_1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCanceled, current.Status)
}

func TestSetCancelAtPeriodEnd(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	start, end := period(6)
	_, err := svc.SyncTx(ctx, db, domain.SyncInput{
		ExternalSubscriptionID: "sub_1",
		AccountID:              "acct_1",
		PlanID:                 "pro",
		Status:                 domain.StatusActive,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
	})
	require.NoError(t, err)

	updated, err := svc.SetCancelAtPeriodEnd(ctx, "acct_1", true)
	require.NoError(t, err)
	require.True(t, updated.CancelAtPeriodEnd)

	updated, err = svc.SetCancelAtPeriodEnd(ctx, "acct_1", false)
	require.NoError(t, err)
	require.False(t, updated.CancelAtPeriodEnd)
}

func TestSetCancelAtPeriodEndWithoutSubscription(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.SetCancelAtPeriodEnd(context.Background(), "acct_1", true)
	require.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}
