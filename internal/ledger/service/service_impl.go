package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// errSpendReplayed aborts the spend transaction when the idempotency key
// raced a concurrent insert; the caller re-reads the winning row.
var errSpendReplayed = errors.New("spend replayed")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Metrics *metrics.Metrics
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	metrics *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

func (s *Service) EnsureAccount(ctx context.Context, accountID string) (domain.AccountBalance, error) {
	return s.EnsureAccountTx(ctx, s.db, accountID)
}

func (s *Service) EnsureAccountTx(ctx context.Context, tx *gorm.DB, accountID string) (domain.AccountBalance, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.AccountBalance{}, domain.ErrInvalidAccount
	}
	return s.repo.EnsureAccount(ctx, tx, accountID, s.clock.Now())
}

func (s *Service) Grant(ctx context.Context, input domain.GrantInput) (domain.Transaction, error) {
	var txn domain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		txn, txErr = s.GrantTx(ctx, tx, input)
		return txErr
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// GrantTx credits an account inside a caller-owned transaction. Duplicate
// external references and idempotency keys resolve to the already recorded
// transaction without a second balance change.
func (s *Service) GrantTx(ctx context.Context, tx *gorm.DB, input domain.GrantInput) (domain.Transaction, error) {
	accountID := strings.TrimSpace(input.AccountID)
	if accountID == "" {
		return domain.Transaction{}, domain.ErrInvalidAccount
	}
	if input.Amount <= 0 {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	if !input.Kind.Valid() || input.Kind == domain.KindUsage {
		return domain.Transaction{}, domain.ErrInvalidKind
	}

	if _, err := s.repo.EnsureAccount(ctx, tx, accountID, s.clock.Now()); err != nil {
		return domain.Transaction{}, err
	}

	txn := domain.Transaction{
		ID:          s.genID.Generate(),
		AccountID:   accountID,
		Delta:       input.Amount,
		Kind:        input.Kind,
		Description: strings.TrimSpace(input.Description),
		CreatedAt:   s.clock.Now(),
	}
	if ref := strings.TrimSpace(input.ExternalReference); ref != "" {
		txn.ExternalReference = &ref
	}
	if key := strings.TrimSpace(input.IdempotencyKey); key != "" {
		txn.IdempotencyKey = &key
	}

	inserted, err := s.repo.InsertTransaction(ctx, tx, &txn)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !inserted {
		existing, err := s.findPrior(ctx, tx, txn)
		if err != nil {
			return domain.Transaction{}, err
		}
		if existing == nil {
			return domain.Transaction{}, gorm.ErrDuplicatedKey
		}
		s.log.Info("duplicate grant ignored",
			zap.String("account_id", accountID),
			zap.String("external_reference", strings.TrimSpace(input.ExternalReference)),
		)
		return *existing, nil
	}

	ok, err := s.repo.AdjustBalance(ctx, tx, accountID, input.Amount, s.clock.Now())
	if err != nil {
		return domain.Transaction{}, err
	}
	if !ok {
		return domain.Transaction{}, domain.ErrAccountNotFound
	}

	s.metrics.RecordLedgerTransaction(ctx, string(input.Kind))
	return txn, nil
}

func (s *Service) Spend(ctx context.Context, input domain.SpendInput) (domain.Transaction, error) {
	accountID := strings.TrimSpace(input.AccountID)
	if accountID == "" {
		return domain.Transaction{}, domain.ErrInvalidAccount
	}
	if input.Amount <= 0 {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	idemKey := strings.TrimSpace(input.IdempotencyKey)

	var txn domain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idemKey != "" {
			existing, err := s.repo.FindByIdempotencyKey(ctx, tx, accountID, idemKey)
			if err != nil {
				return err
			}
			if existing != nil {
				txn = *existing
				return errSpendReplayed
			}
		}

		balance, err := s.repo.GetBalance(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if balance == nil {
			return domain.ErrAccountNotFound
		}

		ok, err := s.repo.AdjustBalance(ctx, tx, accountID, -input.Amount, s.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInsufficientBalance
		}

		txn = domain.Transaction{
			ID:          s.genID.Generate(),
			AccountID:   accountID,
			Delta:       -input.Amount,
			Kind:        domain.KindUsage,
			Description: strings.TrimSpace(input.Description),
			CreatedAt:   s.clock.Now(),
		}
		if idemKey != "" {
			txn.IdempotencyKey = &idemKey
		}

		inserted, err := s.repo.InsertTransaction(ctx, tx, &txn)
		if err != nil {
			return err
		}
		if !inserted {
			// A concurrent request with the same key won the insert; roll
			// back our balance change and surface its transaction instead.
			return errSpendReplayed
		}
		return nil
	})

	if errors.Is(err, errSpendReplayed) {
		if txn.ID != 0 {
			return txn, nil
		}
		existing, ferr := s.repo.FindByIdempotencyKey(ctx, s.db, accountID, idemKey)
		if ferr != nil {
			return domain.Transaction{}, ferr
		}
		if existing == nil {
			return domain.Transaction{}, gorm.ErrDuplicatedKey
		}
		return *existing, nil
	}
	if err != nil {
		return domain.Transaction{}, err
	}

	s.metrics.RecordLedgerTransaction(ctx, string(domain.KindUsage))
	return txn, nil
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (domain.AccountBalance, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.AccountBalance{}, domain.ErrInvalidAccount
	}

	balance, err := s.repo.GetBalance(ctx, s.db, accountID)
	if err != nil {
		return domain.AccountBalance{}, err
	}
	if balance == nil {
		return domain.AccountBalance{}, domain.ErrAccountNotFound
	}
	return *balance, nil
}

func (s *Service) GetTransaction(ctx context.Context, accountID, txnID string) (domain.Transaction, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Transaction{}, domain.ErrInvalidAccount
	}

	txn, err := s.repo.FindTransaction(ctx, s.db, strings.TrimSpace(txnID))
	if err != nil {
		return domain.Transaction{}, err
	}
	if txn == nil || txn.AccountID != accountID {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return *txn, nil
}

func (s *Service) ListTransactions(ctx context.Context, accountID, cursor string, limit int) (domain.TransactionPage, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.TransactionPage{}, domain.ErrInvalidAccount
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	var before *domain.Transaction
	if cursor != "" {
		decoded, err := pagination.DecodeCursor(cursor)
		if err != nil {
			return domain.TransactionPage{}, domain.ErrInvalidCursor
		}
		id, err := snowflake.ParseString(decoded.ID)
		if err != nil {
			return domain.TransactionPage{}, domain.ErrInvalidCursor
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return domain.TransactionPage{}, domain.ErrInvalidCursor
		}
		before = &domain.Transaction{ID: id, CreatedAt: createdAt}
	}

	rows, err := s.repo.ListTransactions(ctx, s.db, accountID, before, limit+1)
	if err != nil {
		return domain.TransactionPage{}, err
	}

	page := domain.TransactionPage{Transactions: rows}
	if len(rows) > limit {
		page.Transactions = rows[:limit]
		last := page.Transactions[limit-1]
		next, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        last.ID.String(),
			CreatedAt: last.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return domain.TransactionPage{}, err
		}
		page.NextCursor = next
	}
	return page, nil
}

func (s *Service) findPrior(ctx context.Context, tx *gorm.DB, txn domain.Transaction) (*domain.Transaction, error) {
	if txn.ExternalReference != nil {
		existing, err := s.repo.FindByExternalReference(ctx, tx, *txn.ExternalReference)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	if txn.IdempotencyKey != nil {
		return s.repo.FindByIdempotencyKey(ctx, tx, txn.AccountID, *txn.IdempotencyKey)
	}
	return nil, nil
}
