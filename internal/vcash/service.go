package vcash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/triproam/settlement-engine/pkg/db"
	"github.com/triproam/settlement-engine/pkg/db/models"
	"github.com/triproam/settlement-engine/pkg/enums"
	pkgerrors "github.com/triproam/settlement-engine/pkg/errors"
	"github.com/triproam/settlement-engine/pkg/logger"
	"github.com/triproam/settlement-engine/pkg/metrics"
	"github.com/triproam/settlement-engine/pkg/pagination"
)

// ReasonInsufficientBalance is the stable reason string for rejected debits.
const ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"

const maxMutationRetries = 3

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Mutation is one credit or debit request. AmountCents is always positive;
// the sign is chosen by the operation.
type Mutation struct {
	UserID      uuid.UUID
	AmountCents int64
	Reason      enums.VCashReason
	Metadata    json.RawMessage
}

// Service is the wallet ledger. Every mutation appends a transaction row
// and reconciles the denormalized balance against the ledger sum; the
// ledger is the source of truth.
type Service interface {
	Credit(ctx context.Context, m Mutation) (int64, error)
	Debit(ctx context.Context, m Mutation) (int64, error)
	CreditTx(ctx context.Context, tx *gorm.DB, m Mutation) (int64, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	History(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.VCashTransaction, pagination.Page, error)
}

type service struct {
	repo    Repository
	tx      txRunner
	logg    *logger.Logger
	metrics *metrics.SettlementMetrics
}

// ServiceParams wire the wallet service.
type ServiceParams struct {
	Repo    Repository
	Tx      txRunner
	Logger  *logger.Logger
	Metrics *metrics.SettlementMetrics
}

// NewService builds the wallet service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("vcash repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:    params.Repo,
		tx:      params.Tx,
		logg:    params.Logger,
		metrics: params.Metrics,
	}, nil
}

// Credit appends a positive ledger row and returns the new balance.
func (s *service) Credit(ctx context.Context, m Mutation) (int64, error) {
	return s.mutate(ctx, m, false)
}

// Debit appends a negative ledger row and returns the new balance. A debit
// that would drive the balance negative is rejected with no row written.
func (s *service) Debit(ctx context.Context, m Mutation) (int64, error) {
	return s.mutate(ctx, m, true)
}

// CreditTx applies a credit inside the caller's transaction, so settlement
// can post a refund credit atomically with the order state transition.
func (s *service) CreditTx(ctx context.Context, tx *gorm.DB, m Mutation) (int64, error) {
	if err := validateMutation(m); err != nil {
		return 0, err
	}
	balance, err := s.apply(ctx, s.repo.WithTx(tx), m, false)
	if err != nil {
		return 0, err
	}
	s.metrics.IncLedgerWrite(string(m.Reason))
	return balance, nil
}

func (s *service) mutate(ctx context.Context, m Mutation, debit bool) (int64, error) {
	if err := validateMutation(m); err != nil {
		return 0, err
	}

	var balance int64
	backoff := retry.WithMaxRetries(maxMutationRetries, retry.NewFibonacci(25*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		txErr := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			balance, err = s.apply(ctx, s.repo.WithTx(tx), m, debit)
			return err
		})
		if txErr != nil && db.IsSerializationConflict(txErr) {
			return retry.RetryableError(txErr)
		}
		return txErr
	})
	if err != nil {
		return 0, err
	}

	s.metrics.IncLedgerWrite(string(m.Reason))
	logCtx := s.logg.WithUserID(ctx, m.UserID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"reason":        m.Reason,
		"amount_cents":  m.AmountCents,
		"balance_cents": balance,
		"debit":         debit,
	})
	s.logg.Info(logCtx, "vcash ledger write")
	return balance, nil
}

func (s *service) apply(ctx context.Context, repo Repository, m Mutation, debit bool) (int64, error) {
	account, err := s.lockOrCreateAccount(ctx, repo, m.UserID)
	if err != nil {
		return 0, err
	}

	// the ledger sum, not the stored counter, decides whether the debit fits
	sum, err := repo.SumTransactions(ctx, account.ID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "summing ledger")
	}
	if sum != account.BalanceCents {
		logCtx := s.logg.WithAccountID(ctx, account.ID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"stored_cents": account.BalanceCents,
			"ledger_cents": sum,
		})
		s.logg.Warn(logCtx, "vcash balance drift; reconciling from ledger")
	}

	signed := m.AmountCents
	if debit {
		signed = -m.AmountCents
		if sum+signed < 0 {
			return 0, pkgerrors.New(pkgerrors.CodeInsufficientFunds, "debit exceeds available balance").
				WithReason(ReasonInsufficientBalance)
		}
	}

	row := &models.VCashTransaction{
		ID:          uuid.New(),
		AccountID:   account.ID,
		AmountCents: signed,
		Reason:      m.Reason,
		Metadata:    m.Metadata,
	}
	if err := repo.AppendTransaction(ctx, row); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "appending ledger row")
	}

	account.BalanceCents = sum + signed
	if err := repo.SaveAccount(ctx, account); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "saving balance")
	}
	return account.BalanceCents, nil
}

// lockOrCreateAccount locks the user's account row, creating it lazily on
// first use. A concurrent first-use insert loses the unique race without an
// error, keeping the surrounding transaction usable, and falls back to
// locking the winner's row.
func (s *service) lockOrCreateAccount(ctx context.Context, repo Repository, userID uuid.UUID) (*models.VCashAccount, error) {
	account, err := repo.GetAccountByUserIDForUpdate(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading account")
	}

	fresh := &models.VCashAccount{ID: uuid.New(), UserID: userID}
	created, createErr := repo.CreateAccount(ctx, fresh)
	if createErr != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, createErr, "creating account")
	}
	if !created {
		account, err := repo.GetAccountByUserIDForUpdate(ctx, userID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading account after race")
		}
		return account, nil
	}
	return fresh, nil
}

// Balance reads the derived balance, creating nothing.
func (s *service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	if userID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	account, err := s.repo.GetAccountByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading account")
	}
	sum, err := s.repo.SumTransactions(ctx, account.ID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "summing ledger")
	}
	return sum, nil
}

// History returns one stable page of the account's ledger, newest first.
func (s *service) History(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.VCashTransaction, pagination.Page, error) {
	if userID == uuid.Nil {
		return nil, pagination.Page{}, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	params = pagination.Normalize(params)
	page := pagination.Page{Page: params.Page, PageSize: params.PageSize}

	account, err := s.repo.GetAccountByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []models.VCashTransaction{}, page, nil
		}
		return nil, pagination.Page{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading account")
	}

	rows, total, err := s.repo.ListTransactions(ctx, account.ID, params)
	if err != nil {
		return nil, pagination.Page{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing ledger")
	}
	page.Total = total
	return rows, page, nil
}

func validateMutation(m Mutation) error {
	if m.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if m.AmountCents <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive cents")
	}
	if !m.Reason.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid ledger reason %q", m.Reason))
	}
	return nil
}
