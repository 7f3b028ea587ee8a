// Package ledger owns credit account balances and the append-only
// transaction log. It is the single writer of both: every balance mutation
// and its ledger entry commit in the same database transaction, so the sum
// of a user's entries always equals the user's balance.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"patternhub/api_credits/pkg/logging"
	"patternhub/api_credits/pkg/models"
)

const pqUniqueViolation = "23505"

// ErrInvalidAmount is returned when an award or spend amount is not positive
var ErrInvalidAmount = errors.New("amount must be positive")

// errAccountMissing signals that the ledger operation hit a user with no
// account row yet; the caller provisions one and retries exactly once.
var errAccountMissing = errors.New("credit account does not exist")

// InsufficientCreditsError is the recoverable business outcome of a spend
// that the balance cannot cover. It is never treated as a system fault.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("Insufficient credits. Required: %d, Available: %d", e.Required, e.Available)
}

// AwardResult reports the account standing after a committed award
type AwardResult struct {
	NewBalance int64
	Tier       string
}

// SpendResult reports the account standing after a committed spend
type SpendResult struct {
	NewBalance int64
}

// Service executes transactional ledger operations against Postgres
type Service struct {
	db     *sql.DB
	logger logging.Logger
}

// NewService creates a ledger service on the given database handle
func NewService(db *sql.DB, logger logging.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Award credits a user for a contribution. Balance, lifetime earnings,
// contribution count, tier, and the ledger entry all commit in one
// transaction. A missing account row is provisioned and the award retried
// exactly once.
func (s *Service) Award(ctx context.Context, userID string, amount int64, source string, metadata models.JSONB) (AwardResult, error) {
	if userID == "" {
		return AwardResult{}, errors.New("user id is required")
	}
	if amount <= 0 {
		return AwardResult{}, ErrInvalidAmount
	}

	result, err := s.award(ctx, userID, amount, source, metadata)
	if errors.Is(err, errAccountMissing) {
		if err := s.EnsureAccount(ctx, userID); err != nil {
			return AwardResult{}, err
		}
		result, err = s.award(ctx, userID, amount, source, metadata)
	}
	if err != nil {
		return AwardResult{}, err
	}

	s.logger.WithFields(logging.Fields{
		"user_id":     userID,
		"amount":      amount,
		"source":      source,
		"new_balance": result.NewBalance,
		"tier":        result.Tier,
	}).Info("Awarded credits")

	return result, nil
}

func (s *Service) award(ctx context.Context, userID string, amount int64, source string, metadata models.JSONB) (AwardResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AwardResult{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var balance, lifetimeEarned int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance, lifetime_earned FROM credit_accounts
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&balance, &lifetimeEarned)
	if errors.Is(err, sql.ErrNoRows) {
		return AwardResult{}, errAccountMissing
	}
	if err != nil {
		return AwardResult{}, fmt.Errorf("failed to lock credit account: %w", err)
	}

	newBalance := balance + amount
	newEarned := lifetimeEarned + amount
	tier := models.TierForLifetimeEarned(newEarned)

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = $1, lifetime_earned = $2,
		    contribution_count = contribution_count + 1,
		    tier = $3, updated_at = NOW()
		WHERE user_id = $4
	`, newBalance, newEarned, tier, userID)
	if err != nil {
		return AwardResult{}, fmt.Errorf("failed to update credit account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, user_id, amount, entry_type, source, metadata, balance_after, created_at)
		VALUES ($1, $2, $3, 'earn', $4, $5, $6, $7)
	`, uuid.New().String(), userID, amount, source, metadata, newBalance, time.Now())
	if err != nil {
		return AwardResult{}, fmt.Errorf("failed to write ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AwardResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return AwardResult{NewBalance: newBalance, Tier: tier}, nil
}

// Spend debits a user's balance. The account row is locked for the lifetime
// of the transaction so two concurrent spends are fully serialized; the
// second sees the post-commit balance. An insufficient balance rolls back
// and returns *InsufficientCreditsError.
func (s *Service) Spend(ctx context.Context, userID string, amount int64, source string, metadata models.JSONB) (SpendResult, error) {
	if userID == "" {
		return SpendResult{}, errors.New("user id is required")
	}
	if amount <= 0 {
		return SpendResult{}, ErrInvalidAmount
	}

	result, err := s.spend(ctx, userID, amount, source, metadata)
	if errors.Is(err, errAccountMissing) {
		if err := s.EnsureAccount(ctx, userID); err != nil {
			return SpendResult{}, err
		}
		result, err = s.spend(ctx, userID, amount, source, metadata)
	}
	if err != nil {
		return SpendResult{}, err
	}

	s.logger.WithFields(logging.Fields{
		"user_id":     userID,
		"amount":      amount,
		"source":      source,
		"new_balance": result.NewBalance,
	}).Info("Spent credits")

	return result, nil
}

func (s *Service) spend(ctx context.Context, userID string, amount int64, source string, metadata models.JSONB) (SpendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SpendResult{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM credit_accounts
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return SpendResult{}, errAccountMissing
	}
	if err != nil {
		return SpendResult{}, fmt.Errorf("failed to lock credit account: %w", err)
	}

	if balance < amount {
		return SpendResult{}, &InsufficientCreditsError{Required: amount, Available: balance}
	}

	newBalance := balance - amount

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = $1, lifetime_spent = lifetime_spent + $2, updated_at = NOW()
		WHERE user_id = $3
	`, newBalance, amount, userID)
	if err != nil {
		return SpendResult{}, fmt.Errorf("failed to update credit account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, user_id, amount, entry_type, source, metadata, balance_after, created_at)
		VALUES ($1, $2, $3, 'spend', $4, $5, $6, $7)
	`, uuid.New().String(), userID, -amount, source, metadata, newBalance, time.Now())
	if err != nil {
		return SpendResult{}, fmt.Errorf("failed to write ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SpendResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return SpendResult{NewBalance: newBalance}, nil
}

// EnsureAccount provisions a zero-balance account row on first contact.
// Two concurrent first-requests race on the insert; the loser's unique
// violation means the row now exists, which is the outcome we wanted.
func (s *Service) EnsureAccount(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, balance, lifetime_earned, lifetime_spent, contribution_count, tier, badges, created_at, updated_at)
		VALUES ($1, 0, 0, 0, 0, 'bronze', '[]', NOW(), NOW())
	`, userID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil
		}
		return fmt.Errorf("failed to create credit account: %w", err)
	}

	s.logger.WithField("user_id", userID).Info("Provisioned credit account")
	return nil
}

// Balance returns the account standing, provisioning the account on first
// contact so a fresh identity sees a zero balance rather than a 404.
func (s *Service) Balance(ctx context.Context, userID string) (models.CreditAccount, error) {
	account, err := s.fetchAccount(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.EnsureAccount(ctx, userID); err != nil {
			return models.CreditAccount{}, err
		}
		account, err = s.fetchAccount(ctx, userID)
	}
	if err != nil {
		return models.CreditAccount{}, fmt.Errorf("failed to fetch credit account: %w", err)
	}
	return account, nil
}

func (s *Service) fetchAccount(ctx context.Context, userID string) (models.CreditAccount, error) {
	var account models.CreditAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, lifetime_earned, lifetime_spent, contribution_count, tier, badges, created_at, updated_at
		FROM credit_accounts
		WHERE user_id = $1
	`, userID).Scan(
		&account.UserID,
		&account.Balance,
		&account.LifetimeEarned,
		&account.LifetimeSpent,
		&account.ContributionCount,
		&account.Tier,
		&account.Badges,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	return account, err
}

// History returns a page of the user's ledger, newest first
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]models.LedgerEntry, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, entry_type, source, metadata, balance_after, created_at
		FROM credit_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&entry.Amount,
			&entry.EntryType,
			&entry.Source,
			&entry.Metadata,
			&entry.BalanceAfter,
			&entry.CreatedAt,
		)
		if err != nil {
			s.logger.WithError(err).Error("Failed to scan ledger entry")
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}

	var total int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credit_ledger WHERE user_id = $1
	`, userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	return entries, total, nil
}
