/*
ledger.go - Grant, debit, and expiry operations

PURPOSE:
  The three balance-mutating operations of the point ledger. Each takes
  a Repository bound to the caller's active unit of work: the ledger
  never opens its own transactions, so callers decide the atomic scope
  (the state machine debits inside an order approval, the sweeper
  expires one grant per unit).

FAIL-CLOSED DEBIT:
  Debit re-reads the cached balance inside the active unit and refuses
  to overdraw. The repository's DebitBalance is additionally guarded
  (balance >= amount in the same statement), so a concurrent spend the
  re-read could not see still cannot drive the balance negative.
*/
package points

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// REPOSITORY - Persistence surface, bound to the caller's unit of work
// =============================================================================

type Repository interface {
	// BalanceForUpdate reads the cached balance, locking the user row
	// for the remainder of the unit of work. Returns ErrUserNotFound.
	BalanceForUpdate(ctx context.Context, userID string) (int64, error)

	// CreditBalance adds amount to the cached balance.
	CreditBalance(ctx context.Context, userID string, amount int64) error

	// DebitBalance subtracts amount, guarded by balance >= amount in the
	// same statement. Returns false when the guard fails.
	DebitBalance(ctx context.Context, userID string, amount int64) (bool, error)

	// ReduceBalance subtracts amount flooring the balance at zero.
	// Used when expiring a grant that may already have been spent.
	ReduceBalance(ctx context.Context, userID string, amount int64) error

	// Append persists a new ledger entry. Entries are immutable.
	Append(ctx context.Context, e Entry) error

	// MarkExpired flips the expired flag, guarded by expired = false.
	// Returns false when the entry was already expired.
	MarkExpired(ctx context.Context, id EntryID) (bool, error)
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger performs the balance-mutating operations. Stateless; the unit
// of work comes in through the Repository argument.
type Ledger struct{}

// Grant appends a positive entry and credits the cached balance.
func (Ledger) Grant(ctx context.Context, repo Repository, userID string, amount int64, expiresAt time.Time, description string, now time.Time) (*Entry, error) {
	if amount <= 0 {
		return nil, ErrNonPositiveAmount
	}
	if _, err := repo.BalanceForUpdate(ctx, userID); err != nil {
		return nil, err
	}
	e := Entry{
		ID:          EntryID(uuid.NewString()),
		UserID:      userID,
		Delta:       amount,
		Description: description,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}
	if err := repo.CreditBalance(ctx, userID, amount); err != nil {
		return nil, err
	}
	if err := repo.Append(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Debit appends a negative entry and decrements the cached balance,
// failing closed with InsufficientPointsError when the balance does not
// cover the amount.
func (Ledger) Debit(ctx context.Context, repo Repository, userID string, amount int64, reason string, now time.Time) (*Entry, error) {
	if amount <= 0 {
		return nil, ErrNonPositiveAmount
	}
	available, err := repo.BalanceForUpdate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if available < amount {
		return nil, &InsufficientPointsError{UserID: userID, Available: available, Requested: amount}
	}
	ok, err := repo.DebitBalance(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race between the read and the guarded write.
		return nil, &InsufficientPointsError{UserID: userID, Available: available, Requested: amount}
	}
	e := Entry{
		ID:          EntryID(uuid.NewString()),
		UserID:      userID,
		Delta:       -amount,
		Description: reason,
		CreatedAt:   now,
		ExpiresAt:   NeverExpires,
	}
	if err := repo.Append(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ExpireGrant marks one grant expired and removes its points from the
// cached balance, flooring at zero. Returns false without touching the
// balance when the entry was already expired or is not a grant, which
// makes overlapping sweeps safe.
func (Ledger) ExpireGrant(ctx context.Context, repo Repository, e Entry) (bool, error) {
	if !e.IsGrant() {
		return false, nil
	}
	ok, err := repo.MarkExpired(ctx, e.ID)
	if err != nil || !ok {
		return false, err
	}
	if err := repo.ReduceBalance(ctx, e.UserID, e.Delta); err != nil {
		return false, err
	}
	return true, nil
}
