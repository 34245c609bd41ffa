package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/marketplace/integrity-engine/internal/models"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
)

// WalletRepository reads wallet snapshots and performs the atomic burn.
// It implements withdrawal.WalletStore.
type WalletRepository struct {
	db *Database
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db *Database) *WalletRepository {
	return &WalletRepository{db: db}
}

// Snapshot retrieves the current wallet state for a user.
func (r *WalletRepository) Snapshot(ctx context.Context, userID uuid.UUID) (*models.WalletSnapshot, error) {
	query := `
		SELECT user_id, balance, lifetime_earned, total_withdrawn
		FROM wallets
		WHERE user_id = $1
	`

	snapshot := &models.WalletSnapshot{}
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&snapshot.UserID,
		&snapshot.Balance,
		&snapshot.LifetimeEarned,
		&snapshot.TotalWithdrawn,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}

	return snapshot, nil
}

// Burn decrements the balance, increments total_withdrawn and writes
// the ledger record in one transaction. The balance check is part of
// the UPDATE itself, so a concurrent burn that drained the wallet makes
// this one fail instead of double-spending.
func (r *WalletRepository) Burn(ctx context.Context, userID, withdrawalID uuid.UUID, tokens int64) (*models.LedgerTransaction, error) {
	entry := &models.LedgerTransaction{
		ID:           uuid.New(),
		UserID:       userID,
		WithdrawalID: withdrawalID,
		Tokens:       tokens,
		CreatedAt:    time.Now().UTC(),
	}

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		update := `
			UPDATE wallets
			SET balance = balance - $2, total_withdrawn = total_withdrawn + $2
			WHERE user_id = $1 AND balance >= $2
			RETURNING balance
		`
		if err := tx.QueryRow(ctx, update, userID, tokens).Scan(&entry.BalanceAfter); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInsufficientBalance
			}
			return err
		}

		insert := `
			INSERT INTO ledger_transactions (id, user_id, withdrawal_id, tokens, balance_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		_, err := tx.Exec(ctx, insert,
			entry.ID,
			entry.UserID,
			entry.WithdrawalID,
			entry.Tokens,
			entry.BalanceAfter,
			entry.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}
