package store

import (
	"context"

	"peerswap/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const walletColumns = `id, user_id, currency, balance_cents, version, created_at, updated_at`

func (s *Store) GetWallet(ctx context.Context, q Querier, userID, currency string) (*models.Wallet, error) {
	row := q.QueryRow(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id=$1 AND currency=$2
	`, userID, currency)
	return scanWallet(row)
}

// GetWalletForUpdate acquires an exclusive row lock on the (user, currency)
// wallet. Callers locking more than one wallet must do so in a deterministic
// order to avoid deadlocks.
func (s *Store) GetWalletForUpdate(ctx context.Context, tx pgx.Tx, userID, currency string) (*models.Wallet, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id=$1 AND currency=$2 FOR UPDATE
	`, userID, currency)
	return scanWallet(row)
}

// GetOrCreateWalletForUpdate is used for beneficiary legs: a verified user may
// never have held the credited currency before.
func (s *Store) GetOrCreateWalletForUpdate(ctx context.Context, tx pgx.Tx, userID, currency string) (*models.Wallet, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (id, user_id, currency)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, currency) DO NOTHING
	`, uuid.NewString(), userID, currency)
	if err != nil {
		return nil, err
	}
	return s.GetWalletForUpdate(ctx, tx, userID, currency)
}

func (s *Store) CreateWallet(ctx context.Context, wallet *models.Wallet) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO wallets (id, user_id, currency, balance_cents, version)
		VALUES ($1, $2, $3, $4, $5)
	`, wallet.ID, wallet.UserID, wallet.Currency, wallet.BalanceCents, wallet.Version)
	return err
}

// AddBalance applies a signed delta to the real balance and bumps the wallet
// version. The balance_cents check constraint backstops a negative result.
func (s *Store) AddBalance(ctx context.Context, tx pgx.Tx, walletID string, deltaCents int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE wallets
		SET balance_cents = balance_cents + $2, version = version + 1, updated_at = now()
		WHERE id=$1
	`, walletID, deltaCents)
	return err
}

func (s *Store) BumpWalletVersion(ctx context.Context, tx pgx.Tx, walletID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE wallets SET version = version + 1, updated_at = now() WHERE id=$1
	`, walletID)
	return err
}

// ActiveLockSum aggregates the user's LOCKED reservations in one currency.
// Evaluate it in the same transaction that holds the wallet row lock when the
// result gates a new reservation.
func (s *Store) ActiveLockSum(ctx context.Context, q Querier, userID, currency string) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM escrow_locks
		WHERE user_id=$1 AND currency=$2 AND status=$3
	`, userID, currency, models.LockLocked).Scan(&sum)
	return sum, err
}

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(
		&w.ID,
		&w.UserID,
		&w.Currency,
		&w.BalanceCents,
		&w.Version,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
