package store

import (
	"context"
	"database/sql"
	"time"

	"peerswap/internal/models"

	"github.com/jackc/pgx/v5"
)

const lockColumns = `id, offer_id, user_id, amount_cents, currency, status,
	seq, integrity_hash, created_at, expires_at, released_at`

func (s *Store) NextLockSeq(ctx context.Context, tx pgx.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, "SELECT nextval('escrow_lock_seq')").Scan(&seq)
	return seq, err
}

func (s *Store) CreateLock(ctx context.Context, tx pgx.Tx, lock *models.EscrowLock) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_locks (
			id, offer_id, user_id, amount_cents, currency,
			status, seq, integrity_hash, created_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		lock.ID,
		lock.OfferID,
		lock.UserID,
		lock.AmountCents,
		lock.Currency,
		lock.Status,
		lock.Seq,
		lock.IntegrityHash,
		lock.CreatedAt,
		lock.ExpiresAt,
	)
	return err
}

// ActiveLocksForUpdate loads the offer's LOCKED reservations under exclusive
// row locks, ordered by seq so both settlement legs see a stable order.
func (s *Store) ActiveLocksForUpdate(ctx context.Context, tx pgx.Tx, offerID string) ([]models.EscrowLock, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+lockColumns+` FROM escrow_locks
		WHERE offer_id=$1 AND status=$2
		ORDER BY seq
		FOR UPDATE
	`, offerID, models.LockLocked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLocks(rows)
}

func (s *Store) ListLocksForOffer(ctx context.Context, q Querier, offerID string) ([]models.EscrowLock, error) {
	rows, err := q.Query(ctx, `
		SELECT `+lockColumns+` FROM escrow_locks WHERE offer_id=$1 ORDER BY seq
	`, offerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLocks(rows)
}

func (s *Store) SetLockStatus(ctx context.Context, tx pgx.Tx, lockID string, status models.LockStatus, releasedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE escrow_locks SET status=$2, released_at=$3 WHERE id=$1
	`, lockID, status, releasedAt)
	return err
}

func scanLocks(rows pgx.Rows) ([]models.EscrowLock, error) {
	var locks []models.EscrowLock
	for rows.Next() {
		var lock models.EscrowLock
		var releasedAt sql.NullTime
		if err := rows.Scan(
			&lock.ID,
			&lock.OfferID,
			&lock.UserID,
			&lock.AmountCents,
			&lock.Currency,
			&lock.Status,
			&lock.Seq,
			&lock.IntegrityHash,
			&lock.CreatedAt,
			&lock.ExpiresAt,
			&releasedAt,
		); err != nil {
			return nil, err
		}
		if releasedAt.Valid {
			lock.ReleasedAt = &releasedAt.Time
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}
