package store

import (
	"context"
	"database/sql"
	"errors"

	"peerswap/internal/models"

	"github.com/jackc/pgx/v5"
)

const auditColumns = `id, seq, ts, action, actor_user_id, offer_id, details, previous_hash, hash`

// Advisory lock key for chain appends; arbitrary but stable.
const auditAppendLockKey = 0x70737761 // "pswa"

// LockAuditTail serializes chain appends for the rest of the transaction.
// Concurrent writers that share no row locks would otherwise read the same
// tail hash and fork the chain.
func (s *Store) LockAuditTail(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(auditAppendLockKey))
	return err
}

// LastAuditHash returns the hash of the most recent entry, or "" when the
// chain is empty. Called inside the same transaction as the business mutation
// so a rollback never leaves an orphan entry.
func (s *Store) LastAuditHash(ctx context.Context, tx pgx.Tx) (string, error) {
	var hash string
	err := tx.QueryRow(ctx, `SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (s *Store) InsertAuditEntry(ctx context.Context, tx pgx.Tx, entry *models.AuditLogEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO audit_log (id, ts, action, actor_user_id, offer_id, details, previous_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING seq
	`,
		entry.ID,
		entry.Timestamp,
		entry.Action,
		entry.ActorUserID,
		entry.OfferID,
		entry.Details,
		entry.PreviousHash,
		entry.Hash,
	).Scan(&entry.Seq)
}

func (s *Store) ListAuditEntries(ctx context.Context) ([]models.AuditLogEntry, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// ListAuditEntriesFrom returns the chain starting at the given entry id,
// inclusive, in replay order.
func (s *Store) ListAuditEntriesFrom(ctx context.Context, entryID string) ([]models.AuditLogEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+auditColumns+` FROM audit_log
		WHERE seq >= (SELECT seq FROM audit_log WHERE id=$1)
		ORDER BY seq
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func scanAuditEntries(rows pgx.Rows) ([]models.AuditLogEntry, error) {
	var entries []models.AuditLogEntry
	for rows.Next() {
		var entry models.AuditLogEntry
		var offerID sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&entry.Seq,
			&entry.Timestamp,
			&entry.Action,
			&entry.ActorUserID,
			&offerID,
			&entry.Details,
			&entry.PreviousHash,
			&entry.Hash,
		); err != nil {
			return nil, err
		}
		if offerID.Valid {
			entry.OfferID = &offerID.String
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
