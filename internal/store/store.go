package store

import (
	"context"
	"database/sql"
	"time"

	"peerswap/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so read helpers can
// run inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const offerColumns = `id, owner_id, amount_sell_cents, currency_sell,
	amount_buy_cents, currency_buy, rate, beneficiary_seller_phone,
	beneficiary_buyer_phone, status, acceptor_id, accepted_at,
	created_at, updated_at, expires_at`

func (s *Store) CreateOffer(ctx context.Context, tx pgx.Tx, offer *models.Offer) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO offers (
			id, owner_id, amount_sell_cents, currency_sell,
			amount_buy_cents, currency_buy, rate, beneficiary_seller_phone,
			status, expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		offer.ID,
		offer.OwnerID,
		offer.AmountSellCents,
		offer.CurrencySell,
		offer.AmountBuyCents,
		offer.CurrencyBuy,
		offer.Rate,
		offer.BeneficiarySellerPhone,
		offer.Status,
		offer.ExpiresAt,
		offer.CreatedAt,
		offer.UpdatedAt,
	)
	return err
}

func (s *Store) GetOffer(ctx context.Context, q Querier, offerID string) (*models.Offer, error) {
	row := q.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1`, offerID)
	return scanOffer(row)
}

// GetOfferForUpdate takes an exclusive row lock on the offer for the duration
// of the transaction. Every read-then-write of an offer goes through here.
func (s *Store) GetOfferForUpdate(ctx context.Context, tx pgx.Tx, offerID string) (*models.Offer, error) {
	row := tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1 FOR UPDATE`, offerID)
	return scanOffer(row)
}

func (s *Store) UpdateOfferStatus(ctx context.Context, tx pgx.Tx, offerID string, status models.OfferStatus) error {
	_, err := tx.Exec(ctx, `
		UPDATE offers SET status=$2, updated_at=now() WHERE id=$1
	`, offerID, status)
	return err
}

func (s *Store) MarkOfferAccepted(ctx context.Context, tx pgx.Tx, offerID, acceptorID, beneficiaryPhone string, acceptedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE offers
		SET status=$2, acceptor_id=$3, beneficiary_buyer_phone=$4, accepted_at=$5, updated_at=now()
		WHERE id=$1
	`, offerID, models.OfferLocked, acceptorID, beneficiaryPhone, acceptedAt)
	return err
}

func (s *Store) ListOffers(ctx context.Context, status models.OfferStatus) ([]*models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers ORDER BY created_at DESC`
	args := []any{}
	if status != "" {
		query = `SELECT ` + offerColumns + ` FROM offers WHERE status=$1 ORDER BY created_at DESC`
		args = append(args, status)
	}

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []*models.Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

// ListExpiredOpenOfferIDs returns OPEN offers past their expiry, oldest first.
func (s *Store) ListExpiredOpenOfferIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id FROM offers
		WHERE status=$1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3
	`, models.OfferOpen, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListOfferIDsWithExpiredLocks returns LOCKED offers carrying at least one
// active lock past its own expiry; such reservations are eligible for forced
// rollback.
func (s *Store) ListOfferIDsWithExpiredLocks(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT DISTINCT o.id FROM offers o
		JOIN escrow_locks l ON l.offer_id = o.id
		WHERE o.status=$1 AND l.status=$2 AND l.expires_at < $3
		LIMIT $4
	`, models.OfferLocked, models.LockLocked, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanOffer(row pgx.Row) (*models.Offer, error) {
	var offer models.Offer
	var buyerPhone sql.NullString
	var acceptorID sql.NullString
	var acceptedAt sql.NullTime

	err := row.Scan(
		&offer.ID,
		&offer.OwnerID,
		&offer.AmountSellCents,
		&offer.CurrencySell,
		&offer.AmountBuyCents,
		&offer.CurrencyBuy,
		&offer.Rate,
		&offer.BeneficiarySellerPhone,
		&buyerPhone,
		&offer.Status,
		&acceptorID,
		&acceptedAt,
		&offer.CreatedAt,
		&offer.UpdatedAt,
		&offer.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if buyerPhone.Valid {
		offer.BeneficiaryBuyerPhone = &buyerPhone.String
	}
	if acceptorID.Valid {
		offer.AcceptorID = &acceptorID.String
	}
	if acceptedAt.Valid {
		offer.AcceptedAt = &acceptedAt.Time
	}
	return &offer, nil
}
