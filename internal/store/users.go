package store

import (
	"context"

	"peerswap/internal/models"

	"github.com/jackc/pgx/v5"
)

const userColumns = `id, full_phone_number, kyc_status, created_at`

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO users (id, full_phone_number, kyc_status)
		VALUES ($1, $2, $3)
	`, user.ID, user.PhoneNumber, user.KYCStatus)
	return err
}

func (s *Store) GetUser(ctx context.Context, q Querier, userID string) (*models.User, error) {
	row := q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *Store) GetUserByPhone(ctx context.Context, q Querier, phone string) (*models.User, error) {
	row := q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE full_phone_number=$1`, phone)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.PhoneNumber, &u.KYCStatus, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
