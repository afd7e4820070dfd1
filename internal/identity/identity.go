// Package identity is the narrow interface onto the user subsystem: KYC
// status checks and ledger-account resolution by phone number. The escrow
// core consumes nothing else about a user.
package identity

import (
	"context"
	"errors"

	"peerswap/internal/models"
	"peerswap/internal/store"

	"github.com/jackc/pgx/v5"
)

type Service struct {
	Store *store.Store
}

// Verified reports whether the user exists and has passed KYC.
func (s *Service) Verified(ctx context.Context, q store.Querier, userID string) (bool, error) {
	user, err := s.Store.GetUser(ctx, q, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return user.KYCStatus == models.KYCVerified, nil
}

// ResolveByPhone looks up the user a party designated as beneficiary. Returns
// nil without error when no user carries that phone number.
func (s *Service) ResolveByPhone(ctx context.Context, q store.Querier, phone string) (*models.User, error) {
	if phone == "" {
		return nil, nil
	}
	user, err := s.Store.GetUserByPhone(ctx, q, phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}
