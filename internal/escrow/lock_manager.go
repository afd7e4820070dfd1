package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"peerswap/internal/models"
	"peerswap/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LockManager reserves and releases funds as an accounting overlay on top of
// the real balance. Reservations never move money: they only shrink the
// available balance until settlement or rollback.
type LockManager struct {
	Store *store.Store
	TTL   time.Duration
}

// ComputeAvailable is balance minus the sum of active reservations. When the
// result gates a mutation the caller must hold the wallet row lock, which is
// why Reserve recomputes it itself.
func (m LockManager) ComputeAvailable(ctx context.Context, q store.Querier, userID, currency string) (int64, error) {
	wallet, err := m.Store.GetWallet(ctx, q, userID, currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s has no %s wallet", ErrCurrencyMismatch, userID, currency)
		}
		return 0, err
	}
	locked, err := m.Store.ActiveLockSum(ctx, q, userID, currency)
	if err != nil {
		return 0, err
	}
	return wallet.BalanceCents - locked, nil
}

// Reserve creates an active lock for the user inside the caller's
// transaction. It takes the wallet row lock first, so two concurrent accepts
// cannot both observe the same funds as available.
func (m LockManager) Reserve(ctx context.Context, tx pgx.Tx, userID string, amountCents int64, currency, offerID string) (*models.EscrowLock, error) {
	wallet, err := m.Store.GetWalletForUpdate(ctx, tx, userID, currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s has no %s wallet", ErrCurrencyMismatch, userID, currency)
		}
		return nil, mapLockErr(err)
	}

	locked, err := m.Store.ActiveLockSum(ctx, tx, userID, currency)
	if err != nil {
		return nil, err
	}
	available := wallet.BalanceCents - locked
	if available < amountCents {
		return nil, fmt.Errorf("%w: required %d, available %d %s (locked %d)",
			ErrInsufficientFunds, amountCents, available, currency, locked)
	}

	seq, err := m.Store.NextLockSeq(ctx, tx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	lock := &models.EscrowLock{
		ID:            uuid.NewString(),
		OfferID:       offerID,
		UserID:        userID,
		AmountCents:   amountCents,
		Currency:      currency,
		Status:        models.LockLocked,
		Seq:           seq,
		IntegrityHash: LockStamp(userID, amountCents, currency, offerID, seq),
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.TTL),
	}
	if err := m.Store.CreateLock(ctx, tx, lock); err != nil {
		return nil, err
	}
	if err := m.Store.BumpWalletVersion(ctx, tx, wallet.ID); err != nil {
		return nil, err
	}
	return lock, nil
}

// Release marks a lock consumed by settlement.
func (m LockManager) Release(ctx context.Context, tx pgx.Tx, lockID string) error {
	return m.Store.SetLockStatus(ctx, tx, lockID, models.LockReleased, time.Now().UTC())
}

// Rollback returns a reservation to the available pool. No balance mutation:
// the aggregate in ComputeAvailable simply stops counting it.
func (m LockManager) Rollback(ctx context.Context, tx pgx.Tx, lockID string) error {
	return m.Store.SetLockStatus(ctx, tx, lockID, models.LockRolledBack, time.Now().UTC())
}

// EligibleForRollback is the forced-rollback rule consumed by the sweep: an
// active lock past its expiry may be rolled back out of band.
func EligibleForRollback(lock models.EscrowLock, now time.Time) bool {
	return lock.Status == models.LockLocked && now.After(lock.ExpiresAt)
}

// LockStamp computes the tamper-evidence stamp from stable fields only, so it
// can be recomputed and checked at any later point.
func LockStamp(userID string, amountCents int64, currency, offerID string, seq int64) string {
	raw := strings.Join([]string{
		userID,
		strconv.FormatInt(amountCents, 10),
		currency,
		offerID,
		strconv.FormatInt(seq, 10),
	}, ":")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// VerifyLockStamp recomputes the stamp from the lock's stored fields.
func VerifyLockStamp(lock models.EscrowLock) bool {
	return LockStamp(lock.UserID, lock.AmountCents, lock.Currency, lock.OfferID, lock.Seq) == lock.IntegrityHash
}
