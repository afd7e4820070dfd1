package escrow

import (
	"testing"
	"time"

	"peerswap/internal/models"

	"github.com/stretchr/testify/require"
)

func TestLockStampDeterministic(t *testing.T) {
	a := LockStamp("user-1", 5000, "XOF", "offer-1", 42)
	b := LockStamp("user-1", 5000, "XOF", "offer-1", 42)
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestVerifyLockStamp(t *testing.T) {
	lock := models.EscrowLock{
		ID:          "lock-1",
		OfferID:     "offer-1",
		UserID:      "user-1",
		AmountCents: 5000,
		Currency:    "XOF",
		Seq:         42,
	}
	lock.IntegrityHash = LockStamp(lock.UserID, lock.AmountCents, lock.Currency, lock.OfferID, lock.Seq)
	require.True(t, VerifyLockStamp(lock))

	tampered := lock
	tampered.AmountCents = 50000
	require.False(t, VerifyLockStamp(tampered))

	tampered = lock
	tampered.UserID = "user-2"
	require.False(t, VerifyLockStamp(tampered))
}

func TestEligibleForRollback(t *testing.T) {
	now := time.Now().UTC()
	lock := models.EscrowLock{Status: models.LockLocked, ExpiresAt: now.Add(-time.Minute)}
	require.True(t, EligibleForRollback(lock, now))

	lock.ExpiresAt = now.Add(time.Minute)
	require.False(t, EligibleForRollback(lock, now))

	lock.Status = models.LockReleased
	lock.ExpiresAt = now.Add(-time.Minute)
	require.False(t, EligibleForRollback(lock, now))

	lock.Status = models.LockRolledBack
	require.False(t, EligibleForRollback(lock, now))
}

func TestCalcRate(t *testing.T) {
	require.Equal(t, "0.9", calcRate(4500, 5000))
	require.Equal(t, "1", calcRate(10000, 10000))
	require.Equal(t, "0.333333", calcRate(1, 3))
	require.Equal(t, "655.957", calcRate(655957, 1000))
}
