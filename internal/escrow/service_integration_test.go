package escrow_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"peerswap/internal/db"
	"peerswap/internal/escrow"
	"peerswap/internal/identity"
	"peerswap/internal/models"
	"peerswap/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// These tests need a real Postgres; set PEERSWAP_TEST_DSN to run them.

func setupService(t *testing.T) (*escrow.Service, *store.Store) {
	t.Helper()
	dsn := os.Getenv("PEERSWAP_TEST_DSN")
	if dsn == "" {
		t.Skip("PEERSWAP_TEST_DSN not set")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE audit_log, escrow_locks, offers, wallets, users CASCADE`)
	require.NoError(t, err)

	st := store.New(pool)
	svc := &escrow.Service{
		Store:    st,
		Locks:    escrow.LockManager{Store: st, TTL: 24 * time.Hour},
		Audit:    escrow.AuditLog{Store: st},
		Identity: &identity.Service{Store: st},
		OfferTTL: 24 * time.Hour,
		LockWait: 3 * time.Second,
	}
	return svc, st
}

func seedUser(t *testing.T, st *store.Store, kyc models.KYCStatus) *models.User {
	t.Helper()
	user := &models.User{
		ID:          uuid.NewString(),
		PhoneNumber: fmt.Sprintf("+2376%08d", rand.Intn(100000000)),
		KYCStatus:   kyc,
	}
	require.NoError(t, st.CreateUser(context.Background(), user))
	return user
}

func seedWallet(t *testing.T, st *store.Store, userID, currency string, balanceCents int64) {
	t.Helper()
	require.NoError(t, st.CreateWallet(context.Background(), &models.Wallet{
		ID:           uuid.NewString(),
		UserID:       userID,
		Currency:     currency,
		BalanceCents: balanceCents,
	}))
}

func available(t *testing.T, svc *escrow.Service, userID, currency string) int64 {
	t.Helper()
	summary, err := svc.Wallet(context.Background(), userID, currency)
	require.NoError(t, err)
	return summary.AvailableCents
}

func TestFullSwapScenario(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	owner := seedUser(t, st, models.KYCVerified)
	acceptor := seedUser(t, st, models.KYCVerified)
	sellerBen := seedUser(t, st, models.KYCVerified)
	buyerBen := seedUser(t, st, models.KYCVerified)
	seedWallet(t, st, owner.ID, "XOF", 10000)
	seedWallet(t, st, acceptor.ID, "EUR", 6000)

	offer, err := svc.CreateOffer(ctx, owner.ID, 5000, "XOF", 4500, "EUR", sellerBen.PhoneNumber, 0)
	require.NoError(t, err)
	require.Equal(t, models.OfferOpen, offer.Status)
	require.Equal(t, "0.9", offer.Rate)

	offer, err = svc.AcceptOffer(ctx, acceptor.ID, offer.ID, buyerBen.PhoneNumber)
	require.NoError(t, err)
	require.Equal(t, models.OfferLocked, offer.Status)
	require.Len(t, offer.Locks, 2)
	for _, lock := range offer.Locks {
		require.Equal(t, models.LockLocked, lock.Status)
		require.True(t, escrow.VerifyLockStamp(lock))
	}

	require.Equal(t, int64(5000), available(t, svc, owner.ID, "XOF"))
	require.Equal(t, int64(1500), available(t, svc, acceptor.ID, "EUR"))

	offer, err = svc.ConfirmOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferCompleted, offer.Status)
	for _, lock := range offer.Locks {
		require.Equal(t, models.LockReleased, lock.Status)
		require.NotNil(t, lock.ReleasedAt)
	}

	ownerWallet, err := svc.Wallet(ctx, owner.ID, "XOF")
	require.NoError(t, err)
	require.Equal(t, int64(5000), ownerWallet.BalanceCents)
	require.Equal(t, int64(5000), ownerWallet.AvailableCents)

	acceptorWallet, err := svc.Wallet(ctx, acceptor.ID, "EUR")
	require.NoError(t, err)
	require.Equal(t, int64(1500), acceptorWallet.BalanceCents)

	sellerBenWallet, err := svc.Wallet(ctx, sellerBen.ID, "XOF")
	require.NoError(t, err)
	require.Equal(t, int64(5000), sellerBenWallet.BalanceCents)

	buyerBenWallet, err := svc.Wallet(ctx, buyerBen.ID, "EUR")
	require.NoError(t, err)
	require.Equal(t, int64(4500), buyerBenWallet.BalanceCents)

	result, err := svc.VerifyAuditChain(ctx, "")
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, 3, result.Checked)
}

func TestAcceptIsExclusive(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	owner := seedUser(t, st, models.KYCVerified)
	a := seedUser(t, st, models.KYCVerified)
	b := seedUser(t, st, models.KYCVerified)
	ben := seedUser(t, st, models.KYCVerified)
	seedWallet(t, st, owner.ID, "XOF", 10000)
	seedWallet(t, st, a.ID, "EUR", 10000)
	seedWallet(t, st, b.ID, "EUR", 10000)

	offer, err := svc.CreateOffer(ctx, owner.ID, 5000, "XOF", 4500, "EUR", ben.PhoneNumber, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, acceptor := range []*models.User{a, b} {
		wg.Add(1)
		go func(i int, acceptorID string) {
			defer wg.Done()
			_, errs[i] = svc.AcceptOffer(ctx, acceptorID, offer.ID, ben.PhoneNumber)
		}(i, acceptor.ID)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, escrow.ErrOfferNotAvailable)
		}
	}
	require.Equal(t, 1, succeeded)

	final, err := svc.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferLocked, final.Status)
	require.Len(t, final.Locks, 2)
}

func TestConcurrentOffersKeepAuditChainLinked(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	ben := seedUser(t, st, models.KYCVerified)
	const writers = 4
	owners := make([]*models.User, writers)
	for i := range owners {
		owners[i] = seedUser(t, st, models.KYCVerified)
		seedWallet(t, st, owners[i].ID, "XOF", 10000)
	}

	// Offer creation by distinct users takes no shared row locks, so these
	// transactions contend only on the chain tail.
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i, owner := range owners {
		wg.Add(1)
		go func(i int, ownerID string) {
			defer wg.Done()
			_, errs[i] = svc.CreateOffer(ctx, ownerID, 1000, "XOF", 900, "EUR", ben.PhoneNumber, 0)
		}(i, owner.ID)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Every entry chains to a distinct predecessor and replay holds.
	entries, err := st.ListAuditEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, writers)
	seen := map[string]bool{}
	for _, e := range entries {
		require.False(t, seen[e.PreviousHash], "two entries chained to the same predecessor")
		seen[e.PreviousHash] = true
	}

	result, err := svc.VerifyAuditChain(ctx, "")
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, writers, result.Checked)
}

func TestAcceptGuards(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	owner := seedUser(t, st, models.KYCVerified)
	poor := seedUser(t, st, models.KYCVerified)
	unverified := seedUser(t, st, models.KYCPending)
	ben := seedUser(t, st, models.KYCVerified)
	seedWallet(t, st, owner.ID, "XOF", 10000)
	seedWallet(t, st, poor.ID, "EUR", 100)
	seedWallet(t, st, unverified.ID, "EUR", 10000)

	offer, err := svc.CreateOffer(ctx, owner.ID, 5000, "XOF", 4500, "EUR", ben.PhoneNumber, 0)
	require.NoError(t, err)

	_, err = svc.AcceptOffer(ctx, owner.ID, offer.ID, ben.PhoneNumber)
	require.ErrorIs(t, err, escrow.ErrSelfDealingNotAllowed)

	_, err = svc.AcceptOffer(ctx, unverified.ID, offer.ID, ben.PhoneNumber)
	require.ErrorIs(t, err, escrow.ErrKycRequired)

	_, err = svc.AcceptOffer(ctx, poor.ID, offer.ID, ben.PhoneNumber)
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)

	// Failed accepts must leave the offer OPEN with no stray reservations.
	final, err := svc.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferOpen, final.Status)
	require.Empty(t, final.Locks)
	require.Equal(t, int64(10000), available(t, svc, owner.ID, "XOF"))
}

func TestCreateOfferGuards(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	owner := seedUser(t, st, models.KYCVerified)
	unverified := seedUser(t, st, models.KYCUnverified)
	ben := seedUser(t, st, models.KYCVerified)
	seedWallet(t, st, owner.ID, "XOF", 1000)
	seedWallet(t, st, unverified.ID, "XOF", 100000)

	_, err := svc.CreateOffer(ctx, unverified.ID, 5000, "XOF", 4500, "EUR", ben.PhoneNumber, 0)
	require.ErrorIs(t, err, escrow.ErrKycRequired)

	_, err = svc.CreateOffer(ctx, owner.ID, 5000, "XOF", 4500, "EUR", ben.PhoneNumber, 0)
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)

	_, err = svc.CreateOffer(ctx, owner.ID, 500, "EUR", 450, "XOF", ben.PhoneNumber, 0)
	require.ErrorIs(t, err, escrow.ErrCurrencyMismatch)

	_, err = svc.CreateOffer(ctx, owner.ID, 0, "XOF", 450, "EUR", ben.PhoneNumber, 0)
	require.ErrorIs(t, err, escrow.ErrInvalidAmount)

	_, err = svc.CreateOffer(ctx, owner.ID, 500, "XOF", -450, "EUR", ben.PhoneNumber, 0)
	require.ErrorIs(t, err, escrow.ErrInvalidAmount)
}

func TestCancelRestoresAvailability(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	owner := seedUser(t, st, models.KYCVerified)
	acceptor := seedUser(t, st, models.KYCVerified)
	ben := seedUser(t, st, models.KYCVerified)
	seedWallet(t, st, owner.ID, "XOF", 10000)
	seedWallet(t, st, acceptor.ID, "EUR", 6000)

	offer, err := svc.CreateOffer(ctx, owner.ID, 5000, "XOF", 4500, "EUR", ben.PhoneNumber, 0)
	require.NoError(t, err)
	_, err = svc.AcceptOffer(ctx, acceptor.ID, offer.ID, ben.PhoneNumber)
	require.NoError(t, err)
	require.Equal(t, int64(5000), available(t, svc, owner.ID, "XOF"))

	cancelled, err := svc.CancelOffer(ctx, offer.ID, owner.ID, "changed my mind")
	require.NoError(t, err)
	require.Equal(t, models.OfferCancelled, cancelled.Status)
	for _, lock := range cancelled.Locks {
		require.Equal(t, models.LockRolledBack, lock.Status)
	}

	// Real balances untouched, availability fully restored.
	ownerWallet, err := svc.Wallet(ctx, owner.ID, "XOF")
	require.NoError(t, err)
	require.Equal(t, int64(10000), ownerWallet.BalanceCents)
	require.Equal(t, int64(10000), ownerWallet.AvailableCents)
	require.Equal(t, int64(6000), available(t, svc, acceptor.ID, "EUR"))

	// Cancel on a terminal offer is a no-op.
	again, err := svc.CancelOffer(ctx, offer.ID, owner.ID, "again")
	require.NoError(t, err)
	require.Equal(t, models.OfferCancelled, again.Status)

	// Settlement is impossible after cancellation.
	_, err = svc.ConfirmOffer(ctx, offer.ID)
	require.ErrorIs(t, err, escrow.ErrOfferNotAvailable)
}

func TestAvailabilityInvariantUnderRandomInterleaving(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(7))
	currencies := []string{"XOF", "EUR"}
	users := make([]*models.User, 4)
	for i := range users {
		users[i] = seedUser(t, st, models.KYCVerified)
		for _, c := range currencies {
			seedWallet(t, st, users[i].ID, c, 10000)
		}
	}

	checkInvariant := func() {
		t.Helper()
		for _, u := range users {
			for _, c := range currencies {
				summary, err := svc.Wallet(ctx, u.ID, c)
				require.NoError(t, err)
				require.GreaterOrEqual(t, summary.BalanceCents, int64(0))
				require.GreaterOrEqual(t, summary.BalanceCents, summary.LockedCents,
					"user %s %s: balance below active reservations", u.ID, c)
				require.Equal(t, summary.BalanceCents-summary.LockedCents, summary.AvailableCents)
			}
		}
	}

	var offerIDs []string
	for step := 0; step < 80; step++ {
		var err error
		switch op := rng.Intn(4); {
		case op == 0 || len(offerIDs) == 0:
			owner := users[rng.Intn(len(users))]
			ben := users[rng.Intn(len(users))]
			sell, buy := currencies[0], currencies[1]
			if rng.Intn(2) == 0 {
				sell, buy = buy, sell
			}
			var offer *models.Offer
			offer, err = svc.CreateOffer(ctx, owner.ID,
				int64(rng.Intn(3000)+1), sell,
				int64(rng.Intn(3000)+1), buy,
				ben.PhoneNumber, 0)
			if err == nil {
				offerIDs = append(offerIDs, offer.ID)
			}
		case op == 1:
			acceptor := users[rng.Intn(len(users))]
			ben := users[rng.Intn(len(users))]
			_, err = svc.AcceptOffer(ctx, acceptor.ID, offerIDs[rng.Intn(len(offerIDs))], ben.PhoneNumber)
		case op == 2:
			actor := users[rng.Intn(len(users))]
			_, err = svc.CancelOffer(ctx, offerIDs[rng.Intn(len(offerIDs))], actor.ID, "interleaved cancel")
		default:
			_, err = svc.ConfirmOffer(ctx, offerIDs[rng.Intn(len(offerIDs))])
		}
		// Guard rejections (self-deal, insufficient funds, wrong status,
		// wrong actor) are expected outcomes here; integrity failures are
		// not.
		if err != nil {
			require.NotErrorIs(t, err, escrow.ErrInconsistentLockCount)
		}
		checkInvariant()
	}

	result, err := svc.VerifyAuditChain(ctx, "")
	require.NoError(t, err)
	require.True(t, result.Valid)
}

func TestDisputeAuthorization(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	owner := seedUser(t, st, models.KYCVerified)
	acceptor := seedUser(t, st, models.KYCVerified)
	outsider := seedUser(t, st, models.KYCVerified)
	ben := seedUser(t, st, models.KYCVerified)
	seedWallet(t, st, owner.ID, "XOF", 10000)
	seedWallet(t, st, acceptor.ID, "EUR", 6000)

	offer, err := svc.CreateOffer(ctx, owner.ID, 5000, "XOF", 4500, "EUR", ben.PhoneNumber, 0)
	require.NoError(t, err)

	// OPEN offers cannot be disputed.
	_, err = svc.DisputeOffer(ctx, offer.ID, owner.ID, "too early")
	require.ErrorIs(t, err, escrow.ErrOfferNotAvailable)

	_, err = svc.AcceptOffer(ctx, acceptor.ID, offer.ID, ben.PhoneNumber)
	require.NoError(t, err)

	_, err = svc.DisputeOffer(ctx, offer.ID, outsider.ID, "not mine")
	require.ErrorIs(t, err, escrow.ErrNotAuthorized)

	disputed, err := svc.DisputeOffer(ctx, offer.ID, acceptor.ID, "counterparty unreachable")
	require.NoError(t, err)
	require.Equal(t, models.OfferDispute, disputed.Status)

	// Frozen: neither settlement nor a second dispute may proceed.
	_, err = svc.ConfirmOffer(ctx, offer.ID)
	require.ErrorIs(t, err, escrow.ErrOfferNotAvailable)
	_, err = svc.DisputeOffer(ctx, offer.ID, owner.ID, "again")
	require.ErrorIs(t, err, escrow.ErrOfferNotAvailable)
}

func TestSettlementFailureLeavesOfferLocked(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	owner := seedUser(t, st, models.KYCVerified)
	acceptor := seedUser(t, st, models.KYCVerified)
	ben := seedUser(t, st, models.KYCVerified)
	seedWallet(t, st, owner.ID, "XOF", 10000)
	seedWallet(t, st, acceptor.ID, "EUR", 6000)

	// The buyer-side beneficiary phone resolves to nobody.
	offer, err := svc.CreateOffer(ctx, owner.ID, 5000, "XOF", 4500, "EUR", ben.PhoneNumber, 0)
	require.NoError(t, err)
	_, err = svc.AcceptOffer(ctx, acceptor.ID, offer.ID, "+99900000000")
	require.NoError(t, err)

	_, err = svc.ConfirmOffer(ctx, offer.ID)
	require.ErrorIs(t, err, escrow.ErrBeneficiaryNotFound)

	// No partial settlement: both legs un-applied, offer still LOCKED.
	final, err := svc.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferLocked, final.Status)
	ownerWallet, err := svc.Wallet(ctx, owner.ID, "XOF")
	require.NoError(t, err)
	require.Equal(t, int64(10000), ownerWallet.BalanceCents)
	require.Equal(t, int64(5000), ownerWallet.AvailableCents)
}

func TestExpireSweep(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	owner := seedUser(t, st, models.KYCVerified)
	ben := seedUser(t, st, models.KYCVerified)
	seedWallet(t, st, owner.ID, "XOF", 10000)

	offer, err := svc.CreateOffer(ctx, owner.ID, 5000, "XOF", 4500, "EUR", ben.PhoneNumber, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	expired, err := svc.ExpireOpenOffers(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	final, err := svc.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferExpired, final.Status)

	result, err := svc.VerifyAuditChain(ctx, "")
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, 2, result.Checked)
}

func TestAuditTamperDetectedInStore(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	owner := seedUser(t, st, models.KYCVerified)
	ben := seedUser(t, st, models.KYCVerified)
	seedWallet(t, st, owner.ID, "XOF", 10000)

	for i := 0; i < 3; i++ {
		_, err := svc.CreateOffer(ctx, owner.ID, 1000, "XOF", 900, "EUR", ben.PhoneNumber, 0)
		require.NoError(t, err)
	}

	result, err := svc.VerifyAuditChain(ctx, "")
	require.NoError(t, err)
	require.True(t, result.Valid)

	entries, err := st.ListAuditEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	_, err = st.Pool.Exec(ctx,
		`UPDATE audit_log SET details = jsonb_set(details, '{amount_sell_cents}', '999999') WHERE id=$1`,
		entries[1].ID)
	require.NoError(t, err)

	result, err = svc.VerifyAuditChain(ctx, "")
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.NotNil(t, result.BrokenAt)
	require.Equal(t, entries[1].ID, *result.BrokenAt)

	// Verification from the untampered tail still passes.
	result, err = svc.VerifyAuditChain(ctx, entries[2].ID)
	require.NoError(t, err)
	require.True(t, result.Valid)

	// An unknown starting entry is an error, not a vacuous pass.
	_, err = svc.VerifyAuditChain(ctx, uuid.NewString())
	require.ErrorIs(t, err, escrow.ErrAuditEntryNotFound)
}
