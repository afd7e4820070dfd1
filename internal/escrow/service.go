package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"peerswap/internal/identity"
	"peerswap/internal/models"
	"peerswap/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Event is pushed to the sink after a state change commits.
type Event struct {
	Action  models.AuditAction `json:"action"`
	OfferID string             `json:"offerId"`
	Status  models.OfferStatus `json:"status"`
}

type EventSink interface {
	Publish(Event)
}

// Service owns the offer lifecycle. Every operation is one transaction:
// exclusive row locks on the records it reads-then-writes, an audit entry
// appended before commit, no partial state on any failure.
type Service struct {
	Store    *store.Store
	Locks    LockManager
	Audit    AuditLog
	Identity *identity.Service
	Events   EventSink

	OfferTTL time.Duration
	LockWait time.Duration
}

func (s *Service) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.Store.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	// Bounded wait on row locks: contended records surface ErrBusy instead
	// of blocking the caller indefinitely.
	wait := s.LockWait
	if wait <= 0 {
		wait = 3 * time.Second
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", wait.Milliseconds())); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return tx, nil
}

func (s *Service) publish(action models.AuditAction, offerID string, status models.OfferStatus) {
	if s.Events != nil {
		s.Events.Publish(Event{Action: action, OfferID: offerID, Status: status})
	}
}

// calcRate derives the informational exchange rate amount_buy/amount_sell as
// an exact decimal with six places.
func calcRate(amountBuyCents, amountSellCents int64) string {
	buy := decimal.NewFromInt(amountBuyCents)
	sell := decimal.NewFromInt(amountSellCents)
	return buy.DivRound(sell, 6).String()
}

// CreateOffer publishes an OPEN offer after checking the creator's KYC status
// and available balance. No funds are reserved yet; reservation happens at
// accept time.
func (s *Service) CreateOffer(ctx context.Context, ownerID string, amountSellCents int64, currencySell string, amountBuyCents int64, currencyBuy, beneficiaryPhone string, ttl time.Duration) (*models.Offer, error) {
	if amountSellCents <= 0 || amountBuyCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if beneficiaryPhone == "" {
		return nil, fmt.Errorf("%w: seller beneficiary is required", ErrBeneficiaryNotFound)
	}
	if ttl <= 0 {
		ttl = s.OfferTTL
	}

	verified, err := s.Identity.Verified(ctx, s.Store.Pool, ownerID)
	if err != nil {
		return nil, err
	}
	if !verified {
		return nil, ErrKycRequired
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// No reservation yet, so no wallet lock: the availability check only
	// gates offer spam, the race-free check happens at accept time.
	available, err := s.Locks.ComputeAvailable(ctx, tx, ownerID, currencySell)
	if err != nil {
		return nil, err
	}
	if available < amountSellCents {
		return nil, fmt.Errorf("%w: required %d, available %d %s",
			ErrInsufficientFunds, amountSellCents, available, currencySell)
	}

	now := time.Now().UTC()
	offer := &models.Offer{
		ID:                     uuid.NewString(),
		OwnerID:                ownerID,
		AmountSellCents:        amountSellCents,
		CurrencySell:           currencySell,
		AmountBuyCents:         amountBuyCents,
		CurrencyBuy:            currencyBuy,
		Rate:                   calcRate(amountBuyCents, amountSellCents),
		BeneficiarySellerPhone: beneficiaryPhone,
		Status:                 models.OfferOpen,
		CreatedAt:              now,
		UpdatedAt:              now,
		ExpiresAt:              now.Add(ttl),
	}
	if err := s.Store.CreateOffer(ctx, tx, offer); err != nil {
		return nil, err
	}

	if _, err := s.Audit.Record(ctx, tx, models.AuditOfferCreated, ownerID, offer.ID, map[string]any{
		"amount_sell_cents": amountSellCents,
		"currency_sell":     currencySell,
		"amount_buy_cents":  amountBuyCents,
		"currency_buy":      currencyBuy,
		"rate":              offer.Rate,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publish(models.AuditOfferCreated, offer.ID, offer.Status)
	return offer, nil
}

// AcceptOffer runs the critical two-reservation transaction. The offer row
// lock serializes concurrent accepts: only one observer finds the offer still
// OPEN. Wallet locks are taken in a fixed order across both parties so two
// offers accepted concurrently by the same users in opposite roles cannot
// deadlock.
func (s *Service) AcceptOffer(ctx context.Context, acceptorID, offerID, beneficiaryPhone string) (*models.Offer, error) {
	if beneficiaryPhone == "" {
		return nil, fmt.Errorf("%w: buyer beneficiary is required", ErrBeneficiaryNotFound)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	offer, err := s.Store.GetOfferForUpdate(ctx, tx, offerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, mapLockErr(err)
	}
	if offer.Status != models.OfferOpen {
		return nil, fmt.Errorf("%w: status %s", ErrOfferNotAvailable, offer.Status)
	}
	if offer.OwnerID == acceptorID {
		return nil, ErrSelfDealingNotAllowed
	}

	verified, err := s.Identity.Verified(ctx, tx, acceptorID)
	if err != nil {
		return nil, err
	}
	if !verified {
		return nil, ErrKycRequired
	}

	legs := []struct {
		userID      string
		amountCents int64
		currency    string
	}{
		{offer.OwnerID, offer.AmountSellCents, offer.CurrencySell},
		{acceptorID, offer.AmountBuyCents, offer.CurrencyBuy},
	}
	sort.Slice(legs, func(i, j int) bool {
		return legs[i].userID+"/"+legs[i].currency < legs[j].userID+"/"+legs[j].currency
	})
	for _, leg := range legs {
		if _, err := s.Locks.Reserve(ctx, tx, leg.userID, leg.amountCents, leg.currency, offer.ID); err != nil {
			return nil, err
		}
	}

	acceptedAt := time.Now().UTC()
	if err := s.Store.MarkOfferAccepted(ctx, tx, offer.ID, acceptorID, beneficiaryPhone, acceptedAt); err != nil {
		return nil, err
	}

	if _, err := s.Audit.Record(ctx, tx, models.AuditOfferLocked, acceptorID, offer.ID, map[string]any{
		"owner_locked":      fmt.Sprintf("%d %s", offer.AmountSellCents, offer.CurrencySell),
		"acceptor_locked":   fmt.Sprintf("%d %s", offer.AmountBuyCents, offer.CurrencyBuy),
		"beneficiary_buyer": beneficiaryPhone,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publish(models.AuditOfferLocked, offer.ID, models.OfferLocked)
	return s.GetOffer(ctx, offer.ID)
}

// CancelOffer rolls back an OPEN or LOCKED offer. Reservations flip to
// ROLLEDBACK; real balances are untouched because reservations never debited
// them. Cancelling an offer that is already terminal is a no-op.
func (s *Service) CancelOffer(ctx context.Context, offerID, actorID, reason string) (*models.Offer, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	offer, err := s.Store.GetOfferForUpdate(ctx, tx, offerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, mapLockErr(err)
	}

	// actorID is empty when the sweep cancels on expiry.
	if actorID != "" && actorID != offer.OwnerID && (offer.AcceptorID == nil || actorID != *offer.AcceptorID) {
		return nil, ErrNotAuthorized
	}

	if offer.Status != models.OfferOpen && offer.Status != models.OfferLocked {
		return s.GetOffer(ctx, offerID)
	}

	locks, err := s.Store.ActiveLocksForUpdate(ctx, tx, offer.ID)
	if err != nil {
		return nil, mapLockErr(err)
	}
	for _, lock := range locks {
		if err := s.Locks.Rollback(ctx, tx, lock.ID); err != nil {
			return nil, err
		}
	}

	if err := s.Store.UpdateOfferStatus(ctx, tx, offer.ID, models.OfferCancelled); err != nil {
		return nil, err
	}

	auditActor := actorID
	if auditActor == "" {
		auditActor = offer.OwnerID
	}
	if _, err := s.Audit.Record(ctx, tx, models.AuditOfferCancelled, auditActor, offer.ID, map[string]any{
		"reason":          reason,
		"previous_status": string(offer.Status),
		"locks_rolled":    len(locks),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publish(models.AuditOfferCancelled, offer.ID, models.OfferCancelled)
	return s.GetOffer(ctx, offerID)
}

// DisputeOffer freezes a LOCKED or COMPLETED offer. Only the parties to the
// trade may open a dispute; resolution itself happens out of band.
func (s *Service) DisputeOffer(ctx context.Context, offerID, actorID, reason string) (*models.Offer, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	offer, err := s.Store.GetOfferForUpdate(ctx, tx, offerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, mapLockErr(err)
	}
	if offer.Status != models.OfferLocked && offer.Status != models.OfferCompleted {
		return nil, fmt.Errorf("%w: status %s", ErrOfferNotAvailable, offer.Status)
	}
	if actorID != offer.OwnerID && (offer.AcceptorID == nil || actorID != *offer.AcceptorID) {
		return nil, ErrNotAuthorized
	}

	if err := s.Store.UpdateOfferStatus(ctx, tx, offer.ID, models.OfferDispute); err != nil {
		return nil, err
	}
	if _, err := s.Audit.Record(ctx, tx, models.AuditOfferDisputed, actorID, offer.ID, map[string]any{
		"reason":          reason,
		"previous_status": string(offer.Status),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publish(models.AuditOfferDisputed, offer.ID, models.OfferDispute)
	return s.GetOffer(ctx, offerID)
}

// GetOffer returns the offer aggregate including its lock set.
func (s *Service) GetOffer(ctx context.Context, offerID string) (*models.Offer, error) {
	offer, err := s.Store.GetOffer(ctx, s.Store.Pool, offerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	locks, err := s.Store.ListLocksForOffer(ctx, s.Store.Pool, offerID)
	if err != nil {
		return nil, err
	}
	offer.Locks = locks
	return offer, nil
}

func (s *Service) ListOffers(ctx context.Context, status models.OfferStatus) ([]*models.Offer, error) {
	return s.Store.ListOffers(ctx, status)
}

// WalletSummary reports the real and available balance for one currency.
type WalletSummary struct {
	Currency       string `json:"currency"`
	BalanceCents   int64  `json:"balanceCents"`
	LockedCents    int64  `json:"lockedCents"`
	AvailableCents int64  `json:"availableCents"`
	Version        int64  `json:"version"`
}

func (s *Service) Wallet(ctx context.Context, userID, currency string) (*WalletSummary, error) {
	wallet, err := s.Store.GetWallet(ctx, s.Store.Pool, userID, currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s has no %s wallet", ErrCurrencyMismatch, userID, currency)
		}
		return nil, err
	}
	locked, err := s.Store.ActiveLockSum(ctx, s.Store.Pool, userID, currency)
	if err != nil {
		return nil, err
	}
	return &WalletSummary{
		Currency:       currency,
		BalanceCents:   wallet.BalanceCents,
		LockedCents:    locked,
		AvailableCents: wallet.BalanceCents - locked,
		Version:        wallet.Version,
	}, nil
}

func (s *Service) VerifyAuditChain(ctx context.Context, fromEntryID string) (VerifyResult, error) {
	return s.Audit.Verify(ctx, fromEntryID)
}

func (s *Service) ListAuditEntries(ctx context.Context) ([]models.AuditLogEntry, error) {
	return s.Store.ListAuditEntries(ctx)
}

// ExpireOpenOffers flips OPEN offers past their expiry to EXPIRED, one
// transaction per offer so each gets its own audit entry.
func (s *Service) ExpireOpenOffers(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.Store.ListExpiredOpenOfferIDs(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if err := s.expireOne(ctx, id, now); err != nil {
			log.Printf("expire offer %s failed: %v", id, err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, offerID string, now time.Time) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	offer, err := s.Store.GetOfferForUpdate(ctx, tx, offerID)
	if err != nil {
		return mapLockErr(err)
	}
	// Re-check under the row lock; another caller may have raced the sweep.
	if offer.Status != models.OfferOpen || !now.After(offer.ExpiresAt) {
		return nil
	}

	if err := s.Store.UpdateOfferStatus(ctx, tx, offer.ID, models.OfferExpired); err != nil {
		return err
	}
	if _, err := s.Audit.Record(ctx, tx, models.AuditOfferExpired, offer.OwnerID, offer.ID, map[string]any{
		"expired_at": offer.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.publish(models.AuditOfferExpired, offer.ID, models.OfferExpired)
	return nil
}

// RollbackExpiredLocks cancels LOCKED offers whose reservations passed their
// auto-rollback horizon.
func (s *Service) RollbackExpiredLocks(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.Store.ListOfferIDsWithExpiredLocks(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	rolled := 0
	for _, id := range ids {
		if _, err := s.CancelOffer(ctx, id, "", "escrow lock expired"); err != nil {
			log.Printf("rollback expired locks for offer %s failed: %v", id, err)
			continue
		}
		rolled++
	}
	return rolled, nil
}
