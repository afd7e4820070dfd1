package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"peerswap/internal/models"

	"github.com/jackc/pgx/v5"
)

// ConfirmOffer executes the irreversible two-leg settlement of a LOCKED
// offer, exactly once. All four balance mutations, both lock releases and the
// status change commit together or not at all; on any failure the offer stays
// LOCKED so retry or dispute remains possible.
func (s *Service) ConfirmOffer(ctx context.Context, offerID string) (*models.Offer, error) {
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
	if offer.Status != models.OfferLocked {
		return nil, fmt.Errorf("%w: status %s", ErrOfferNotAvailable, offer.Status)
	}
	if offer.AcceptorID == nil || offer.BeneficiaryBuyerPhone == nil {
		log.Printf("integrity alert: offer %s LOCKED without acceptor data", offer.ID)
		return nil, ErrInconsistentLockCount
	}

	locks, err := s.Store.ActiveLocksForUpdate(ctx, tx, offer.ID)
	if err != nil {
		return nil, mapLockErr(err)
	}
	if len(locks) != 2 {
		log.Printf("integrity alert: offer %s has %d active locks, expected 2", offer.ID, len(locks))
		return nil, fmt.Errorf("%w: found %d", ErrInconsistentLockCount, len(locks))
	}

	var ownerLock, acceptorLock *models.EscrowLock
	for i := range locks {
		switch locks[i].UserID {
		case offer.OwnerID:
			ownerLock = &locks[i]
		case *offer.AcceptorID:
			acceptorLock = &locks[i]
		}
	}
	if ownerLock == nil || acceptorLock == nil {
		log.Printf("integrity alert: offer %s locks do not match its parties", offer.ID)
		return nil, ErrInconsistentLockCount
	}

	sellerBen, err := s.Identity.ResolveByPhone(ctx, tx, offer.BeneficiarySellerPhone)
	if err != nil {
		return nil, err
	}
	if sellerBen == nil {
		return nil, fmt.Errorf("%w: seller beneficiary %s", ErrBeneficiaryNotFound, offer.BeneficiarySellerPhone)
	}
	buyerBen, err := s.Identity.ResolveByPhone(ctx, tx, *offer.BeneficiaryBuyerPhone)
	if err != nil {
		return nil, err
	}
	if buyerBen == nil {
		return nil, fmt.Errorf("%w: buyer beneficiary %s", ErrBeneficiaryNotFound, *offer.BeneficiaryBuyerPhone)
	}

	// Each party's designated beneficiary receives that party's outgoing
	// currency: owner pays sellerBen in the sell currency, acceptor pays
	// buyerBen in the buy currency.
	type movement struct {
		userID     string
		currency   string
		deltaCents int64
		create     bool
	}
	movements := []movement{
		{offer.OwnerID, offer.CurrencySell, -ownerLock.AmountCents, false},
		{sellerBen.ID, offer.CurrencySell, ownerLock.AmountCents, true},
		{*offer.AcceptorID, offer.CurrencyBuy, -acceptorLock.AmountCents, false},
		{buyerBen.ID, offer.CurrencyBuy, acceptorLock.AmountCents, true},
	}

	// Wallet locks in a fixed order across all movements; a beneficiary may
	// coincide with a trading party, so deltas are applied per wallet after
	// the locks are held.
	walletKeys := map[string]movement{}
	order := []string{}
	for _, mv := range movements {
		key := mv.userID + "/" + mv.currency
		if prev, ok := walletKeys[key]; ok {
			mv.deltaCents += prev.deltaCents
			mv.create = mv.create || prev.create
		} else {
			order = append(order, key)
		}
		walletKeys[key] = mv
	}
	sort.Strings(order)

	for _, key := range order {
		mv := walletKeys[key]
		var wallet *models.Wallet
		if mv.create {
			wallet, err = s.Store.GetOrCreateWalletForUpdate(ctx, tx, mv.userID, mv.currency)
		} else {
			wallet, err = s.Store.GetWalletForUpdate(ctx, tx, mv.userID, mv.currency)
		}
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				log.Printf("integrity alert: offer %s party %s lost its %s wallet", offer.ID, mv.userID, mv.currency)
				return nil, ErrInconsistentLockCount
			}
			return nil, mapLockErr(err)
		}
		if mv.deltaCents == 0 {
			continue
		}
		if err := s.Store.AddBalance(ctx, tx, wallet.ID, mv.deltaCents); err != nil {
			return nil, err
		}
	}

	if err := s.Locks.Release(ctx, tx, ownerLock.ID); err != nil {
		return nil, err
	}
	if err := s.Locks.Release(ctx, tx, acceptorLock.ID); err != nil {
		return nil, err
	}
	if err := s.Store.UpdateOfferStatus(ctx, tx, offer.ID, models.OfferCompleted); err != nil {
		return nil, err
	}

	if _, err := s.Audit.Record(ctx, tx, models.AuditOfferCompleted, offer.OwnerID, offer.ID, map[string]any{
		"status":   "SWAP_EXECUTED",
		"leg_sell": fmt.Sprintf("%s->%s %d %s", offer.OwnerID, sellerBen.ID, ownerLock.AmountCents, offer.CurrencySell),
		"leg_buy":  fmt.Sprintf("%s->%s %d %s", *offer.AcceptorID, buyerBen.ID, acceptorLock.AmountCents, offer.CurrencyBuy),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publish(models.AuditOfferCompleted, offer.ID, models.OfferCompleted)
	return s.GetOffer(ctx, offerID)
}
