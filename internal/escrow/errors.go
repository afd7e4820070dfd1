package escrow

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrKycRequired           = errors.New("kyc verification required")
	ErrInvalidAmount         = errors.New("amount must be a positive integer in minor units")
	ErrInsufficientFunds     = errors.New("insufficient available balance")
	ErrCurrencyMismatch      = errors.New("no account in the requested currency")
	ErrOfferNotFound         = errors.New("offer not found")
	ErrOfferNotAvailable     = errors.New("offer no longer available")
	ErrSelfDealingNotAllowed = errors.New("cannot accept own offer")
	ErrBeneficiaryNotFound   = errors.New("beneficiary not found")
	ErrNotAuthorized         = errors.New("not a party to this offer")
	ErrAuditEntryNotFound    = errors.New("audit entry not found")

	// ErrInconsistentLockCount is a data-integrity violation, not a user
	// error: settlement found something other than exactly two active locks.
	// Never retried automatically; surfaced for manual investigation.
	ErrInconsistentLockCount = errors.New("inconsistent escrow lock count")

	// ErrBusy means a row lock could not be acquired within the bounded wait.
	// Safe to retry.
	ErrBusy = errors.New("resource busy, retry")
)

// isLockTimeout matches Postgres lock_not_available, raised when
// lock_timeout expires while waiting on a row lock.
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

func mapLockErr(err error) error {
	if isLockTimeout(err) {
		return ErrBusy
	}
	return err
}
