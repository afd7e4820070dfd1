package models

import "time"

type OfferStatus string

const (
	OfferOpen      OfferStatus = "OPEN"
	OfferLocked    OfferStatus = "LOCKED"
	OfferCompleted OfferStatus = "COMPLETED"
	OfferCancelled OfferStatus = "CANCELLED"
	OfferExpired   OfferStatus = "EXPIRED"
	OfferDispute   OfferStatus = "DISPUTE"
)

// Terminal reports whether no further lifecycle transition is possible.
// DISPUTE is deliberately not terminal: resolution happens out of band.
func (s OfferStatus) Terminal() bool {
	switch s {
	case OfferCompleted, OfferCancelled, OfferExpired:
		return true
	}
	return false
}

type LockStatus string

const (
	LockLocked     LockStatus = "LOCKED"
	LockReleased   LockStatus = "RELEASED"
	LockRolledBack LockStatus = "ROLLEDBACK"
)

type AuditAction string

const (
	AuditOfferCreated   AuditAction = "OFFER_CREATED"
	AuditOfferLocked    AuditAction = "OFFER_LOCKED"
	AuditOfferCompleted AuditAction = "OFFER_COMPLETED"
	AuditOfferCancelled AuditAction = "OFFER_CANCELLED"
	AuditOfferDisputed  AuditAction = "OFFER_DISPUTED"
	AuditOfferExpired   AuditAction = "OFFER_EXPIRED"
)

type KYCStatus string

const (
	KYCUnverified KYCStatus = "unverified"
	KYCPending    KYCStatus = "pending"
	KYCVerified   KYCStatus = "verified"
)

type User struct {
	ID          string
	PhoneNumber string
	KYCStatus   KYCStatus
	CreatedAt   time.Time
}

// Wallet holds one balance per (user, currency). Balances are integer minor
// units; available balance is BalanceCents minus the sum of the user's active
// escrow locks in the same currency.
type Wallet struct {
	ID           string
	UserID       string
	Currency     string
	BalanceCents int64
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Offer struct {
	ID                     string
	OwnerID                string
	AmountSellCents        int64
	CurrencySell           string
	AmountBuyCents         int64
	CurrencyBuy            string
	Rate                   string
	BeneficiarySellerPhone string
	BeneficiaryBuyerPhone  *string
	Status                 OfferStatus
	AcceptorID             *string
	AcceptedAt             *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
	ExpiresAt              time.Time

	// Locks is populated on aggregate reads; empty until the offer is accepted.
	Locks []EscrowLock
}

type EscrowLock struct {
	ID            string
	OfferID       string
	UserID        string
	AmountCents   int64
	Currency      string
	Status        LockStatus
	Seq           int64
	IntegrityHash string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ReleasedAt    *time.Time
}

type AuditLogEntry struct {
	ID           string
	Seq          int64
	Timestamp    time.Time
	Action       AuditAction
	ActorUserID  string
	OfferID      *string
	Details      map[string]any
	PreviousHash string
	Hash         string
}
