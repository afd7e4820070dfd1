package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"peerswap/internal/models"
	"peerswap/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GenesisHash seeds the chain before the first entry exists.
const GenesisHash = "GENESIS_HASH"

// AuditLog is the append-only, hash-chained writer. Record runs inside the
// same transaction as the business mutation it documents, so a rolled-back
// operation never leaves an orphan entry. Appends serialize on an advisory
// lock held to commit: transactions that contend on no rows (two offer
// creations, say) must still chain to distinct tails.
type AuditLog struct {
	Store *store.Store
}

func (a AuditLog) Record(ctx context.Context, tx pgx.Tx, action models.AuditAction, actorID string, offerID string, details map[string]any) (*models.AuditLogEntry, error) {
	if err := a.Store.LockAuditTail(ctx, tx); err != nil {
		return nil, mapLockErr(err)
	}
	prev, err := a.Store.LastAuditHash(ctx, tx)
	if err != nil {
		return nil, err
	}
	if prev == "" {
		prev = GenesisHash
	}

	if details == nil {
		details = map[string]any{}
	}
	hash, err := EntryHash(prev, action, actorID, details)
	if err != nil {
		return nil, err
	}

	entry := &models.AuditLogEntry{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Action:       action,
		ActorUserID:  actorID,
		Details:      details,
		PreviousHash: prev,
		Hash:         hash,
	}
	if offerID != "" {
		entry.OfferID = &offerID
	}
	if err := a.Store.InsertAuditEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// EntryHash is SHA256(previous_hash:action:actor:canonical(details)).
// json.Marshal sorts map keys, which makes the details encoding canonical.
func EntryHash(previousHash string, action models.AuditAction, actorID string, details map[string]any) (string, error) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	raw := previousHash + ":" + string(action) + ":" + actorID + ":" + string(detailsJSON)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:]), nil
}

type VerifyResult struct {
	Valid    bool    `json:"valid"`
	BrokenAt *string `json:"brokenAt,omitempty"`
	Checked  int     `json:"checked"`
}

// Verify replays the chain in insertion order, recomputing every hash. An
// empty fromEntryID verifies from genesis; otherwise verification starts at
// that entry, seeded by its stored previous_hash.
func (a AuditLog) Verify(ctx context.Context, fromEntryID string) (VerifyResult, error) {
	var (
		entries []models.AuditLogEntry
		err     error
	)
	seed := GenesisHash
	if fromEntryID == "" {
		entries, err = a.Store.ListAuditEntries(ctx)
	} else {
		entries, err = a.Store.ListAuditEntriesFrom(ctx, fromEntryID)
		if err == nil {
			// The from entry is always first in its own suffix, so an
			// empty result means the id does not exist.
			if len(entries) == 0 {
				return VerifyResult{}, fmt.Errorf("%w: %s", ErrAuditEntryNotFound, fromEntryID)
			}
			seed = entries[0].PreviousHash
		}
	}
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyEntries(entries, seed), nil
}

// VerifyEntries is the pure replay over an ordered slice of entries. The
// first mismatch identifies the point of tampering.
func VerifyEntries(entries []models.AuditLogEntry, seed string) VerifyResult {
	prev := seed
	for i, entry := range entries {
		if entry.PreviousHash != prev {
			id := entries[i].ID
			return VerifyResult{Valid: false, BrokenAt: &id, Checked: i}
		}
		expected, err := EntryHash(entry.PreviousHash, entry.Action, entry.ActorUserID, entry.Details)
		if err != nil || expected != entry.Hash {
			id := entries[i].ID
			return VerifyResult{Valid: false, BrokenAt: &id, Checked: i}
		}
		prev = entry.Hash
	}
	return VerifyResult{Valid: true, Checked: len(entries)}
}
