package escrow

import (
	"testing"
	"time"

	"peerswap/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, count int) []models.AuditLogEntry {
	t.Helper()
	entries := make([]models.AuditLogEntry, 0, count)
	prev := GenesisHash
	actions := []models.AuditAction{
		models.AuditOfferCreated,
		models.AuditOfferLocked,
		models.AuditOfferCompleted,
		models.AuditOfferCancelled,
		models.AuditOfferDisputed,
	}
	for i := 0; i < count; i++ {
		action := actions[i%len(actions)]
		details := map[string]any{
			"amount_sell_cents": float64(1000 + i),
			"currency_sell":     "XOF",
		}
		hash, err := EntryHash(prev, action, "user-1", details)
		require.NoError(t, err)
		entries = append(entries, models.AuditLogEntry{
			ID:           uuid.NewString(),
			Seq:          int64(i + 1),
			Timestamp:    time.Now().UTC(),
			Action:       action,
			ActorUserID:  "user-1",
			Details:      details,
			PreviousHash: prev,
			Hash:         hash,
		})
		prev = hash
	}
	return entries
}

func TestVerifyEntriesValidChain(t *testing.T) {
	entries := buildChain(t, 12)
	result := VerifyEntries(entries, GenesisHash)
	require.True(t, result.Valid)
	require.Nil(t, result.BrokenAt)
	require.Equal(t, 12, result.Checked)
}

func TestVerifyEntriesEmptyChain(t *testing.T) {
	result := VerifyEntries(nil, GenesisHash)
	require.True(t, result.Valid)
	require.Equal(t, 0, result.Checked)
}

func TestVerifyEntriesDetectsTamperedDetails(t *testing.T) {
	entries := buildChain(t, 8)
	entries[3].Details["amount_sell_cents"] = float64(999999)

	result := VerifyEntries(entries, GenesisHash)
	require.False(t, result.Valid)
	require.NotNil(t, result.BrokenAt)
	require.Equal(t, entries[3].ID, *result.BrokenAt)
	require.Equal(t, 3, result.Checked)
}

func TestVerifyEntriesDetectsBrokenLink(t *testing.T) {
	entries := buildChain(t, 5)
	entries[2].PreviousHash = "forged"

	result := VerifyEntries(entries, GenesisHash)
	require.False(t, result.Valid)
	require.Equal(t, entries[2].ID, *result.BrokenAt)
}

func TestVerifyEntriesFromMidChainSeed(t *testing.T) {
	entries := buildChain(t, 10)
	tail := entries[6:]
	result := VerifyEntries(tail, tail[0].PreviousHash)
	require.True(t, result.Valid)
	require.Equal(t, 4, result.Checked)
}

func TestEntryHashIsDeterministic(t *testing.T) {
	details := map[string]any{"reason": "timeout", "locks_rolled": float64(2)}
	h1, err := EntryHash(GenesisHash, models.AuditOfferCancelled, "user-9", details)
	require.NoError(t, err)
	h2, err := EntryHash(GenesisHash, models.AuditOfferCancelled, "user-9", details)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestEntryHashChangesWithAnyField(t *testing.T) {
	details := map[string]any{"reason": "timeout"}
	base, err := EntryHash(GenesisHash, models.AuditOfferCancelled, "user-9", details)
	require.NoError(t, err)

	other, err := EntryHash(GenesisHash, models.AuditOfferDisputed, "user-9", details)
	require.NoError(t, err)
	require.NotEqual(t, base, other)

	other, err = EntryHash(GenesisHash, models.AuditOfferCancelled, "user-8", details)
	require.NoError(t, err)
	require.NotEqual(t, base, other)

	other, err = EntryHash("other-prev", models.AuditOfferCancelled, "user-9", details)
	require.NoError(t, err)
	require.NotEqual(t, base, other)

	other, err = EntryHash(GenesisHash, models.AuditOfferCancelled, "user-9", map[string]any{"reason": "fraud"})
	require.NoError(t, err)
	require.NotEqual(t, base, other)
}
