package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfferStatusTerminal(t *testing.T) {
	require.False(t, OfferOpen.Terminal())
	require.False(t, OfferLocked.Terminal())
	require.False(t, OfferDispute.Terminal())
	require.True(t, OfferCompleted.Terminal())
	require.True(t, OfferCancelled.Terminal())
	require.True(t, OfferExpired.Terminal())
}
