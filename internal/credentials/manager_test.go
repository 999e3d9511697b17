package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoginTokenRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	m := NewManager(store)
	ctx := context.Background()

	token, err := m.MintLoginToken(ctx, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.RedeemLogin(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
}

func TestTokensAreSingleUse(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	m := NewManager(store)
	ctx := context.Background()

	token, err := m.MintJoinToken(ctx, "user-1", "room-1", false, false)
	require.NoError(t, err)

	_, err = m.RedeemJoin(ctx, token)
	require.NoError(t, err)

	_, err = m.RedeemJoin(ctx, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJoinTokenCarriesClaims(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	m := NewManager(store)
	ctx := context.Background()

	token, err := m.MintJoinToken(ctx, "user-2", "room-9", true, true)
	require.NoError(t, err)

	claims, err := m.RedeemJoin(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "user-2", claims.UserID)
	require.Equal(t, "room-9", claims.RoomID)
	require.True(t, claims.Host)
	require.True(t, claims.Readonly)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	m := NewManager(store, WithTTLs(time.Millisecond, time.Millisecond))
	ctx := context.Background()

	token, err := m.MintLoginToken(ctx, "user-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = m.RedeemLogin(ctx, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiryRecheckBeatsSweepRace(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	// Freeze the manager clock past the claim expiry while the store still
	// holds the entry: redemption must fail on the claim's own timestamp.
	now := time.Now()
	m := NewManager(store,
		WithTTLs(time.Minute, time.Minute),
		WithClock(func() time.Time { return now }))

	token, err := m.MintLoginToken(context.Background(), "user-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.RedeemLogin(context.Background(), token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestLoginAndJoinNamespacesAreDistinct(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	m := NewManager(store)
	ctx := context.Background()

	token, err := m.MintLoginToken(ctx, "user-1")
	require.NoError(t, err)

	_, err = m.RedeemJoin(ctx, token)
	require.ErrorIs(t, err, ErrInvalidToken)

	// still redeemable as what it actually is
	_, err = m.RedeemLogin(ctx, token)
	require.NoError(t, err)
}

func TestTokensAreURLSafeAndUnpredictable(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	m := NewManager(store)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := m.MintLoginToken(ctx, "user")
		require.NoError(t, err)
		require.NotContains(t, token, "/")
		require.NotContains(t, token, "+")
		require.False(t, seen[token], "duplicate token")
		seen[token] = true
	}
}
