package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "nested", "vesis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestTokenUpsert verifies tokens are inserted and updated by address.
func TestTokenUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tok, err := store.GetToken(ctx, "0xsis")
	require.NoError(t, err)
	require.Nil(t, tok)

	require.NoError(t, store.UpsertToken(ctx, TokenRecord{Address: "0xsis", Symbol: "SIS", Decimals: 18}))
	require.NoError(t, store.UpsertToken(ctx, TokenRecord{Address: "0xsis", Symbol: "SIS2", Decimals: 18}))

	tok, err = store.GetToken(ctx, "0xsis")
	require.NoError(t, err)
	require.NotNil(t, tok)
	require.Equal(t, "SIS2", tok.Symbol)
	require.Equal(t, 18, tok.Decimals)
}

// TestPoolSnapshots verifies the latest pool snapshot is returned with exact decimals.
func TestPoolSnapshots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	latest, err := store.LatestPool(ctx, "veSIS")
	require.NoError(t, err)
	require.Nil(t, latest)

	require.NoError(t, store.SavePoolSnapshots(ctx, []PoolSnapshot{
		{PoolID: "veSIS", Token: "0xsis", TVL: decimal.RequireFromString("1.5"), Block: 100},
	}))
	require.NoError(t, store.SavePoolSnapshots(ctx, []PoolSnapshot{
		{PoolID: "veSIS", Token: "0xsis", TVL: decimal.RequireFromString("123456789.123456789123456789"), Block: 101},
	}))

	latest, err = store.LatestPool(ctx, "veSIS")
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, uint64(101), latest.Block)
	require.Equal(t, "123456789.123456789123456789", latest.TVL.String())
	require.False(t, latest.CreatedAt.IsZero())

	// Empty batch is a no-op
	require.NoError(t, store.SavePoolSnapshots(ctx, nil))
}

// TestPositionSnapshots verifies positions are keyed by pool and user.
func TestPositionSnapshots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePositionSnapshots(ctx, []PositionSnapshot{
		{PoolID: "veSIS", User: "0xalice", Token: "0xsis", Balance: decimal.RequireFromString("0.5"), Block: 7},
		{PoolID: "veSIS", User: "0xbob", Token: "0xsis", Balance: decimal.RequireFromString("2"), Block: 7},
	}))

	alice, err := store.LatestPosition(ctx, "veSIS", "0xalice")
	require.NoError(t, err)
	require.NotNil(t, alice)
	require.Equal(t, "0.5", alice.Balance.String())

	bob, err := store.LatestPosition(ctx, "veSIS", "0xbob")
	require.NoError(t, err)
	require.Equal(t, "2", bob.Balance.String())

	nobody, err := store.LatestPosition(ctx, "veSIS", "0xcarol")
	require.NoError(t, err)
	require.Nil(t, nobody)
}

// TestSystemState verifies key-value state round trips and overwrites.
func TestSystemState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v, err := store.GetSystemState(ctx, "last_block")
	require.NoError(t, err)
	require.Empty(t, v)

	require.NoError(t, store.SetSystemState(ctx, "last_block", "100"))
	require.NoError(t, store.SetSystemState(ctx, "last_block", "200"))

	v, err = store.GetSystemState(ctx, "last_block")
	require.NoError(t, err)
	require.Equal(t, "200", v)
}
