package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"vesis/internal/host"
	"vesis/internal/persistence"
	"vesis/internal/symbiosis"
	"vesis/pkg/sandbox"
)

var (
	holder = common.HexToAddress("0x1111111111111111111111111111111111111111")
	absent = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestPrintLatest(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vesis.db")

	store, err := persistence.NewStore(path)
	require.NoError(t, err)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SavePoolSnapshots(ctx, []persistence.PoolSnapshot{{
		PoolID: symbiosis.PoolID, Token: symbiosis.SISAddress.Hex(),
		TVL: decimal.RequireFromString("1234.5"), Block: 19000000, CreatedAt: at,
	}}))
	require.NoError(t, store.SavePositionSnapshots(ctx, []persistence.PositionSnapshot{{
		PoolID: symbiosis.PoolID, User: holder.Hex(), Token: symbiosis.SISAddress.Hex(),
		Balance: decimal.RequireFromString("-0.5"), Block: 19000000, CreatedAt: at,
	}}))
	require.NoError(t, store.SetSystemState(ctx, host.StateLastRefreshBlock, "19000000"))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	require.NoError(t, printLatest(ctx, &out, path, []sandbox.Address{holder, absent}))

	got := out.String()
	require.Contains(t, got, host.StateLastRefreshBlock)
	require.Contains(t, got, "19000000")
	require.Contains(t, got, "1234.5")
	require.Contains(t, got, "2024-05-01T12:00:00Z")
	require.Contains(t, got, holder.Hex())
	require.Contains(t, got, "-0.5")
	require.Contains(t, got, absent.Hex())
}

func TestPrintLatestEmptyStore(t *testing.T) {
	var out bytes.Buffer
	err := printLatest(context.Background(), &out, filepath.Join(t.TempDir(), "vesis.db"), nil)
	require.NoError(t, err)

	got := out.String()
	require.Contains(t, got, symbiosis.PoolID)
	require.NotContains(t, got, "USER")
}
