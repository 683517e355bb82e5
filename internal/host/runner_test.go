package host

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"vesis/internal/metrics"
	"vesis/internal/persistence"
	"vesis/internal/symbiosis"
	"vesis/pkg/sandbox"
)

var (
	testVeSIS = common.HexToAddress("0x000000000000000000000000000000000000e515")
	userOne   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	userTwo   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func bigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("invalid big int: " + s)
	}
	return n
}

// chainHandler fakes the SIS token and the veSIS contract.
func chainHandler(locked map[common.Address]string) func(sandbox.Call) ([]any, error) {
	return func(c sandbox.Call) ([]any, error) {
		switch c.Method {
		case "decimals":
			return []any{uint8(18)}, nil
		case "symbol":
			return []any{"SIS"}, nil
		case "balanceOf":
			return []any{bigInt("1000000000000000000")}, nil
		case "locked":
			amount, ok := locked[c.Args[0].(common.Address)]
			if !ok {
				amount = "0"
			}
			return []any{bigInt(amount), big.NewInt(1735689600)}, nil
		}
		return nil, errors.New("unexpected method " + c.Method)
	}
}

func gaugeValue(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, c.Write(&pb))
	if pb.Gauge != nil {
		return pb.Gauge.GetValue()
	}
	require.NotNil(t, pb.Counter)
	return pb.Counter.GetValue()
}

func newStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.NewStore(filepath.Join(t.TempDir(), "vesis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestRunner(t *testing.T, reader sandbox.ChainReader, store Store, m *metrics.Metrics, users ...sandbox.Address) *Runner {
	t.Helper()
	prices := &mapSource{prices: map[common.Address]decimal.Decimal{
		symbiosis.SISAddress: decimal.RequireFromString("2.5"),
	}}
	return NewRunner(
		Config{Users: users, Interval: time.Hour, UserConcurrency: 2, Timeout: 5 * time.Second},
		symbiosis.NewVeSIS(symbiosis.Addresses{VeSIS: testVeSIS}),
		reader,
		NewResolver(reader, prices),
		store,
		m,
	)
}

func TestRunOnceEndToEnd(t *testing.T) {
	reader := &routingReader{handler: chainHandler(map[common.Address]string{
		userOne: "500000000000000000",
	})}
	store := newStore(t)
	m := metrics.New()
	r := newTestRunner(t, reader, store, m, userOne, userTwo, userOne)

	report, err := r.RunOnce(context.Background(), 19000000)
	require.NoError(t, err)

	require.Equal(t, "veSIS", report.Module)
	require.Len(t, report.Tokens, 1)
	require.Equal(t, "SIS", report.Tokens[0].Symbol)

	require.Len(t, report.Pools, 1)
	pool := report.Pools[0]
	require.Equal(t, symbiosis.PoolID, pool.ID)
	require.Len(t, pool.Supplied, 1)
	require.True(t, pool.Supplied[0].TVL.Equal(decimal.RequireFromString("2.5")), pool.Supplied[0].TVL.String())

	// Duplicate users are queried once, in configured order
	require.Len(t, report.Positions, 2)
	require.Equal(t, userOne, report.Positions[0].User)
	require.Equal(t, userTwo, report.Positions[1].User)
	require.Len(t, report.Positions[0].Positions, 1)
	require.Equal(t, symbiosis.PoolID, report.Positions[0].Positions[0].ID)
	require.True(t, report.Positions[0].Positions[0].Supplied[0].Balance.Equal(decimal.RequireFromString("0.5")))
	require.True(t, report.Positions[1].Positions[0].Supplied[0].Balance.IsZero())

	ctx := context.Background()
	snap, err := store.LatestPool(ctx, symbiosis.PoolID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, symbiosis.SISAddress.Hex(), snap.Token)
	require.True(t, snap.TVL.Equal(decimal.RequireFromString("2.5")))
	require.Equal(t, uint64(19000000), snap.Block)

	pos, err := store.LatestPosition(ctx, symbiosis.PoolID, userOne.Hex())
	require.NoError(t, err)
	require.NotNil(t, pos)
	require.True(t, pos.Balance.Equal(decimal.RequireFromString("0.5")))

	tok, err := store.GetToken(ctx, symbiosis.SISAddress.Hex())
	require.NoError(t, err)
	require.NotNil(t, tok)
	require.Equal(t, 18, tok.Decimals)

	block, err := store.GetSystemState(ctx, StateLastRefreshBlock)
	require.NoError(t, err)
	require.Equal(t, "19000000", block)

	require.Equal(t, 2.5, gaugeValue(t, m.PoolTVL.WithLabelValues(symbiosis.PoolID)))
	require.Equal(t, 0.5, gaugeValue(t, m.UserBalance.WithLabelValues(symbiosis.PoolID, userOne.Hex())))
	require.Equal(t, 1.0, gaugeValue(t, m.Refreshes))
}

func TestRunOnceWithoutStoreOrMetrics(t *testing.T) {
	reader := &routingReader{handler: chainHandler(nil)}
	r := newTestRunner(t, reader, nil, nil)

	report, err := r.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, report.Pools, 1)
	require.Empty(t, report.Positions)
}

// TestRunOnceUnresolvedToken covers an upstream token lookup failure: the
// pool is reported without supplied assets and positions are empty.
func TestRunOnceUnresolvedToken(t *testing.T) {
	handler := chainHandler(nil)
	reader := &routingReader{handler: func(c sandbox.Call) ([]any, error) {
		if c.Method == "decimals" || c.Method == "symbol" {
			return nil, sandbox.ErrCallFailed
		}
		return handler(c)
	}}
	r := newTestRunner(t, reader, nil, nil, userOne)

	report, err := r.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, report.Tokens)
	require.Len(t, report.Pools, 1)
	require.Empty(t, report.Pools[0].Supplied)
	require.Len(t, report.Positions, 1)
	require.Empty(t, report.Positions[0].Positions)

	for _, c := range reader.calls {
		require.NotEqual(t, "locked", c.Method)
		require.NotEqual(t, "balanceOf", c.Method)
	}
}

func TestRunOncePoolError(t *testing.T) {
	rpcErr := errors.New("execution reverted")
	handler := chainHandler(nil)
	reader := &routingReader{handler: func(c sandbox.Call) ([]any, error) {
		if c.Method == "balanceOf" {
			return nil, rpcErr
		}
		return handler(c)
	}}
	m := metrics.New()
	r := newTestRunner(t, reader, nil, m, userOne)

	_, err := r.RunOnce(context.Background(), 0)
	require.ErrorIs(t, err, rpcErr)
	require.Contains(t, err.Error(), "veSIS pools")
	require.Equal(t, 1.0, gaugeValue(t, m.RefreshErrors.WithLabelValues(StagePools)))
	require.Equal(t, 0.0, gaugeValue(t, m.Refreshes))
}

func TestRunOncePositionError(t *testing.T) {
	rpcErr := errors.New("timeout")
	handler := chainHandler(nil)
	reader := &routingReader{handler: func(c sandbox.Call) ([]any, error) {
		if c.Method == "locked" && c.Args[0].(common.Address) == userTwo {
			return nil, rpcErr
		}
		return handler(c)
	}}
	m := metrics.New()
	r := newTestRunner(t, reader, nil, m, userOne, userTwo)

	_, err := r.RunOnce(context.Background(), 0)
	require.ErrorIs(t, err, rpcErr)
	require.Contains(t, err.Error(), userTwo.Hex())
	require.Equal(t, 1.0, gaugeValue(t, m.RefreshErrors.WithLabelValues(StagePositions)))
}

// stubModule lets tests control each entry point.
type stubModule struct {
	preload   []sandbox.Address
	pools     []*sandbox.Pool
	poolsErr  error
	positions atomic.Int32
}

func (s *stubModule) Name() string  { return "stub" }
func (s *stubModule) Chain() string { return "ethereum" }
func (s *stubModule) Type() string  { return "staking" }

func (s *stubModule) PreloadTokens(context.Context, sandbox.PreloadContext) ([]sandbox.Address, error) {
	return s.preload, nil
}

func (s *stubModule) FetchPools(context.Context, sandbox.PoolsContext) ([]*sandbox.Pool, error) {
	return s.pools, s.poolsErr
}

func (s *stubModule) FetchUserPositions(_ context.Context, mctx sandbox.PositionsContext) ([]*sandbox.UserPosition, error) {
	s.positions.Add(1)
	if len(mctx.Pools) == 0 {
		return nil, nil
	}
	return []*sandbox.UserPosition{nil, {ID: mctx.Pools[0].ID}}, nil
}

func TestRunOnceDropsAbsentPools(t *testing.T) {
	mod := &stubModule{pools: []*sandbox.Pool{nil, {ID: "a"}, nil, {ID: "b"}}}
	reader := &routingReader{handler: chainHandler(nil)}
	r := NewRunner(Config{Users: []sandbox.Address{userOne}}, mod, reader, NewResolver(reader, nil), nil, nil)

	report, err := r.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, report.Pools, 2)
	require.Equal(t, "a", report.Pools[0].ID)
	require.Equal(t, "b", report.Pools[1].ID)

	require.Len(t, report.Positions, 1)
	require.Len(t, report.Positions[0].Positions, 1)
	require.Equal(t, "a", report.Positions[0].Positions[0].ID)
}

func TestRunRefreshesOnBlocks(t *testing.T) {
	mod := &stubModule{pools: []*sandbox.Pool{{ID: "a"}}}
	reader := &routingReader{handler: chainHandler(nil)}
	r := NewRunner(
		Config{Users: []sandbox.Address{userOne}, Interval: time.Hour, EveryBlocks: 5},
		mod, reader, NewResolver(reader, nil), nil, nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocks := make(chan uint64)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, blocks) }()

	// Initial refresh, then 100 (first block), 105; 101..104 are skipped
	for n := uint64(100); n <= 105; n++ {
		blocks <- n
	}

	require.Eventually(t, func() bool { return mod.positions.Load() == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, int32(3), mod.positions.Load())
}

func TestRunRefreshesOnInterval(t *testing.T) {
	mod := &stubModule{pools: []*sandbox.Pool{{ID: "a"}}}
	reader := &routingReader{handler: chainHandler(nil)}
	r := NewRunner(
		Config{Users: []sandbox.Address{userOne}, Interval: 20 * time.Millisecond},
		mod, reader, NewResolver(reader, nil), nil, nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, nil) }()

	require.Eventually(t, func() bool { return mod.positions.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunSurvivesRefreshErrors(t *testing.T) {
	mod := &stubModule{poolsErr: errors.New("rpc down")}
	reader := &routingReader{handler: chainHandler(nil)}
	m := metrics.New()
	r := NewRunner(
		Config{Interval: 10 * time.Millisecond},
		mod, reader, NewResolver(reader, nil), nil, m,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, nil) }()

	require.Eventually(t, func() bool {
		return gaugeValue(t, m.RefreshErrors.WithLabelValues(StagePools)) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

// headSource returns an increasing block number on every call.
type headSource struct {
	next  atomic.Uint64
	calls atomic.Int32
	err   error
}

func (h *headSource) BlockNumber(context.Context) (uint64, error) {
	h.calls.Add(1)
	if h.err != nil {
		return 0, h.err
	}
	return h.next.Add(1) - 1, nil
}

func TestRunOnceReadsBlockNumber(t *testing.T) {
	reader := &routingReader{handler: chainHandler(map[common.Address]string{
		userOne: "500000000000000000",
	})}
	store := newStore(t)
	r := newTestRunner(t, reader, store, nil, userOne)
	heads := &headSource{}
	heads.next.Store(123)
	r.SetBlockSource(heads)

	ctx := context.Background()
	report, err := r.RunOnce(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(123), report.Block)

	snap, err := store.LatestPool(ctx, symbiosis.PoolID)
	require.NoError(t, err)
	require.Equal(t, uint64(123), snap.Block)
	pos, err := store.LatestPosition(ctx, symbiosis.PoolID, userOne.Hex())
	require.NoError(t, err)
	require.Equal(t, uint64(123), pos.Block)
	block, err := store.GetSystemState(ctx, StateLastRefreshBlock)
	require.NoError(t, err)
	require.Equal(t, "123", block)

	// A known block is used as is
	report, err = r.RunOnce(ctx, 500)
	require.NoError(t, err)
	require.Equal(t, uint64(500), report.Block)
	require.Equal(t, int32(1), heads.calls.Load())
}

func TestRunOnceBlockNumberFailure(t *testing.T) {
	reader := &routingReader{handler: chainHandler(nil)}
	r := newTestRunner(t, reader, nil, nil)
	r.SetBlockSource(&headSource{err: errors.New("rpc down")})

	report, err := r.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	require.Zero(t, report.Block)
	require.Len(t, report.Pools, 1)
}

func TestRunLabelsIntervalRefreshesWithHead(t *testing.T) {
	mod := &stubModule{pools: []*sandbox.Pool{{ID: "a"}}}
	reader := &routingReader{handler: chainHandler(nil)}
	store := newStore(t)
	r := NewRunner(
		Config{Users: []sandbox.Address{userOne}, Interval: 20 * time.Millisecond},
		mod, reader, NewResolver(reader, nil), store, nil,
	)
	heads := &headSource{}
	heads.next.Store(700)
	r.SetBlockSource(heads)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, nil) }()

	require.Eventually(t, func() bool {
		v, err := store.GetSystemState(context.Background(), StateLastRefreshBlock)
		if err != nil || v == "" {
			return false
		}
		n, err := strconv.ParseUint(v, 10, 64)
		return err == nil && n >= 702
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
