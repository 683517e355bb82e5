package sandbox

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Address identifies a token or contract on chain.
type Address = common.Address

// Token holds the metadata the host resolves for a preloaded address.
type Token struct {
	Address  Address
	Symbol   string
	Decimals uint8
	// Price is nil when no price source knows the token.
	Price *decimal.Decimal
}

// PriceOrZero returns the token price, or zero if the token or its price is missing.
func (t *Token) PriceOrZero() decimal.Decimal {
	if t == nil || t.Price == nil {
		return decimal.Zero
	}
	return *t.Price
}

// SuppliedAsset pairs a pool token with its total value locked.
type SuppliedAsset struct {
	Token *Token
	TVL   decimal.Decimal
}

// PositionAsset pairs a pool token with a user's balance in the pool.
type PositionAsset struct {
	Token   *Token
	Balance decimal.Decimal
}

// Pool is a pool record produced by FetchPools.
type Pool struct {
	ID       string
	Supplied []SuppliedAsset
}

// UserPosition is a user's holding in the pool with the same ID.
type UserPosition struct {
	ID       string
	Supplied []PositionAsset
}

// Call is a single read-only contract call to be batched.
type Call struct {
	Target Address
	ABI    *abi.ABI
	Method string
	Args   []any
}

// ErrCallFailed is returned by a ChainReader when an individual call in a
// batch reverts or returns no data.
var ErrCallFailed = errors.New("contract call failed")

// ChainReader executes a batch of contract calls in one round trip.
// Results are returned in call order; each entry holds the unpacked outputs
// of the called method. Any failed call fails the batch with ErrCallFailed.
type ChainReader interface {
	All(ctx context.Context, calls []Call) ([][]any, error)
}

// PreloadContext is passed to PreloadTokens. It carries nothing today.
type PreloadContext struct{}

// PoolsContext is passed to FetchPools.
type PoolsContext struct {
	Tokens []*Token
	Reader ChainReader
}

// PositionsContext is passed to FetchUserPositions.
type PositionsContext struct {
	Pools  []*Pool
	User   Address
	Reader ChainReader
}

// Module is a data-fetching adapter for a single protocol position.
// The host calls PreloadTokens, FetchPools and FetchUserPositions in order,
// feeding the output of each step into the next.
type Module interface {
	Name() string
	Chain() string
	Type() string

	PreloadTokens(ctx context.Context, mctx PreloadContext) ([]Address, error)
	// FetchPools may return nil elements for pools that could not be built.
	FetchPools(ctx context.Context, mctx PoolsContext) ([]*Pool, error)
	FetchUserPositions(ctx context.Context, mctx PositionsContext) ([]*UserPosition, error)
}

// ToDecimal converts a raw integer amount in a token's smallest unit into a
// human-scale decimal, i.e. raw / 10^decimals. The conversion is exact.
func ToDecimal(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}
