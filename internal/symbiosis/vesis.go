package symbiosis

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"vesis/pkg/chain/ethereum"
	"vesis/pkg/sandbox"
)

// PoolID identifies the single veSIS staking pool.
const PoolID = "veSIS"

// ErrUnexpectedResult is returned when a contract read does not have the
// expected output shape.
var ErrUnexpectedResult = errors.New("unexpected contract result")

// Addresses holds the contracts the veSIS module reads from.
type Addresses struct {
	SIS   common.Address
	VeSIS common.Address
}

// VeSIS reports SIS locked in the veSIS voting escrow.
type VeSIS struct {
	addrs Addresses
}

var _ sandbox.Module = (*VeSIS)(nil)

// NewVeSIS creates the module. A zero SIS address falls back to SISAddress.
func NewVeSIS(addrs Addresses) *VeSIS {
	if addrs.SIS == (common.Address{}) {
		addrs.SIS = SISAddress
	}
	return &VeSIS{addrs: addrs}
}

func (m *VeSIS) Name() string  { return "veSIS" }
func (m *VeSIS) Chain() string { return "ethereum" }
func (m *VeSIS) Type() string  { return "staking" }

// PreloadTokens returns the SIS token so the host can resolve its price and decimals.
func (m *VeSIS) PreloadTokens(ctx context.Context, _ sandbox.PreloadContext) ([]sandbox.Address, error) {
	return []sandbox.Address{m.addrs.SIS}, nil
}

// FetchPools returns the veSIS pool with TVL = SIS.balanceOf(veSIS) * price.
func (m *VeSIS) FetchPools(ctx context.Context, mctx sandbox.PoolsContext) ([]*sandbox.Pool, error) {
	var token *sandbox.Token
	if len(mctx.Tokens) > 0 {
		token = mctx.Tokens[0]
	}
	if token == nil {
		log.Warn().Str("pool", PoolID).Msg("SIS token metadata missing, returning pool without supplied assets")
		return []*sandbox.Pool{{ID: PoolID}}, nil
	}

	results, err := mctx.Reader.All(ctx, []sandbox.Call{{
		Target: m.addrs.SIS,
		ABI:    &ethereum.ERC20ABI,
		Method: "balanceOf",
		Args:   []any{m.addrs.VeSIS},
	}})
	if err != nil {
		return nil, fmt.Errorf("fetching locked SIS: %w", err)
	}

	raw, err := firstBigInt(results)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}

	locked := sandbox.ToDecimal(raw, token.Decimals)
	tvl := locked.Mul(token.PriceOrZero())

	log.Debug().
		Str("pool", PoolID).
		Str("locked", locked.String()).
		Str("tvl", tvl.String()).
		Msg("Fetched pool")

	return []*sandbox.Pool{{
		ID: PoolID,
		Supplied: []sandbox.SuppliedAsset{{
			Token: token,
			TVL:   tvl,
		}},
	}}, nil
}

// FetchUserPositions returns the user's locked SIS in the veSIS pool. It
// returns an empty result when the pool carries no token.
func (m *VeSIS) FetchUserPositions(ctx context.Context, mctx sandbox.PositionsContext) ([]*sandbox.UserPosition, error) {
	if len(mctx.Pools) == 0 || mctx.Pools[0] == nil {
		return nil, nil
	}
	pool := mctx.Pools[0]
	if len(pool.Supplied) == 0 || pool.Supplied[0].Token == nil {
		return nil, nil
	}
	token := pool.Supplied[0].Token

	results, err := mctx.Reader.All(ctx, []sandbox.Call{{
		Target: m.addrs.VeSIS,
		ABI:    &VeSISABI,
		Method: "locked",
		Args:   []any{mctx.User},
	}})
	if err != nil {
		return nil, fmt.Errorf("fetching locked position for %s: %w", mctx.User.Hex(), err)
	}

	// locked() returns (amount, end); only the amount matters here
	raw, err := firstBigInt(results)
	if err != nil {
		return nil, fmt.Errorf("locked: %w", err)
	}

	return []*sandbox.UserPosition{{
		ID: pool.ID,
		Supplied: []sandbox.PositionAsset{{
			Token:   token,
			Balance: sandbox.ToDecimal(raw, token.Decimals),
		}},
	}}, nil
}

func firstBigInt(results [][]any) (*big.Int, error) {
	if len(results) == 0 || len(results[0]) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrUnexpectedResult)
	}
	v, ok := results[0][0].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: got %T", ErrUnexpectedResult, results[0][0])
	}
	return v, nil
}
