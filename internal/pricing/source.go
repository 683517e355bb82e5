package pricing

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Source resolves token prices. Tokens without a known price are left out
// of the returned map.
type Source interface {
	Name() string
	Prices(ctx context.Context, tokens []common.Address) (map[common.Address]decimal.Decimal, error)
}

// StaticSource serves fixed prices, typically from configuration.
type StaticSource struct {
	prices map[common.Address]decimal.Decimal
}

// NewStaticSource parses a map of hex address -> decimal price string.
func NewStaticSource(prices map[string]string) (*StaticSource, error) {
	parsed := make(map[common.Address]decimal.Decimal, len(prices))
	for addr, p := range prices {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("static price: invalid address %q", addr)
		}
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("static price for %s: %w", addr, err)
		}
		parsed[common.HexToAddress(addr)] = d
	}
	return &StaticSource{prices: parsed}, nil
}

func (s *StaticSource) Name() string {
	return "static"
}

func (s *StaticSource) Prices(_ context.Context, tokens []common.Address) (map[common.Address]decimal.Decimal, error) {
	out := make(map[common.Address]decimal.Decimal)
	for _, t := range tokens {
		if p, ok := s.prices[t]; ok {
			out[t] = p
		}
	}
	return out, nil
}

// Chain queries sources in order; the first source that prices a token wins.
// A failing source is logged and skipped.
type Chain struct {
	sources []Source
}

func NewChain(sources ...Source) *Chain {
	return &Chain{sources: sources}
}

func (c *Chain) Name() string {
	return "chain"
}

func (c *Chain) Prices(ctx context.Context, tokens []common.Address) (map[common.Address]decimal.Decimal, error) {
	out := make(map[common.Address]decimal.Decimal, len(tokens))
	pending := tokens

	for _, src := range c.sources {
		if len(pending) == 0 {
			break
		}
		prices, err := src.Prices(ctx, pending)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("source", src.Name()).Msg("Price source failed")
			continue
		}

		var missing []common.Address
		for _, t := range pending {
			if p, ok := prices[t]; ok {
				out[t] = p
			} else {
				missing = append(missing, t)
			}
		}
		pending = missing
	}

	if len(pending) > 0 {
		log.Debug().Int("unpriced", len(pending)).Msg("Some tokens have no price")
	}
	return out, nil
}
