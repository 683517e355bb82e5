package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"vesis/internal/pricing"
	"vesis/pkg/chain/ethereum"
	"vesis/pkg/sandbox"

	"github.com/rs/zerolog/log"
)

// tokenMeta is the immutable part of a token, cached across refreshes.
type tokenMeta struct {
	symbol   string
	decimals uint8
}

// Resolver turns preloaded addresses into tokens with metadata and prices.
type Resolver struct {
	reader sandbox.ChainReader
	prices pricing.Source

	mu    sync.Mutex
	cache map[sandbox.Address]tokenMeta
}

// NewResolver creates a resolver. prices may be nil, in which case every
// token is left unpriced.
func NewResolver(reader sandbox.ChainReader, prices pricing.Source) *Resolver {
	return &Resolver{
		reader: reader,
		prices: prices,
		cache:  make(map[sandbox.Address]tokenMeta),
	}
}

// Resolve returns a token for every address whose metadata could be read,
// in input order. Tokens whose decimals() or symbol() call fails are dropped.
// Prices are fetched on every call; a pricing failure leaves tokens unpriced.
func (r *Resolver) Resolve(ctx context.Context, addrs []sandbox.Address) ([]*sandbox.Token, error) {
	if len(addrs) == 0 {
		return nil, nil
	}

	if err := r.loadMetadata(ctx, addrs); err != nil {
		return nil, err
	}

	r.mu.Lock()
	tokens := make([]*sandbox.Token, 0, len(addrs))
	for _, addr := range addrs {
		meta, ok := r.cache[addr]
		if !ok {
			continue
		}
		tokens = append(tokens, &sandbox.Token{
			Address:  addr,
			Symbol:   meta.symbol,
			Decimals: meta.decimals,
		})
	}
	r.mu.Unlock()

	r.attachPrices(ctx, tokens)
	return tokens, nil
}

// loadMetadata reads decimals and symbol for addresses not yet cached.
func (r *Resolver) loadMetadata(ctx context.Context, addrs []sandbox.Address) error {
	r.mu.Lock()
	var missing []sandbox.Address
	seen := make(map[sandbox.Address]struct{}, len(addrs))
	for _, addr := range addrs {
		if _, ok := r.cache[addr]; ok {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		missing = append(missing, addr)
	}
	r.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}

	metas, err := r.fetchMetadata(ctx, missing)
	if errors.Is(err, sandbox.ErrCallFailed) && len(missing) > 1 {
		// One bad token fails the whole batch; retry per token to isolate it
		metas = make(map[sandbox.Address]tokenMeta, len(missing))
		for _, addr := range missing {
			one, err := r.fetchMetadata(ctx, []sandbox.Address{addr})
			if errors.Is(err, sandbox.ErrCallFailed) {
				log.Warn().Err(err).Str("token", addr.Hex()).Msg("Dropping token, metadata unavailable")
				continue
			}
			if err != nil {
				return err
			}
			metas[addr] = one[addr]
		}
	} else if errors.Is(err, sandbox.ErrCallFailed) {
		log.Warn().Err(err).Str("token", missing[0].Hex()).Msg("Dropping token, metadata unavailable")
		return nil
	} else if err != nil {
		return err
	}

	r.mu.Lock()
	for addr, meta := range metas {
		r.cache[addr] = meta
	}
	r.mu.Unlock()

	log.Debug().Int("tokens", len(metas)).Msg("Resolved token metadata")
	return nil
}

func (r *Resolver) fetchMetadata(ctx context.Context, addrs []sandbox.Address) (map[sandbox.Address]tokenMeta, error) {
	// 2 calls per token (decimals, symbol)
	calls := make([]sandbox.Call, 0, len(addrs)*2)
	for _, addr := range addrs {
		calls = append(calls,
			sandbox.Call{Target: addr, ABI: &ethereum.ERC20ABI, Method: "decimals"},
			sandbox.Call{Target: addr, ABI: &ethereum.ERC20ABI, Method: "symbol"},
		)
	}

	results, err := r.reader.All(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("reading token metadata: %w", err)
	}
	if len(results) != len(calls) {
		return nil, fmt.Errorf("reading token metadata: expected %d results, got %d", len(calls), len(results))
	}

	out := make(map[sandbox.Address]tokenMeta, len(addrs))
	for i, addr := range addrs {
		decRes, symRes := results[i*2], results[i*2+1]
		if len(decRes) == 0 || len(symRes) == 0 {
			return nil, fmt.Errorf("%w: empty metadata for %s", sandbox.ErrCallFailed, addr.Hex())
		}
		decimals, ok := decRes[0].(uint8)
		if !ok {
			return nil, fmt.Errorf("%w: decimals of %s has type %T", sandbox.ErrCallFailed, addr.Hex(), decRes[0])
		}
		symbol, ok := symRes[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: symbol of %s has type %T", sandbox.ErrCallFailed, addr.Hex(), symRes[0])
		}
		out[addr] = tokenMeta{symbol: symbol, decimals: decimals}
	}
	return out, nil
}

func (r *Resolver) attachPrices(ctx context.Context, tokens []*sandbox.Token) {
	if r.prices == nil || len(tokens) == 0 {
		return
	}

	addrs := make([]sandbox.Address, len(tokens))
	for i, t := range tokens {
		addrs[i] = t.Address
	}

	prices, err := r.prices.Prices(ctx, addrs)
	if err != nil {
		log.Warn().Err(err).Str("source", r.prices.Name()).Msg("Price lookup failed, tokens left unpriced")
		return
	}

	for _, t := range tokens {
		if p, ok := prices[t.Address]; ok {
			price := p
			t.Price = &price
		} else {
			log.Debug().Str("token", t.Symbol).Msg("No price for token")
		}
	}
}
