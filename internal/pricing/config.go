package pricing

import (
	"vesis/internal/config"
)

// FromConfig builds the configured price chain: static prices first, then
// CoinGecko when a base URL is set. An empty config yields a chain that
// prices nothing.
func FromConfig(cfg config.PricingConfig) (*Chain, error) {
	var sources []Source
	if len(cfg.StaticPrices) > 0 {
		static, err := NewStaticSource(cfg.StaticPrices)
		if err != nil {
			return nil, err
		}
		sources = append(sources, static)
	}
	if cfg.CoinGeckoURL != "" {
		sources = append(sources, NewCoinGeckoClient(
			cfg.CoinGeckoURL, cfg.Platform, cfg.Currency, cfg.RetryDelay, cfg.RetryMax,
		))
	}
	return NewChain(sources...), nil
}
