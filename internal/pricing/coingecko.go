package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vesis/pkg/client"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// CoinGeckoClient fetches token prices by contract address from the CoinGecko API.
type CoinGeckoClient struct {
	baseURL    string
	platform   string
	currency   string
	httpClient *client.HTTPClient
	delay      time.Duration
	maxRetries int
}

// NewCoinGeckoClient creates a new CoinGecko API client for the given asset
// platform (e.g. "ethereum") and quote currency (e.g. "usd").
func NewCoinGeckoClient(baseURL, platform, currency string, delay time.Duration, maxRetries int) *CoinGeckoClient {
	return &CoinGeckoClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		platform:   platform,
		currency:   strings.ToLower(currency),
		httpClient: client.NewHTTPClient(30 * time.Second),
		delay:      delay,
		maxRetries: maxRetries,
	}
}

func (c *CoinGeckoClient) Name() string {
	return "coingecko"
}

// Prices returns prices for the tokens CoinGecko knows. Unknown tokens are
// omitted from the result.
func (c *CoinGeckoClient) Prices(ctx context.Context, tokens []common.Address) (map[common.Address]decimal.Decimal, error) {
	if len(tokens) == 0 {
		return map[common.Address]decimal.Decimal{}, nil
	}

	addrs := make([]string, len(tokens))
	for i, t := range tokens {
		addrs[i] = strings.ToLower(t.Hex())
	}

	url := fmt.Sprintf("%s/simple/token_price/%s?contract_addresses=%s&vs_currencies=%s",
		c.baseURL, c.platform, strings.Join(addrs, ","), c.currency)

	// Parse: {"0xabc...":{"usd":0.12},...}
	var raw map[string]map[string]json.Number
	if err := c.fetchWithRetry(ctx, url, &raw); err != nil {
		return nil, err
	}

	result := make(map[common.Address]decimal.Decimal, len(raw))
	for addr, prices := range raw {
		if !common.IsHexAddress(addr) {
			continue
		}
		p, ok := prices[c.currency]
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(p.String())
		if err != nil {
			continue
		}
		result[common.HexToAddress(addr)] = d
	}

	return result, nil
}

// fetchWithRetry retries only on HTTP 429; every other failure is final.
func (c *CoinGeckoClient) fetchWithRetry(ctx context.Context, url string, out interface{}) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.delay
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 10 * time.Second
	}
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	attempts := uint(1)
	if c.maxRetries > 0 {
		attempts += uint(c.maxRetries)
	}
	operation := func() (struct{}, error) {
		err := c.httpClient.Get(ctx, url, out)
		if err == nil {
			return struct{}{}, nil
		}

		var statusErr *client.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusTooManyRequests {
			return struct{}{}, fmt.Errorf("CoinGecko rate limited: %w", err)
		}
		return struct{}{}, backoff.Permanent(fmt.Errorf("CoinGecko request failed: %w", err))
	}

	notify := func(err error, d time.Duration) {
		log.Debug().Err(err).Dur("backoff", d).Msg("Retrying CoinGecko request")
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(notify))
	return err
}
