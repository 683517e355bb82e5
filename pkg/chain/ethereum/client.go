package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

const defaultMaxTries = 3

// ContractCaller is the subset of ethclient used to execute eth_call.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client wraps an Ethereum JSON-RPC connection with rate limiting and
// retries for transient failures.
type Client struct {
	caller      ContractCaller
	ethClient   *ethclient.Client
	rpcURL      string
	rateLimiter *time.Ticker
	multicall   common.Address
	maxTries    uint
	retryDelay  time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithMulticallAddress overrides the Multicall3 deployment used for batching.
func WithMulticallAddress(addr common.Address) Option {
	return func(c *Client) {
		c.multicall = addr
	}
}

// WithRetry sets the maximum number of attempts and the initial retry delay.
func WithRetry(maxTries uint, initialDelay time.Duration) Option {
	return func(c *Client) {
		if maxTries > 0 {
			c.maxTries = maxTries
		}
		if initialDelay > 0 {
			c.retryDelay = initialDelay
		}
	}
}

// WithRateLimit limits outgoing calls to the given number per second.
// Zero disables rate limiting.
func WithRateLimit(perSecond int) Option {
	return func(c *Client) {
		if c.rateLimiter != nil {
			c.rateLimiter.Stop()
			c.rateLimiter = nil
		}
		if perSecond > 0 {
			c.rateLimiter = time.NewTicker(time.Second / time.Duration(perSecond))
		}
	}
}

func NewClient(rpcURL string, opts ...Option) (*Client, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}

	c := newClient(client, opts...)
	c.ethClient = client
	c.rpcURL = rpcURL
	return c, nil
}

// NewClientWithCaller builds a Client on top of an existing caller. No rate
// limit is applied unless WithRateLimit is passed.
func NewClientWithCaller(caller ContractCaller, opts ...Option) *Client {
	c := &Client{
		caller:     caller,
		multicall:  Multicall3Address,
		maxTries:   defaultMaxTries,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newClient(caller ContractCaller, opts ...Option) *Client {
	// 10 requests per second unless overridden
	opts = append([]Option{WithRateLimit(10)}, opts...)
	return NewClientWithCaller(caller, opts...)
}

func (c *Client) Close() {
	if c.ethClient != nil {
		c.ethClient.Close()
	}
	if c.rateLimiter != nil {
		c.rateLimiter.Stop()
	}
}

func (c *Client) rateLimit(ctx context.Context) error {
	if c.rateLimiter == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.rateLimiter.C:
		return nil
	}
}

func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{
		To:   &to,
		Data: data,
	}

	result, err := c.call(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	return result, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c.ethClient == nil {
		return nil, fmt.Errorf("chain id: no RPC connection")
	}
	return c.ethClient.ChainID(ctx)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if c.ethClient == nil {
		return 0, fmt.Errorf("block number: no RPC connection")
	}
	return c.ethClient.BlockNumber(ctx)
}

// call executes an eth_call at the latest block, retrying transient errors
// with exponential backoff.
func (c *Client) call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	operation := func() ([]byte, error) {
		if err := c.rateLimit(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		out, err := c.caller.CallContract(ctx, msg, nil)
		if err != nil && !isTransientError(err.Error()) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}

	notify := func(err error, d time.Duration) {
		log.Debug().Err(err).Dur("backoff", d).Msg("Retrying eth_call")
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(notify))
}

// isTransientError checks if an error is likely transient and worth retrying
func isTransientError(errStr string) bool {
	transientPatterns := []string{
		"EOF",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
		"503",
		"502",
		"504",
	}
	errLower := strings.ToLower(errStr)
	for _, pattern := range transientPatterns {
		if strings.Contains(errLower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
