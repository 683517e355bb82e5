package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"vesis/internal/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

const (
	maxReconnectAttempts = 10
	initialBackoff       = 1 * time.Second
	maxBackoff           = 30 * time.Second
)

// ErrReconnectExhausted is returned by Run when the node stays unreachable
// for maxReconnectAttempts consecutive attempts.
var ErrReconnectExhausted = errors.New("max reconnection attempts reached")

// Service follows new block headers over a WebSocket subscription and
// publishes their numbers.
type Service struct {
	wsURL   string
	client  *WSClient
	metrics *metrics.Metrics

	blocks chan uint64

	lastBlockNumber atomic.Uint64

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewService creates a new block ingestion service. m may be nil.
func NewService(wsURL string, m *metrics.Metrics) *Service {
	return &Service{
		wsURL:          wsURL,
		metrics:        m,
		blocks:         make(chan uint64, 16),
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}
}

// Blocks returns the channel of new block numbers. Blocks are dropped when
// the consumer falls behind.
func (s *Service) Blocks() <-chan uint64 {
	return s.blocks
}

// Run starts the ingestion service with automatic reconnection. The attempt
// budget is restored after every session that delivered at least one head,
// so only consecutive failures count towards maxReconnectAttempts.
func (s *Service) Run(ctx context.Context) error {
	for {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, s.session(ctx)
		},
			backoff.WithBackOff(s.newBackOff()),
			backoff.WithMaxTries(maxReconnectAttempts),
			backoff.WithNotify(func(err error, d time.Duration) {
				log.Info().Err(err).Dur("backoff", d).Msg("Reconnecting to WebSocket")
			}))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
		}

		// A healthy session ended; reconnect with a fresh budget
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.initialBackoff):
		}
	}
}

func (s *Service) newBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialBackoff
	policy.MaxInterval = s.maxBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	return policy
}

// session runs one connection. It returns nil when the connection delivered
// heads before dropping, and an error when it failed without doing so.
func (s *Service) session(ctx context.Context) error {
	healthy, err := s.runOnce(ctx)
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}

	log.Error().Err(err).Bool("received_heads", healthy).Msg("WebSocket connection error")
	if s.metrics != nil {
		s.metrics.SetWebSocketConnected(false)
	}

	if healthy {
		return nil
	}
	return err
}

// runOnce runs the ingestion service until an error occurs or context is
// canceled. healthy reports whether any notification was received.
func (s *Service) runOnce(ctx context.Context) (healthy bool, err error) {
	s.client = NewWSClient(s.wsURL)

	if err := s.client.Connect(ctx); err != nil {
		return false, fmt.Errorf("connecting to websocket: %w", err)
	}
	defer func() {
		if err := s.client.Unsubscribe(); err != nil {
			log.Debug().Err(err).Msg("Unsubscribe failed")
		}
		s.client.Close()
	}()

	if s.metrics != nil {
		s.metrics.SetWebSocketConnected(true)
	}

	if err := s.client.Subscribe(ctx, "newHeads"); err != nil {
		return false, fmt.Errorf("subscribing to new heads: %w", err)
	}

	// Start ping loop
	go s.client.StartPingLoop(ctx)

	// Start message reader
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.client.ReadMessages(ctx)
	}()

	// Process messages
	for {
		select {
		case <-ctx.Done():
			return healthy, ctx.Err()

		case err := <-errCh:
			if err == nil {
				err = fmt.Errorf("websocket closed by server")
			}
			// Drain notifications read before the connection dropped
		drain:
			for {
				select {
				case msg := <-s.client.Messages():
					s.processMessage(msg)
					healthy = true
				default:
					break drain
				}
			}
			return healthy, err

		case msg := <-s.client.Messages():
			s.processMessage(msg)
			healthy = true
		}
	}
}

// processMessage decodes a newHeads notification and publishes the block.
func (s *Service) processMessage(raw json.RawMessage) {
	head, err := DecodeHead(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to decode head")
		return
	}

	// Ignore stale or repeated heads
	if head.Number <= s.lastBlockNumber.Load() {
		log.Debug().Uint64("block", head.Number).Msg("Skipping old head")
		return
	}
	s.lastBlockNumber.Store(head.Number)

	if s.metrics != nil {
		s.metrics.SetLastBlockSeen(head.Number)
	}

	select {
	case s.blocks <- head.Number:
	default:
		log.Warn().Uint64("block", head.Number).Msg("Block channel full, dropping head")
	}

	log.Trace().
		Uint64("block", head.Number).
		Str("hash", head.Hash).
		Msg("New head")
}

// LastBlockNumber returns the last block number seen.
func (s *Service) LastBlockNumber() uint64 {
	return s.lastBlockNumber.Load()
}
