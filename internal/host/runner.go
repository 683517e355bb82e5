package host

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"vesis/internal/metrics"
	"vesis/internal/persistence"
	"vesis/pkg/sandbox"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Refresh stages, used as the label of the refresh error counter.
const (
	StagePreload   = "preload"
	StageResolve   = "resolve"
	StagePools     = "pools"
	StagePositions = "positions"
	StagePersist   = "persist"
)

// System state keys written after every refresh.
const (
	StateLastRefreshBlock = "last_refresh_block"
	StateLastRefreshAt    = "last_refresh_at"
)

// Store is the subset of the persistence layer the runner writes to.
type Store interface {
	UpsertToken(ctx context.Context, token persistence.TokenRecord) error
	SavePoolSnapshots(ctx context.Context, snaps []persistence.PoolSnapshot) error
	SavePositionSnapshots(ctx context.Context, snaps []persistence.PositionSnapshot) error
	SetSystemState(ctx context.Context, key, value string) error
}

// BlockSource reports the current chain head.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config holds runner configuration.
type Config struct {
	Users           []sandbox.Address
	Interval        time.Duration
	EveryBlocks     uint64 // 0 disables block-triggered refreshes
	UserConcurrency int
	Timeout         time.Duration
}

// Report is the outcome of one refresh.
type Report struct {
	Module    string
	Block     uint64
	Tokens    []*sandbox.Token
	Pools     []*sandbox.Pool
	Positions []UserReport
	Duration  time.Duration
}

// UserReport holds the positions of one user.
type UserReport struct {
	User      sandbox.Address
	Positions []*sandbox.UserPosition
}

// Runner drives a module through preload, pool and position fetching.
type Runner struct {
	cfg      Config
	module   sandbox.Module
	reader   sandbox.ChainReader
	resolver *Resolver
	store    Store
	metrics  *metrics.Metrics
	heads    BlockSource
}

// NewRunner creates a runner. store and m may be nil.
func NewRunner(
	cfg Config,
	module sandbox.Module,
	reader sandbox.ChainReader,
	resolver *Resolver,
	store Store,
	m *metrics.Metrics,
) *Runner {
	if cfg.UserConcurrency < 1 {
		cfg.UserConcurrency = 1
	}
	cfg.Users = lo.Uniq(cfg.Users)

	return &Runner{
		cfg:      cfg,
		module:   module,
		reader:   reader,
		resolver: resolver,
		store:    store,
		metrics:  m,
	}
}

// SetBlockSource makes refreshes without a known block read the chain head
// before any contract call, so snapshots are labelled with a current block.
func (r *Runner) SetBlockSource(heads BlockSource) {
	r.heads = heads
}

// RunOnce performs a full refresh at the given block. A zero block is
// resolved through the block source when one is set.
func (r *Runner) RunOnce(ctx context.Context, block uint64) (*Report, error) {
	start := time.Now()
	if block == 0 && r.heads != nil {
		n, err := r.heads.BlockNumber(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read block number, refreshing unlabelled")
		} else {
			block = n
		}
	}
	report := &Report{Module: r.module.Name(), Block: block}

	addrs, err := r.module.PreloadTokens(ctx, sandbox.PreloadContext{})
	if err != nil {
		return nil, r.stageError(StagePreload, err)
	}

	report.Tokens, err = r.resolver.Resolve(ctx, addrs)
	if err != nil {
		return nil, r.stageError(StageResolve, err)
	}

	pools, err := r.module.FetchPools(ctx, sandbox.PoolsContext{
		Tokens: report.Tokens,
		Reader: r.reader,
	})
	if err != nil {
		return nil, r.stageError(StagePools, err)
	}
	report.Pools = lo.Filter(pools, func(p *sandbox.Pool, _ int) bool { return p != nil })

	report.Positions, err = r.fetchPositions(ctx, report.Pools)
	if err != nil {
		return nil, r.stageError(StagePositions, err)
	}

	report.Duration = time.Since(start)

	r.persist(ctx, report)
	r.recordMetrics(report)

	log.Info().
		Str("module", report.Module).
		Uint64("block", block).
		Int("tokens", len(report.Tokens)).
		Int("pools", len(report.Pools)).
		Int("users", len(report.Positions)).
		Dur("duration", report.Duration).
		Msg("Refresh complete")

	return report, nil
}

// fetchPositions queries every configured user with bounded concurrency.
// The first failure cancels the remaining users.
func (r *Runner) fetchPositions(ctx context.Context, pools []*sandbox.Pool) ([]UserReport, error) {
	out := make([]UserReport, len(r.cfg.Users))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.UserConcurrency)

	for i, user := range r.cfg.Users {
		g.Go(func() error {
			positions, err := r.module.FetchUserPositions(gctx, sandbox.PositionsContext{
				Pools:  pools,
				User:   user,
				Reader: r.reader,
			})
			if err != nil {
				return err
			}
			out[i] = UserReport{
				User:      user,
				Positions: lo.Filter(positions, func(p *sandbox.UserPosition, _ int) bool { return p != nil }),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Run refreshes immediately, then on every interval tick and every
// EveryBlocks blocks received on blocks. Refresh failures are logged and do
// not stop the loop. blocks may be nil.
func (r *Runner) Run(ctx context.Context, blocks <-chan uint64) error {
	log.Info().
		Str("module", r.module.Name()).
		Str("chain", r.module.Chain()).
		Int("users", len(r.cfg.Users)).
		Dur("interval", r.cfg.Interval).
		Uint64("every_blocks", r.cfg.EveryBlocks).
		Msg("Starting runner")

	lastRefreshBlock := r.refresh(ctx, 0)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Runner stopping")
			return ctx.Err()

		case <-ticker.C:
			if block := r.refresh(ctx, 0); block != 0 {
				lastRefreshBlock = block
			}

		case n, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			if r.cfg.EveryBlocks == 0 {
				continue
			}
			if lastRefreshBlock == 0 || n < lastRefreshBlock || n-lastRefreshBlock >= r.cfg.EveryBlocks {
				r.refresh(ctx, n)
				lastRefreshBlock = n
			}
		}
	}
}

// refresh runs one bounded refresh and returns the block it was labelled
// with, or 0 on failure.
func (r *Runner) refresh(ctx context.Context, block uint64) uint64 {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	report, err := r.RunOnce(ctx, block)
	if err != nil {
		log.Error().Err(err).Uint64("block", block).Msg("Refresh failed")
		return 0
	}
	return report.Block
}

func (r *Runner) stageError(stage string, err error) error {
	if r.metrics != nil {
		r.metrics.RecordRefreshError(stage)
	}
	return fmt.Errorf("%s %s: %w", r.module.Name(), stage, err)
}

// persist writes the report to the store. Failures are logged only.
func (r *Runner) persist(ctx context.Context, report *Report) {
	if r.store == nil {
		return
	}

	for _, t := range report.Tokens {
		if err := r.store.UpsertToken(ctx, persistence.TokenRecord{
			Address:  t.Address.Hex(),
			Symbol:   t.Symbol,
			Decimals: int(t.Decimals),
		}); err != nil {
			r.persistFailed(err, "Failed to persist token")
		}
	}

	now := time.Now().UTC()

	var poolSnaps []persistence.PoolSnapshot
	for _, p := range report.Pools {
		for _, s := range p.Supplied {
			poolSnaps = append(poolSnaps, persistence.PoolSnapshot{
				PoolID:    p.ID,
				Token:     tokenAddress(s.Token),
				TVL:       s.TVL,
				Block:     report.Block,
				CreatedAt: now,
			})
		}
	}
	if err := r.store.SavePoolSnapshots(ctx, poolSnaps); err != nil {
		r.persistFailed(err, "Failed to persist pool snapshots")
	}

	var posSnaps []persistence.PositionSnapshot
	for _, u := range report.Positions {
		for _, p := range u.Positions {
			for _, s := range p.Supplied {
				posSnaps = append(posSnaps, persistence.PositionSnapshot{
					PoolID:    p.ID,
					User:      u.User.Hex(),
					Token:     tokenAddress(s.Token),
					Balance:   s.Balance,
					Block:     report.Block,
					CreatedAt: now,
				})
			}
		}
	}
	if err := r.store.SavePositionSnapshots(ctx, posSnaps); err != nil {
		r.persistFailed(err, "Failed to persist position snapshots")
	}

	if err := r.store.SetSystemState(ctx, StateLastRefreshBlock, strconv.FormatUint(report.Block, 10)); err != nil {
		r.persistFailed(err, "Failed to persist refresh state")
	}
	if err := r.store.SetSystemState(ctx, StateLastRefreshAt, now.Format(time.RFC3339)); err != nil {
		r.persistFailed(err, "Failed to persist refresh state")
	}
}

func (r *Runner) persistFailed(err error, msg string) {
	log.Warn().Err(err).Msg(msg)
	if r.metrics != nil {
		r.metrics.RecordRefreshError(StagePersist)
	}
}

func (r *Runner) recordMetrics(report *Report) {
	if r.metrics == nil {
		return
	}

	for _, p := range report.Pools {
		tvl := lo.Reduce(p.Supplied, func(acc decimal.Decimal, s sandbox.SuppliedAsset, _ int) decimal.Decimal {
			return acc.Add(s.TVL)
		}, decimal.Zero)
		r.metrics.SetPoolTVL(p.ID, tvl.InexactFloat64())
	}

	for _, u := range report.Positions {
		for _, p := range u.Positions {
			balance := lo.Reduce(p.Supplied, func(acc decimal.Decimal, s sandbox.PositionAsset, _ int) decimal.Decimal {
				return acc.Add(s.Balance)
			}, decimal.Zero)
			r.metrics.SetUserBalance(p.ID, u.User.Hex(), balance.InexactFloat64())
		}
	}

	r.metrics.RecordRefresh(report.Duration)
}

func tokenAddress(t *sandbox.Token) string {
	if t == nil {
		return ""
	}
	return t.Address.Hex()
}
