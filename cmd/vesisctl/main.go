package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"vesis/internal/config"
	"vesis/internal/host"
	"vesis/internal/persistence"
	"vesis/internal/pricing"
	"vesis/internal/symbiosis"
	"vesis/pkg/chain/ethereum"
	"vesis/pkg/sandbox"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	users := flag.String("users", "", "Comma separated user addresses (defaults to configured users)")
	timeout := flag.Duration("timeout", time.Minute, "Overall timeout")
	last := flag.Bool("last", false, "Print the latest stored snapshots instead of querying the chain")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	addrs := cfg.UserAddresses()
	if *users != "" {
		addrs = nil
		for _, u := range strings.Split(*users, ",") {
			u = strings.TrimSpace(u)
			if !common.IsHexAddress(u) {
				log.Fatal().Str("user", u).Msg("Invalid user address")
			}
			addrs = append(addrs, common.HexToAddress(u))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *last {
		if err := printLatest(ctx, os.Stdout, cfg.Persistence.SQLitePath, addrs); err != nil {
			log.Fatal().Err(err).Msg("Failed to read snapshots")
		}
		return
	}

	client, err := ethereum.NewClient(cfg.Chain.RPCURL,
		ethereum.WithRateLimit(cfg.Chain.RequestsPerSec),
		ethereum.WithRetry(cfg.Chain.MaxTries, cfg.Chain.RetryDelay),
		ethereum.WithMulticallAddress(common.HexToAddress(cfg.Contracts.Multicall3)),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RPC")
	}
	defer client.Close()

	prices, err := pricing.FromConfig(cfg.Pricing)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid pricing configuration")
	}

	reader := ethereum.NewReader(client)
	runner := host.NewRunner(
		host.Config{Users: addrs, UserConcurrency: cfg.Refresh.UserConcurrency},
		symbiosis.NewVeSIS(symbiosis.Addresses{
			SIS:   common.HexToAddress(cfg.Contracts.SIS),
			VeSIS: common.HexToAddress(cfg.Contracts.VeSIS),
		}),
		reader,
		host.NewResolver(reader, prices),
		nil,
		nil,
	)
	runner.SetBlockSource(client)

	report, err := runner.RunOnce(ctx, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("Refresh failed")
	}

	printReport(report)
}

func printReport(report *host.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "module\t%s\nblock\t%d\n\n", report.Module, report.Block)

	fmt.Fprintln(w, "TOKEN\tSYMBOL\tDECIMALS\tPRICE")
	for _, t := range report.Tokens {
		price := "-"
		if t.Price != nil {
			price = t.Price.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.Address.Hex(), t.Symbol, t.Decimals, price)
	}

	fmt.Fprintln(w, "\nPOOL\tTOKEN\tTVL")
	for _, p := range report.Pools {
		if len(p.Supplied) == 0 {
			fmt.Fprintf(w, "%s\t-\t-\n", p.ID)
		}
		for _, s := range p.Supplied {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, symbol(s.Token), s.TVL.String())
		}
	}

	if len(report.Positions) == 0 {
		return
	}
	fmt.Fprintln(w, "\nUSER\tPOOL\tTOKEN\tBALANCE")
	for _, u := range report.Positions {
		if len(u.Positions) == 0 {
			fmt.Fprintf(w, "%s\t-\t-\t-\n", u.User.Hex())
		}
		for _, p := range u.Positions {
			for _, s := range p.Supplied {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.User.Hex(), p.ID, symbol(s.Token), s.Balance.String())
			}
		}
	}
}

// printLatest prints the newest stored pool and position snapshots and the
// last refresh state without touching the chain.
func printLatest(ctx context.Context, out io.Writer, path string, users []sandbox.Address) error {
	store, err := persistence.NewStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	for _, key := range []string{host.StateLastRefreshBlock, host.StateLastRefreshAt} {
		value, err := store.GetSystemState(ctx, key)
		if err != nil {
			return err
		}
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(w, "%s\t%s\n", key, value)
	}

	pool, err := store.LatestPool(ctx, symbiosis.PoolID)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "\nPOOL\tTOKEN\tTVL\tBLOCK\tAT")
	if pool == nil {
		fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", symbiosis.PoolID)
	} else {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			pool.PoolID, pool.Token, pool.TVL.String(), pool.Block, pool.CreatedAt.Format(time.RFC3339))
	}

	if len(users) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nUSER\tPOOL\tBALANCE\tBLOCK\tAT")
	for _, u := range users {
		pos, err := store.LatestPosition(ctx, symbiosis.PoolID, u.Hex())
		if err != nil {
			return err
		}
		if pos == nil {
			fmt.Fprintf(w, "%s\t%s\t-\t-\t-\n", u.Hex(), symbiosis.PoolID)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			pos.User, pos.PoolID, pos.Balance.String(), pos.Block, pos.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func symbol(t *sandbox.Token) string {
	if t == nil {
		return "-"
	}
	return t.Symbol
}
