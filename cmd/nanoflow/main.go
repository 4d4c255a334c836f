// Package main implements the nanoflow command, a submission client for
// nano-style account chains. It builds, signs and publishes state blocks
// through a local node and waits for network confirmation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nanoflow/nanoflow/internal/confirm"
	"github.com/nanoflow/nanoflow/internal/config"
	"github.com/nanoflow/nanoflow/internal/journal"
	"github.com/nanoflow/nanoflow/internal/messaging"
	"github.com/nanoflow/nanoflow/internal/nano"
	"github.com/nanoflow/nanoflow/internal/pipeline"
	"github.com/nanoflow/nanoflow/internal/rpc"
	"github.com/nanoflow/nanoflow/internal/telemetry"
	"github.com/nanoflow/nanoflow/internal/transport"
	"github.com/nanoflow/nanoflow/internal/work"
	"github.com/nanoflow/nanoflow/pkg/log"
)

const usage = `Usage: nanoflow <command> [flags]

Commands:
  send     -to <address> -amount <raw>      transfer funds
  receive  -source <hash> -amount <raw>     pocket a pending send
  change   -rep <address>                   switch voting representative
  status                                    report node state
  history  [-account <address>] [-limit N]  list recorded submission attempts
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

	client := rpc.NewClient(cfg.NodeRPCURL, cfg.RequestTimeout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var exitCode int
	switch os.Args[1] {
	case "send", "receive", "change":
		exitCode = runSubmit(ctx, cfg, logger, client, os.Args[1], os.Args[2:])
	case "status":
		exitCode = runStatus(ctx, client)
	case "history":
		exitCode = runHistory(ctx, cfg, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", os.Args[1], usage)
		exitCode = 2
	}

	os.Exit(exitCode)
}

// runSubmit wires the full submission stack and executes one operation.
func runSubmit(ctx context.Context, cfg *config.Config, logger *log.Logger, client *rpc.Client, command string, args []string) int {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	to := fs.String("to", "", "destination address")
	source := fs.String("source", "", "pending send block hash")
	amount := fs.String("amount", "", "amount in raw units")
	rep := fs.String("rep", "", "representative address")
	fs.Parse(args)

	if cfg.WalletSeed == "" {
		fmt.Fprintln(os.Stderr, "WALLET_SEED is required for submission commands")
		return 1
	}
	signer, err := nano.SignerFromSeedHex(cfg.WalletSeed)
	if err != nil {
		logger.WithError(err).Error("failed to load signing key")
		return 1
	}

	logger.Info("starting nanoflow",
		"version", cfg.Version,
		"command", command,
		"account", signer.Account().Address(),
		"node_rpc", cfg.NodeRPCURL,
		"node_sub", cfg.NodeSubAddr,
	)

	// Confirmation stream over the node's publish socket.
	router := transport.NewRouter(transport.DialZMQ(cfg.NodeSubAddr), cfg.ReconnectBackoff, cfg.ReconnectMax, logger)
	go func() {
		if err := router.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("subscription router failed")
		}
	}()

	watcher := confirm.NewWatcher(router, client, cfg.PollInterval, 8*cfg.PollInterval, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("confirmation watcher failed")
		}
	}()

	// Work sources: the local search engine races the node's generator,
	// with a cache of precomputed values in front when redis is up. Either
	// side can be switched off, leaving the other to run alone.
	var local work.LocalSource
	if cfg.WorkLocal {
		local = work.NewEngine(cfg.WorkWorkers, cfg.WorkRandomOffsets, logger)
	}
	var remote work.RemoteGenerator
	if cfg.WorkRemote {
		remote = work.NewRemoteSource(client, cfg.RemoteWorkTimeout, logger)
	}

	var store work.Store
	var cache *work.Cache
	if cfg.RedisURL != "" {
		cache, err = work.NewCache(cfg.RedisURL, 24*time.Hour, logger)
		if err != nil {
			logger.WithError(err).Warn("work cache unavailable, continuing without")
		} else {
			defer cache.Close()
			store = cache
		}
	}
	arbiter := work.NewArbiter(local, remote, store, logger)

	opts := pipeline.Options{
		MaxRetries:     cfg.MaxSubmitRetries,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Precompute:     cfg.PrecomputeWork,
	}
	if cache != nil {
		opts.Cache = cache
	}

	if cfg.PostgresURL != "" {
		journalStore, err := journal.NewStore(cfg.PostgresURL)
		if err != nil {
			logger.WithError(err).Warn("submission journal unavailable, continuing without")
		} else {
			defer journalStore.Close()
			opts.Journal = journalStore
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		relay := messaging.NewRelay(cfg.KafkaBrokers, cfg.KafkaOutcomeTopic, logger)
		defer relay.Close()
		opts.Outcomes = relay
	}

	if cfg.InfluxToken != "" {
		sink, err := telemetry.NewSink(&telemetry.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("telemetry sink unavailable, continuing without")
		} else {
			defer sink.Close()
			arbiter.SetMetrics(sink)
			opts.Metrics = sink
			go func() {
				if err := sink.Run(ctx, router); err != nil && ctx.Err() == nil {
					logger.WithError(err).Error("telemetry sink failed")
				}
			}()
		}
	}

	p := pipeline.New(signer, client, arbiter, watcher, opts, logger)
	defer p.Wait()

	result, err := runOperation(ctx, p, command, *to, *source, *amount, *rep)
	if err != nil {
		logger.WithError(err).Error("submission failed")
		return 1
	}

	fmt.Printf("confirmed %s via %s after %d attempt(s) in %s\n",
		result.Hash.Hex(), result.ConfirmedVia, result.Attempts, result.Duration.Round(time.Millisecond))
	return 0
}

func runOperation(ctx context.Context, p *pipeline.Pipeline, command, to, source, amount, rep string) (*pipeline.Result, error) {
	switch command {
	case "send":
		dest, err := nano.AccountFromAddress(to)
		if err != nil {
			return nil, fmt.Errorf("invalid -to address: %w", err)
		}
		amt, err := nano.AmountFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid -amount: %w", err)
		}
		return p.Send(ctx, dest, amt)

	case "receive":
		hash, err := nano.HashFromHex(source)
		if err != nil {
			return nil, fmt.Errorf("invalid -source hash: %w", err)
		}
		amt, err := nano.AmountFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid -amount: %w", err)
		}
		return p.Receive(ctx, hash, amt)

	case "change":
		account, err := nano.AccountFromAddress(rep)
		if err != nil {
			return nil, fmt.Errorf("invalid -rep address: %w", err)
		}
		return p.ChangeRepresentative(ctx, account)
	}
	return nil, fmt.Errorf("unknown command %q", command)
}

// runStatus prints a one-shot snapshot of the node's state.
func runStatus(ctx context.Context, client *rpc.Client) int {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	node, protocol, err := client.Version(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "version query failed: %v\n", err)
		return 1
	}
	count, unchecked, err := client.BlockCount(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "block count query failed: %v\n", err)
		return 1
	}
	receive, send, err := client.ActiveDifficulty(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "active difficulty query failed: %v\n", err)
		return 1
	}

	fmt.Printf("node:       %s (protocol %s)\n", node, protocol)
	fmt.Printf("blocks:     %d (%d unchecked)\n", count, unchecked)
	fmt.Printf("difficulty: send %016x, receive %016x\n", uint64(send), uint64(receive))

	// Not every node serves the telemetry action, so this line is optional.
	if report, err := client.Telemetry(ctx); err == nil {
		fmt.Printf("telemetry:  %d peers, %d cemented, up %ds\n",
			report.PeerCount, report.CementedCount, report.Uptime)
	}
	return 0
}

// runHistory lists recorded submission attempts for an account, newest
// first.
func runHistory(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	account := fs.String("account", "", "account address; defaults to the wallet account")
	limit := fs.Int("limit", 20, "maximum entries to list")
	fs.Parse(args)

	addr := *account
	if addr == "" {
		if cfg.WalletSeed == "" {
			fmt.Fprintln(os.Stderr, "pass -account or set WALLET_SEED")
			return 1
		}
		signer, err := nano.SignerFromSeedHex(cfg.WalletSeed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load signing key: %v\n", err)
			return 1
		}
		addr = signer.Account().Address()
	}

	if cfg.PostgresURL == "" {
		fmt.Fprintln(os.Stderr, "POSTGRES_URL is required for history")
		return 1
	}
	store, err := journal.NewStore(cfg.PostgresURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "journal unavailable: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	entries, err := store.History(ctx, addr, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history query failed: %v\n", err)
		return 1
	}

	for _, e := range entries {
		line := fmt.Sprintf("%s  %-9s  attempt %d  %s  %s",
			e.CreatedAt.Format(time.RFC3339), e.Status, e.Attempt, e.Subtype, e.BlockHash)
		if e.NodeError != "" {
			line += "  (" + e.NodeError + ")"
		}
		fmt.Println(line)
	}
	return 0
}
