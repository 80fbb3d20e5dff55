package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/kyzlo-labs/scalper-core/internal/aggregator"
	"github.com/kyzlo-labs/scalper-core/internal/audit"
	"github.com/kyzlo-labs/scalper-core/internal/chain"
	"github.com/kyzlo-labs/scalper-core/internal/config"
	"github.com/kyzlo-labs/scalper-core/internal/coordinator"
	"github.com/kyzlo-labs/scalper-core/internal/executor"
	"github.com/kyzlo-labs/scalper-core/internal/logging"
	"github.com/kyzlo-labs/scalper-core/internal/oracle"
	"github.com/kyzlo-labs/scalper-core/internal/position"
	"github.com/kyzlo-labs/scalper-core/internal/reconciler"
	"github.com/kyzlo-labs/scalper-core/internal/scheduler"
	"github.com/kyzlo-labs/scalper-core/internal/strategy"
	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// settleDelay is how long Reconciler waits for balance writes to land
// before reading pre/post deltas, matching the 2-3s Solana confirmation
// finality window the reconciliation algorithm assumes.
const settleDelay = 3 * time.Second

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("engine", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chainClient := chain.New(cfg.RPCURL, cfg.Signer, cfg.Commitment)

	pairs := make([]types.Pair, len(cfg.Pairs))
	bounds := make(map[string]types.Bounds, len(cfg.Pairs))
	for i, ps := range cfg.Pairs {
		pairs[i] = ps.Pair
		bounds[ps.Pair.ID()] = ps.Bounds
	}

	primary := oracle.NewWebsocketSource(cfg.PricePrimaryURL, cfg.PricePrimaryKey, logger)
	go primary.Run(ctx, pairs)
	secondary := oracle.NewPollSource(cfg.PriceSecondaryBaseURL, 10*time.Second)

	orc := oracle.New(primary, secondary, cfg.PriceTTL, bounds)

	var auditor coordinator.AuditRecorder
	if dsn := os.Getenv("AUDIT_DB_DSN"); dsn != "" {
		store, auditErr := audit.Open(ctx, dsn)
		if auditErr != nil {
			logger.Warn("audit store unavailable, continuing without restart hints", "err", auditErr)
		} else {
			defer store.Close()
			logRecentUnresolved(ctx, store, cfg.Pairs, logger)
			auditor = store
		}
	}

	aggClient := aggregator.New(cfg.AggregatorBaseURL, 30*time.Second, 3)
	exec := executor.New(chainClient, cfg.ConfirmTimeout, cfg.DryRun)
	recon := reconciler.New(chainClient, settleDelay, cfg.ReconcileTolerancePct)
	pos := position.New(cfg.FailureThreshold, cfg.FailureCooldown)
	coord := coordinator.New(aggClient, exec, recon, chainClient, pos, cfg.Ladder, cfg.MaxPriceImpactBps, false, auditor)

	pairConfigs := make([]scheduler.PairConfig, len(cfg.Pairs))
	for i, ps := range cfg.Pairs {
		pairConfigs[i] = scheduler.PairConfig{
			Pair:              ps.Pair,
			BaseTokenAccount:  ps.BaseTokenAccount,
			QuoteTokenAccount: ps.QuoteTokenAccount,
			EntryQuoteAmount:  ps.EntryQuoteAmount,
		}
	}

	sched := scheduler.New(
		pairConfigs,
		orc,
		pos,
		strategy.Nop{},
		coord,
		chainClient,
		cfg.WalletAddress.String(),
		cfg.TickInterval,
		cfg.PriceTTL,
		cfg.MinSOLReserve,
		cfg.MaxConsecutiveErrors,
		logger,
	)

	logger.Info("engine starting",
		"wallet", cfg.WalletAddress.String(),
		"rpc_url", cfg.RPCURL,
		"commitment", string(cfg.Commitment),
		"pairs", len(cfg.Pairs),
		"tick_interval", cfg.TickInterval,
		"dry_run", cfg.DryRun,
	)

	sched.Run(ctx)

	logger.Info("engine stopped", "final_state", sched.State())
}

// logRecentUnresolved logs, never acts on, any UNKNOWN intent a prior run
// left behind for each configured pair. Chain state is re-derived fresh by
// the scheduler's first tick regardless of what this reports.
func logRecentUnresolved(ctx context.Context, store *audit.Store, pairs []config.PairSpec, logger *slog.Logger) {
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, ps := range pairs {
		records, err := store.UnresolvedSince(ctx, ps.Pair.ID(), cutoff)
		if err != nil {
			logger.Warn("failed to read audit history", "pair", ps.Pair.ID(), "err", err)
			continue
		}
		for _, rec := range records {
			logger.Info("restart hint: unresolved intent from a prior run", "pair", rec.Pair, "intent_id", rec.IntentID, "side", rec.Side)
		}
	}
}
