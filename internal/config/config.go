// Package config loads the engine's configuration once at boot from a
// YAML file overridden by environment variables, exactly the way the
// teacher's own config package layers file and env values, generalized
// from three separate service configs (keeper/indexer/api-server) onto
// the single EngineConfig this system needs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/kyzlo-labs/scalper-core/internal/ladder"
	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// LogConfig is the ambient logging configuration, unchanged in shape from
// the teacher's own LogConfig.
type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

// mintInfo is the static symbol -> mint/decimals table pairs[] resolves
// against. New tokens are added here, not discovered at runtime: this
// core never queries a mint's metadata on-chain.
type mintInfo struct {
	mint     solana.PublicKey
	decimals uint8
}

var knownMints = map[string]mintInfo{
	"SOL":  {mint: solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"), decimals: 9},
	"USDC": {mint: solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"), decimals: 6},
	"JUP":  {mint: solana.MustPublicKeyFromBase58("JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"), decimals: 6},
	"BONK": {mint: solana.MustPublicKeyFromBase58("DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"), decimals: 5},
}

// PairSpec is one configured trading pair plus its boot-time wiring: the
// oracle bounds sanity window and the pre-provisioned associated token
// accounts a trade actually moves funds through.
type PairSpec struct {
	Pair              types.Pair
	Bounds            types.Bounds
	BaseTokenAccount  solana.PublicKey
	QuoteTokenAccount solana.PublicKey
	EntryQuoteAmount  uint64
}

// EngineConfig is the single configuration object loaded once at boot.
// Nothing downstream re-reads an env var or the config file after Load
// returns.
type EngineConfig struct {
	WalletAddress solana.PublicKey
	Signer        solana.PrivateKey

	RPCURL     string
	Commitment rpc.CommitmentType

	AggregatorBaseURL string

	PricePrimaryURL       string
	PricePrimaryKey       string
	PriceSecondaryBaseURL string

	Pairs []PairSpec

	TickInterval   time.Duration
	PriceTTL       time.Duration
	ConfirmTimeout time.Duration
	MinSOLReserve  decimal.Decimal

	Ladder               *ladder.Ladder
	FailureThreshold     int
	FailureCooldown      time.Duration
	MaxConsecutiveErrors int

	ReconcileTolerancePct decimal.Decimal
	MaxPriceImpactBps     int64

	DryRun bool

	Log LogConfig
}

// Load reads CONFIG_FILE (or config/config-<CONFIG_PHASE>.yaml), flattens
// it into SECTION_KEY env names, lets real environment variables override,
// and validates every key spec section 6 names. A pair with no bounds
// entry fails the load rather than trading on an unchecked price window.
func Load() (EngineConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return EngineConfig{}, err
	}

	keypairPath := envOrDefault("SIGNER_KEYPAIR_PATH", "~/.config/solana/id.json")
	expandedKeypair, err := expandHomePath(keypairPath)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("expand keypair path: %w", err)
	}
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(expandedKeypair)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("load signer keypair %q: %w", expandedKeypair, err)
	}

	walletAddress, err := envPubkey("WALLET_ADDRESS", signer.PublicKey())
	if err != nil {
		return EngineConfig{}, err
	}

	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return EngineConfig{}, err
	}

	tickInterval, err := envDuration("TICK_INTERVAL_S", 15*time.Second)
	if err != nil {
		return EngineConfig{}, err
	}
	priceTTL, err := envDuration("PRICE_TTL_S", 10*time.Second)
	if err != nil {
		return EngineConfig{}, err
	}
	confirmTimeout, err := envDuration("CONFIRM_TIMEOUT_S", 45*time.Second)
	if err != nil {
		return EngineConfig{}, err
	}
	minSOLReserve, err := envDecimal("MIN_SOL_RESERVE", decimal.NewFromFloat(0.05))
	if err != nil {
		return EngineConfig{}, err
	}

	maxSlippageBps, err := envUint32("MAX_SLIPPAGE_BPS", 300)
	if err != nil {
		return EngineConfig{}, err
	}
	rungs, err := parseSlippageLadder(
		envOrDefault("SLIPPAGE_LADDER", "50,100,200"),
		envOrDefault("PRIORITY_FEE_LADDER", "0,5000,20000"),
	)
	if err != nil {
		return EngineConfig{}, err
	}
	l, err := ladder.New(rungs, maxSlippageBps)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("build attempt ladder: %w", err)
	}

	failureThreshold, err := envInt("FAILURE_THRESHOLD", 3)
	if err != nil {
		return EngineConfig{}, err
	}
	failureCooldown, err := envDuration("FAILURE_COOLDOWN_S", 5*time.Minute)
	if err != nil {
		return EngineConfig{}, err
	}
	maxConsecutiveErrors, err := envInt("MAX_CONSECUTIVE_ERRORS", 5)
	if err != nil {
		return EngineConfig{}, err
	}

	reconcileTolerancePct, err := envDecimal("RECONCILE_TOLERANCE_PCT", decimal.NewFromFloat(0.10))
	if err != nil {
		return EngineConfig{}, err
	}
	maxPriceImpactBps, err := envInt64("MAX_PRICE_IMPACT_BPS", 100)
	if err != nil {
		return EngineConfig{}, err
	}

	dryRun, err := envBool("DRY_RUN", false)
	if err != nil {
		return EngineConfig{}, err
	}

	pairs, err := parsePairs(
		envOrDefault("PAIRS", "SOL/USDC"),
		envOrDefault("PAIR_BOUNDS", ""),
		envOrDefault("PAIR_ENTRY_QUOTE_AMOUNTS", ""),
		walletAddress,
	)
	if err != nil {
		return EngineConfig{}, err
	}

	return EngineConfig{
		WalletAddress: walletAddress,
		Signer:        signer,

		RPCURL:     envOrDefault("RPC_URL", "http://127.0.0.1:8899"),
		Commitment: commitment,

		AggregatorBaseURL: envOrDefault("AGGREGATOR_BASE_URL", "https://quote-api.jup.ag/v6"),

		PricePrimaryURL:       envOrDefault("PRICE_PRIMARY_URL", "wss://price-feed.jup.ag/v1/stream"),
		PricePrimaryKey:       envOrDefault("PRICE_PRIMARY_KEY", ""),
		PriceSecondaryBaseURL: envOrDefault("PRICE_SECONDARY_BASE_URL", "https://api.coingecko.com/api/v3"),

		Pairs: pairs,

		TickInterval:   tickInterval,
		PriceTTL:       priceTTL,
		ConfirmTimeout: confirmTimeout,
		MinSOLReserve:  minSOLReserve,

		Ladder:               l,
		FailureThreshold:     failureThreshold,
		FailureCooldown:      failureCooldown,
		MaxConsecutiveErrors: maxConsecutiveErrors,

		ReconcileTolerancePct: reconcileTolerancePct,
		MaxPriceImpactBps:     maxPriceImpactBps,

		DryRun: dryRun,

		Log: buildLogConfig("ENGINE", "engine"),
	}, nil
}

// parsePairs turns "SOL/USDC,JUP/USDC" plus an optional bounds JSON map
// (keyed by "BASE/QUOTE") and an optional entry-amount CSV (parallel to
// the pairs list, smallest quote-unit integers) into PairSpecs. A pair
// with no symbol table entry or no bounds entry fails the load.
func parsePairs(rawPairs, rawBounds, rawEntryAmounts string, owner solana.PublicKey) ([]PairSpec, error) {
	symbols := parseCSVEnv(rawPairs, []string{"SOL/USDC"})

	bounds, err := parseBoundsMap(rawBounds)
	if err != nil {
		return nil, err
	}

	entryAmounts := parseCSVEnv(rawEntryAmounts, nil)

	out := make([]PairSpec, 0, len(symbols))
	for i, sym := range symbols {
		parts := strings.SplitN(sym, "/", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid PAIRS entry %q, expected BASE/QUOTE", sym)
		}
		baseSym, quoteSym := strings.ToUpper(strings.TrimSpace(parts[0])), strings.ToUpper(strings.TrimSpace(parts[1]))

		base, ok := knownMints[baseSym]
		if !ok {
			return nil, fmt.Errorf("unknown base symbol %q in PAIRS: add it to the mint table", baseSym)
		}
		quote, ok := knownMints[quoteSym]
		if !ok {
			return nil, fmt.Errorf("unknown quote symbol %q in PAIRS: add it to the mint table", quoteSym)
		}

		pair := types.Pair{
			BaseSymbol: baseSym, QuoteSymbol: quoteSym,
			BaseMint: base.mint, QuoteMint: quote.mint,
			BaseDecimals: base.decimals, QuoteDecimals: quote.decimals,
		}

		b, ok := bounds[pair.ID()]
		if !ok {
			return nil, fmt.Errorf("no price bounds configured for pair %q: refusing to trade an unchecked price window", pair.ID())
		}

		baseATA, err := solana.FindAssociatedTokenAddress(owner, base.mint)
		if err != nil {
			return nil, fmt.Errorf("derive base token account for %q: %w", pair.ID(), err)
		}
		quoteATA, err := solana.FindAssociatedTokenAddress(owner, quote.mint)
		if err != nil {
			return nil, fmt.Errorf("derive quote token account for %q: %w", pair.ID(), err)
		}

		entryAmount := uint64(10_000_000)
		if i < len(entryAmounts) {
			v, err := strconv.ParseUint(entryAmounts[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid PAIR_ENTRY_QUOTE_AMOUNTS entry %q: %w", entryAmounts[i], err)
			}
			entryAmount = v
		}

		out = append(out, PairSpec{
			Pair:              pair,
			Bounds:            b,
			BaseTokenAccount:  baseATA,
			QuoteTokenAccount: quoteATA,
			EntryQuoteAmount:  entryAmount,
		})
	}

	return out, nil
}

func parseBoundsMap(raw string) (map[string]types.Bounds, error) {
	out := make(map[string]types.Bounds)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}

	var temp map[string][2]string
	if err := yaml.Unmarshal([]byte(raw), &temp); err != nil {
		return nil, fmt.Errorf("parse PAIR_BOUNDS: %w", err)
	}
	for pairID, lowHigh := range temp {
		low, err := decimal.NewFromString(strings.TrimSpace(lowHigh[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid low bound for %q: %w", pairID, err)
		}
		high, err := decimal.NewFromString(strings.TrimSpace(lowHigh[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid high bound for %q: %w", pairID, err)
		}
		out[pairID] = types.Bounds{Low: low, High: high}
	}
	return out, nil
}

func parseSlippageLadder(rawSlippage, rawFees string) ([]ladder.Rung, error) {
	slippages := parseCSVEnv(rawSlippage, []string{"50", "100", "200"})
	fees := parseCSVEnv(rawFees, nil)

	rungs := make([]ladder.Rung, len(slippages))
	for i, s := range slippages {
		bps, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid SLIPPAGE_LADDER entry %q: %w", s, err)
		}
		var feeMicro uint64
		if i < len(fees) {
			feeMicro, err = strconv.ParseUint(strings.TrimSpace(fees[i]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid PRIORITY_FEE_LADDER entry %q: %w", fees[i], err)
			}
		}
		rungs[i] = ladder.Rung{SlippageBps: uint32(bps), PriorityFeeMicro: feeMicro}
	}
	return rungs, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join(".docker", serviceName, serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		if n, numErr := strconv.ParseInt(raw, 10, 64); numErr == nil {
			d = time.Duration(n) * time.Second
		} else {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envUint32(key string, fallback uint32) (uint32, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint32(v), nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case map[any]any:
		for keyAny, child := range typed {
			keyText, ok := keyAny.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", keyAny, prefix)
			}
			segment := normalizeKeySegment(keyText)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}
