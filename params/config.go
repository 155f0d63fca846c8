package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/uhyunpark/perpcore/pkg/app/core/matching"
	"github.com/uhyunpark/perpcore/pkg/app/core/router"
)

type Storage struct {
	Path     string // pebble directory
	Sync     bool   // fsync every commit
	InMemory bool
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Events struct {
	KafkaBrokers []string // empty disables kafka
	JournalPath  string   // empty disables the file journal
}

type Log struct {
	Level string
	File  string // empty logs to stdout only
}

type Node struct {
	MarketsPath string
	// BatchInterval paces batch opens on every book.
	BatchInterval time.Duration
	// FundingInterval is how often funding is pushed to venues; each
	// instrument still enforces its own interval.
	FundingInterval  time.Duration
	SnapshotInterval time.Duration
	// SeedLiquidity quotes a synthetic market maker on every book (devnet only).
	SeedLiquidity bool
}

type Config struct {
	Router  router.Config
	Venue   matching.Config // defaults for every venue; markets override fees
	Storage Storage
	API     API
	Events  Events
	Log     Log
	Node    Node
}

func Default() Config {
	return Config{
		Router: router.DefaultConfig(),
		Venue:  matching.DefaultConfig(),
		Storage: Storage{
			Path: "./data/perpcore",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Log: Log{Level: "info"},
		Node: Node{
			MarketsPath:      "markets.yaml",
			BatchInterval:    100 * time.Millisecond,
			FundingInterval:  time.Minute,
			SnapshotInterval: 5 * time.Second,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	// Risk
	envInt64("RISK_IMR_BPS", &cfg.Router.Risk.IMRBps)
	envInt64("RISK_MMR_BPS", &cfg.Router.Risk.MMRBps)
	envInt64("LIQ_FEE_BPS", &cfg.Router.Liquidation.FeeBps)
	envInt64("LIQ_PRICE_BAND_BPS", &cfg.Router.Liquidation.PriceBandBps)
	envInt64("LIQ_PRELIQ_BAND_BPS", &cfg.Router.Liquidation.PreliqBandBps)
	envInt64("LIQ_MAX_DEBT", &cfg.Router.MaxDebt)

	// Router
	envUint64("ROUTER_HOLD_TTL_MS", &cfg.Router.HoldTTLms)
	envUint64("ROUTER_CAP_TTL_MS", &cfg.Router.CapTTLms)
	cfg.Router.SettlementAsset = getEnv("SETTLEMENT_ASSET", cfg.Router.SettlementAsset)

	// Warmup and adaptive unlock
	envInt("LEDGER_MAX_USERS", &cfg.Router.Ledger.MaxUsers)
	envInt64("WARMUP_SLOPE_PER_STEP", &cfg.Router.Ledger.DefaultSlopePerStep)
	envInt64("WARMUP_CAP_PER_STEP", &cfg.Router.Ledger.WithdrawCapPerStep)
	envInt64("UNLOCK_DRAIN_BPS", &cfg.Router.Unlock.DrainThresholdBps)
	envInt64("UNLOCK_ORACLE_GAP_BPS", &cfg.Router.Unlock.OracleGapBps)
	envInt64("UNLOCK_INSURANCE_UTIL_BPS", &cfg.Router.Unlock.InsuranceUtilBps)

	// Venue defaults
	envInt64("VENUE_MAKER_FEE_BPS", &cfg.Venue.MakerFeeBps)
	envInt64("VENUE_TAKER_FEE_BPS", &cfg.Venue.TakerFeeBps)
	envInt("BOOK_DEPTH", &cfg.Venue.Book.Depth)
	envInt("BOOK_PENDING_CAPACITY", &cfg.Venue.Book.PendingCapacity)
	envInt64("ANTITOX_KILL_BAND_BPS", &cfg.Venue.AntiTox.KillBandBps)
	envBool("ANTITOX_JIT", &cfg.Venue.AntiTox.JITEnabled)
	envInt64("ANTITOX_AS_FEE_K_BPS", &cfg.Venue.AntiTox.ASFeeKBps)
	envUint64("ANTITOX_BATCH_MS", &cfg.Venue.AntiTox.BatchMs)

	// Storage
	cfg.Storage.Path = getEnv("STORAGE_PATH", cfg.Storage.Path)
	envBool("STORAGE_SYNC", &cfg.Storage.Sync)
	envBool("STORAGE_IN_MEMORY", &cfg.Storage.InMemory)

	// API
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	envList("API_ALLOWED_ORIGINS", &cfg.API.AllowedOrigins)

	// Events
	envList("KAFKA_BROKERS", &cfg.Events.KafkaBrokers)
	cfg.Events.JournalPath = getEnv("EVENTS_JOURNAL", cfg.Events.JournalPath)

	// Logging
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	// Node loop
	cfg.Node.MarketsPath = getEnv("MARKETS_PATH", cfg.Node.MarketsPath)
	envMillis("NODE_BATCH_INTERVAL_MS", &cfg.Node.BatchInterval)
	envMillis("NODE_FUNDING_INTERVAL_MS", &cfg.Node.FundingInterval)
	envMillis("NODE_SNAPSHOT_INTERVAL_MS", &cfg.Node.SnapshotInterval)
	envBool("NODE_SEED_LIQUIDITY", &cfg.Node.SeedLiquidity)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Malformed values are ignored and the default stays.
func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envUint64(key string, dst *uint64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envMillis(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

// envList splits a comma-separated value, e.g. "kafka-1:9092,kafka-2:9092".
func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
