package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kewi-labs-io/otc-agent-sub003/auth"
	"github.com/kewi-labs-io/otc-agent-sub003/chain"
	"github.com/kewi-labs-io/otc-agent-sub003/chain/evm"
	"github.com/kewi-labs-io/otc-agent-sub003/chain/memory"
	"github.com/kewi-labs-io/otc-agent-sub003/chain/solana"
	"github.com/kewi-labs-io/otc-agent-sub003/config"
	"github.com/kewi-labs-io/otc-agent-sub003/inventory"
	"github.com/kewi-labs-io/otc-agent-sub003/models"
	"github.com/kewi-labs-io/otc-agent-sub003/observability/logging"
	"github.com/kewi-labs-io/otc-agent-sub003/oracle"
	"github.com/kewi-labs-io/otc-agent-sub003/quotes"
	"github.com/kewi-labs-io/otc-agent-sub003/server"
	"github.com/kewi-labs-io/otc-agent-sub003/settlement"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup(logging.Options{
		Service: "deskd",
		Env:     os.Getenv("DESK_ENV"),
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("policy error: %v", err)
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	var store quotes.Store
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url error: %v", err)
		}
		store = quotes.NewRedisStore(redis.NewClient(opts), 30*24*time.Hour)
	} else {
		store = quotes.NewMemoryStore()
	}
	ledger := quotes.NewLedger(store, quotes.NewSigner(cfg.QuoteSecret), cfg.QuoteTTL)

	prices := oracle.NewPosted(cfg.OracleMaxAge, cfg.OracleDeviationBps)
	repo := inventory.NewRepo(db)

	adapters, err := buildAdapters(cfg, prices)
	if err != nil {
		log.Fatalf("chain adapter error: %v", err)
	}

	metrics := settlement.NewMetrics(prometheus.DefaultRegisterer)
	orch := settlement.NewOrchestrator(db, repo, ledger, adapters, metrics, logger, settlement.Options{
		Prices: prices,
	})

	verifier, err := auth.NewVerifier(cfg.JWTSecret, "desk", "desk-api")
	if err != nil {
		log.Fatalf("auth error: %v", err)
	}

	srv := server.New(server.Deps{
		DB:       db,
		Repo:     repo,
		Ledger:   ledger,
		Orch:     orch,
		Policy:   policy,
		Prices:   prices,
		Verifier: verifier,
		Log:      logger,
	})

	logger.Info("deskd listening", slog.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// openDatabase uses postgres when a DSN is configured and an in-memory sqlite
// database otherwise, which keeps local runs dependency-free.
func openDatabase(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func buildAdapters(cfg config.Config, prices oracle.PriceOracle) (map[string]chain.Adapter, error) {
	adapters := make(map[string]chain.Adapter)
	if cfg.EVMSidecarURL != "" {
		adapters["evm"] = evm.NewAdapter(cfg.EVMSidecarURL, cfg.EVMSidecarToken, cfg.EVMRatePerSecond)
	}
	if cfg.SolanaSidecarURL != "" {
		key, err := loadKeypair(cfg.SolanaKeypairPath)
		if err != nil {
			return nil, fmt.Errorf("solana keypair: %w", err)
		}
		adapters["solana"] = solana.NewAdapter(cfg.SolanaSidecarURL, cfg.SolanaDeskAddress, key, cfg.SolanaRatePerSec)
	}
	if len(adapters) == 0 {
		adapters["memory"] = memory.NewLedger(memory.Config{}, prices)
	}
	return adapters, nil
}

// loadKeypair reads a hex-encoded ed25519 key: a 32-byte seed or the full
// 64-byte private key.
func loadKeypair(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	}
	return nil, fmt.Errorf("key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(decoded))
}
