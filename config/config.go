// Package config loads desk service configuration from the environment and
// the negotiation policy from a TOML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kewi-labs-io/otc-agent-sub003/negotiation"
)

// Config captures everything deskd needs to start.
type Config struct {
	ListenAddr  string
	DatabaseURL string
	RedisURL    string

	// QuoteSecret keys quote signatures; rotating it invalidates open quotes.
	QuoteSecret []byte
	QuoteTTL    time.Duration
	// JWTSecret verifies bearer tokens on the HTTP API.
	JWTSecret []byte

	// PolicyPath points at the TOML negotiation policy; empty means defaults.
	PolicyPath string

	EVMSidecarURL    string
	EVMSidecarToken  string
	EVMRatePerSecond float64

	SolanaSidecarURL  string
	SolanaDeskAddress string
	SolanaKeypairPath string
	SolanaRatePerSec  float64

	OracleMaxAge       time.Duration
	OracleDeviationBps uint32

	LogLevel string
	LogFile  string
}

// FromEnv reads configuration from DESK_-prefixed environment variables.
// Secrets are required; everything else has a workable default.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:         envOr("DESK_LISTEN", ":8090"),
		DatabaseURL:        os.Getenv("DESK_DATABASE_URL"),
		RedisURL:           os.Getenv("DESK_REDIS_URL"),
		PolicyPath:         os.Getenv("DESK_POLICY_FILE"),
		EVMSidecarURL:      os.Getenv("DESK_EVM_SIDECAR_URL"),
		EVMSidecarToken:    os.Getenv("DESK_EVM_SIDECAR_TOKEN"),
		SolanaSidecarURL:   os.Getenv("DESK_SOLANA_SIDECAR_URL"),
		SolanaDeskAddress:  os.Getenv("DESK_SOLANA_DESK"),
		SolanaKeypairPath:  os.Getenv("DESK_SOLANA_KEYPAIR"),
		LogLevel:           envOr("DESK_LOG_LEVEL", "info"),
		LogFile:            os.Getenv("DESK_LOG_FILE"),
		OracleDeviationBps: 1000,
	}

	secret := os.Getenv("DESK_QUOTE_SECRET")
	if secret == "" {
		return Config{}, fmt.Errorf("DESK_QUOTE_SECRET is required")
	}
	cfg.QuoteSecret = []byte(secret)

	jwtSecret := os.Getenv("DESK_JWT_SECRET")
	if jwtSecret == "" {
		return Config{}, fmt.Errorf("DESK_JWT_SECRET is required")
	}
	cfg.JWTSecret = []byte(jwtSecret)

	var err error
	if cfg.QuoteTTL, err = envDuration("DESK_QUOTE_TTL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.OracleMaxAge, err = envDuration("DESK_ORACLE_MAX_AGE", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.EVMRatePerSecond, err = envFloat("DESK_EVM_RPS", 10); err != nil {
		return Config{}, err
	}
	if cfg.SolanaRatePerSec, err = envFloat("DESK_SOLANA_RPS", 10); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("DESK_ORACLE_MAX_DEVIATION_BPS"); v != "" {
		parsed, parseErr := strconv.ParseUint(v, 10, 32)
		if parseErr != nil {
			return Config{}, fmt.Errorf("parse DESK_ORACLE_MAX_DEVIATION_BPS: %w", parseErr)
		}
		cfg.OracleDeviationBps = uint32(parsed)
	}
	return cfg, nil
}

// LoadPolicy reads the negotiation policy TOML at path. An empty path returns
// the default policy.
func LoadPolicy(path string) (negotiation.Policy, error) {
	if path == "" {
		return negotiation.DefaultPolicy(), nil
	}
	var policy negotiation.Policy
	if _, err := toml.DecodeFile(path, &policy); err != nil {
		return negotiation.Policy{}, fmt.Errorf("load policy %s: %w", path, err)
	}
	return policy, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}
