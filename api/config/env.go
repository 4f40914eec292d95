// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/malbeclabs/affiliate/engine/pkg/ledger"
)

// DefaultSolanaRPCURL is the default Solana RPC endpoint.
const DefaultSolanaRPCURL = "https://api.mainnet-beta.solana.com"

// SolanaRPCURL returns SOLANA_RPC_URL or the mainnet endpoint.
func SolanaRPCURL() string {
	return getenv("SOLANA_RPC_URL", DefaultSolanaRPCURL)
}

// ClickHouseFromEnv reads CLICKHOUSE_* variables. It returns false when no
// ledger is configured.
func ClickHouseFromEnv() (ledger.ClientConfig, bool, error) {
	addr := os.Getenv("CLICKHOUSE_ADDR")
	if addr == "" {
		return ledger.ClientConfig{}, false, nil
	}
	cfg := ledger.ClientConfig{
		Addr:     addr,
		Database: getenv("CLICKHOUSE_DB", "default"),
		Username: getenv("CLICKHOUSE_USER", "default"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
	}
	if v := os.Getenv("CLICKHOUSE_SECURE"); v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, false, fmt.Errorf("invalid CLICKHOUSE_SECURE: %w", err)
		}
		cfg.Secure = secure
	}
	return cfg, true, nil
}

// Duration reads a duration variable, returning fallback when unset.
func Duration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
