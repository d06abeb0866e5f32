// Package config loads chain and indexer settings from the environment.
//
// Three input forms are accepted, first match wins, compatible with
// deployments of the service this indexer replaces:
//
//  1. CHAINS_CONFIG: a JSON array of chain objects.
//  2. CHAIN_IDS (comma-separated) plus CHAIN_<id>_* per-chain variables.
//  3. Legacy single-chain variables (RPC_URL, TOKEN_ADDRESS, ...).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ChainConfig describes one chain to index.
type ChainConfig struct {
	ChainID      int64  `json:"chain_id"`
	ChainName    string `json:"chain_name"`
	RPCURL       string `json:"rpc_url"`
	TokenAddress string `json:"token_address"`
	StartBlock   int64  `json:"start_block"`
}

// Settings holds process-wide configuration.
type Settings struct {
	DatabasePath string
	BatchSize    int64
	Chains       []ChainConfig

	HTTPAddr string
	LogLevel string
	LogJSON  bool
}

const (
	defaultDatabasePath = "./data/indexer.db"
	defaultBatchSize    = 10000
	defaultHTTPAddr     = ":8000"

	// Legacy single-chain defaults (PulseChain), kept for backward
	// compatibility with existing deployments.
	legacyRPCURL       = "https://rpc.pulsechain.com"
	legacyTokenAddress = "0x7b39712Ef45F7dcED2bBDF11F3D5046bA61dA719"
	legacyStartBlock   = 20326117
	legacyChainID      = 369
	legacyChainName    = "PulseChain"
)

// Load reads Settings from the process environment. Returns an error
// only for malformed CHAINS_CONFIG JSON; missing configuration falls
// back through the three documented forms, finally to the legacy
// single-chain defaults.
func Load() (*Settings, error) {
	s := &Settings{
		DatabasePath: getEnv("DATABASE_PATH", defaultDatabasePath),
		BatchSize:    getEnvInt64("BATCH_SIZE", defaultBatchSize),
		HTTPAddr:     getEnv("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogJSON:      getEnv("LOG_JSON", "false") == "true",
	}

	chains, err := loadChains()
	if err != nil {
		return nil, err
	}
	s.Chains = chains
	return s, nil
}

func loadChains() ([]ChainConfig, error) {
	if raw := os.Getenv("CHAINS_CONFIG"); raw != "" {
		var parsed []ChainConfig
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, fmt.Errorf("invalid CHAINS_CONFIG JSON: %w", err)
		}
		return parsed, nil
	}

	if idsRaw := os.Getenv("CHAIN_IDS"); idsRaw != "" {
		var chains []ChainConfig
		for _, field := range strings.Split(idsRaw, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			chainID, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid CHAIN_IDS entry %q: %w", field, err)
			}
			prefix := fmt.Sprintf("CHAIN_%d_", chainID)
			rpcURL := os.Getenv(prefix + "RPC_URL")
			tokenAddress := os.Getenv(prefix + "TOKEN_ADDRESS")
			if rpcURL == "" || tokenAddress == "" {
				continue
			}
			chains = append(chains, ChainConfig{
				ChainID:      chainID,
				ChainName:    getEnv(prefix+"NAME", fmt.Sprintf("Chain-%d", chainID)),
				RPCURL:       rpcURL,
				TokenAddress: tokenAddress,
				StartBlock:   getEnvInt64(prefix+"START_BLOCK", 0),
			})
		}
		if len(chains) > 0 {
			return chains, nil
		}
	}

	// Legacy single-chain fallback.
	return []ChainConfig{{
		ChainID:      getEnvInt64("CHAIN_ID", legacyChainID),
		ChainName:    getEnv("CHAIN_NAME", legacyChainName),
		RPCURL:       getEnv("RPC_URL", legacyRPCURL),
		TokenAddress: getEnv("TOKEN_ADDRESS", legacyTokenAddress),
		StartBlock:   getEnvInt64("START_BLOCK", legacyStartBlock),
	}}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
