package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0a1b2c3d4e5f6a7b8c9d0e1f2"

func clearChainEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DEFAULT_PRICE",
		"CHALLENGE_TTL", "CONFIRM_TIMEOUT", "SETTLE_INTERVAL",
		"SETTLE_THRESHOLD", "SETTLE_BATCH_LIMIT", "SETTLE_ATTEMPTS",
		"CHAINS", "DEFAULT_CHAIN", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"BASE_SEPOLIA_RPC_URL", "BASE_SEPOLIA_CHAIN_ID",
		"ARBITRUM_SEPOLIA_RPC_URL", "ARBITRUM_SEPOLIA_CHAIN_ID",
		"ARBITRUM_SEPOLIA_USDC_CONTRACT", "ARBITRUM_SEPOLIA_ESCROW_CONTRACT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearChainEnv(t)
	t.Setenv("PRIVATE_KEY", testKey)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultPrice, cfg.DefaultPrice)
	assert.Equal(t, DefaultChallengeTTL, cfg.ChallengeTTL)
	assert.Equal(t, DefaultSettleThreshold, cfg.SettleThreshold)
	assert.Equal(t, DefaultSettleBatchLimit, cfg.SettleBatchLimit)

	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, "base-sepolia", cfg.Chains[0].Name)
	assert.Equal(t, int64(84532), cfg.Chains[0].ChainID)
	assert.Equal(t, "base-sepolia", cfg.DefaultChain)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingPrivateKey(t *testing.T) {
	clearChainEnv(t)
	t.Setenv("PRIVATE_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_KEY")
}

func TestLoad_PrivateKeyFormats(t *testing.T) {
	clearChainEnv(t)

	t.Setenv("PRIVATE_KEY", "0x"+testKey)
	_, err := Load()
	assert.NoError(t, err)

	t.Setenv("PRIVATE_KEY", "tooshort")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestLoad_MultiChain(t *testing.T) {
	clearChainEnv(t)
	t.Setenv("PRIVATE_KEY", testKey)
	t.Setenv("CHAINS", "base-sepolia, Arbitrum-Sepolia")
	t.Setenv("ARBITRUM_SEPOLIA_RPC_URL", "https://sepolia-rollup.arbitrum.io/rpc")
	t.Setenv("ARBITRUM_SEPOLIA_CHAIN_ID", "421614")
	t.Setenv("ARBITRUM_SEPOLIA_USDC_CONTRACT", "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d")
	t.Setenv("DEFAULT_CHAIN", "arbitrum-sepolia")

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, "arbitrum-sepolia", cfg.Chains[1].Name)
	assert.Equal(t, int64(421614), cfg.Chains[1].ChainID)
	assert.Equal(t, "arbitrum-sepolia", cfg.DefaultChain)

	ch, ok := cfg.Chain("arbitrum-sepolia")
	require.True(t, ok)
	assert.Equal(t, "https://sepolia-rollup.arbitrum.io/rpc", ch.RPCURL)

	_, ok = cfg.Chain("optimism")
	assert.False(t, ok)
}

func TestLoad_DuplicateChain(t *testing.T) {
	clearChainEnv(t)
	t.Setenv("PRIVATE_KEY", testKey)
	t.Setenv("CHAINS", "base-sepolia,base-sepolia")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listed twice")
}

func TestLoad_DefaultChainNotConfigured(t *testing.T) {
	clearChainEnv(t)
	t.Setenv("PRIVATE_KEY", testKey)
	t.Setenv("DEFAULT_CHAIN", "optimism")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_CHAIN")
}

func TestLoad_SettlementOverrides(t *testing.T) {
	clearChainEnv(t)
	t.Setenv("PRIVATE_KEY", testKey)
	t.Setenv("SETTLE_INTERVAL", "30s")
	t.Setenv("SETTLE_THRESHOLD", "10")
	t.Setenv("SETTLE_BATCH_LIMIT", "100")
	t.Setenv("SETTLE_ATTEMPTS", "5")
	t.Setenv("CHALLENGE_TTL", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.SettleInterval)
	assert.Equal(t, 10, cfg.SettleThreshold)
	assert.Equal(t, 100, cfg.SettleBatchLimit)
	assert.Equal(t, 5, cfg.SettleAttempts)
	assert.Equal(t, 2*time.Minute, cfg.ChallengeTTL)
}

func TestLoad_InvalidSettleThreshold(t *testing.T) {
	clearChainEnv(t)
	t.Setenv("PRIVATE_KEY", testKey)
	t.Setenv("SETTLE_THRESHOLD", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SETTLE_THRESHOLD")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "BASE_SEPOLIA", envKey("base-sepolia"))
	assert.Equal(t, "ETHEREUM", envKey("ethereum"))
}

func TestLoad_ChainNamesNormalized(t *testing.T) {
	clearChainEnv(t)
	t.Setenv("PRIVATE_KEY", testKey)
	t.Setenv("CHAINS", " BASE-SEPOLIA ")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, strings.ToLower("base-sepolia"), cfg.Chains[0].Name)
}
