package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEDGER_CONTRACT_ADDRESS", "")
	t.Setenv("LEDGER_MAX_HOPS", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "add_IOU", cfg.Ledger.EventKind)
	assert.Equal(t, 1_000_000, cfg.Ledger.MaxHops)
	assert.Equal(t, 3, cfg.Engine.SubmitRetries)
	assert.Equal(t, 10*time.Minute, cfg.Engine.EventCacheTTL)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_NormalizesContractAndRedis(t *testing.T) {
	t.Setenv("LEDGER_CONTRACT_ADDRESS", "0x048B115B438b2AA664289aBC53BECA7a0743f597")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("REDIS_ENABLED", "yes")

	cfg := Load()

	assert.Equal(t, "0x048b115b438b2aa664289abc53beca7a0743f597", cfg.Ledger.ContractAddress)
	assert.Equal(t, "cache:6379", cfg.Redis.URL)
	assert.True(t, cfg.Redis.Enabled)
}

func TestValidateCore(t *testing.T) {
	t.Setenv("LEDGER_CONTRACT_ADDRESS", "not-an-address")
	t.Setenv("JWT_SECRET", "")

	cfg := Load()
	err := cfg.ValidateCore()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "LEDGER_CONTRACT_ADDRESS")

	cfg.JWT.Secret = "s3cret"
	cfg.Ledger.ContractAddress = "0x048b115b438b2aa664289abc53beca7a0743f597"
	assert.NoError(t, cfg.ValidateCore())

	cfg.Ledger.MaxHops = 0
	assert.Error(t, cfg.ValidateCore())
}
