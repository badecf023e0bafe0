package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "vault_path: /tmp/vault\nreasoning_command: [\"claude\"]\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxConcurrentTasks)
	assert.Equal(t, 30, cfg.PollIntervalSec)
	assert.Equal(t, ".stop_hook", cfg.StopHookFilename)
	assert.Equal(t, 0.4, cfg.PriorityWeights.Urgency)
	assert.Equal(t, []int{60, 300, 900, 3600, 14400}, cfg.Retry.DelaysSec)
}

func TestLoadRejectsMissingVaultPath(t *testing.T) {
	path := writeConfig(t, "reasoning_command: [\"claude\"]\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingReasoningCommand(t *testing.T) {
	path := writeConfig(t, "vault_path: /tmp/vault\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	path := writeConfig(t, "vault_path: /tmp/vault\nreasoning_command: [\"claude\"]\nmax_concurrent_tasks: 2\n")
	t.Setenv("VAULTD_MAX_CONCURRENT_TASKS", "7")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxConcurrentTasks)
}

func TestRateLimitPolicyFallsBackToDefault(t *testing.T) {
	cfg := &Config{}
	p := cfg.RateLimitPolicy("mail-sender", "message")
	assert.Equal(t, 1.0, p.RatePerSecond)
}

func TestRateLimitPolicyUsesConfiguredValue(t *testing.T) {
	cfg := &Config{RateLimits: map[string]map[string]RateLimitConfig{
		"mail-sender": {"message": {PerMinute: 2}},
	}}
	p := cfg.RateLimitPolicy("mail-sender", "message")
	assert.InDelta(t, 2.0/60, p.RatePerSecond, 1e-9)
	assert.Equal(t, 2, p.Burst)
}

func TestApprovalTimeoutDefaultsWhenUnconfigured(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 24*60*60, int(cfg.ApprovalTimeout("payment").Seconds()))
}

func TestQuorumPolicyFallsBackToDefault(t *testing.T) {
	cfg := &Config{}
	q := cfg.QuorumPolicy()
	assert.Equal(t, 2, q["critical"])
}

func TestLoadLeavesRedisAddrEmptyByDefault(t *testing.T) {
	path := writeConfig(t, "vault_path: /tmp/vault\nreasoning_command: [\"claude\"]\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadHonorsRedisAddrEnvOverride(t *testing.T) {
	path := writeConfig(t, "vault_path: /tmp/vault\nreasoning_command: [\"claude\"]\n")
	t.Setenv("VAULTD_REDIS_ADDR", "localhost:6379")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}
