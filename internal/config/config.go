// Package config loads the operator-facing YAML configuration (spec
// §6's single structured configuration) and turns it into the typed
// tunables every other component needs. Adapted from the teacher's
// internal/config/config.go singleton-plus-env-override pattern:
// decode a YAML file, then let environment variables win, then apply
// defaults for anything still zero. godotenv loads a local .env file
// first (for VAULTD_* secrets an operator keeps out of the YAML) the
// way the teacher's cmd/server/main.go does before reading env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/taskvault/vaultd/internal/approval"
	"github.com/taskvault/vaultd/internal/breaker"
	"github.com/taskvault/vaultd/internal/priority"
	"github.com/taskvault/vaultd/internal/ratelimit"
)

// Config is the root configuration object, decoded from a single YAML
// file per spec §6.
type Config struct {
	VaultPath           string   `yaml:"vault_path"`
	MaxConcurrentTasks  int      `yaml:"max_concurrent_tasks"`
	PollIntervalSec     int      `yaml:"poll_interval_sec"`
	ReasoningTimeoutSec int      `yaml:"reasoning_timeout_sec"`
	ReasoningCommand    []string `yaml:"reasoning_command"`
	StopHookFilename    string   `yaml:"stop_hook_filename"`
	MetricsAddr         string   `yaml:"metrics_addr"`
	DriversDir          string   `yaml:"drivers_dir"`
	RedisAddr           string   `yaml:"redis_addr"`

	PriorityWeights PriorityWeights `yaml:"priority_weights"`
	VIPSenders      []string        `yaml:"vip_senders"`
	ClientSenders   []string        `yaml:"client_senders"`

	Retry               RetryConfig                            `yaml:"retry"`
	ApprovalTimeouts    map[string]int                          `yaml:"approval_timeouts"`
	AuthorizedApprovers map[string][]string                     `yaml:"authorized_approvers"`
	ApprovalQuorum      map[string]int                          `yaml:"approval_quorum"`
	RateLimits          map[string]map[string]RateLimitConfig   `yaml:"rate_limits"`
	Circuit             CircuitConfig                           `yaml:"circuit"`
}

// PriorityWeights mirrors priority.Weights for YAML decoding; spec
// §4.J's defaults are (0.4, 0.3, 0.3).
type PriorityWeights struct {
	Urgency  float64 `yaml:"urgency"`
	Deadline float64 `yaml:"deadline"`
	Sender   float64 `yaml:"sender"`
}

// RetryConfig mirrors retryloop's bounded backoff schedule.
type RetryConfig struct {
	MaxAttempts int   `yaml:"max_attempts"`
	DelaysSec   []int `yaml:"delays_sec"`
}

// RateLimitConfig is one driver/action_type token bucket policy.
type RateLimitConfig struct {
	PerMinute float64 `yaml:"per_minute"`
	PerHour   float64 `yaml:"per_hour"`
}

// CircuitConfig mirrors breaker.Config's trip/recovery policy.
type CircuitConfig struct {
	FailureThreshold uint32 `yaml:"failure_threshold"`
	FailureWindowSec int    `yaml:"failure_window_sec"`
	OpenTimeoutSec   int    `yaml:"open_timeout_sec"`
	HalfOpenMaxCalls uint32 `yaml:"half_open_max_calls"`
}

// Load reads and decodes path, applies a .env file (if present) and
// VAULTD_*-prefixed environment overrides, fills in defaults for any
// zero-valued field, and validates the result. A validation failure is
// returned to the caller, which per spec §6 exits the process with
// status 1.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.VaultPath = getEnv("VAULTD_VAULT_PATH", c.VaultPath)
	c.StopHookFilename = getEnv("VAULTD_STOP_HOOK_FILENAME", c.StopHookFilename)
	c.MetricsAddr = getEnv("VAULTD_METRICS_ADDR", c.MetricsAddr)
	c.RedisAddr = getEnv("VAULTD_REDIS_ADDR", c.RedisAddr)
	if v := getEnvInt("VAULTD_MAX_CONCURRENT_TASKS", 0); v > 0 {
		c.MaxConcurrentTasks = v
	}
	if v := getEnvInt("VAULTD_POLL_INTERVAL_SEC", 0); v > 0 {
		c.PollIntervalSec = v
	}
	if v := getEnvInt("VAULTD_REASONING_TIMEOUT_SEC", 0); v > 0 {
		c.ReasoningTimeoutSec = v
	}
	if cmd := getEnv("VAULTD_REASONING_COMMAND", ""); cmd != "" {
		c.ReasoningCommand = strings.Fields(cmd)
	}
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = 2
	}
	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = 30
	}
	if c.ReasoningTimeoutSec == 0 {
		c.ReasoningTimeoutSec = 3600
	}
	if c.StopHookFilename == "" {
		c.StopHookFilename = ".stop_hook"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.PriorityWeights == (PriorityWeights{}) {
		c.PriorityWeights = PriorityWeights{Urgency: 0.4, Deadline: 0.3, Sender: 0.3}
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if len(c.Retry.DelaysSec) == 0 {
		c.Retry.DelaysSec = []int{60, 300, 900, 3600, 14400}
	}
	if c.Circuit.FailureThreshold == 0 {
		c.Circuit.FailureThreshold = 5
	}
	if c.Circuit.OpenTimeoutSec == 0 {
		c.Circuit.OpenTimeoutSec = 60
	}
	if c.Circuit.HalfOpenMaxCalls == 0 {
		c.Circuit.HalfOpenMaxCalls = 1
	}
}

// Validate rejects a configuration that would make the scheduler
// unable to start, per spec §6's "validation failure is a fatal init
// error."
func (c *Config) Validate() error {
	if c.VaultPath == "" {
		return fmt.Errorf("config: vault_path is required")
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("config: max_concurrent_tasks must be >= 1")
	}
	if len(c.ReasoningCommand) == 0 {
		return fmt.Errorf("config: reasoning_command must name an executable")
	}
	w := c.PriorityWeights
	if w.Urgency < 0 || w.Deadline < 0 || w.Sender < 0 {
		return fmt.Errorf("config: priority_weights must be non-negative")
	}
	return nil
}

// --- Derived views consumed by the components this config wires together. ---

// PollInterval returns the operator-configured poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// ReasoningTimeout returns the operator-configured reasoning subprocess
// timeout.
func (c *Config) ReasoningTimeout() time.Duration {
	return time.Duration(c.ReasoningTimeoutSec) * time.Second
}

// SchedulerPriorityWeights converts the YAML shape into priority.Weights.
func (c *Config) SchedulerPriorityWeights() priority.Weights {
	return priority.Weights{
		Urgency:  c.PriorityWeights.Urgency,
		Deadline: c.PriorityWeights.Deadline,
		Sender:   c.PriorityWeights.Sender,
	}
}

// SenderPolicy converts vip_senders/client_senders into priority.SenderPolicy.
func (c *Config) SenderPolicy() priority.SenderPolicy {
	return priority.SenderPolicy{VIP: c.VIPSenders, Client: c.ClientSenders}
}

// ApproverPolicy converts authorized_approvers into approval.ApproverPolicy.
func (c *Config) ApproverPolicy() approval.ApproverPolicy {
	return approval.ApproverPolicy(c.AuthorizedApprovers)
}

// QuorumPolicy converts approval_quorum into approval.QuorumPolicy; an
// absent entry falls back to approval.DefaultQuorumPolicy's
// 2-for-critical rule.
func (c *Config) QuorumPolicy() approval.QuorumPolicy {
	if len(c.ApprovalQuorum) == 0 {
		return approval.DefaultQuorumPolicy
	}
	q := make(approval.QuorumPolicy, len(c.ApprovalQuorum))
	for risk, n := range c.ApprovalQuorum {
		q[approval.RiskLevel(risk)] = n
	}
	return q
}

// ApprovalTimeout returns the TTL to use when creating an approval for
// actionType, defaulting to 24h if unconfigured.
func (c *Config) ApprovalTimeout(actionType string) time.Duration {
	if secs, ok := c.ApprovalTimeouts[actionType]; ok {
		return time.Duration(secs) * time.Second
	}
	return 24 * time.Hour
}

// RateLimitPolicy returns the configured token bucket for
// driver/actionType, falling back to ratelimit.DefaultPolicy.
func (c *Config) RateLimitPolicy(driver, actionType string) ratelimit.Policy {
	perDriver, ok := c.RateLimits[driver]
	if !ok {
		return ratelimit.DefaultPolicy
	}
	rl, ok := perDriver[actionType]
	if !ok {
		return ratelimit.DefaultPolicy
	}
	rate := rl.PerMinute / 60
	if rate <= 0 && rl.PerHour > 0 {
		rate = rl.PerHour / 3600
	}
	burst := int(rl.PerMinute)
	if burst < 1 {
		burst = 1
	}
	return ratelimit.Policy{RatePerSecond: rate, Burst: burst}
}

// BreakerConfig converts the circuit section into breaker.Config. Name
// is filled in by breaker.Manager per (driver, action_type) key.
func (c *Config) BreakerConfig() *breaker.Config {
	threshold := c.Circuit.FailureThreshold
	return &breaker.Config{
		MaxRequests: c.Circuit.HalfOpenMaxCalls,
		Interval:    time.Duration(c.Circuit.FailureWindowSec) * time.Second,
		Timeout:     time.Duration(c.Circuit.OpenTimeoutSec) * time.Second,
		ReadyToTrip: func(counts breaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
}

// RetryDelays converts the retry section into the []time.Duration
// schedule retryloop.Loop expects.
func (c *Config) RetryDelays() []time.Duration {
	delays := make([]time.Duration, len(c.Retry.DelaysSec))
	for i, s := range c.Retry.DelaysSec {
		delays[i] = time.Duration(s) * time.Second
	}
	return delays
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
		slog.Warn("config: ignoring malformed integer env override", "key", key, "value", val)
	}
	return defaultVal
}
