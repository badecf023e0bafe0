package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/taskvault/vaultd/internal/approval"
	"github.com/taskvault/vaultd/internal/audit"
	"github.com/taskvault/vaultd/internal/breaker"
	"github.com/taskvault/vaultd/internal/checkpoint"
	"github.com/taskvault/vaultd/internal/config"
	"github.com/taskvault/vaultd/internal/creds"
	"github.com/taskvault/vaultd/internal/driververify"
	"github.com/taskvault/vaultd/internal/guard"
	"github.com/taskvault/vaultd/internal/metrics"
	"github.com/taskvault/vaultd/internal/notify"
	"github.com/taskvault/vaultd/internal/ratelimit"
	"github.com/taskvault/vaultd/internal/reasoning"
	"github.com/taskvault/vaultd/internal/retryloop"
	"github.com/taskvault/vaultd/internal/secrets"
	"github.com/taskvault/vaultd/internal/vaultfs"
)

// components bundles every wired-together piece a subcommand might
// need, assembled once per CLI invocation from the loaded config.
type components struct {
	cfg         *config.Config
	vault       *vaultfs.Vault
	auditLog    *audit.Log
	approvals   *approval.Store
	guard       *guard.Guard
	breakers    *breaker.Manager
	limiter     *ratelimit.Limiter
	verifier    *driververify.Registry
	credStore   *creds.Store
	checkpoints *checkpoint.Store
	reasoner    *reasoning.Invoker
	retry       *retryloop.Loop
	metrics     *metrics.Metrics
	notifier    *notify.Notifier
}

// wire loads cfg from cfgPath and constructs every component in the
// same dependency order the teacher's cmd/server/main.go assembles its
// own service graph (storage/credential layers first, gates next, the
// long-running driver last).
func wire(cfgPath string) (*components, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	scanner := secrets.New()
	auditLog, err := audit.New(filepath.Join(cfg.VaultPath, "Logs"), scanner, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("vaultd: open audit log: %w", err)
	}

	vault := vaultfs.Open(cfg.VaultPath, auditLog)
	if err := vault.Init(); err != nil {
		return nil, fmt.Errorf("vaultd: init vault layout: %w", err)
	}

	credStore := creds.New(cfg.VaultPath, auditLog)
	verifier := driververify.Open(filepath.Join(cfg.VaultPath, ".trust-registry.json"), auditLog)
	limiter := ratelimit.New(ratelimit.DefaultPolicy)
	breakers := breaker.NewManager(cfg.BreakerConfig(), slog.Default())

	notifier, err := notify.Open(cfg.RedisAddr)
	if err != nil {
		slog.Warn("vaultd: redis notifier unavailable, falling back to fs-poll-only discovery", "error", err)
		notifier = nil
	}

	approvals := approval.Open(vault, auditLog, cfg.ApproverPolicy(), cfg.QuorumPolicy(),
		filepath.Join(cfg.VaultPath, ".nonce-registry.json"), approval.WithNotifier(notifier))

	g := guard.New(verifier, limiter, breakers, scanner, approvals, auditLog, driverLocator(cfg))

	checkpoints := checkpoint.Open(filepath.Join(cfg.VaultPath, ".checkpoint.json"))
	reasoner := reasoning.New(cfg.ReasoningCommand, cfg.VaultPath, filepath.Join(cfg.VaultPath, "Logs"))
	retry := retryloop.New(vault, checkpoints, auditLog)
	retry.MaxAttempts = cfg.Retry.MaxAttempts
	retry.Delays = cfg.RetryDelays()

	m := metrics.New(nil)

	return &components{
		cfg: cfg, vault: vault, auditLog: auditLog, approvals: approvals, guard: g,
		breakers: breakers, limiter: limiter, verifier: verifier, credStore: credStore,
		checkpoints: checkpoints, reasoner: reasoner, retry: retry, metrics: m,
		notifier: notifier,
	}, nil
}

// driverLocator resolves a driver name to an executable under the
// configured drivers directory, one file per driver named after it —
// the convention spec §6's "drivers are plain OS subprocesses" leaves
// unspecified and this build fixes concretely.
func driverLocator(cfg *config.Config) guard.DriverLocator {
	dir := cfg.DriversDir
	if dir == "" {
		dir = "./drivers"
	}
	return func(name string) (string, error) {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("vaultd: driver %q not found under %s: %w", name, dir, err)
		}
		return path, nil
	}
}
