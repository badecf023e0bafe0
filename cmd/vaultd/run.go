package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskvault/vaultd/internal/breaker"
	"github.com/taskvault/vaultd/internal/metrics"
	"github.com/taskvault/vaultd/internal/scheduler"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler and serve /healthz and /metrics until stopped",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	c, err := wire(cfgFile)
	if err != nil {
		return err
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.MaxConcurrentTasks = c.cfg.MaxConcurrentTasks
	schedCfg.PollInterval = c.cfg.PollInterval()
	schedCfg.ReasoningTimeout = c.cfg.ReasoningTimeout()
	schedCfg.StopHookFilename = c.cfg.StopHookFilename
	schedCfg.ReasoningCommand = c.cfg.ReasoningCommand
	schedCfg.PriorityWeights = c.cfg.SchedulerPriorityWeights()
	schedCfg.SenderPolicy = c.cfg.SenderPolicy()
	schedCfg.ApprovalRequirement = func(string) bool { return true }

	sched := scheduler.New(schedCfg, c.vault, c.checkpoints, c.auditLog, c.reasoner, c.approvals, c.guard, c.retry,
		scheduler.WithNotifier(c.notifier))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	healthSrv := metrics.NewServer(nil, func() metrics.Snapshot {
		cp, _ := c.checkpoints.Load()
		anyOpen := false
		for _, state := range c.breakers.Stats() {
			if state == breaker.StateOpen {
				anyOpen = true
			}
		}
		return metrics.Snapshot{
			AnyCircuitOpen:     anyOpen,
			LastTaskCompletion: cp.LastPoll,
		}
	})
	go func() {
		if err := healthSrv.ListenAndServe(c.cfg.MetricsAddr); err != nil {
			slog.Error("vaultd: health/metrics server stopped", "error", err)
		}
	}()

	slog.Info("vaultd: scheduler starting", "vault_path", c.cfg.VaultPath, "metrics_addr", c.cfg.MetricsAddr)
	if err := sched.Run(ctx); err != nil {
		return err
	}
	slog.Info("vaultd: scheduler stopped")
	return nil
}
