// Package retryloop implements the Persistence/Retry Loop (component L):
// a bounded exponential-backoff wrapper around any retryable worker
// operation, classifying failures via internal/errs, updating task
// frontmatter and the scheduler checkpoint, and driving the task
// through vaultfs to Error_Queue or Failed, per spec §4.L. The
// classify-then-branch structure is grounded on the teacher's
// internal/governance/task_gate.go retry accounting, generalized from
// its fixed "three strikes" policy to the spec's configurable delay
// schedule.
package retryloop

import (
	"context"
	"fmt"
	"time"

	"github.com/taskvault/vaultd/internal/audit"
	"github.com/taskvault/vaultd/internal/checkpoint"
	"github.com/taskvault/vaultd/internal/errs"
	"github.com/taskvault/vaultd/internal/task"
	"github.com/taskvault/vaultd/internal/vaultfs"
)

// DefaultMaxAttempts and DefaultDelays are spec §4.L's defaults.
var (
	DefaultMaxAttempts = 5
	DefaultDelays      = []time.Duration{
		60 * time.Second,
		5 * time.Minute,
		15 * time.Minute,
		time.Hour,
		4 * time.Hour,
	}
)

// Terminal describes how Run concluded.
type Terminal int

const (
	// TerminalDone means op succeeded.
	TerminalDone Terminal = iota
	// TerminalQueuedForRetry means the task moved to Error_Queue and
	// will be retried at NextRetryAt.
	TerminalQueuedForRetry
	// TerminalFailed means the task exhausted its attempts (or hit a
	// Permanent classification) and moved to Failed.
	TerminalFailed
)

// Operation is the unit of work Run wraps. It receives the task and
// must not itself transition the task's folder — Run does that based
// on the operation's outcome.
type Operation func(ctx context.Context, t *task.Task) error

// Loop wraps operations with bounded exponential backoff, per spec §4.L.
type Loop struct {
	Vault       *vaultfs.Vault
	Checkpoints *checkpoint.Store
	Log         *audit.Log
	MaxAttempts int
	Delays      []time.Duration
}

// New constructs a Loop with spec §4.L's defaults, overridable via the
// struct's exported fields.
func New(vault *vaultfs.Vault, checkpoints *checkpoint.Store, log *audit.Log) *Loop {
	return &Loop{
		Vault:       vault,
		Checkpoints: checkpoints,
		Log:         log,
		MaxAttempts: DefaultMaxAttempts,
		Delays:      DefaultDelays,
	}
}

func (l *Loop) delayFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(l.Delays) {
		idx = len(l.Delays) - 1
	}
	return l.Delays[idx]
}

// Run executes op once against t, currently filed under currentFolder.
// On success it returns TerminalDone without touching t's folder — the
// caller (the scheduler worker) owns the success-path transition. On
// failure it classifies the error, updates t's frontmatter, moves it to
// Error_Queue (or Failed once attempts are exhausted or the error is
// Permanent), and persists the checkpoint.
func (l *Loop) Run(ctx context.Context, t *task.Task, currentFolder vaultfs.Folder, traceID string, op Operation) (Terminal, error) {
	err := op(ctx, t)
	if err == nil {
		return TerminalDone, nil
	}

	class := errs.Classify(err)
	t.RetryCount++
	errMsg := fmt.Sprintf("%s: %v", class, err)
	t.LastError = &errMsg

	if class == errs.Permanent || t.RetryCount > l.MaxAttempts {
		return l.fail(ctx, t, currentFolder, traceID, err)
	}

	delay := l.delayFor(t.RetryCount)
	next := time.Now().Add(delay)
	t.NextRetryAt = &next
	t.State = string(vaultfs.FolderErrorQueue)

	if writeErr := l.writeAndTransition(ctx, t, currentFolder, vaultfs.FolderErrorQueue, traceID); writeErr != nil {
		return TerminalFailed, fmt.Errorf("retryloop: queue for retry: %w", writeErr)
	}
	l.checkpointClear(t.TaskID)
	l.audit("task.queued_for_retry", t, audit.OutcomeOK, err)

	return TerminalQueuedForRetry, err
}

func (l *Loop) fail(ctx context.Context, t *task.Task, currentFolder vaultfs.Folder, traceID string, cause error) (Terminal, error) {
	t.State = string(vaultfs.FolderFailed)
	if writeErr := l.writeAndTransition(ctx, t, currentFolder, vaultfs.FolderFailed, traceID); writeErr != nil {
		return TerminalFailed, fmt.Errorf("retryloop: fail: %w", writeErr)
	}
	l.checkpointClear(t.TaskID)
	l.audit("task.failed", t, audit.OutcomeErr, cause)
	return TerminalFailed, cause
}

// ReadyForRetry reports whether a task parked in Error_Queue has passed
// its next_retry_at and should be moved back to Needs_Action by the
// scheduler's discovery tick, per spec §4.L step 5.
func ReadyForRetry(t *task.Task, now time.Time) bool {
	return t.NextRetryAt == nil || !now.Before(*t.NextRetryAt)
}

func (l *Loop) writeAndTransition(ctx context.Context, t *task.Task, from, to vaultfs.Folder, traceID string) error {
	data, err := t.Serialize()
	if err != nil {
		return fmt.Errorf("serialize task: %w", err)
	}
	oldPath := t.Path
	filename := fileNameOf(oldPath)

	if err := l.Vault.Write(from, filename, data); err != nil {
		return fmt.Errorf("write updated frontmatter: %w", err)
	}
	if err := l.Vault.Transition(ctx, from, to, filename, "retryloop", traceID); err != nil {
		return fmt.Errorf("transition: %w", err)
	}
	t.Path = l.Vault.Path(to) + "/" + filename
	return nil
}

func (l *Loop) checkpointClear(taskID string) {
	if l.Checkpoints == nil {
		return
	}
	cp, err := l.Checkpoints.Load()
	if err != nil {
		return
	}
	cp.ClearInFlight(taskID)
	_ = l.Checkpoints.Save(cp)
}

func (l *Loop) audit(eventType string, t *task.Task, outcome audit.Outcome, cause error) {
	if l.Log == nil {
		return
	}
	ctxMap := map[string]interface{}{"retry_count": t.RetryCount}
	if cause != nil {
		ctxMap["error"] = cause.Error()
	}
	_ = l.Log.Append(audit.Event{
		EventType:       eventType,
		Actor:           "retryloop",
		TaskID:          t.TaskID,
		Outcome:         outcome,
		RedactedContext: ctxMap,
	})
}

func fileNameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
