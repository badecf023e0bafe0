// Package guard implements the Action Guard (component G): the
// composite, fail-closed gate every driver invocation passes through.
// It sequences driver verification, rate limiting, circuit breaking,
// approval/nonce checks, subprocess execution, and audit emission, per
// spec §4.G.
//
// The ghost-run (dry-run) mode is adapted from the teacher's
// internal/governance/ghost_state.go GhostStateEngine — simulating an
// action's outcome without invoking the real driver subprocess — and
// the compensation stack from internal/revert/revert.go
// CompensationStack, both generalized from AOCS's speculative-tool-call
// sandboxing to this spec's "try the action, keep an undo plan in case
// the containing task ultimately fails" semantics.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/taskvault/vaultd/internal/approval"
	"github.com/taskvault/vaultd/internal/audit"
	"github.com/taskvault/vaultd/internal/breaker"
	"github.com/taskvault/vaultd/internal/driververify"
	"github.com/taskvault/vaultd/internal/errs"
	"github.com/taskvault/vaultd/internal/ratelimit"
	"github.com/taskvault/vaultd/internal/secrets"
)

// Outcome is the result of one Execute call.
type Outcome struct {
	OK       bool
	Detail   string
	Duration time.Duration
}

// DriverResult is the JSON object an action driver prints on stdout.
type DriverResult struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// DriverLocator resolves a driver name to its executable path, so the
// guard can verify it with driververify before running it.
type DriverLocator func(driverName string) (string, error)

// UndoFunc reverses a previously applied side effect. Adapted from the
// teacher's revert.UndoFunc.
type UndoFunc func(ctx context.Context) error

// CompensationStack is a LIFO undo log for a single task's partially
// applied actions, adapted from internal/revert/revert.go
// CompensationStack.
type CompensationStack struct {
	TaskID string
	ops    []UndoFunc
}

// NewCompensationStack returns an empty stack scoped to taskID.
func NewCompensationStack(taskID string) *CompensationStack {
	return &CompensationStack{TaskID: taskID}
}

// Push records an undo step, to run if the task is ultimately rejected
// or fails permanently after this action already took effect.
func (s *CompensationStack) Push(undo UndoFunc) {
	s.ops = append(s.ops, undo)
}

// Compensate runs every recorded undo step in reverse order.
func (s *CompensationStack) Compensate(ctx context.Context) error {
	for i := len(s.ops) - 1; i >= 0; i-- {
		if err := s.ops[i](ctx); err != nil {
			return fmt.Errorf("guard: compensation failed at step %d: %w", i, err)
		}
	}
	return nil
}

// Guard wires components D, E, F, B, and the Approval Store's nonce
// registry into the single sequenced gate spec §4.G describes.
type Guard struct {
	verifier  *driververify.Registry
	limiter   *ratelimit.Limiter
	breakers  *breaker.Manager
	scanner   *secrets.Scanner
	approvals *approval.Store
	log       *audit.Log
	locate    DriverLocator
	timeout   time.Duration
	ghostRun  bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithGhostRun enables dry-run mode: every step up to driver invocation
// runs normally, but the driver subprocess is never actually started —
// Execute instead reports what would have happened. Used for rehearsing
// a plan before HITL approval is sought.
func WithGhostRun(enabled bool) Option {
	return func(g *Guard) { g.ghostRun = enabled }
}

// WithTimeout overrides the default 30s driver subprocess timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) { g.timeout = d }
}

// New constructs a Guard from its dependent components.
func New(verifier *driververify.Registry, limiter *ratelimit.Limiter, breakers *breaker.Manager,
	scanner *secrets.Scanner, approvals *approval.Store, log *audit.Log, locate DriverLocator, opts ...Option) *Guard {
	g := &Guard{
		verifier:  verifier,
		limiter:   limiter,
		breakers:  breakers,
		scanner:   scanner,
		approvals: approvals,
		log:       log,
		locate:    locate,
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// requiresApproval is the conservative default: every action type is
// considered sensitive unless explicitly exempted by the caller's
// configuration (wired at the scheduler layer, not hardcoded here).
type ApprovalRequirement func(actionType string) bool

// Execute runs the spec §4.G sequence for one driver action. approvalRef
// is empty for action types the caller has determined do not require
// HITL approval.
func (g *Guard) Execute(ctx context.Context, driverName, actionType string, payload map[string]interface{}, approvalRef string, needsApproval ApprovalRequirement) (Outcome, error) {
	start := time.Now()
	redactedPayload := g.redactPayload(payload)

	binaryPath, err := g.locate(driverName)
	if err == nil {
		err = g.verifier.Verify(driverName, binaryPath)
	}
	if err != nil {
		g.emitExecuted(driverName, actionType, redactedPayload, audit.OutcomeErr, 0, err)
		return Outcome{}, fmt.Errorf("%w: %v", errs.ErrVerification, err)
	}

	rlKey := ratelimit.Key(driverName, actionType)
	if err := g.limiter.Allow(rlKey); err != nil {
		g.audit("rate_limited", driverName, actionType, redactedPayload, audit.OutcomeErr, err)
		return Outcome{}, err
	}

	cb := g.breakers.Get(breaker.Key(driverName, actionType))
	if err := cb.Allow(); err != nil {
		g.audit("circuit_open", driverName, actionType, redactedPayload, audit.OutcomeErr, err)
		return Outcome{}, err
	}

	if needsApproval != nil && needsApproval(actionType) {
		if approvalRef == "" {
			err := fmt.Errorf("%w: %s requires approval", errs.ErrApprovalRequired, actionType)
			g.emitExecuted(driverName, actionType, redactedPayload, audit.OutcomeErr, 0, err)
			return Outcome{}, err
		}
		if err := g.approvals.ConsumeNonce(approvalRef); err != nil {
			g.emitExecuted(driverName, actionType, redactedPayload, audit.OutcomeErr, 0, err)
			return Outcome{}, err
		}
	}

	if g.ghostRun {
		outcome := Outcome{OK: true, Detail: "ghost-run: driver not invoked", Duration: time.Since(start)}
		g.emitExecuted(driverName, actionType, redactedPayload, audit.OutcomeOK, outcome.Duration, nil)
		return outcome, nil
	}

	outcome, runErr := g.runDriver(ctx, binaryPath, payload)

	cbErr := cb.ExecuteContext(ctx, func(context.Context) error { return runErr })
	_ = cbErr // breaker state already updated; reported error below is runErr

	outcome.Duration = time.Since(start)
	if runErr != nil {
		g.emitExecuted(driverName, actionType, redactedPayload, audit.OutcomeErr, outcome.Duration, runErr)
		return outcome, runErr
	}
	g.emitExecuted(driverName, actionType, redactedPayload, audit.OutcomeOK, outcome.Duration, nil)
	return outcome, nil
}

func (g *Guard) runDriver(ctx context.Context, binaryPath string, payload map[string]interface{}) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	stdin, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: marshal payload: %v", errs.ErrDriverFailure, err)
	}

	cmd := exec.CommandContext(ctx, binaryPath)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var result DriverResult
	if jsonErr := json.Unmarshal(stdout.Bytes(), &result); jsonErr != nil {
		if runErr != nil {
			return Outcome{}, fmt.Errorf("%w: %v: %s", errs.ErrDriverFailure, runErr, stderr.String())
		}
		return Outcome{}, fmt.Errorf("%w: malformed driver output: %v", errs.ErrDriverFailure, jsonErr)
	}

	if !result.OK {
		return Outcome{OK: false, Detail: result.Detail}, fmt.Errorf("%w: %s", errs.ErrDriverFailure, result.Detail)
	}
	return Outcome{OK: true, Detail: result.Detail}, nil
}

func (g *Guard) redactPayload(payload map[string]interface{}) map[string]interface{} {
	redacted := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			redacted[k] = secrets.RedactFailClosed(g.scanner, s)
			continue
		}
		redacted[k] = v
	}
	return redacted
}

func (g *Guard) emitExecuted(driver, actionType string, payload map[string]interface{}, outcome audit.Outcome, dur time.Duration, cause error) {
	g.audit("action.executed", driver, actionType, payload, outcome, cause, dur)
}

func (g *Guard) audit(eventType, driver, actionType string, payload map[string]interface{}, outcome audit.Outcome, cause error, durations ...time.Duration) {
	if g.log == nil {
		return
	}
	ctxMap := map[string]interface{}{"payload": payload}
	if cause != nil {
		ctxMap["error"] = cause.Error()
	}
	evt := audit.Event{
		EventType:       eventType,
		Actor:           "guard",
		Driver:          driver,
		ActionType:      actionType,
		Outcome:         outcome,
		RedactedContext: ctxMap,
	}
	if len(durations) > 0 {
		ms := durations[0].Milliseconds()
		evt.DurationMs = &ms
	}
	_ = g.log.Append(evt)
}
