// Package scheduler implements the Scheduler (component M): the single
// long-running driver that discovers ready tasks, scores them, and runs
// them through a bounded worker pool to a terminal folder. The
// discovery side (fsnotify watch plus a periodic poll fallback, debounced
// into a single TaskReady signal) is grounded on the teacher's
// cmd/cie-style fsnotify watch loop together with internal/events/bus.go's
// channel-based publish/subscribe, generalized from "reindex the whole
// repo on any change" to "enqueue the specific task file that changed."
// The exactly-once claim is adapted from
// internal/governance/task_gate.go's per-agent busy-lock, generalized
// from a single global slot to one lock per task file (vaultfs already
// serializes per-filename; the claim step additionally records the
// claim in the checkpoint so a crash is recoverable). The overall
// owns-a-cancellation-token main loop is the "Ralph Wiggum Loop" spec
// §9 calls for.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskvault/vaultd/internal/approval"
	"github.com/taskvault/vaultd/internal/audit"
	"github.com/taskvault/vaultd/internal/checkpoint"
	"github.com/taskvault/vaultd/internal/guard"
	"github.com/taskvault/vaultd/internal/notify"
	"github.com/taskvault/vaultd/internal/priority"
	"github.com/taskvault/vaultd/internal/reasoning"
	"github.com/taskvault/vaultd/internal/retryloop"
	"github.com/taskvault/vaultd/internal/task"
	"github.com/taskvault/vaultd/internal/traceid"
	"github.com/taskvault/vaultd/internal/vaultfs"
)

// watchedFolders are the three folders whose contents can make a task
// ready to run, per spec §4.M.
var watchedFolders = []vaultfs.Folder{
	vaultfs.FolderInbox,
	vaultfs.FolderNeedsAction,
	vaultfs.FolderErrorQueue,
}

const debounce = 200 * time.Millisecond

// discoveryChannel is the notifier channel a TaskReady signal is
// broadcast on for sibling scheduler processes sharing the same vault
// over a network filesystem, where local fsnotify can't see a change
// another process made.
const discoveryChannel = "vaultd:discovery:ready"

// Config holds the scheduler's tunables, sourced from the operator's
// configuration file (component internal/config).
type Config struct {
	MaxConcurrentTasks int
	PollInterval       time.Duration
	ReasoningTimeout    time.Duration
	StopHookFilename    string
	ReasoningCommand     []string
	PriorityWeights      priority.Weights
	SenderPolicy         priority.SenderPolicy
	ApprovalRequirement  guard.ApprovalRequirement
	MaxIterations        int // 0 = unbounded
}

// DefaultConfig matches spec §4.M / §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 2,
		PollInterval:       30 * time.Second,
		ReasoningTimeout:   time.Hour,
		StopHookFilename:   ".stop_hook",
		PriorityWeights:    priority.DefaultWeights,
	}
}

// Scheduler wires every other component into the spec §4.M lifecycle.
type Scheduler struct {
	cfg         Config
	vault       *vaultfs.Vault
	checkpoints *checkpoint.Store
	log         *audit.Log
	reasoner    *reasoning.Invoker
	approvals   *approval.Store
	guard       *guard.Guard
	retry       *retryloop.Loop

	notifier *notify.Notifier

	sem       chan struct{}
	wg        sync.WaitGroup
	claimedMu sync.Mutex
	claimed   map[string]bool
}

// Option configures optional Scheduler behavior beyond New's required
// arguments.
type Option func(*Scheduler)

// WithNotifier wires an optional cross-process notifier: every
// TaskReady signal is also broadcast on it, and the discovery loop
// subscribes to react to a sibling process's broadcast the same way it
// reacts to its own fsnotify events. A nil notifier (the default)
// leaves discovery on fsnotify-plus-poll alone.
func WithNotifier(n *notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// New constructs a Scheduler from its already-opened dependent
// components.
func New(cfg Config, vault *vaultfs.Vault, checkpoints *checkpoint.Store, log *audit.Log,
	reasoner *reasoning.Invoker, approvals *approval.Store, g *guard.Guard, retry *retryloop.Loop, opts ...Option) *Scheduler {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 2
	}
	s := &Scheduler{
		cfg:         cfg,
		vault:       vault,
		checkpoints: checkpoints,
		log:         log,
		reasoner:    reasoner,
		approvals:   approvals,
		guard:       g,
		retry:       retry,
		sem:         make(chan struct{}, cfg.MaxConcurrentTasks),
		claimed:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run is the Ralph Wiggum Loop: it discovers ready tasks, dispatches
// them to workers bounded by MaxConcurrentTasks, honors the stop hook,
// and returns when ctx is cancelled and all workers have drained.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverCheckpoint(); err != nil {
		return fmt.Errorf("scheduler: checkpoint recovery: %w", err)
	}

	ready := make(chan string, 256)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go s.watch(watchCtx, ready)
	s.notifier.Subscribe(watchCtx, discoveryChannel, func(name string) {
		select {
		case ready <- name:
		default:
		}
	})

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	iterations := 0
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case name := <-ready:
			s.maybeDispatch(ctx, name)
		case <-ticker.C:
			iterations++
			s.pollOnce(ctx)
			s.updateLastPoll()
			if s.cfg.MaxIterations > 0 && iterations >= s.cfg.MaxIterations {
				s.wg.Wait()
				return nil
			}
		}
	}
}

// stopRequested reports whether the stop-hook sentinel file is present
// at the vault root.
func (s *Scheduler) stopRequested() bool {
	_, err := os.Stat(filepath.Join(s.vault.Root(), s.cfg.StopHookFilename))
	return err == nil
}

// watch runs an fsnotify watcher over the three discovery folders,
// debouncing bursts of filesystem events into individual TaskReady
// signals on ready.
func (s *Scheduler) watch(ctx context.Context, ready chan<- string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// No inotify available (e.g. sandboxed environment); the poll
		// fallback in Run's ticker still discovers tasks.
		return
	}
	defer watcher.Close()

	for _, folder := range watchedFolders {
		_ = watcher.Add(s.vault.Path(folder))
	}

	pending := map[string]*time.Timer{}
	var mu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := ev.Name
			mu.Lock()
			if t, exists := pending[name]; exists {
				t.Stop()
			}
			pending[name] = time.AfterFunc(debounce, func() {
				mu.Lock()
				delete(pending, name)
				mu.Unlock()
				base := filepath.Base(name)
				select {
				case ready <- base:
				default:
				}
				s.notifier.Publish(ctx, discoveryChannel, base)
			})
			mu.Unlock()
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// pollOnce is the safety-net sweep: it lists Needs_Action/ and any
// Error_Queue/ entries whose next_retry_at has elapsed, and dispatches
// whichever is highest priority among ready, unclaimed tasks.
func (s *Scheduler) pollOnce(ctx context.Context) {
	candidates := s.readyCandidates()
	for _, name := range candidates {
		s.maybeDispatch(ctx, name)
	}
}

type readyTask struct {
	name  string
	score float64
}

// readyCandidates scans Inbox/, Needs_Action/, and Error_Queue/ (the
// poll safety net for the fsnotify watch), converts overdue retry
// entries back to Needs_Action, and returns filenames ordered by
// descending priority score, per spec §4.M's priority queue.
func (s *Scheduler) readyCandidates() []string {
	var ranked []readyTask
	now := time.Now()

	if inboxNames, err := s.vault.List(vaultfs.FolderInbox); err == nil {
		for _, name := range inboxNames {
			if t, err := s.loadTask(vaultfs.FolderInbox, name); err == nil {
				ranked = append(ranked, readyTask{name, priority.Score(t, s.cfg.PriorityWeights, s.cfg.SenderPolicy, now)})
			}
		}
	}

	names, err := s.vault.List(vaultfs.FolderNeedsAction)
	if err == nil {
		for _, name := range names {
			if t, err := s.loadTask(vaultfs.FolderNeedsAction, name); err == nil {
				ranked = append(ranked, readyTask{name, priority.Score(t, s.cfg.PriorityWeights, s.cfg.SenderPolicy, now)})
			}
		}
	}

	queued, err := s.vault.List(vaultfs.FolderErrorQueue)
	if err == nil {
		for _, name := range queued {
			t, err := s.loadTask(vaultfs.FolderErrorQueue, name)
			if err != nil || !retryloop.ReadyForRetry(t, now) {
				continue
			}
			traceID := traceid.New()
			if err := s.writeAndTransition(context.Background(), t, vaultfs.FolderErrorQueue, vaultfs.FolderNeedsAction, "scheduler", traceID); err == nil {
				ranked = append(ranked, readyTask{name, priority.Score(t, s.cfg.PriorityWeights, s.cfg.SenderPolicy, now)})
			}
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.name)
	}
	return out
}

// writeAndTransition rewrites t's frontmatter with state=to and then
// performs the atomic rename, so the file sitting in the destination
// folder is never observed with a stale state field (spec §3, §4.I
// step 3). Mirrors retryloop.Loop's writeAndTransition.
func (s *Scheduler) writeAndTransition(ctx context.Context, t *task.Task, from, to vaultfs.Folder, actor, traceID string) error {
	t.State = string(to)
	data, err := t.Serialize()
	if err != nil {
		return fmt.Errorf("serialize task: %w", err)
	}
	filename := t.Filename()
	if err := s.vault.Write(from, filename, data); err != nil {
		return fmt.Errorf("write updated frontmatter: %w", err)
	}
	if err := s.vault.Transition(ctx, from, to, filename, actor, traceID); err != nil {
		return fmt.Errorf("transition: %w", err)
	}
	t.Path = filepath.Join(s.vault.Path(to), filename)
	return nil
}

func (s *Scheduler) loadTask(folder vaultfs.Folder, name string) (*task.Task, error) {
	data, err := s.vault.Read(folder, name)
	if err != nil {
		return nil, err
	}
	return task.Parse(data, filepath.Join(s.vault.Path(folder), name))
}

// maybeDispatch claims name (if it names a file currently sitting in
// Inbox/ or Needs_Action/ and isn't already claimed) and spawns a
// worker for it, bounded by the semaphore. Inbox arrivals are validated
// and promoted to Needs_Action before being worked, per component I's
// ownership of that transition.
func (s *Scheduler) maybeDispatch(ctx context.Context, name string) {
	if s.stopRequested() {
		return
	}
	if !s.tryClaim(name) {
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		s.claimedMu.Lock()
		delete(s.claimed, name)
		s.claimedMu.Unlock()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		defer s.release(name)
		s.runWorker(ctx, name)
	}()
}

func (s *Scheduler) tryClaim(name string) bool {
	s.claimedMu.Lock()
	defer s.claimedMu.Unlock()
	if s.claimed[name] {
		return false
	}
	s.claimed[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.claimedMu.Lock()
	delete(s.claimed, name)
	s.claimedMu.Unlock()
}

// runWorker executes spec §4.M's per-task lifecycle, steps 1-7.
func (s *Scheduler) runWorker(ctx context.Context, name string) {
	traceID := traceid.New()
	workerID := fmt.Sprintf("worker-%d", time.Now().UnixNano())

	folder := vaultfs.FolderNeedsAction
	if _, err := os.Stat(filepath.Join(s.vault.Path(vaultfs.FolderInbox), name)); err == nil {
		folder = vaultfs.FolderInbox
	}

	t, err := s.loadTask(folder, name)
	if err != nil {
		s.auditWorker("task.validation_failed", "", traceID, audit.OutcomeErr, err)
		return
	}

	if folder == vaultfs.FolderInbox {
		if err := s.writeAndTransition(ctx, t, vaultfs.FolderInbox, vaultfs.FolderNeedsAction, "scheduler", traceID); err != nil {
			return
		}
		folder = vaultfs.FolderNeedsAction
	}

	s.markInFlight(t.TaskID, "Plans", workerID)
	if err := s.writeAndTransition(ctx, t, folder, vaultfs.FolderPlans, "scheduler", traceID); err != nil {
		return
	}

	outcome, reasonErr := s.invokeReasoning(ctx, t, traceID)
	if reasonErr != nil {
		_, _ = s.retry.Run(ctx, t, vaultfs.FolderPlans, traceID, func(context.Context, *task.Task) error { return reasonErr })
		s.clearInFlight(t.TaskID)
		return
	}

	approvalFile := findApprovalFor(outcome.ProducedFiles)
	if approvalFile == "" {
		s.finishDirectExecution(ctx, t, traceID, workerID)
		return
	}
	s.finishWithApproval(ctx, t, approvalFile, traceID, workerID)
}

func (s *Scheduler) invokeReasoning(ctx context.Context, t *task.Task, traceID string) (reasoning.Result, error) {
	res, err := s.reasoner.Invoke(ctx, t.TaskID, t.Path, traceID, s.cfg.ReasoningTimeout)
	outcome := audit.OutcomeOK
	if err != nil {
		outcome = audit.OutcomeErr
	}
	s.auditWorker("reasoning.finished", t.TaskID, traceID, outcome, err)
	return res, err
}

// finishDirectExecution handles the S1 happy path: no approval was
// produced, so the action is auto-approved and run directly.
func (s *Scheduler) finishDirectExecution(ctx context.Context, t *task.Task, traceID, workerID string) {
	if err := s.writeAndTransition(ctx, t, vaultfs.FolderPlans, vaultfs.FolderApproved, "scheduler", traceID); err != nil {
		s.clearInFlight(t.TaskID)
		return
	}

	_, err := s.retry.Run(ctx, t, vaultfs.FolderApproved, traceID, func(c context.Context, tk *task.Task) error {
		_, execErr := s.guard.Execute(c, "default", "message", map[string]interface{}{"task_id": tk.TaskID}, "", nil)
		return execErr
	})
	if err != nil {
		s.clearInFlight(t.TaskID)
		return
	}
	if tErr := s.writeAndTransition(ctx, t, vaultfs.FolderApproved, vaultfs.FolderDone, "scheduler", traceID); tErr == nil {
		s.markCompleted(t.TaskID)
	}
}

// finishWithApproval handles S2/S3/S6: wait for a human decision (or
// expiry), then execute or escalate.
func (s *Scheduler) finishWithApproval(ctx context.Context, t *task.Task, approvalID, traceID, workerID string) {
	if err := s.writeAndTransition(ctx, t, vaultfs.FolderPlans, vaultfs.FolderPendingApproval, "scheduler", traceID); err != nil {
		s.clearInFlight(t.TaskID)
		return
	}

	status, err := s.approvals.Wait(ctx, approvalID, time.Second)
	if err != nil {
		s.clearInFlight(t.TaskID)
		return
	}

	switch status {
	case approval.StatusApproved:
		if tErr := s.writeAndTransition(ctx, t, vaultfs.FolderPendingApproval, vaultfs.FolderApproved, "scheduler", traceID); tErr != nil {
			s.clearInFlight(t.TaskID)
			return
		}

		a, loadErr := s.approvals.Get(approvalID)
		if loadErr != nil {
			s.clearInFlight(t.TaskID)
			return
		}
		driverName, payload := driverAndPayload(a.ActionPayload)

		_, execErr := s.retry.Run(ctx, t, vaultfs.FolderApproved, traceID, func(c context.Context, tk *task.Task) error {
			_, runErr := s.guard.Execute(c, driverName, a.ActionType, payload, approvalID, s.cfg.ApprovalRequirement)
			return runErr
		})
		if execErr != nil {
			s.clearInFlight(t.TaskID)
			return
		}
		if tErr := s.writeAndTransition(ctx, t, vaultfs.FolderApproved, vaultfs.FolderDone, "scheduler", traceID); tErr == nil {
			s.markCompleted(t.TaskID)
		}
	case approval.StatusRejected:
		_ = s.writeAndTransition(ctx, t, vaultfs.FolderPendingApproval, vaultfs.FolderRejected, "scheduler", traceID)
		s.clearInFlight(t.TaskID)
	case approval.StatusTimeout:
		_ = s.writeAndTransition(ctx, t, vaultfs.FolderPendingApproval, vaultfs.FolderNeedsHumanReview, "scheduler", traceID)
		s.clearInFlight(t.TaskID)
	default:
		s.clearInFlight(t.TaskID)
	}
}

// driverAndPayload pulls the driver name the reasoning stage embedded
// under the "driver" key, falling back to the action type, and strips
// it from the payload handed to the guard.
func driverAndPayload(payload map[string]interface{}) (string, map[string]interface{}) {
	out := make(map[string]interface{}, len(payload))
	driver := ""
	for k, v := range payload {
		if k == "driver" {
			if s, ok := v.(string); ok {
				driver = s
			}
			continue
		}
		out[k] = v
	}
	if driver == "" {
		driver = "default"
	}
	return driver, out
}

func findApprovalFor(produced []string) string {
	for _, p := range produced {
		if filepath.Dir(p) != "" && filepath.Base(filepath.Dir(p)) == string(vaultfs.FolderApprovals) {
			return approvalIDFromFilename(filepath.Base(p))
		}
	}
	return ""
}

func approvalIDFromFilename(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

func (s *Scheduler) markInFlight(taskID, state, workerID string) {
	if s.checkpoints == nil {
		return
	}
	cp, err := s.checkpoints.Load()
	if err != nil {
		return
	}
	cp.MarkInFlight(taskID, checkpoint.TaskInFlight{State: state, WorkerID: workerID, StartedAt: time.Now()})
	_ = s.checkpoints.Save(cp)
}

func (s *Scheduler) clearInFlight(taskID string) {
	if s.checkpoints == nil {
		return
	}
	cp, err := s.checkpoints.Load()
	if err != nil {
		return
	}
	cp.ClearInFlight(taskID)
	_ = s.checkpoints.Save(cp)
}

func (s *Scheduler) markCompleted(taskID string) {
	if s.checkpoints == nil {
		return
	}
	cp, err := s.checkpoints.Load()
	if err != nil {
		return
	}
	cp.ClearInFlight(taskID)
	cp.Counters.TasksCompleted++
	_ = s.checkpoints.Save(cp)
}

func (s *Scheduler) updateLastPoll() {
	if s.checkpoints == nil {
		return
	}
	cp, err := s.checkpoints.Load()
	if err != nil {
		return
	}
	cp.LastPoll = time.Now()
	_ = s.checkpoints.Save(cp)
}

// recoverCheckpoint converts stale in-flight entries (from a crashed
// prior run) back to Needs_Action, per spec §4.M's crash-recovery
// guarantee.
func (s *Scheduler) recoverCheckpoint() error {
	if s.checkpoints == nil {
		return nil
	}
	cp, err := s.checkpoints.Load()
	if err != nil {
		return err
	}
	stale := cp.StaleInFlight(time.Now(), 2*s.cfg.ReasoningTimeout)
	for _, taskID := range stale {
		cp.ClearInFlight(taskID)
		s.auditWorker("task.recovered_from_crash", taskID, traceid.New(), audit.OutcomeOK, nil)
	}
	return s.checkpoints.Save(cp)
}

func (s *Scheduler) auditWorker(eventType, taskID, traceID string, outcome audit.Outcome, cause error) {
	if s.log == nil {
		return
	}
	ctxMap := map[string]interface{}{}
	if cause != nil {
		ctxMap["error"] = cause.Error()
	}
	_ = s.log.Append(audit.Event{
		EventType:       eventType,
		Actor:           "scheduler",
		TraceID:         traceID,
		TaskID:          taskID,
		Outcome:         outcome,
		RedactedContext: ctxMap,
	})
}
