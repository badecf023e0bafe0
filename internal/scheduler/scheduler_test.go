package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskvault/vaultd/internal/approval"
	"github.com/taskvault/vaultd/internal/breaker"
	"github.com/taskvault/vaultd/internal/checkpoint"
	"github.com/taskvault/vaultd/internal/driververify"
	"github.com/taskvault/vaultd/internal/guard"
	"github.com/taskvault/vaultd/internal/ratelimit"
	"github.com/taskvault/vaultd/internal/reasoning"
	"github.com/taskvault/vaultd/internal/retryloop"
	"github.com/taskvault/vaultd/internal/secrets"
	"github.com/taskvault/vaultd/internal/task"
	"github.com/taskvault/vaultd/internal/vaultfs"
)

type testEnv struct {
	dir   string
	vault *vaultfs.Vault
	sched *Scheduler
}

func writeDriverScript(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "driver.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\ncat > /dev/null\necho '{\"ok\":true}'\n"), 0o755))
	return path
}

func newTestEnv(t *testing.T, reasoningBody string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	v := vaultfs.Open(dir, nil)
	require.NoError(t, v.Init())

	driverPath := writeDriverScript(t, dir)
	registry := driververify.Open(filepath.Join(dir, ".trust-registry.json"), nil)
	data, err := os.ReadFile(driverPath)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	require.NoError(t, registry.Register("default", hex.EncodeToString(sum[:]), "local"))

	approvals := approval.Open(v, nil, approval.ApproverPolicy{"payment": {"*"}}, nil, filepath.Join(dir, ".nonce-registry.json"))
	g := guard.New(registry, ratelimit.New(ratelimit.Policy{RatePerSecond: 100, Burst: 100}),
		breaker.NewManager(nil, nil), secrets.New(), approvals, nil,
		func(string) (string, error) { return driverPath, nil })

	reasonScript := filepath.Join(dir, "reason.sh")
	require.NoError(t, os.WriteFile(reasonScript, []byte("#!/bin/sh\n"+reasoningBody), 0o755))
	reasoner := reasoning.New([]string{reasonScript}, dir, filepath.Join(dir, "Logs"))

	cps := checkpoint.Open(filepath.Join(dir, ".checkpoint.json"))
	retry := retryloop.New(v, cps, nil)

	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ReasoningTimeout = 2 * time.Second
	cfg.MaxIterations = 5

	sched := New(cfg, v, cps, nil, reasoner, approvals, g, retry)
	return &testEnv{dir: dir, vault: v, sched: sched}
}

func seedInboxTask(t *testing.T, v *vaultfs.Vault, id string) {
	t.Helper()
	tk := &task.Task{
		Frontmatter: task.Frontmatter{
			TaskID:    id,
			Source:    task.SourceFilesystem,
			Subject:   "x",
			Priority:  task.PriorityMedium,
			CreatedAt: time.Now(),
			State:     string(vaultfs.FolderInbox),
		},
		Body: "body",
	}
	data, err := tk.Serialize()
	require.NoError(t, err)
	require.NoError(t, v.Write(vaultfs.FolderInbox, id+".md", data))
}

func TestRunDrivesTaskToDoneWithNoApproval(t *testing.T) {
	env := newTestEnv(t, "exit 0\n")
	seedInboxTask(t, env.vault, "task-1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, env.sched.Run(ctx))

	entries, err := env.vault.List(vaultfs.FolderDone)
	require.NoError(t, err)
	assert.Contains(t, entries, "task-1.md")

	data, err := env.vault.Read(vaultfs.FolderDone, "task-1.md")
	require.NoError(t, err)
	parsed, err := task.Parse(data, filepath.Join(env.vault.Path(vaultfs.FolderDone), "task-1.md"))
	require.NoError(t, err)
	assert.Equal(t, string(vaultfs.FolderDone), parsed.State)
}

func TestRunRoutesReasoningCrashThroughRetryloop(t *testing.T) {
	env := newTestEnv(t, "exit 1\n")
	seedInboxTask(t, env.vault, "task-2")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, env.sched.Run(ctx))

	entries, err := env.vault.List(vaultfs.FolderErrorQueue)
	require.NoError(t, err)
	assert.Contains(t, entries, "task-2.md")

	data, err := env.vault.Read(vaultfs.FolderErrorQueue, "task-2.md")
	require.NoError(t, err)
	parsed, err := task.Parse(data, filepath.Join(env.vault.Path(vaultfs.FolderErrorQueue), "task-2.md"))
	require.NoError(t, err)
	assert.Equal(t, string(vaultfs.FolderErrorQueue), parsed.State)
}

func TestStopHookPausesDispatch(t *testing.T) {
	env := newTestEnv(t, "exit 0\n")
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, ".stop_hook"), []byte(""), 0o644))
	seedInboxTask(t, env.vault, "task-3")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = env.sched.Run(ctx)

	entries, err := env.vault.List(vaultfs.FolderInbox)
	require.NoError(t, err)
	assert.Contains(t, entries, "task-3.md")
}

func TestDriverAndPayloadExtractsDriverKey(t *testing.T) {
	driver, payload := driverAndPayload(map[string]interface{}{"driver": "mail-sender", "to": "x@example.com"})
	assert.Equal(t, "mail-sender", driver)
	assert.Equal(t, map[string]interface{}{"to": "x@example.com"}, payload)
}

func TestDriverAndPayloadDefaultsWhenMissing(t *testing.T) {
	driver, _ := driverAndPayload(map[string]interface{}{"to": "x"})
	assert.Equal(t, "default", driver)
}

func TestReadyCandidatesOrdersByPriority(t *testing.T) {
	env := newTestEnv(t, "exit 0\n")
	now := time.Now()
	for i, subj := range []string{"LOW priority thing", "URGENT wire transfer"} {
		tk := &task.Task{
			Frontmatter: task.Frontmatter{
				TaskID:    fmt.Sprintf("t-%d", i),
				Source:    task.SourceFilesystem,
				Subject:   subj,
				Priority:  task.PriorityLow,
				CreatedAt: now,
				State:     string(vaultfs.FolderNeedsAction),
			},
		}
		data, err := tk.Serialize()
		require.NoError(t, err)
		require.NoError(t, env.vault.Write(vaultfs.FolderNeedsAction, tk.TaskID+".md", data))
	}

	names := env.sched.readyCandidates()
	require.Len(t, names, 2)
	assert.Equal(t, "t-1.md", names[0])
}

func TestWithNotifierNilOptionLeavesDiscoveryOnPollOnly(t *testing.T) {
	env := newTestEnv(t, "exit 0\n")
	sched := New(env.sched.cfg, env.vault, env.sched.checkpoints, env.sched.log,
		env.sched.reasoner, env.sched.approvals, env.sched.guard, env.sched.retry, WithNotifier(nil))
	assert.Nil(t, sched.notifier)

	seedInboxTask(t, env.vault, "task-notify")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sched.Run(ctx))

	entries, err := env.vault.List(vaultfs.FolderDone)
	require.NoError(t, err)
	assert.Contains(t, entries, "task-notify.md")
}
