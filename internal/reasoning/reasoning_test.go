package reasoning

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskvault/vaultd/internal/errs"
)

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "reason.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestInvokeHappyPathCapturesOutput(t *testing.T) {
	root := t.TempDir()
	script := writeScript(t, root, `echo "out line"; echo "err line" 1>&2; exit 0`)
	inv := New([]string{script}, root, filepath.Join(root, "logs"))

	res, err := inv.Invoke(context.Background(), "task-1", filepath.Join(root, "task.md"), "trace-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Contains(t, res.Stdout, "out line")
	assert.Contains(t, res.Stderr, "err line")
	assert.Equal(t, 0, res.ExitCode)
}

func TestInvokeWritesPerTaskLogFile(t *testing.T) {
	root := t.TempDir()
	logDir := filepath.Join(root, "logs")
	script := writeScript(t, root, `echo "hello"`)
	inv := New([]string{script}, root, logDir)

	_, err := inv.Invoke(context.Background(), "task-42", filepath.Join(root, "task.md"), "trace-2", time.Second)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(logDir, "task-42.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestInvokeReturnsCrashedOnNonZeroExit(t *testing.T) {
	root := t.TempDir()
	script := writeScript(t, root, `echo "bad" 1>&2; exit 7`)
	inv := New([]string{script}, root, filepath.Join(root, "logs"))

	res, err := inv.Invoke(context.Background(), "task-3", filepath.Join(root, "task.md"), "trace-3", time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrReasoningCrashed))
	assert.Equal(t, StatusCrashed, res.Status)
	assert.Equal(t, 7, res.ExitCode)
}

func TestInvokeReturnsTimeoutAndKillsProcess(t *testing.T) {
	root := t.TempDir()
	script := writeScript(t, root, `trap '' TERM; sleep 30`)
	inv := New([]string{script}, root, filepath.Join(root, "logs"))
	inv.GracePeriod = 50 * time.Millisecond

	start := time.Now()
	res, err := inv.Invoke(context.Background(), "task-4", filepath.Join(root, "task.md"), "trace-4", 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrReasoningTimeout))
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Less(t, elapsed, 2*time.Second, "SIGKILL must reclaim a SIGTERM-ignoring process within the grace period")
}

func TestInvokeDiscoversProducedFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Plans"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Approvals"), 0o755))

	planPath := filepath.Join(root, "Plans", "plan-1.md")
	require.NoError(t, os.WriteFile(planPath, []byte("---\ntask_id: task-5\n---\nbody"), 0o644))
	otherPath := filepath.Join(root, "Plans", "plan-2.md")
	require.NoError(t, os.WriteFile(otherPath, []byte("---\ntask_id: task-999\n---\nbody"), 0o644))

	script := writeScript(t, root, `exit 0`)
	inv := New([]string{script}, root, filepath.Join(root, "logs"))

	res, err := inv.Invoke(context.Background(), "task-5", filepath.Join(root, "task.md"), "trace-5", time.Second)
	require.NoError(t, err)
	require.Len(t, res.ProducedFiles, 1)
	assert.Equal(t, planPath, res.ProducedFiles[0])
}

func TestInvokeRejectsEmptyCommand(t *testing.T) {
	inv := New(nil, t.TempDir(), t.TempDir())
	_, err := inv.Invoke(context.Background(), "task-6", "task.md", "trace-6", time.Second)
	assert.Error(t, err)
}
