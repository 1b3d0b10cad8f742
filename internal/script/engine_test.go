package script

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workhorse/workhorse/internal/common/apperr"
	"github.com/workhorse/workhorse/internal/common/logger"
	"github.com/workhorse/workhorse/internal/process"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	runner := process.NewRunner(log, 0, 500*time.Millisecond)
	return NewEngine(runner, nil, log)
}

func TestEngine_CreateIsPending(t *testing.T) {
	e := newTestEngine(t)

	exec, err := e.Create("echo hi", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, StatusPending, exec.Status)
	assert.Nil(t, exec.StartedAt)
	assert.Nil(t, exec.CompletedAt)
}

func TestEngine_CreateRequiresScript(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Create("", "", nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestEngine_ExecuteSuccess(t *testing.T) {
	e := newTestEngine(t)

	exec, err := e.Create("echo hello", "", nil)
	require.NoError(t, err)

	result, err := e.Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
	assert.Contains(t, result.Stdout, "hello")
	assert.NotNil(t, result.StartedAt)
	assert.NotNil(t, result.CompletedAt)
}

func TestEngine_ExecuteNonZeroExit(t *testing.T) {
	e := newTestEngine(t)

	exec, err := e.Create("echo hello; exit 3", "", nil)
	require.NoError(t, err)

	result, err := e.Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 3, *result.ExitCode)
	assert.Contains(t, result.Stdout, "hello")
	assert.NotNil(t, result.CompletedAt)
}

func TestEngine_ExecuteUnknownID(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Execute(context.Background(), "no-such-id")
	assert.True(t, apperr.IsNotFound(err))
}

func TestEngine_ExecuteTwiceConflicts(t *testing.T) {
	e := newTestEngine(t)

	exec, err := e.Create("true", "", nil)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), exec.ID)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), exec.ID)
	assert.True(t, apperr.IsStateConflict(err))
}

func TestEngine_TerminalStateIsFinal(t *testing.T) {
	e := newTestEngine(t)

	exec, err := e.Create("true", "", nil)
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), exec.ID)
	require.NoError(t, err)

	status, err := e.Status(exec.ID)
	require.NoError(t, err)
	assert.True(t, status.Status.IsTerminal())
	assert.NotNil(t, status.CompletedAt)

	// No further transition is possible.
	err = e.Cancel(context.Background(), exec.ID)
	assert.True(t, apperr.IsStateConflict(err))
}

func TestEngine_SpawnFailureIsFailed(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	runner := process.NewRunner(log, 0, 500*time.Millisecond)
	e := NewEngine(runner, nil, log)

	exec, err := e.Create("anything", t.TempDir()+"/does-not-exist", nil)
	require.NoError(t, err)

	result, err := e.Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.NotEmpty(t, result.Stderr)
	assert.NotNil(t, result.CompletedAt)
}

func TestEngine_CancelRunning(t *testing.T) {
	e := newTestEngine(t)

	exec, err := e.Create("sleep 30", "", nil)
	require.NoError(t, err)

	done := make(chan Execution, 1)
	go func() {
		result, _ := e.Execute(context.Background(), exec.ID)
		done <- result
	}()

	// Wait until the execution reports Running.
	require.Eventually(t, func() bool {
		status, err := e.Status(exec.ID)
		return err == nil && status.Status == StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Cancel(context.Background(), exec.ID))

	select {
	case result := <-done:
		assert.Equal(t, StatusCancelled, result.Status)
		assert.NotNil(t, result.CompletedAt)
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after Cancel")
	}
}

func TestEngine_CancelPendingConflicts(t *testing.T) {
	e := newTestEngine(t)

	exec, err := e.Create("true", "", nil)
	require.NoError(t, err)

	err = e.Cancel(context.Background(), exec.ID)
	assert.True(t, apperr.IsStateConflict(err))
}

func TestEngine_CancelUnknownID(t *testing.T) {
	e := newTestEngine(t)
	err := e.Cancel(context.Background(), "missing")
	assert.True(t, apperr.IsNotFound(err))
}

func TestEngine_ListAll(t *testing.T) {
	e := newTestEngine(t)

	first, err := e.Create("echo 1", "", nil)
	require.NoError(t, err)
	_, err = e.Create("echo 2", "", nil)
	require.NoError(t, err)

	all := e.ListAll()
	assert.Len(t, all, 2)

	_, err = e.Execute(context.Background(), first.ID)
	require.NoError(t, err)

	all = e.ListAll()
	assert.Len(t, all, 2)
}

func TestEngine_CleanupKeepsMostRecent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		exec, err := e.Create("true", "", nil)
		require.NoError(t, err)
		_, err = e.Execute(ctx, exec.ID)
		require.NoError(t, err)
		ids = append(ids, exec.ID)
		time.Sleep(5 * time.Millisecond)
	}

	// One pending execution must survive any cleanup.
	pending, err := e.Create("true", "", nil)
	require.NoError(t, err)

	removed := e.Cleanup(1)
	assert.Equal(t, 2, removed)

	// Most recently completed terminal execution survives.
	_, err = e.Status(ids[2])
	assert.NoError(t, err)
	_, err = e.Status(ids[0])
	assert.True(t, apperr.IsNotFound(err))

	_, err = e.Status(pending.ID)
	assert.NoError(t, err)
}

func TestEngine_StdoutTruncation(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	runner := process.NewRunner(log, 64, 500*time.Millisecond)
	e := NewEngine(runner, nil, log)

	exec, err := e.Create("yes x | head -c 4096", "", nil)
	require.NoError(t, err)

	result, err := e.Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(result.Stdout, process.TruncationMarker),
		"expected truncation marker, got %q", result.Stdout)
}

func TestEngine_CancelDuringStartupStopsProcess(t *testing.T) {
	e := newTestEngine(t)

	exec, err := e.Create("sleep 30", "", nil)
	require.NoError(t, err)

	done := make(chan Execution, 1)
	go func() {
		result, _ := e.Execute(context.Background(), exec.ID)
		done <- result
	}()

	// Fire the cancel the moment the status flips to Running, racing the
	// spawn itself. Whichever side wins, the process must not run out its
	// full sleep.
	require.Eventually(t, func() bool {
		return e.Cancel(context.Background(), exec.ID) == nil
	}, 5*time.Second, time.Millisecond)

	select {
	case result := <-done:
		assert.Equal(t, StatusCancelled, result.Status)
		assert.NotNil(t, result.CompletedAt)
	case <-time.After(10 * time.Second):
		t.Fatal("Execute kept running after an early cancel")
	}
}
