package terminal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workhorse/workhorse/internal/common/apperr"
	"github.com/workhorse/workhorse/internal/common/config"
	"github.com/workhorse/workhorse/internal/common/logger"
	"github.com/workhorse/workhorse/internal/process"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	runner := process.NewRunner(log, 0, 500*time.Millisecond)
	cfg := config.TerminalConfig{MaxSessions: 10, MaxHistory: 1000}
	return NewManager(runner, nil, cfg, log)
}

func startedSession(t *testing.T, m *Manager) Session {
	t.Helper()
	sess, err := m.Create("", t.TempDir(), nil)
	require.NoError(t, err)
	started, err := m.Start(context.Background(), sess.ID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background(), sess.ID) })
	return started
}

func TestManager_CreateAndStart(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.Create("build shell", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, sess.Status)
	assert.Equal(t, "build shell", sess.Name)
	assert.Nil(t, sess.StartedAt)

	started, err := m.Start(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, started.Status)
	assert.NotNil(t, started.StartedAt)

	require.NoError(t, m.Close(context.Background(), sess.ID))
}

func TestManager_StartTwiceConflicts(t *testing.T) {
	m := newTestManager(t)
	sess := startedSession(t, m)

	_, err := m.Start(context.Background(), sess.ID)
	assert.True(t, apperr.IsStateConflict(err))
}

func TestManager_SessionLimit(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	runner := process.NewRunner(log, 0, 500*time.Millisecond)
	m := NewManager(runner, nil, config.TerminalConfig{MaxSessions: 2, MaxHistory: 100}, log)

	_, err = m.Create("", "", nil)
	require.NoError(t, err)
	_, err = m.Create("", "", nil)
	require.NoError(t, err)

	_, err = m.Create("", "", nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestManager_SendCommandOrdering(t *testing.T) {
	m := newTestManager(t)
	sess := startedSession(t, m)
	ctx := context.Background()

	require.NoError(t, m.SendCommand(ctx, sess.ID, "echo a"))
	require.NoError(t, m.SendCommand(ctx, sess.ID, "echo b"))

	output, err := m.GetOutput(sess.ID)
	require.NoError(t, err)

	// Expected interleaving: Command(echo a), Stdout(a), Command(echo b), Stdout(b).
	var seq []string
	for _, entry := range output {
		switch entry.Type {
		case OutputCommand:
			seq = append(seq, "cmd:"+entry.Content)
		case OutputStdout:
			seq = append(seq, "out:"+entry.Content)
		}
	}
	assert.Equal(t, []string{"cmd:echo a", "out:a", "cmd:echo b", "out:b"}, seq)
}

func TestManager_OutputEntriesCarryCommandID(t *testing.T) {
	m := newTestManager(t)
	sess := startedSession(t, m)

	require.NoError(t, m.SendCommand(context.Background(), sess.ID, "echo tagged"))

	output, err := m.GetOutput(sess.ID)
	require.NoError(t, err)

	var cmdID string
	for _, entry := range output {
		if entry.Type == OutputCommand {
			cmdID = entry.CommandID
		}
	}
	require.NotEmpty(t, cmdID)

	found := false
	for _, entry := range output {
		if entry.Type == OutputStdout && entry.Content == "tagged" {
			found = true
			assert.Equal(t, cmdID, entry.CommandID)
		}
	}
	assert.True(t, found, "stdout entry for command not found: %+v", output)
}

func TestManager_SendCommandStderr(t *testing.T) {
	m := newTestManager(t)
	sess := startedSession(t, m)

	require.NoError(t, m.SendCommand(context.Background(), sess.ID, "echo oops 1>&2"))

	// Stderr is drained independently; give it a moment to arrive.
	require.Eventually(t, func() bool {
		output, err := m.GetOutput(sess.ID)
		if err != nil {
			return false
		}
		for _, entry := range output {
			if entry.Type == OutputStderr && strings.Contains(entry.Content, "oops") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_SendCommandRequiresRunning(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.Create("", "", nil)
	require.NoError(t, err)

	err = m.SendCommand(context.Background(), sess.ID, "echo x")
	assert.True(t, apperr.IsStateConflict(err))
}

func TestManager_SendCommandUnknownSession(t *testing.T) {
	m := newTestManager(t)
	err := m.SendCommand(context.Background(), "missing", "echo x")
	assert.True(t, apperr.IsNotFound(err))
}

func TestManager_CommandCountAndTimestamps(t *testing.T) {
	m := newTestManager(t)
	sess := startedSession(t, m)
	ctx := context.Background()

	require.NoError(t, m.SendCommand(ctx, sess.ID, "true"))
	require.NoError(t, m.SendCommand(ctx, sess.ID, "true"))

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CommandCount)
	assert.NotNil(t, got.LastCommandAt)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	sess := startedSession(t, m)
	ctx := context.Background()

	require.NoError(t, m.Close(ctx, sess.ID))

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)

	// Second close is a no-op.
	require.NoError(t, m.Close(ctx, sess.ID))
}

func TestManager_AbnormalExitFlipsToError(t *testing.T) {
	m := newTestManager(t)
	sess := startedSession(t, m)

	require.NoError(t, m.SendCommand(context.Background(), sess.ID, "exit 7"))

	require.Eventually(t, func() bool {
		got, err := m.Get(sess.ID)
		return err == nil && got.Status == StatusError
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_CleanExitFlipsToClosed(t *testing.T) {
	m := newTestManager(t)
	sess := startedSession(t, m)

	require.NoError(t, m.SendCommand(context.Background(), sess.ID, "exit 0"))

	require.Eventually(t, func() bool {
		got, err := m.Get(sess.ID)
		return err == nil && got.Status == StatusClosed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_CleanupClosed(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	open := startedSession(t, m)

	done, err := m.Create("", t.TempDir(), nil)
	require.NoError(t, err)
	_, err = m.Start(ctx, done.ID)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, done.ID))

	removed := m.CleanupClosed()
	assert.Equal(t, 1, removed)

	_, err = m.Get(done.ID)
	assert.True(t, apperr.IsNotFound(err))
	_, err = m.Get(open.ID)
	assert.NoError(t, err)
}

func TestManager_SetName(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.Create("old", "", nil)
	require.NoError(t, err)
	require.NoError(t, m.SetName(sess.ID, "new"))

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)
	assert.Equal(t, StatusCreated, got.Status)
}

func TestManager_ExecuteSingleCommand(t *testing.T) {
	m := newTestManager(t)

	out, err := m.ExecuteSingleCommand(context.Background(), "echo", []string{"one", "shot"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, OutputStdout, out.Type)
	assert.Contains(t, out.Content, "one shot")
}

func TestManager_ExecuteSingleCommand_Failure(t *testing.T) {
	m := newTestManager(t)

	_, err := m.ExecuteSingleCommand(context.Background(), "sh -c 'echo bad 1>&2; exit 2'", nil, "", nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindProcessRuntime))
}

func TestManager_ExecuteSingleCommand_SpawnFailure(t *testing.T) {
	m := newTestManager(t)

	_, err := m.ExecuteSingleCommand(context.Background(), "/no/such/bin", []string{"x"}, "", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindProcessSpawn))
}

func TestSession_HistoryCapAppendsMarker(t *testing.T) {
	s := &session{
		info:       Session{ID: "s"},
		maxHistory: 5,
	}
	for i := 0; i < 10; i++ {
		s.appendOutput(Output{Type: OutputStdout, Content: "line"})
	}

	out := s.outputSnapshot()
	require.Len(t, out, 5)
	assert.Equal(t, OutputSystemMessage, out[0].Type)
	assert.Equal(t, historyTruncatedMessage, out[0].Content)
}

func TestManager_CloseReleasesQueuedCommand(t *testing.T) {
	m := newTestManager(t)
	sess := startedSession(t, m)
	ctx := context.Background()

	// Occupy the worker so the next command stays queued.
	first := make(chan error, 1)
	go func() { first <- m.SendCommand(ctx, sess.ID, "sleep 10") }()

	// Give the worker time to pick up the blocking command.
	require.Eventually(t, func() bool {
		got, err := m.Get(sess.ID)
		return err == nil && got.CommandCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	queued := make(chan error, 1)
	go func() { queued <- m.SendCommand(ctx, sess.ID, "echo queued") }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Close(ctx, sess.ID))

	select {
	case err := <-queued:
		assert.True(t, apperr.IsStateConflict(err))
	case <-time.After(2 * time.Second):
		t.Fatal("queued command still blocked after session close")
	}

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("running command still blocked after session close")
	}
}
