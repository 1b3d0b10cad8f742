// Package terminal manages long-lived interactive shell sessions with
// strictly ordered command execution and an append-only output log.
package terminal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/workhorse/workhorse/internal/common/apperr"
	"github.com/workhorse/workhorse/internal/common/config"
	"github.com/workhorse/workhorse/internal/common/logger"
	"github.com/workhorse/workhorse/internal/events/bus"
	"github.com/workhorse/workhorse/internal/process"
)

// commandQueueSize bounds how many commands may be queued per session
// before SendCommand blocks.
const commandQueueSize = 64

// Manager owns the registry of terminal sessions. Commands within one
// session run strictly in submission order; sessions are independent.
type Manager struct {
	logger *logger.Logger
	runner *process.Runner
	events bus.EventBus // optional
	cfg    config.TerminalConfig

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewManager creates a terminal session manager. events may be nil.
func NewManager(runner *process.Runner, events bus.EventBus, cfg config.TerminalConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		logger:   log.WithFields(zap.String("component", "terminal-manager")),
		runner:   runner,
		events:   events,
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// Create allocates a session in Created state. No process is spawned yet.
func (m *Manager) Create(name, workingDir string, env map[string]string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, s := range m.sessions {
		status := s.snapshot().Status
		if status == StatusCreated || status == StatusRunning {
			active++
		}
	}
	if m.cfg.MaxSessions > 0 && active >= m.cfg.MaxSessions {
		return Session{}, apperr.Validation("maximum number of terminal sessions reached (%d)", m.cfg.MaxSessions)
	}

	s := &session{
		info: Session{
			ID:         uuid.New().String(),
			Name:       name,
			WorkingDir: workingDir,
			Env:        env,
			Status:     StatusCreated,
			CreatedAt:  time.Now().UTC(),
		},
		maxHistory: m.cfg.MaxHistory,
		queue:      make(chan queuedCommand, commandQueueSize),
		closed:     make(chan struct{}),
		markerSeen: make(chan struct{}, 1),
	}
	m.sessions[s.info.ID] = s

	m.logger.Info("terminal session created",
		zap.String("session_id", s.info.ID),
		zap.String("working_dir", workingDir))
	m.publish(bus.SubjectTerminalCreated, s.info.ID)

	return s.snapshot(), nil
}

// Start spawns the session's persistent shell and begins consuming the
// command queue. Requires Created.
func (m *Manager) Start(ctx context.Context, id string) (Session, error) {
	s, err := m.get(id)
	if err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	if s.info.Status != StatusCreated {
		status := s.info.Status
		s.mu.Unlock()
		return Session{}, apperr.StateConflict("session %s is %s, expected created", id, status)
	}
	workingDir := s.info.WorkingDir
	env := s.info.Env
	s.mu.Unlock()

	proc, spawnErr := m.runner.Spawn(ctx, process.SpawnRequest{
		Command:        "sh",
		Args:           []string{"-s"},
		WorkingDir:     workingDir,
		Env:            env,
		Interactive:    true,
		BufferMaxBytes: m.cfg.BufferMaxBytes,
		OnOutput: func(stream process.Stream, data string) {
			if stream == process.StreamStdout {
				s.handleStdout(data)
			} else {
				s.handleStderr(data)
			}
			m.publish(bus.SubjectTerminalOutput, id)
		},
	})
	if spawnErr != nil {
		return Session{}, apperr.ProcessSpawn("failed to start terminal shell", spawnErr)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.proc = proc
	s.info.Status = StatusRunning
	s.info.StartedAt = &now
	s.mu.Unlock()

	s.appendOutput(Output{
		Timestamp: now,
		Type:      OutputSystemMessage,
		Content:   "session started",
	})

	go m.consumeQueue(s)
	go m.watchExit(s)

	m.logger.Info("terminal session started",
		zap.String("session_id", id),
		zap.Int("pid", proc.Pid()))

	return s.snapshot(), nil
}

// SendCommand queues a command on a Running session and returns once that
// command's output has been recorded. Commands are executed strictly in
// submission order; a command submitted while another runs waits its turn.
func (m *Manager) SendCommand(ctx context.Context, id, command string) error {
	if command == "" {
		return apperr.Validation("command is required")
	}

	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.info.Status != StatusRunning {
		status := s.info.Status
		s.mu.Unlock()
		return apperr.StateConflict("session %s is %s, expected running", id, status)
	}
	s.mu.Unlock()

	qc := queuedCommand{command: command, done: make(chan struct{})}
	select {
	case s.queue <- qc:
	case <-s.closed:
		return apperr.StateConflict("session %s is closed", id)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-qc.done:
		return nil
	case <-s.closed:
		return apperr.StateConflict("session %s closed before the command completed", id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consumeQueue is the per-session worker giving strict FIFO command
// ordering. Each command's Command entry is appended before the command is
// forwarded, and its completion marker is awaited before the next command
// starts.
func (m *Manager) consumeQueue(s *session) {
	for {
		select {
		case <-s.closed:
			s.drainQueue()
			return
		case qc := <-s.queue:
			m.runQueuedCommand(s, qc)
		}
	}
}

func (m *Manager) runQueuedCommand(s *session, qc queuedCommand) {
	defer close(qc.done)

	cmdID := uuid.New().String()
	marker := "__WORKHORSE_DONE_" + cmdID + "__"
	now := time.Now().UTC()

	// Discard a stale completion signal left by an interrupted command.
	select {
	case <-s.markerSeen:
	default:
	}

	s.mu.Lock()
	s.currentCommandID = cmdID
	s.currentMarker = marker
	s.info.CommandCount++
	s.info.LastCommandAt = &now
	proc := s.proc
	s.appendOutputLocked(Output{
		Timestamp: now,
		Type:      OutputCommand,
		Content:   qc.command,
		CommandID: cmdID,
	})
	s.mu.Unlock()

	m.publish(bus.SubjectTerminalOutput, s.snapshot().ID)

	// The marker line tells us the shell finished this command, so the
	// next queued command never interleaves.
	payload := qc.command + "\nprintf '%s\\n' '" + marker + "'\n"
	if err := proc.Write(payload); err != nil {
		s.appendOutput(Output{
			Timestamp: time.Now().UTC(),
			Type:      OutputSystemMessage,
			Content:   fmt.Sprintf("failed to forward command: %v", err),
			CommandID: cmdID,
		})
		return
	}

	select {
	case <-s.markerSeen:
	case <-proc.Done():
	case <-s.closed:
	}

	s.mu.Lock()
	s.currentCommandID = ""
	s.currentMarker = ""
	s.mu.Unlock()
}

// ExecuteSingleCommand runs a one-shot command to completion without
// creating a session and returns its captured output.
func (m *Manager) ExecuteSingleCommand(ctx context.Context, command string, args []string, workingDir string, env map[string]string) (Output, error) {
	if command == "" {
		return Output{}, apperr.Validation("command is required")
	}

	proc, err := m.runner.Spawn(ctx, process.SpawnRequest{
		Command:        command,
		Args:           args,
		WorkingDir:     workingDir,
		Env:            env,
		BufferMaxBytes: m.cfg.BufferMaxBytes,
	})
	if err != nil {
		return Output{}, apperr.ProcessSpawn("failed to spawn command", err)
	}

	exitCode, err := proc.Wait(ctx)
	if err != nil {
		proc.Stop(context.Background())
		return Output{}, err
	}
	if exitCode != 0 {
		return Output{}, apperr.ProcessRuntime(proc.Stderr(), exitCode, nil)
	}

	return Output{
		Timestamp: time.Now().UTC(),
		Type:      OutputStdout,
		Content:   proc.Stdout(),
	}, nil
}

// GetOutput returns the session's full ordered output log.
func (m *Manager) GetOutput(id string) ([]Output, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.outputSnapshot(), nil
}

// GetHistory is a view over the same append-only log as GetOutput.
func (m *Manager) GetHistory(id string) ([]Output, error) {
	return m.GetOutput(id)
}

// Get returns a session snapshot.
func (m *Manager) Get(id string) (Session, error) {
	s, err := m.get(id)
	if err != nil {
		return Session{}, err
	}
	return s.snapshot(), nil
}

// List returns all tracked sessions, oldest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	result := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, s.snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// SetName renames a session without affecting its state.
func (m *Manager) SetName(id, name string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.info.Name = name
	s.mu.Unlock()
	return nil
}

// Close terminates the session's process if running and marks it Closed.
// Idempotent on an already-closed session.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	status := s.info.Status
	if status == StatusClosed || status == StatusError {
		s.mu.Unlock()
		return nil
	}
	s.info.Status = StatusClosed
	proc := s.proc
	s.mu.Unlock()

	s.markClosed()

	if proc != nil {
		proc.Stop(ctx)
	}
	s.flushPendingStdout()
	s.appendOutput(Output{
		Timestamp: time.Now().UTC(),
		Type:      OutputSystemMessage,
		Content:   "session closed",
	})

	m.logger.Info("terminal session closed", zap.String("session_id", id))
	m.publish(bus.SubjectTerminalClosed, id)
	return nil
}

// CleanupClosed purges Closed and Error sessions from the registry, along
// with their history. Returns the number of purged sessions.
func (m *Manager) CleanupClosed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		status := s.snapshot().Status
		if status == StatusClosed || status == StatusError {
			delete(m.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Debug("purged terminated sessions", zap.Int("removed", removed))
	}
	return removed
}

// CloseAll closes every session; used during shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	for _, s := range m.List() {
		if err := m.Close(ctx, s.ID); err != nil {
			m.logger.Warn("failed to close session during shutdown",
				zap.String("session_id", s.ID),
				zap.Error(err))
		}
	}
}

// watchExit observes the shell process; an exit not initiated by Close
// flips the session to Error (abnormal) or Closed (clean exit).
func (m *Manager) watchExit(s *session) {
	<-s.proc.Done()

	exitCode, _ := s.proc.ExitCode()

	s.mu.Lock()
	if s.info.Status != StatusRunning {
		// Close already handled the transition.
		s.mu.Unlock()
		return
	}
	if exitCode == 0 {
		s.info.Status = StatusClosed
	} else {
		s.info.Status = StatusError
	}
	status := s.info.Status
	id := s.info.ID
	s.mu.Unlock()

	s.markClosed()

	s.flushPendingStdout()
	s.appendOutput(Output{
		Timestamp: time.Now().UTC(),
		Type:      OutputSystemMessage,
		Content:   fmt.Sprintf("shell exited with code %d", exitCode),
	})

	m.logger.Warn("terminal shell exited",
		zap.String("session_id", id),
		zap.String("status", string(status)),
		zap.Int("exit_code", exitCode))
	m.publish(bus.SubjectTerminalClosed, id)
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session", id)
	}
	return s, nil
}

func (m *Manager) publish(subject, sessionID string) {
	if m.events == nil {
		return
	}
	event := bus.NewEvent(subject, "terminal-manager", map[string]interface{}{
		"session_id": sessionID,
	})
	if err := m.events.Publish(context.Background(), subject, event); err != nil {
		m.logger.Debug("failed to publish terminal event", zap.Error(err))
	}
}
