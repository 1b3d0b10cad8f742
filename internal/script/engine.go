// Package script runs one-shot scripts to completion as managed child
// processes, tracking a Pending → Running → {Completed, Failed, Cancelled}
// state machine per execution.
package script

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/workhorse/workhorse/internal/common/apperr"
	"github.com/workhorse/workhorse/internal/common/logger"
	"github.com/workhorse/workhorse/internal/events/bus"
	"github.com/workhorse/workhorse/internal/process"
)

// Status is the execution lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Execution is a snapshot of a script execution. Terminal executions are
// immutable.
type Execution struct {
	ID          string            `json:"id"`
	Script      string            `json:"script"`
	WorkingDir  string            `json:"working_dir"`
	Env         map[string]string `json:"env,omitempty"`
	Status      Status            `json:"status"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Stdout      string            `json:"stdout"`
	Stderr      string            `json:"stderr"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// execution pairs the record with its running process handle.
type execution struct {
	mu   sync.Mutex
	info Execution
	proc *process.Process
}

func (e *execution) snapshot() Execution {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := e.info
	if e.proc != nil && info.Status == StatusRunning {
		info.Stdout = e.proc.Stdout()
		info.Stderr = e.proc.Stderr()
	}
	return info
}

// Engine is the script execution engine. Executions are created in two
// phases: Create stores a Pending record, Execute runs it to completion.
// The engine never enforces a script's timeout itself; a caller holding a
// deadline calls Cancel.
type Engine struct {
	logger *logger.Logger
	runner *process.Runner
	events bus.EventBus // optional

	mu         sync.RWMutex
	executions map[string]*execution
}

// NewEngine creates a script execution engine. events may be nil.
func NewEngine(runner *process.Runner, events bus.EventBus, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		logger:     log.WithFields(zap.String("component", "script-engine")),
		runner:     runner,
		events:     events,
		executions: make(map[string]*execution),
	}
}

// Create allocates a Pending execution without starting the process.
func (e *Engine) Create(script, workingDir string, env map[string]string) (Execution, error) {
	if script == "" {
		return Execution{}, apperr.Validation("script content is required")
	}

	exec := &execution{
		info: Execution{
			ID:         uuid.New().String(),
			Script:     script,
			WorkingDir: workingDir,
			Env:        env,
			Status:     StatusPending,
			CreatedAt:  time.Now().UTC(),
		},
	}

	e.mu.Lock()
	e.executions[exec.info.ID] = exec
	e.mu.Unlock()

	e.logger.Debug("execution created",
		zap.String("execution_id", exec.info.ID),
		zap.String("working_dir", workingDir))

	return exec.snapshot(), nil
}

// Execute runs a Pending execution and returns after the process
// terminates, with the final snapshot. Concurrent executions of different
// ids proceed independently.
func (e *Engine) Execute(ctx context.Context, id string) (Execution, error) {
	exec, err := e.get(id)
	if err != nil {
		return Execution{}, err
	}

	exec.mu.Lock()
	if exec.info.Status != StatusPending {
		status := exec.info.Status
		exec.mu.Unlock()
		return Execution{}, apperr.StateConflict("execution %s is %s, expected pending", id, status)
	}
	now := time.Now().UTC()
	exec.info.Status = StatusRunning
	exec.info.StartedAt = &now
	exec.mu.Unlock()

	e.publish(bus.SubjectExecutionStarted, exec)

	proc, spawnErr := e.runner.Spawn(ctx, process.SpawnRequest{
		Command:    exec.info.Script,
		WorkingDir: exec.info.WorkingDir,
		Env:        exec.info.Env,
	})
	if spawnErr != nil {
		// Spawn failure is an immediate terminal Failed with the error
		// captured as stderr content. A Cancel that raced the spawn wins.
		completed := time.Now().UTC()
		exec.mu.Lock()
		if exec.info.Status != StatusCancelled {
			exec.info.Status = StatusFailed
			exec.info.Stderr = spawnErr.Error()
		}
		if exec.info.CompletedAt == nil {
			exec.info.CompletedAt = &completed
		}
		snapshot := exec.info
		exec.mu.Unlock()

		e.logger.Warn("script spawn failed",
			zap.String("execution_id", id),
			zap.Error(spawnErr))
		if snapshot.Status == StatusFailed {
			e.publish(bus.SubjectExecutionFailed, exec)
		}
		return snapshot, nil
	}

	exec.mu.Lock()
	exec.proc = proc
	cancelled := exec.info.Status == StatusCancelled
	exec.mu.Unlock()

	if cancelled {
		// Cancel landed before the process existed; stop it now rather
		// than letting it run to completion.
		proc.Stop(context.Background())
	}

	exitCode, waitErr := proc.Wait(ctx)
	if waitErr != nil {
		// Context cancelled while waiting: stop the process group and
		// record whatever state the cancel path produced.
		proc.Stop(context.Background())
		exitCode, _ = proc.ExitCode()
	}

	completed := time.Now().UTC()
	exec.mu.Lock()
	exec.info.Stdout = proc.Stdout()
	exec.info.Stderr = proc.Stderr()
	if exec.info.Status != StatusCancelled {
		code := exitCode
		exec.info.ExitCode = &code
		if exitCode == 0 {
			exec.info.Status = StatusCompleted
		} else {
			exec.info.Status = StatusFailed
		}
	}
	if exec.info.CompletedAt == nil {
		exec.info.CompletedAt = &completed
	}
	snapshot := exec.info
	exec.mu.Unlock()

	e.logger.Info("script execution finished",
		zap.String("execution_id", id),
		zap.String("status", string(snapshot.Status)),
		zap.Intp("exit_code", snapshot.ExitCode))

	switch snapshot.Status {
	case StatusCompleted:
		e.publish(bus.SubjectExecutionCompleted, exec)
	case StatusFailed:
		e.publish(bus.SubjectExecutionFailed, exec)
	}

	return snapshot, nil
}

// Cancel terminates a Running execution's process group and marks it
// Cancelled. Any other state is a conflict.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	exec, err := e.get(id)
	if err != nil {
		return err
	}

	exec.mu.Lock()
	if exec.info.Status != StatusRunning {
		status := exec.info.Status
		exec.mu.Unlock()
		return apperr.StateConflict("execution %s is %s, only running executions can be cancelled", id, status)
	}
	now := time.Now().UTC()
	exec.info.Status = StatusCancelled
	exec.info.CompletedAt = &now
	proc := exec.proc
	exec.mu.Unlock()

	e.logger.Info("cancelling script execution", zap.String("execution_id", id))

	if proc != nil {
		proc.Stop(ctx)
	}

	e.publish(bus.SubjectExecutionCancelled, exec)
	return nil
}

// Status returns a point-in-time snapshot of an execution.
func (e *Engine) Status(id string) (Execution, error) {
	exec, err := e.get(id)
	if err != nil {
		return Execution{}, err
	}
	return exec.snapshot(), nil
}

// ListAll returns snapshots of all tracked executions, newest first.
func (e *Engine) ListAll() []Execution {
	e.mu.RLock()
	execs := make([]*execution, 0, len(e.executions))
	for _, exec := range e.executions {
		execs = append(execs, exec)
	}
	e.mu.RUnlock()

	result := make([]Execution, 0, len(execs))
	for _, exec := range execs {
		result = append(result, exec.snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// Cleanup discards terminal executions beyond the keepCount most recently
// completed ones. Pending and Running executions are never discarded.
// Returns the number of discarded executions.
func (e *Engine) Cleanup(keepCount int) int {
	if keepCount < 0 {
		keepCount = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	type terminal struct {
		id          string
		completedAt time.Time
	}
	var terminals []terminal
	for id, exec := range e.executions {
		info := exec.snapshot()
		if !info.Status.IsTerminal() {
			continue
		}
		completedAt := info.CreatedAt
		if info.CompletedAt != nil {
			completedAt = *info.CompletedAt
		}
		terminals = append(terminals, terminal{id: id, completedAt: completedAt})
	}

	if len(terminals) <= keepCount {
		return 0
	}

	sort.Slice(terminals, func(i, j int) bool {
		return terminals[i].completedAt.After(terminals[j].completedAt)
	})

	removed := 0
	for _, t := range terminals[keepCount:] {
		delete(e.executions, t.id)
		removed++
	}

	e.logger.Debug("cleaned up terminal executions",
		zap.Int("removed", removed),
		zap.Int("kept", keepCount))
	return removed
}

func (e *Engine) get(id string) (*execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[id]
	if !ok {
		return nil, apperr.NotFound("execution", id)
	}
	return exec, nil
}

func (e *Engine) publish(subject string, exec *execution) {
	if e.events == nil {
		return
	}
	info := exec.snapshot()
	event := bus.NewEvent(subject, "script-engine", map[string]interface{}{
		"execution_id": info.ID,
		"status":       string(info.Status),
	})
	if err := e.events.Publish(context.Background(), subject, event); err != nil {
		e.logger.Debug("failed to publish execution event", zap.Error(err))
	}
}
