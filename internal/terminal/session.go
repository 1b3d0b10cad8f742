package terminal

import (
	"strings"
	"sync"
	"time"

	"github.com/workhorse/workhorse/internal/process"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusClosed  Status = "closed"
	StatusError   Status = "error"
)

// OutputType classifies an entry in a session's output log.
type OutputType string

const (
	OutputStdout        OutputType = "stdout"
	OutputStderr        OutputType = "stderr"
	OutputCommand       OutputType = "command"
	OutputSystemMessage OutputType = "system_message"
)

// Output is one entry in a session's append-only output log. Entries are
// totally ordered by append time and never mutated.
type Output struct {
	Timestamp time.Time  `json:"timestamp"`
	Type      OutputType `json:"type"`
	Content   string     `json:"content"`
	CommandID string     `json:"command_id,omitempty"`
}

// Session is a point-in-time snapshot of a terminal session.
type Session struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	WorkingDir    string            `json:"working_dir"`
	Env           map[string]string `json:"env,omitempty"`
	Status        Status            `json:"status"`
	CommandCount  int               `json:"command_count"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	LastCommandAt *time.Time        `json:"last_command_at,omitempty"`
}

// historyTruncatedMessage is prepended once when the output log exceeds the
// configured history cap and older entries are discarded.
const historyTruncatedMessage = "[earlier output truncated]"

type queuedCommand struct {
	command string
	done    chan struct{}
}

// session holds a live session's state. The output log is append-only;
// pendingStdout accumulates partial stdout lines so the completion marker
// can be matched even when chunks split mid-line.
type session struct {
	mu   sync.Mutex
	info Session
	proc *process.Process

	output     []Output
	maxHistory int
	truncated  bool

	queue     chan queuedCommand
	closed    chan struct{}
	closeOnce sync.Once

	currentCommandID string
	currentMarker    string
	markerSeen       chan struct{}
	pendingStdout    string
}

// markClosed closes the shutdown channel exactly once.
func (s *session) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// drainQueue releases every command still waiting in the queue after the
// session closed, so their senders never block on an abandoned done channel.
func (s *session) drainQueue() {
	for {
		select {
		case qc := <-s.queue:
			close(qc.done)
		default:
			return
		}
	}
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// appendOutput adds an entry, enforcing the history cap. When the cap is
// exceeded the oldest entries are discarded and a system message marks the
// truncation.
func (s *session) appendOutput(entry Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendOutputLocked(entry)
}

func (s *session) appendOutputLocked(entry Output) {
	s.output = append(s.output, entry)

	if s.maxHistory > 0 && len(s.output) > s.maxHistory {
		overflow := len(s.output) - s.maxHistory
		trimmed := make([]Output, s.maxHistory)
		copy(trimmed, s.output[overflow:])
		// The first slot always carries the truncation marker once the cap
		// has been hit.
		trimmed[0] = Output{
			Timestamp: time.Now().UTC(),
			Type:      OutputSystemMessage,
			Content:   historyTruncatedMessage,
		}
		s.output = trimmed
		s.truncated = true
	}
}

// outputSnapshot returns a copy of the output log.
func (s *session) outputSnapshot() []Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Output, len(s.output))
	copy(out, s.output)
	return out
}

// handleStdout consumes a raw stdout chunk. Complete lines matching the
// current command's completion marker signal command completion and are
// kept out of the log; everything else is appended as Stdout entries.
func (s *session) handleStdout(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingStdout += data
	for {
		idx := strings.IndexByte(s.pendingStdout, '\n')
		if idx < 0 {
			break
		}
		line := s.pendingStdout[:idx]
		s.pendingStdout = s.pendingStdout[idx+1:]

		if s.currentMarker != "" && strings.TrimSpace(line) == s.currentMarker {
			select {
			case s.markerSeen <- struct{}{}:
			default:
			}
			continue
		}

		s.appendOutputLocked(Output{
			Timestamp: time.Now().UTC(),
			Type:      OutputStdout,
			Content:   line,
			CommandID: s.currentCommandID,
		})
	}
}

// handleStderr appends a stderr chunk as-is.
func (s *session) handleStderr(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content := strings.TrimRight(data, "\n")
	if content == "" {
		return
	}
	s.appendOutputLocked(Output{
		Timestamp: time.Now().UTC(),
		Type:      OutputStderr,
		Content:   content,
		CommandID: s.currentCommandID,
	})
}

// flushPendingStdout appends any partial stdout line, used when the
// session shuts down.
func (s *session) flushPendingStdout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingStdout == "" {
		return
	}
	s.appendOutputLocked(Output{
		Timestamp: time.Now().UTC(),
		Type:      OutputStdout,
		Content:   s.pendingStdout,
		CommandID: s.currentCommandID,
	})
	s.pendingStdout = ""
}
