package gitrepo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/workhorse/workhorse/internal/common/logger"
)

// Worktree describes a single linked working directory of a repository.
// It is derived from git state on demand and never persisted.
type Worktree struct {
	Path     string `json:"path"`
	Head     string `json:"head"`
	Branch   string `json:"branch"` // empty when detached
	IsMain   bool   `json:"is_main"`
	Detached bool   `json:"detached"`
}

// Branch describes a local or remote branch.
type Branch struct {
	Name     string `json:"name"`
	Head     string `json:"head"`
	IsHead   bool   `json:"is_head"` // currently checked out in the main worktree
	IsRemote bool   `json:"is_remote"`
	Upstream string `json:"upstream,omitempty"`
}

// Manager wraps git worktree and branch primitives by shelling out to
// the git binary. Operations on the same repository are serialized with
// a per-repository lock; different repositories proceed independently.
type Manager struct {
	logger     *logger.Logger
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a worktree manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

// getRepoLock returns the mutex for the given repository path.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// IsGitRepository reports whether path is the root of a git repository
// (regular or linked worktree).
func (m *Manager) IsGitRepository(path string) bool {
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	// .git can be a directory (regular repo) or a file (linked worktree)
	return info.IsDir() || info.Mode().IsRegular()
}

// CreateWorktree creates a worktree at worktreePath checked out to branch.
// If branch does not exist it is created from baseBranch (or the repository
// HEAD when baseBranch is empty).
func (m *Manager) CreateWorktree(ctx context.Context, repoPath, branch, worktreePath, baseBranch string) error {
	if !m.IsGitRepository(repoPath) {
		return fmt.Errorf("%w: %s", ErrNotGitRepository, repoPath)
	}
	if err := checkWorktreeTarget(worktreePath); err != nil {
		return err
	}

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("failed to create worktree parent directory: %w", err)
	}

	var cmd *exec.Cmd
	if m.BranchExists(ctx, repoPath, branch) {
		// git worktree add <path> <branch>
		cmd = exec.CommandContext(ctx, "git", "worktree", "add", worktreePath, branch)
	} else {
		base := baseBranch
		if base == "" {
			head, err := m.CurrentBranch(ctx, repoPath)
			if err != nil {
				return err
			}
			base = head
		}
		if !m.revisionExists(ctx, repoPath, base) {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, base)
		}
		// git worktree add -b <branch> <path> <base>
		cmd = exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, worktreePath, base)
	}
	cmd.Dir = repoPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		out := string(output)
		m.logger.Error("git worktree add failed",
			zap.String("repo", repoPath),
			zap.String("branch", branch),
			zap.String("output", out),
			zap.Error(err))
		if isCheckedOutElsewhere(out) {
			return fmt.Errorf("%w: %s", ErrBranchCheckedOut, branch)
		}
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(out))
	}

	m.logger.Info("created worktree",
		zap.String("repo", repoPath),
		zap.String("path", worktreePath),
		zap.String("branch", branch))
	return nil
}

// RemoveWorktree removes the worktree's administrative record and deletes
// its working directory. Removing an already-absent worktree succeeds.
func (m *Manager) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("path", worktreePath),
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			return fmt.Errorf("failed to remove worktree directory: %w", err)
		}

		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = repoPath
		if err := prune.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}

	m.logger.Info("removed worktree",
		zap.String("repo", repoPath),
		zap.String("path", worktreePath))
	return nil
}

// ListWorktrees returns all worktrees of the repository, main worktree first.
func (m *Manager) ListWorktrees(ctx context.Context, repoPath string) ([]Worktree, error) {
	if !m.IsGitRepository(repoPath) {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepository, repoPath)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	return parseWorktreeList(string(output)), nil
}

// HasWorktreeAt reports whether a worktree is registered at path.
func (m *Manager) HasWorktreeAt(ctx context.Context, repoPath, path string) (bool, error) {
	worktrees, err := m.ListWorktrees(ctx, repoPath)
	if err != nil {
		return false, err
	}
	want := filepath.Clean(path)
	for _, wt := range worktrees {
		if filepath.Clean(wt.Path) == want {
			return true, nil
		}
	}
	return false, nil
}

// IsValidWorktree checks that a linked worktree directory is usable.
func (m *Manager) IsValidWorktree(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	// Linked worktrees have a .git file containing "gitdir: <path>"
	gitFile := filepath.Join(path, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// CreateBranch creates a branch from base (or HEAD when base is empty).
func (m *Manager) CreateBranch(ctx context.Context, repoPath, name, base string) error {
	if !m.IsGitRepository(repoPath) {
		return fmt.Errorf("%w: %s", ErrNotGitRepository, repoPath)
	}
	if m.BranchExists(ctx, repoPath, name) {
		return fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	if base != "" && !m.revisionExists(ctx, repoPath, base) {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, base)
	}

	args := []string{"branch", name}
	if base != "" {
		args = append(args, base)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (m *Manager) DeleteBranch(ctx context.Context, repoPath, name string) error {
	cmd := exec.CommandContext(ctx, "git", "branch", "-D", name)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}
	return nil
}

// CheckoutBranch checks out a branch in the repository's main worktree.
// Fails when the branch is checked out in another worktree.
func (m *Manager) CheckoutBranch(ctx context.Context, repoPath, branch string) error {
	if !m.IsGitRepository(repoPath) {
		return fmt.Errorf("%w: %s", ErrNotGitRepository, repoPath)
	}
	if !m.BranchExists(ctx, repoPath, branch) {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	cmd := exec.CommandContext(ctx, "git", "checkout", branch)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		out := string(output)
		if isCheckedOutElsewhere(out) {
			return fmt.Errorf("%w: %s", ErrBranchCheckedOut, branch)
		}
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(out))
	}
	return nil
}

// ListBranches returns local and remote branches with upstream information.
func (m *Manager) ListBranches(ctx context.Context, repoPath string) ([]Branch, error) {
	if !m.IsGitRepository(repoPath) {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepository, repoPath)
	}

	cmd := exec.CommandContext(ctx, "git", "for-each-ref",
		"--format=%(refname:short)%00%(objectname)%00%(HEAD)%00%(upstream:short)",
		"refs/heads", "refs/remotes")
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	var branches []Branch
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\x00")
		if len(fields) < 4 {
			continue
		}
		branches = append(branches, Branch{
			Name:     fields[0],
			Head:     fields[1],
			IsHead:   fields[2] == "*",
			IsRemote: strings.Contains(fields[0], "/") && m.isRemoteRef(ctx, repoPath, fields[0]),
			Upstream: fields[3],
		})
	}
	return branches, nil
}

// CurrentBranch returns the branch checked out in the main worktree.
// Returns an empty string with no error when HEAD is detached.
func (m *Manager) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}
	branch := strings.TrimSpace(string(output))
	if branch == "HEAD" {
		return "", nil
	}
	return branch, nil
}

// BranchExists reports whether a local branch exists.
func (m *Manager) BranchExists(ctx context.Context, repoPath, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// EnsureExcluded adds an entry to the repository's .git/info/exclude so the
// reserved workspace directory never shows up as untracked. Idempotent.
func (m *Manager) EnsureExcluded(repoPath, entry string) error {
	gitDir := filepath.Join(repoPath, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotGitRepository, repoPath)
	}
	if !info.IsDir() {
		// Linked worktree: resolve the real git dir from the .git file.
		content, err := os.ReadFile(gitDir)
		if err != nil {
			return fmt.Errorf("failed to read .git file: %w", err)
		}
		gitDir = strings.TrimSpace(strings.TrimPrefix(string(content), "gitdir:"))
	}

	excludePath := filepath.Join(gitDir, "info", "exclude")
	existing, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read exclude file: %w", err)
	}

	line := "/" + strings.Trim(entry, "/") + "/"
	for _, l := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(l) == line {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return fmt.Errorf("failed to create info directory: %w", err)
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open exclude file: %w", err)
	}
	defer f.Close()

	prefix := ""
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		prefix = "\n"
	}
	if _, err := f.WriteString(prefix + line + "\n"); err != nil {
		return fmt.Errorf("failed to write exclude file: %w", err)
	}
	return nil
}

// revisionExists reports whether a revision (branch, tag, sha) resolves.
func (m *Manager) revisionExists(ctx context.Context, repoPath, rev string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", rev)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

func (m *Manager) isRemoteRef(ctx context.Context, repoPath, name string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "refs/remotes/"+name)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// checkWorktreeTarget rejects a target path that exists and is non-empty.
func checkWorktreeTarget(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to inspect worktree path: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrWorktreePathNotEmpty, path)
	}
	return nil
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(output string) []Worktree {
	var worktrees []Worktree
	var current *Worktree
	first := true

	flush := func() {
		if current != nil {
			current.IsMain = first
			first = false
			worktrees = append(worktrees, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			if current != nil {
				current.Head = strings.TrimPrefix(line, "HEAD ")
			}
		case strings.HasPrefix(line, "branch "):
			if current != nil {
				ref := strings.TrimPrefix(line, "branch ")
				current.Branch = strings.TrimPrefix(ref, "refs/heads/")
			}
		case line == "detached":
			if current != nil {
				current.Detached = true
			}
		}
	}
	flush()

	return worktrees
}

// isCheckedOutElsewhere matches git's diagnostics for a branch bound to
// another worktree. The wording differs across git versions.
func isCheckedOutElsewhere(output string) bool {
	return strings.Contains(output, "already checked out") ||
		strings.Contains(output, "already used by worktree")
}
