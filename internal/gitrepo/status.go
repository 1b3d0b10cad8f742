package gitrepo

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// RepoStatus summarizes the working tree state of a repository or linked
// worktree.
type RepoStatus struct {
	Branch   string       `json:"branch"` // empty when detached
	Head     string       `json:"head"`
	Detached bool         `json:"detached"`
	Dirty    bool         `json:"dirty"`
	Files    []FileStatus `json:"files,omitempty"`
}

// FileStatus is one changed path from git status. Staged and Unstaged
// carry the porcelain status letters for the index and worktree sides.
type FileStatus struct {
	Path     string `json:"path"`
	Staged   string `json:"staged,omitempty"`
	Unstaged string `json:"unstaged,omitempty"`
}

// Status inspects the working tree at path.
func (m *Manager) Status(ctx context.Context, path string) (*RepoStatus, error) {
	if !m.IsGitRepository(path) {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepository, path)
	}

	branch, err := m.CurrentBranch(ctx, path)
	if err != nil {
		return nil, err
	}

	head := ""
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = path
	if output, err := cmd.CombinedOutput(); err == nil {
		head = strings.TrimSpace(string(output))
	}

	cmd = exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	status := &RepoStatus{
		Branch:   branch,
		Head:     head,
		Detached: branch == "",
	}
	for _, line := range strings.Split(string(output), "\n") {
		if len(line) < 4 {
			continue
		}
		entry := FileStatus{
			Staged:   strings.TrimSpace(line[0:1]),
			Unstaged: strings.TrimSpace(line[1:2]),
			Path:     strings.TrimSpace(line[3:]),
		}
		// Renames are reported as "old -> new"; keep the new path.
		if idx := strings.Index(entry.Path, " -> "); idx >= 0 {
			entry.Path = entry.Path[idx+4:]
		}
		status.Files = append(status.Files, entry)
	}
	status.Dirty = len(status.Files) > 0
	return status, nil
}
