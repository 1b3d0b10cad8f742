// Package gitrepo provides Git worktree and branch management for workspaces.
package gitrepo

import "errors"

var (
	// ErrNotGitRepository is returned when the repository path is not a Git repository.
	ErrNotGitRepository = errors.New("path is not a git repository")

	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrWorktreePathNotEmpty is returned when the target worktree path exists and is non-empty.
	ErrWorktreePathNotEmpty = errors.New("worktree path exists and is not empty")

	// ErrBranchExists is returned when the branch name already exists in the repository.
	ErrBranchExists = errors.New("branch already exists")

	// ErrBranchNotFound is returned when a branch does not exist.
	ErrBranchNotFound = errors.New("branch does not exist")

	// ErrBranchCheckedOut is returned when the branch is already checked out in another worktree.
	ErrBranchCheckedOut = errors.New("branch is checked out in another worktree")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")
)
