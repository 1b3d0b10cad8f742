package gitrepo

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/workhorse/workhorse/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// initTestRepo creates a git repository with one commit on branch main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	repoPath := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, output)
		}
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("test\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")

	return repoPath
}

func TestManager_IsGitRepository(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)

	if !mgr.IsGitRepository(repoPath) {
		t.Error("expected true for git repository")
	}
	if mgr.IsGitRepository(t.TempDir()) {
		t.Error("expected false for plain directory")
	}
	if mgr.IsGitRepository("/nonexistent/path") {
		t.Error("expected false for non-existent path")
	}
}

func TestManager_CreateWorktree_NewBranch(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)
	ctx := context.Background()

	worktreePath := filepath.Join(repoPath, ".workhorse", "feature-x")
	if err := mgr.CreateWorktree(ctx, repoPath, "feature/x", worktreePath, "main"); err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}

	if !mgr.IsValidWorktree(worktreePath) {
		t.Error("expected valid worktree directory")
	}
	if !mgr.BranchExists(ctx, repoPath, "feature/x") {
		t.Error("expected branch feature/x to exist")
	}

	worktrees, err := mgr.ListWorktrees(ctx, repoPath)
	if err != nil {
		t.Fatalf("ListWorktrees failed: %v", err)
	}
	if len(worktrees) != 2 {
		t.Fatalf("expected 2 worktrees, got %d", len(worktrees))
	}
	if !worktrees[0].IsMain {
		t.Error("expected first worktree to be main")
	}
	found := false
	for _, wt := range worktrees {
		if wt.Branch == "feature/x" {
			found = true
			if wt.IsMain {
				t.Error("linked worktree flagged as main")
			}
			if wt.Head == "" {
				t.Error("expected HEAD commit on worktree")
			}
		}
	}
	if !found {
		t.Error("worktree for feature/x not listed")
	}
}

func TestManager_CreateWorktree_ExistingBranch(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)
	ctx := context.Background()

	if err := mgr.CreateBranch(ctx, repoPath, "existing", "main"); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}

	worktreePath := filepath.Join(repoPath, ".workhorse", "ws")
	if err := mgr.CreateWorktree(ctx, repoPath, "existing", worktreePath, ""); err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}
	if !mgr.IsValidWorktree(worktreePath) {
		t.Error("expected valid worktree directory")
	}
}

func TestManager_CreateWorktree_NotGitRepo(t *testing.T) {
	mgr := NewManager(newTestLogger())
	dir := t.TempDir()

	err := mgr.CreateWorktree(context.Background(), dir, "b", filepath.Join(dir, "wt"), "")
	if err == nil {
		t.Fatal("expected error for non-git repository")
	}
	if !errors.Is(err, ErrNotGitRepository) {
		t.Errorf("expected ErrNotGitRepository, got %v", err)
	}
}

func TestManager_CreateWorktree_BranchCheckedOutElsewhere(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)
	ctx := context.Background()

	// main is checked out in the main worktree
	err := mgr.CreateWorktree(ctx, repoPath, "main", filepath.Join(repoPath, ".workhorse", "dup"), "")
	if err == nil {
		t.Fatal("expected error for branch checked out elsewhere")
	}
	if !errors.Is(err, ErrBranchCheckedOut) {
		t.Errorf("expected ErrBranchCheckedOut, got %v", err)
	}
}

func TestManager_CreateWorktree_NonEmptyTarget(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)

	target := filepath.Join(repoPath, ".workhorse", "busy")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(target, "file"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	err := mgr.CreateWorktree(context.Background(), repoPath, "feature/busy", target, "main")
	if !errors.Is(err, ErrWorktreePathNotEmpty) {
		t.Errorf("expected ErrWorktreePathNotEmpty, got %v", err)
	}
}

func TestManager_RemoveWorktree(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)
	ctx := context.Background()

	worktreePath := filepath.Join(repoPath, ".workhorse", "gone")
	if err := mgr.CreateWorktree(ctx, repoPath, "feature/gone", worktreePath, "main"); err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}

	if err := mgr.RemoveWorktree(ctx, repoPath, worktreePath); err != nil {
		t.Fatalf("RemoveWorktree failed: %v", err)
	}
	if _, err := os.Stat(worktreePath); !os.IsNotExist(err) {
		t.Error("expected worktree directory to be removed")
	}

	// Removing again is a no-op.
	if err := mgr.RemoveWorktree(ctx, repoPath, worktreePath); err != nil {
		t.Errorf("expected idempotent removal, got %v", err)
	}
}

func TestManager_CheckoutBranch_Conflict(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)
	ctx := context.Background()

	worktreePath := filepath.Join(repoPath, ".workhorse", "held")
	if err := mgr.CreateWorktree(ctx, repoPath, "feature/held", worktreePath, "main"); err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}

	err := mgr.CheckoutBranch(ctx, repoPath, "feature/held")
	if !errors.Is(err, ErrBranchCheckedOut) {
		t.Errorf("expected ErrBranchCheckedOut, got %v", err)
	}
}

func TestManager_CheckoutBranch(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)
	ctx := context.Background()

	if err := mgr.CreateBranch(ctx, repoPath, "side", ""); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	if err := mgr.CheckoutBranch(ctx, repoPath, "side"); err != nil {
		t.Fatalf("CheckoutBranch failed: %v", err)
	}

	current, err := mgr.CurrentBranch(ctx, repoPath)
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}
	if current != "side" {
		t.Errorf("expected current branch side, got %q", current)
	}
}

func TestManager_CreateBranch_Duplicate(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)
	ctx := context.Background()

	if err := mgr.CreateBranch(ctx, repoPath, "dup", ""); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	err := mgr.CreateBranch(ctx, repoPath, "dup", "")
	if !errors.Is(err, ErrBranchExists) {
		t.Errorf("expected ErrBranchExists, got %v", err)
	}
}

func TestManager_ListBranches(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)
	ctx := context.Background()

	if err := mgr.CreateBranch(ctx, repoPath, "other", ""); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}

	branches, err := mgr.ListBranches(ctx, repoPath)
	if err != nil {
		t.Fatalf("ListBranches failed: %v", err)
	}

	byName := make(map[string]Branch)
	for _, b := range branches {
		byName[b.Name] = b
	}
	main, ok := byName["main"]
	if !ok {
		t.Fatal("main branch not listed")
	}
	if !main.IsHead {
		t.Error("expected main to be HEAD")
	}
	if _, ok := byName["other"]; !ok {
		t.Error("other branch not listed")
	}
}

func TestManager_EnsureExcluded(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)

	if err := mgr.EnsureExcluded(repoPath, ".workhorse"); err != nil {
		t.Fatalf("EnsureExcluded failed: %v", err)
	}
	// Second call must not duplicate the entry.
	if err := mgr.EnsureExcluded(repoPath, ".workhorse"); err != nil {
		t.Fatalf("EnsureExcluded failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(repoPath, ".git", "info", "exclude"))
	if err != nil {
		t.Fatalf("failed to read exclude file: %v", err)
	}
	count := 0
	for _, line := range strings.Split(string(content), "\n") {
		if line == "/.workhorse/" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one exclude entry, got %d", count)
	}
}

func TestParseWorktreeList(t *testing.T) {
	output := `worktree /repo
HEAD abc123
branch refs/heads/main

worktree /repo/.workhorse/ws1
HEAD def456
branch refs/heads/feature/x

worktree /repo/.workhorse/ws2
HEAD 789abc
detached
`
	worktrees := parseWorktreeList(output)
	if len(worktrees) != 3 {
		t.Fatalf("expected 3 worktrees, got %d", len(worktrees))
	}
	if !worktrees[0].IsMain || worktrees[0].Branch != "main" {
		t.Errorf("unexpected main worktree: %+v", worktrees[0])
	}
	if worktrees[1].Branch != "feature/x" || worktrees[1].IsMain {
		t.Errorf("unexpected linked worktree: %+v", worktrees[1])
	}
	if !worktrees[2].Detached || worktrees[2].Branch != "" {
		t.Errorf("unexpected detached worktree: %+v", worktrees[2])
	}
}

func TestSanitizeForBranch(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"simple name", "Feature X", 20, "feature-x"},
		{"special chars", "Fix: bug #123 (urgent!)", 20, "fix-bug-123-urgent"},
		{"truncation", "this is a very long workspace name", 20, "this-is-a-very-long"},
		{"empty", "", 20, ""},
		{"edge hyphens", "---hello---", 20, "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForBranch(tt.input, tt.maxLen); got != tt.expected {
				t.Errorf("SanitizeForBranch(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}
