package gitrepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestManager_Status_Clean(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)

	status, err := mgr.Status(context.Background(), repoPath)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Branch != "main" {
		t.Errorf("expected branch main, got %q", status.Branch)
	}
	if status.Detached {
		t.Error("expected non-detached HEAD")
	}
	if status.Head == "" {
		t.Error("expected HEAD commit id")
	}
	if status.Dirty {
		t.Errorf("expected clean tree, got files %v", status.Files)
	}
}

func TestManager_Status_Dirty(t *testing.T) {
	mgr := NewManager(newTestLogger())
	repoPath := initTestRepo(t)

	if err := os.WriteFile(filepath.Join(repoPath, "new.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("changed\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	status, err := mgr.Status(context.Background(), repoPath)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Dirty {
		t.Fatal("expected dirty tree")
	}
	paths := make(map[string]FileStatus)
	for _, f := range status.Files {
		paths[f.Path] = f
	}
	if f, ok := paths["new.txt"]; !ok || f.Unstaged != "?" {
		t.Errorf("expected untracked new.txt, got %+v", status.Files)
	}
	if f, ok := paths["README.md"]; !ok || f.Unstaged != "M" {
		t.Errorf("expected modified README.md, got %+v", status.Files)
	}
}

func TestManager_Status_NotARepository(t *testing.T) {
	mgr := NewManager(newTestLogger())
	if _, err := mgr.Status(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected error for plain directory")
	}
}
