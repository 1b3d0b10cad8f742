package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workhorse/workhorse/internal/common/config"
	"github.com/workhorse/workhorse/internal/common/logger"
	"github.com/workhorse/workhorse/internal/events/bus"
	"github.com/workhorse/workhorse/internal/gitrepo"
	"github.com/workhorse/workhorse/internal/process"
	"github.com/workhorse/workhorse/internal/script"
	"github.com/workhorse/workhorse/internal/terminal"
	"github.com/workhorse/workhorse/internal/workspace"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	wsCfg := config.WorkspaceConfig{
		ReservedDir:      ".workhorse",
		DefaultBranch:    "main",
		InitGraceSeconds: 300,
	}
	events := bus.NewMemoryEventBus(log)
	t.Cleanup(events.Close)

	git := gitrepo.NewManager(log)
	runner := process.NewRunner(log, 0, 500*time.Millisecond)
	engine := script.NewEngine(runner, events, log)
	terminals := terminal.NewManager(runner, events, config.TerminalConfig{MaxSessions: 10, MaxHistory: 1000}, log)
	workspaces := workspace.NewManager(workspace.NewMemoryStore(), git, events, wsCfg, log)

	return New(config.ServerConfig{}, wsCfg, Deps{
		Workspaces: workspaces,
		Git:        git,
		Engine:     engine,
		Terminals:  terminals,
		Events:     events,
	}, log)
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
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

func registerRepo(t *testing.T, srv *Server) (repoID, repoPath string) {
	t.Helper()
	repoPath = initTestRepo(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/repositories", map[string]string{
		"name": "test-repo",
		"path": repoPath,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var repo workspace.Repository
	decode(t, rec, &repo)
	return repo.ID, repoPath
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "workhorse")
}

func TestServer_ErrorKindMapping(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/workspaces/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/workspaces", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/executions/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_WorkspaceLifecycle(t *testing.T) {
	srv := newTestServer(t)
	repoID, repoPath := registerRepo(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workspaces", map[string]interface{}{
		"repository_id":            repoID,
		"name":                     "feature-x",
		"branch":                   "feature/x",
		"create_branch_if_missing": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var meta workspace.Metadata
	decode(t, rec, &meta)
	assert.Equal(t, workspace.StatusActive, meta.Status)
	assert.Equal(t, filepath.Join(repoPath, ".workhorse", "feature-x"), meta.Path)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/workspaces?repository_id="+repoID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Workspaces []workspace.Metadata `json:"workspaces"`
	}
	decode(t, rec, &listResp)
	require.Len(t, listResp.Workspaces, 1)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/workspaces/"+meta.ID+"/archive", map[string]bool{"cleanup_files": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &meta)
	assert.Equal(t, workspace.StatusArchived, meta.Status)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/workspaces/"+meta.ID+"/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &meta)
	assert.Equal(t, workspace.StatusActive, meta.Status)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/workspaces/"+meta.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Idempotent delete.
	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/workspaces/"+meta.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_RepositoryStatusAndBranches(t *testing.T) {
	srv := newTestServer(t)
	repoID, _ := registerRepo(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/repositories/"+repoID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var status gitrepo.RepoStatus
	decode(t, rec, &status)
	assert.Equal(t, "main", status.Branch)
	assert.False(t, status.Dirty)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/repositories/"+repoID+"/branches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "main")
}

func TestServer_ExecutionFlow(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/executions", map[string]interface{}{
		"script":      "echo hello",
		"working_dir": t.TempDir(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Execution script.Execution `json:"execution"`
	}
	decode(t, rec, &created)
	assert.Equal(t, script.StatusPending, created.Execution.Status)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/executions/"+created.Execution.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var done script.Execution
	decode(t, rec, &done)
	assert.Equal(t, script.StatusCompleted, done.Status)
	assert.Contains(t, done.Stdout, "hello")

	// Cancelling a terminal execution is a state conflict.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/executions/"+created.Execution.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ExecutionTimeout(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/executions", map[string]interface{}{
		"script":      "sleep 30",
		"working_dir": t.TempDir(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Execution script.Execution `json:"execution"`
	}
	decode(t, rec, &created)

	start := time.Now()
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/executions/"+created.Execution.ID+"/execute",
		map[string]int{"timeout_seconds": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Less(t, time.Since(start), 15*time.Second)

	var done script.Execution
	decode(t, rec, &done)
	assert.Equal(t, script.StatusCancelled, done.Status)
}

func TestServer_ScriptCatalogRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	repoID, _ := registerRepo(t, srv)

	catalog := map[string]interface{}{
		"scripts": []map[string]interface{}{
			{"name": "greet", "command": "echo catalog-hello", "tags": []string{"ci"}},
		},
	}
	rec := doJSON(t, srv, http.MethodPut, "/api/v1/repositories/"+repoID+"/scripts", catalog)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/repositories/"+repoID+"/scripts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "catalog-hello")

	// Create an execution from the catalog entry and run it.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/executions", map[string]interface{}{
		"script_name":   "greet",
		"repository_id": repoID,
		"working_dir":   t.TempDir(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Execution script.Execution `json:"execution"`
	}
	decode(t, rec, &created)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/executions/"+created.Execution.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var done script.Execution
	decode(t, rec, &done)
	assert.Equal(t, script.StatusCompleted, done.Status)
	assert.Contains(t, done.Stdout, "catalog-hello")
}

func TestServer_InvalidCatalogRejected(t *testing.T) {
	srv := newTestServer(t)
	repoID, _ := registerRepo(t, srv)

	rec := doJSON(t, srv, http.MethodPut, "/api/v1/repositories/"+repoID+"/scripts", map[string]interface{}{
		"scripts": []map[string]interface{}{
			{"name": "", "command": "true"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SessionFlow(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
		"name":        "shell",
		"working_dir": t.TempDir(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess terminal.Session
	decode(t, rec, &sess)
	assert.Equal(t, terminal.StatusCreated, sess.Status)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/commands", map[string]string{
		"command": "echo from-http",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "from-http")

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/close", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ExecSingleCommand(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/exec", map[string]interface{}{
		"command": "echo",
		"args":    []string{"one-shot"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out terminal.Output
	decode(t, rec, &out)
	assert.Contains(t, out.Content, "one-shot")
}

func TestServer_CreateWorkspaceDerivesBranch(t *testing.T) {
	srv := newTestServer(t)
	repoID, _ := registerRepo(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workspaces", map[string]interface{}{
		"repository_id": repoID,
		"name":          "My Feature!",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var meta workspace.Metadata
	decode(t, rec, &meta)
	assert.Equal(t, "workspace/my-feature", meta.Branch)
	assert.Equal(t, workspace.StatusActive, meta.Status)
}

func TestServer_CorruptCatalogOnDiskIsValidationError(t *testing.T) {
	srv := newTestServer(t)
	repoID, repoPath := registerRepo(t, srv)

	catalogPath := filepath.Join(repoPath, ".workhorse", "configs", "scripts.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte("scripts: [not a mapping"), 0o644))

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/repositories/"+repoID+"/scripts", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
}
