package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/workhorse/workhorse/internal/common/apperr"
	"github.com/workhorse/workhorse/internal/scripts"
)

// createExecutionRequest creates a Pending execution. Either a raw script
// is given, or a catalog entry is referenced by repository and name. The
// working directory defaults to the workspace path when workspace_id is
// set.
type createExecutionRequest struct {
	Script       string            `json:"script"`
	ScriptName   string            `json:"script_name"`
	RepositoryID string            `json:"repository_id"`
	WorkspaceID  string            `json:"workspace_id"`
	WorkingDir   string            `json:"working_dir"`
	Env          map[string]string `json:"env"`
}

type createExecutionResponse struct {
	Execution      interface{} `json:"execution"`
	TimeoutSeconds int         `json:"timeout_seconds,omitempty"`
}

func (s *Server) createExecution(c *gin.Context) {
	var req createExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	ctx := c.Request.Context()

	scriptText := req.Script
	workingDir := req.WorkingDir
	env := map[string]string{}
	timeoutSeconds := 0

	if req.ScriptName != "" {
		if req.RepositoryID == "" {
			s.respondError(c, apperr.Validation("repository_id is required with script_name"))
			return
		}
		repo, err := s.deps.Workspaces.GetRepositoryRecord(ctx, req.RepositoryID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		catalog, err := scripts.Load(scripts.CatalogPath(repo.Path, s.wsCfg.ReservedDir))
		if err != nil {
			s.respondError(c, err)
			return
		}
		entry, ok := catalog.Get(req.ScriptName)
		if !ok {
			s.respondError(c, apperr.NotFound("script", req.ScriptName))
			return
		}
		scriptText = entry.Command
		timeoutSeconds = entry.TimeoutSeconds
		if workingDir == "" {
			workingDir = entry.WorkingDir
		}
		for k, v := range entry.Env {
			env[k] = v
		}
	}
	for k, v := range req.Env {
		env[k] = v
	}

	if req.WorkspaceID != "" && workingDir == "" {
		meta, err := s.deps.Workspaces.Get(ctx, req.WorkspaceID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		workingDir = meta.Path
	}

	exec, err := s.deps.Engine.Create(scriptText, workingDir, env)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createExecutionResponse{
		Execution:      exec,
		TimeoutSeconds: timeoutSeconds,
	})
}

type runExecutionRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

// runExecution runs a Pending execution to completion. A positive
// timeout_seconds arms a timer that cancels the execution; the engine
// itself never enforces timeouts.
func (s *Server) runExecution(c *gin.Context) {
	var req runExecutionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, apperr.Validation("invalid payload: %v", err))
			return
		}
	}
	id := c.Param("id")

	if req.TimeoutSeconds > 0 {
		timer := time.AfterFunc(time.Duration(req.TimeoutSeconds)*time.Second, func() {
			// A terminal execution makes this a no-op state conflict.
			_ = s.deps.Engine.Cancel(context.Background(), id)
		})
		defer timer.Stop()
	}

	exec, err := s.deps.Engine.Execute(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) cancelExecution(c *gin.Context) {
	if err := s.deps.Engine.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	exec, err := s.deps.Engine.Status(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.deps.Engine.Status(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) listExecutions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"executions": s.deps.Engine.ListAll()})
}

type cleanupExecutionsRequest struct {
	KeepCount int `json:"keep_count"`
}

func (s *Server) cleanupExecutions(c *gin.Context) {
	var req cleanupExecutionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	removed := s.deps.Engine.Cleanup(req.KeepCount)
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
