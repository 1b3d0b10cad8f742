package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/workhorse/workhorse/internal/common/apperr"
)

type createSessionRequest struct {
	Name        string            `json:"name"`
	WorkspaceID string            `json:"workspace_id"`
	WorkingDir  string            `json:"working_dir"`
	Env         map[string]string `json:"env"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	workingDir := req.WorkingDir
	if req.WorkspaceID != "" && workingDir == "" {
		meta, err := s.deps.Workspaces.Get(c.Request.Context(), req.WorkspaceID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		workingDir = meta.Path
	}
	sess, err := s.deps.Terminals.Create(req.Name, workingDir, req.Env)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) startSession(c *gin.Context) {
	sess, err := s.deps.Terminals.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type sendCommandRequest struct {
	Command string `json:"command" binding:"required"`
}

func (s *Server) sendSessionCommand(c *gin.Context) {
	var req sendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	if err := s.deps.Terminals.SendCommand(c.Request.Context(), c.Param("id"), req.Command); err != nil {
		s.respondError(c, err)
		return
	}
	output, err := s.deps.Terminals.GetOutput(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": output})
}

func (s *Server) sessionOutput(c *gin.Context) {
	output, err := s.deps.Terminals.GetOutput(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": output})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.deps.Terminals.Get(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.deps.Terminals.List()})
}

type renameSessionRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) renameSession(c *gin.Context) {
	var req renameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	if err := s.deps.Terminals.SetName(c.Param("id"), req.Name); err != nil {
		s.respondError(c, err)
		return
	}
	sess, err := s.deps.Terminals.Get(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) closeSession(c *gin.Context) {
	if err := s.deps.Terminals.Close(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cleanupSessions(c *gin.Context) {
	removed := s.deps.Terminals.CleanupClosed()
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type execCommandRequest struct {
	Command    string            `json:"command" binding:"required"`
	Args       []string          `json:"args"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"env"`
}

func (s *Server) execSingleCommand(c *gin.Context) {
	var req execCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	output, err := s.deps.Terminals.ExecuteSingleCommand(c.Request.Context(), req.Command, req.Args, req.WorkingDir, req.Env)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, output)
}
