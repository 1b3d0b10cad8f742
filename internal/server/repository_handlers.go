package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/workhorse/workhorse/internal/common/apperr"
	"github.com/workhorse/workhorse/internal/scripts"
)

type createRepositoryRequest struct {
	Name          string `json:"name" binding:"required"`
	Path          string `json:"path" binding:"required"`
	DefaultBranch string `json:"default_branch"`
	InitScript    string `json:"init_script"`
}

func (s *Server) createRepository(c *gin.Context) {
	var req createRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	repo, err := s.deps.Workspaces.RegisterRepository(c.Request.Context(), req.Name, req.Path, req.DefaultBranch, req.InitScript)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

func (s *Server) listRepositories(c *gin.Context) {
	repos, err := s.deps.Workspaces.ListRepositories(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos})
}

func (s *Server) getRepository(c *gin.Context) {
	repo, err := s.deps.Workspaces.GetRepositoryRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, repo)
}

type updateRepositoryRequest struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	InitScript    string `json:"init_script"`
}

func (s *Server) updateRepository(c *gin.Context) {
	var req updateRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	repo, err := s.deps.Workspaces.UpdateRepository(c.Request.Context(), c.Param("id"), req.Name, req.DefaultBranch, req.InitScript)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, repo)
}

func (s *Server) deleteRepository(c *gin.Context) {
	if err := s.deps.Workspaces.RemoveRepository(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) repositoryStatus(c *gin.Context) {
	repo, err := s.deps.Workspaces.GetRepositoryRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	status, err := s.deps.Git.Status(c.Request.Context(), repo.Path)
	if err != nil {
		s.respondError(c, apperr.GitOperation("failed to read repository status", err))
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) repositoryBranches(c *gin.Context) {
	repo, err := s.deps.Workspaces.GetRepositoryRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	branches, err := s.deps.Git.ListBranches(c.Request.Context(), repo.Path)
	if err != nil {
		s.respondError(c, apperr.GitOperation("failed to list branches", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}

func (s *Server) repositoryWorktrees(c *gin.Context) {
	repo, err := s.deps.Workspaces.GetRepositoryRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	worktrees, err := s.deps.Git.ListWorktrees(c.Request.Context(), repo.Path)
	if err != nil {
		s.respondError(c, apperr.GitOperation("failed to list worktrees", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"worktrees": worktrees})
}

func (s *Server) getScriptCatalog(c *gin.Context) {
	repo, err := s.deps.Workspaces.GetRepositoryRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	// Load already returns structured errors; an invalid catalog is a
	// validation failure, not an I/O one.
	catalog, err := scripts.Load(scripts.CatalogPath(repo.Path, s.wsCfg.ReservedDir))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, catalog)
}

func (s *Server) putScriptCatalog(c *gin.Context) {
	repo, err := s.deps.Workspaces.GetRepositoryRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	var catalog scripts.Catalog
	if err := c.ShouldBindJSON(&catalog); err != nil {
		s.respondError(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	if err := catalog.Validate(); err != nil {
		s.respondError(c, err)
		return
	}
	if err := scripts.Save(scripts.CatalogPath(repo.Path, s.wsCfg.ReservedDir), &catalog); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, catalog)
}
