package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/workhorse/workhorse/internal/common/apperr"
	"github.com/workhorse/workhorse/internal/gitrepo"
	"github.com/workhorse/workhorse/internal/workspace"
)

type createWorkspaceRequest struct {
	RepositoryID          string   `json:"repository_id" binding:"required"`
	Name                  string   `json:"name" binding:"required"`
	Branch                string   `json:"branch"`
	BaseBranch            string   `json:"base_branch"`
	CreateBranchIfMissing bool     `json:"create_branch_if_missing"`
	Tags                  []string `json:"tags"`
}

// deriveBranchName builds a branch name from a workspace name when the
// request omits one.
func deriveBranchName(name string) string {
	sanitized := gitrepo.SanitizeForBranch(name, 40)
	if sanitized == "" {
		sanitized = gitrepo.SmallSuffix(8)
	}
	return "workspace/" + sanitized
}

func (s *Server) createWorkspace(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	branch := req.Branch
	createIfMissing := req.CreateBranchIfMissing
	if branch == "" {
		branch = deriveBranchName(req.Name)
		createIfMissing = true
	}
	meta, err := s.deps.Workspaces.Create(c.Request.Context(), workspace.CreateRequest{
		RepositoryID:          req.RepositoryID,
		Name:                  req.Name,
		Branch:                branch,
		BaseBranch:            req.BaseBranch,
		CreateBranchIfMissing: createIfMissing,
		Tags:                  req.Tags,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, meta)
}

// listWorkspaces supports repository_id, status, and tag query filters.
func (s *Server) listWorkspaces(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		list []*workspace.Metadata
		err  error
	)
	switch {
	case c.Query("tag") != "":
		list, err = s.deps.Workspaces.FindByTag(ctx, c.Query("tag"))
	case c.Query("status") != "":
		list, err = s.deps.Workspaces.FindByStatus(ctx, workspace.Status(c.Query("status")))
	default:
		list, err = s.deps.Workspaces.List(ctx, c.Query("repository_id"))
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": list})
}

func (s *Server) getWorkspace(c *gin.Context) {
	meta, err := s.deps.Workspaces.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) deleteWorkspace(c *gin.Context) {
	if err := s.deps.Workspaces.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type archiveWorkspaceRequest struct {
	CleanupFiles bool `json:"cleanup_files"`
}

func (s *Server) archiveWorkspace(c *gin.Context) {
	var req archiveWorkspaceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, apperr.Validation("invalid payload: %v", err))
			return
		}
	}
	meta, err := s.deps.Workspaces.Archive(c.Request.Context(), c.Param("id"), req.CleanupFiles)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) restoreWorkspace(c *gin.Context) {
	meta, err := s.deps.Workspaces.Restore(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) accessWorkspace(c *gin.Context) {
	if err := s.deps.Workspaces.Access(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) addWorkspaceTag(c *gin.Context) {
	if err := s.deps.Workspaces.AddTag(c.Request.Context(), c.Param("id"), c.Param("tag")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) removeWorkspaceTag(c *gin.Context) {
	if err := s.deps.Workspaces.RemoveTag(c.Request.Context(), c.Param("id"), c.Param("tag")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type setFieldRequest struct {
	Value string `json:"value"`
}

func (s *Server) setWorkspaceField(c *gin.Context) {
	var req setFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	if err := s.deps.Workspaces.SetCustomField(c.Request.Context(), c.Param("id"), c.Param("key"), req.Value); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) removeWorkspaceField(c *gin.Context) {
	if err := s.deps.Workspaces.RemoveCustomField(c.Request.Context(), c.Param("id"), c.Param("key")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) workspaceStats(c *gin.Context) {
	stats, err := s.deps.Workspaces.Statistics(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) reconcileWorkspaces(c *gin.Context) {
	broken, err := s.deps.Workspaces.Reconcile(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	if broken == nil {
		broken = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"broken": broken})
}

func (s *Server) cleanupBrokenWorkspaces(c *gin.Context) {
	removed, err := s.deps.Workspaces.CleanupBroken(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
