package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/workhorse/workhorse/internal/common/config"
	"github.com/workhorse/workhorse/internal/common/httpmw"
	"github.com/workhorse/workhorse/internal/common/logger"
	"github.com/workhorse/workhorse/internal/events/bus"
	"github.com/workhorse/workhorse/internal/gitrepo"
	"github.com/workhorse/workhorse/internal/script"
	"github.com/workhorse/workhorse/internal/terminal"
	"github.com/workhorse/workhorse/internal/workspace"
)

// Deps bundles the managers the HTTP layer exposes.
type Deps struct {
	Workspaces *workspace.Manager
	Git        *gitrepo.Manager
	Engine     *script.Engine
	Terminals  *terminal.Manager
	Events     bus.EventBus
}

// Server exposes the engine over HTTP plus a websocket event stream.
type Server struct {
	cfg    config.ServerConfig
	wsCfg  config.WorkspaceConfig
	deps   Deps
	log    *logger.Logger
	router *gin.Engine
	http   *http.Server
}

// New builds the server and registers all routes.
func New(cfg config.ServerConfig, wsCfg config.WorkspaceConfig, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), httpmw.RequestLogger(log))

	s := &Server{
		cfg:    cfg,
		wsCfg:  wsCfg,
		deps:   deps,
		log:    log.WithFields(zap.String("component", "http-server")),
		router: router,
	}
	s.registerRoutes()
	return s
}

// Router returns the underlying gin engine, used by tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "workhorse"})
	})
	s.router.GET("/ws", s.handleEventStream)

	api := s.router.Group("/api/v1")

	api.POST("/repositories", s.createRepository)
	api.GET("/repositories", s.listRepositories)
	api.GET("/repositories/:id", s.getRepository)
	api.PATCH("/repositories/:id", s.updateRepository)
	api.DELETE("/repositories/:id", s.deleteRepository)
	api.GET("/repositories/:id/status", s.repositoryStatus)
	api.GET("/repositories/:id/branches", s.repositoryBranches)
	api.GET("/repositories/:id/worktrees", s.repositoryWorktrees)
	api.GET("/repositories/:id/scripts", s.getScriptCatalog)
	api.PUT("/repositories/:id/scripts", s.putScriptCatalog)

	api.POST("/workspaces", s.createWorkspace)
	api.GET("/workspaces", s.listWorkspaces)
	api.GET("/workspaces/stats", s.workspaceStats)
	api.POST("/workspaces/reconcile", s.reconcileWorkspaces)
	api.POST("/workspaces/cleanup-broken", s.cleanupBrokenWorkspaces)
	api.GET("/workspaces/:id", s.getWorkspace)
	api.DELETE("/workspaces/:id", s.deleteWorkspace)
	api.POST("/workspaces/:id/archive", s.archiveWorkspace)
	api.POST("/workspaces/:id/restore", s.restoreWorkspace)
	api.POST("/workspaces/:id/access", s.accessWorkspace)
	api.PUT("/workspaces/:id/tags/:tag", s.addWorkspaceTag)
	api.DELETE("/workspaces/:id/tags/:tag", s.removeWorkspaceTag)
	api.PUT("/workspaces/:id/fields/:key", s.setWorkspaceField)
	api.DELETE("/workspaces/:id/fields/:key", s.removeWorkspaceField)

	api.POST("/executions", s.createExecution)
	api.GET("/executions", s.listExecutions)
	api.POST("/executions/cleanup", s.cleanupExecutions)
	api.GET("/executions/:id", s.getExecution)
	api.POST("/executions/:id/execute", s.runExecution)
	api.POST("/executions/:id/cancel", s.cancelExecution)

	api.POST("/sessions", s.createSession)
	api.GET("/sessions", s.listSessions)
	api.POST("/sessions/exec", s.execSingleCommand)
	api.POST("/sessions/cleanup", s.cleanupSessions)
	api.GET("/sessions/:id", s.getSession)
	api.PATCH("/sessions/:id", s.renameSession)
	api.POST("/sessions/:id/start", s.startSession)
	api.POST("/sessions/:id/commands", s.sendSessionCommand)
	api.GET("/sessions/:id/output", s.sessionOutput)
	api.POST("/sessions/:id/close", s.closeSession)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("shutting down http server")
	return s.http.Shutdown(shutdownCtx)
}
