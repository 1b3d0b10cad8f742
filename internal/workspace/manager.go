package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/workhorse/workhorse/internal/common/apperr"
	"github.com/workhorse/workhorse/internal/common/config"
	"github.com/workhorse/workhorse/internal/common/logger"
	"github.com/workhorse/workhorse/internal/events/bus"
	"github.com/workhorse/workhorse/internal/gitrepo"
)

// reservedSubdirs are created inside the reserved directory when a
// repository is registered. Workspace names must not collide with them.
var reservedSubdirs = []string{"configs", "scripts", "logs"}

// Manager orchestrates workspace lifecycle: it materializes worktrees
// through gitrepo, persists metadata through the Store, and keeps the two
// in agreement. Operations on the same workspace id are serialized;
// different ids proceed independently.
type Manager struct {
	store  Store
	git    *gitrepo.Manager
	events bus.EventBus
	cfg    config.WorkspaceConfig
	log    *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a workspace lifecycle manager. The event bus may be
// nil, in which case no lifecycle events are published.
func NewManager(store Store, git *gitrepo.Manager, events bus.EventBus, cfg config.WorkspaceConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:  store,
		git:    git,
		events: events,
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "workspace-manager")),
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockWorkspace acquires the per-id mutex and returns its release func.
func (m *Manager) lockWorkspace(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) releaseLock(id string) {
	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
}

// RegisterRepository validates that path is a local git repository,
// bootstraps the reserved directory, and persists the record. The path is
// canonicalized and must not already be registered.
func (m *Manager) RegisterRepository(ctx context.Context, name, path, defaultBranch, initScript string) (*Repository, error) {
	if name == "" {
		return nil, apperr.Validation("repository name is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, apperr.Validation("invalid repository path %q: %v", path, err)
	}
	if !m.git.IsGitRepository(abs) {
		return nil, apperr.Validation("path %q is not a git repository", abs)
	}
	if existing, err := m.store.GetRepositoryByPath(ctx, abs); err == nil {
		return nil, apperr.Validation("repository at %q already registered as %q", abs, existing.Name)
	} else if !apperr.IsNotFound(err) {
		return nil, err
	}

	if err := m.bootstrapReservedDir(abs); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	repo := &Repository{
		ID:            uuid.New().String(),
		Name:          name,
		Path:          abs,
		DefaultBranch: defaultBranch,
		InitScript:    initScript,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.UpsertRepository(ctx, repo); err != nil {
		return nil, err
	}

	m.log.Info("registered repository",
		zap.String("repository_id", repo.ID),
		zap.String("path", repo.Path))
	return repo, nil
}

// bootstrapReservedDir creates the reserved directory and its standard
// subdirectories, and makes sure git ignores the whole tree.
func (m *Manager) bootstrapReservedDir(repoPath string) error {
	root := filepath.Join(repoPath, m.cfg.ReservedDir)
	for _, sub := range reservedSubdirs {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return apperr.IO(fmt.Sprintf("failed to create %s directory", m.cfg.ReservedDir), err)
		}
	}
	if err := m.git.EnsureExcluded(repoPath, m.cfg.ReservedDir); err != nil {
		return apperr.IO("failed to update git exclude file", err)
	}
	return nil
}

// GetRepositoryRecord returns a registered repository by id.
func (m *Manager) GetRepositoryRecord(ctx context.Context, id string) (*Repository, error) {
	return m.store.GetRepository(ctx, id)
}

// ListRepositories returns all registered repositories.
func (m *Manager) ListRepositories(ctx context.Context) ([]*Repository, error) {
	return m.store.ListRepositories(ctx)
}

// UpdateRepository updates the mutable fields of a repository record.
func (m *Manager) UpdateRepository(ctx context.Context, id, name, defaultBranch, initScript string) (*Repository, error) {
	repo, err := m.store.GetRepository(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != "" {
		repo.Name = name
	}
	repo.DefaultBranch = defaultBranch
	repo.InitScript = initScript
	repo.UpdatedAt = time.Now().UTC()
	if err := m.store.UpsertRepository(ctx, repo); err != nil {
		return nil, err
	}
	return repo, nil
}

// RemoveRepository deletes a repository record. It refuses while any
// workspaces still reference it.
func (m *Manager) RemoveRepository(ctx context.Context, id string) error {
	if _, err := m.store.GetRepository(ctx, id); err != nil {
		return err
	}
	workspaces, err := m.store.ListWorkspacesByRepository(ctx, id)
	if err != nil {
		return err
	}
	if len(workspaces) > 0 {
		return apperr.StateConflict("repository has %d workspaces, delete them first", len(workspaces))
	}
	return m.store.DeleteRepository(ctx, id)
}

// CreateRequest carries the parameters for creating a workspace.
type CreateRequest struct {
	RepositoryID          string
	Name                  string
	Branch                string
	BaseBranch            string
	CreateBranchIfMissing bool
	Tags                  []string
}

// Create provisions a new workspace: metadata is persisted as Initializing
// first, then the worktree is materialized, then the status flips to
// Active. If the git side fails the metadata row is rolled back so no
// record outlives a worktree that was never created.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Metadata, error) {
	if err := validateWorkspaceName(req.Name); err != nil {
		return nil, err
	}
	if req.Branch == "" {
		return nil, apperr.Validation("branch name is required")
	}

	repo, err := m.store.GetRepository(ctx, req.RepositoryID)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.GetWorkspaceByName(ctx, repo.ID, req.Name); err == nil {
		return nil, apperr.Validation("workspace %q already exists in repository %q", req.Name, repo.Name)
	} else if !apperr.IsNotFound(err) {
		return nil, err
	}

	if !req.CreateBranchIfMissing && !m.git.BranchExists(ctx, repo.Path, req.Branch) {
		return nil, apperr.Validation("branch %q does not exist", req.Branch)
	}

	base := req.BaseBranch
	if base == "" {
		base = repo.DefaultBranch
	}
	if base == "" {
		base = m.cfg.DefaultBranch
	}

	now := time.Now().UTC()
	meta := &Metadata{
		ID:           uuid.New().String(),
		RepositoryID: repo.ID,
		Name:         req.Name,
		Branch:       req.Branch,
		Path:         filepath.Join(repo.Path, m.cfg.ReservedDir, req.Name),
		Status:       StatusInitializing,
		Tags:         req.Tags,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	unlock := m.lockWorkspace(meta.ID)
	defer unlock()

	if err := m.store.UpsertWorkspace(ctx, meta); err != nil {
		return nil, err
	}

	if err := m.git.CreateWorktree(ctx, repo.Path, req.Branch, meta.Path, base); err != nil {
		if delErr := m.store.DeleteWorkspace(ctx, meta.ID); delErr != nil {
			m.log.Error("failed to roll back workspace metadata",
				zap.String("workspace_id", meta.ID), zap.Error(delErr))
		}
		return nil, mapGitError(err, "failed to create worktree")
	}

	meta.Status = StatusActive
	meta.UpdatedAt = time.Now().UTC()
	if err := m.store.UpsertWorkspace(ctx, meta); err != nil {
		return nil, err
	}

	m.log.WithWorkspaceID(meta.ID).Info("workspace created",
		zap.String("branch", meta.Branch), zap.String("path", meta.Path))
	m.publish(bus.SubjectWorkspaceCreated, meta)
	return meta.Clone(), nil
}

// Archive sets a workspace to Archived. With cleanupFiles the worktree is
// also removed from disk; the metadata stays so Restore can rebuild it.
func (m *Manager) Archive(ctx context.Context, id string, cleanupFiles bool) (*Metadata, error) {
	unlock := m.lockWorkspace(id)
	defer unlock()

	meta, err := m.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.Status != StatusActive {
		return nil, apperr.StateConflict("cannot archive workspace in status %q", meta.Status)
	}

	if cleanupFiles {
		repo, err := m.store.GetRepository(ctx, meta.RepositoryID)
		if err != nil {
			return nil, err
		}
		if err := m.git.RemoveWorktree(ctx, repo.Path, meta.Path); err != nil {
			return nil, mapGitError(err, "failed to remove worktree")
		}
	}

	now := time.Now().UTC()
	meta.Status = StatusArchived
	meta.ArchivedAt = &now
	meta.UpdatedAt = now
	if err := m.store.UpsertWorkspace(ctx, meta); err != nil {
		return nil, err
	}

	m.log.WithWorkspaceID(id).Info("workspace archived", zap.Bool("cleanup_files", cleanupFiles))
	m.publish(bus.SubjectWorkspaceArchived, meta)
	return meta, nil
}

// Restore brings an Archived or Broken workspace back to Active,
// recreating the worktree from the stored branch when it is missing.
func (m *Manager) Restore(ctx context.Context, id string) (*Metadata, error) {
	unlock := m.lockWorkspace(id)
	defer unlock()

	meta, err := m.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.Status != StatusArchived && meta.Status != StatusBroken {
		return nil, apperr.StateConflict("cannot restore workspace in status %q", meta.Status)
	}

	repo, err := m.store.GetRepository(ctx, meta.RepositoryID)
	if err != nil {
		return nil, err
	}

	if !m.git.IsValidWorktree(meta.Path) {
		base := repo.DefaultBranch
		if base == "" {
			base = m.cfg.DefaultBranch
		}
		if err := m.git.CreateWorktree(ctx, repo.Path, meta.Branch, meta.Path, base); err != nil {
			return nil, mapGitError(err, "failed to recreate worktree")
		}
	}

	meta.Status = StatusActive
	meta.ArchivedAt = nil
	meta.UpdatedAt = time.Now().UTC()
	if err := m.store.UpsertWorkspace(ctx, meta); err != nil {
		return nil, err
	}

	m.log.WithWorkspaceID(id).Info("workspace restored", zap.String("branch", meta.Branch))
	m.publish(bus.SubjectWorkspaceRestored, meta)
	return meta, nil
}

// Delete tears a workspace down: best-effort worktree removal, then the
// metadata row. Valid from any status. Deleting an unknown id succeeds, so
// retries after partial failures are safe.
func (m *Manager) Delete(ctx context.Context, id string) error {
	unlock := m.lockWorkspace(id)
	defer func() {
		unlock()
		m.releaseLock(id)
	}()

	meta, err := m.store.GetWorkspace(ctx, id)
	if apperr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if repo, err := m.store.GetRepository(ctx, meta.RepositoryID); err == nil {
		if err := m.git.RemoveWorktree(ctx, repo.Path, meta.Path); err != nil {
			m.log.WithWorkspaceID(id).Warn("worktree removal failed during delete", zap.Error(err))
		}
	}

	if err := m.store.DeleteWorkspace(ctx, id); err != nil && !apperr.IsNotFound(err) {
		return err
	}

	m.log.WithWorkspaceID(id).Info("workspace deleted")
	m.publish(bus.SubjectWorkspaceDeleted, meta)
	return nil
}

// Access stamps last_accessed_at without any state change.
func (m *Manager) Access(ctx context.Context, id string) error {
	unlock := m.lockWorkspace(id)
	defer unlock()

	meta, err := m.store.GetWorkspace(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	meta.LastAccessedAt = &now
	meta.UpdatedAt = now
	return m.store.UpsertWorkspace(ctx, meta)
}

// Get returns workspace metadata by id.
func (m *Manager) Get(ctx context.Context, id string) (*Metadata, error) {
	return m.store.GetWorkspace(ctx, id)
}

// List returns all workspaces, optionally scoped to a repository.
func (m *Manager) List(ctx context.Context, repositoryID string) ([]*Metadata, error) {
	if repositoryID == "" {
		return m.store.ListWorkspaces(ctx)
	}
	return m.store.ListWorkspacesByRepository(ctx, repositoryID)
}

// AddTag adds a tag to the workspace. Adding an existing tag is a no-op.
func (m *Manager) AddTag(ctx context.Context, id, tag string) error {
	if tag == "" {
		return apperr.Validation("tag is required")
	}
	return m.mutate(ctx, id, func(meta *Metadata) {
		if !meta.HasTag(tag) {
			meta.Tags = append(meta.Tags, tag)
		}
	})
}

// RemoveTag removes a tag from the workspace. Removing an absent tag is a
// no-op.
func (m *Manager) RemoveTag(ctx context.Context, id, tag string) error {
	return m.mutate(ctx, id, func(meta *Metadata) {
		kept := meta.Tags[:0]
		for _, t := range meta.Tags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		meta.Tags = kept
	})
}

// SetCustomField upserts a custom string field on the workspace.
func (m *Manager) SetCustomField(ctx context.Context, id, key, value string) error {
	if key == "" {
		return apperr.Validation("custom field key is required")
	}
	return m.mutate(ctx, id, func(meta *Metadata) {
		if meta.CustomFields == nil {
			meta.CustomFields = make(map[string]string)
		}
		meta.CustomFields[key] = value
	})
}

// RemoveCustomField deletes a custom field. Removing an absent key is a
// no-op.
func (m *Manager) RemoveCustomField(ctx context.Context, id, key string) error {
	return m.mutate(ctx, id, func(meta *Metadata) {
		delete(meta.CustomFields, key)
	})
}

func (m *Manager) mutate(ctx context.Context, id string, apply func(*Metadata)) error {
	unlock := m.lockWorkspace(id)
	defer unlock()

	meta, err := m.store.GetWorkspace(ctx, id)
	if err != nil {
		return err
	}
	apply(meta)
	meta.UpdatedAt = time.Now().UTC()
	return m.store.UpsertWorkspace(ctx, meta)
}

// FindByTag returns all workspaces carrying the tag.
func (m *Manager) FindByTag(ctx context.Context, tag string) ([]*Metadata, error) {
	all, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]*Metadata, 0)
	for _, meta := range all {
		if meta.HasTag(tag) {
			matched = append(matched, meta)
		}
	}
	return matched, nil
}

// FindByStatus returns all workspaces in the given status.
func (m *Manager) FindByStatus(ctx context.Context, status Status) ([]*Metadata, error) {
	return m.store.ListWorkspacesByStatus(ctx, status)
}

// Reconcile compares stored metadata against filesystem and git state.
// Active workspaces without a valid worktree, Archived workspaces whose
// recorded path is now a non-worktree directory, and Initializing rows
// older than the grace period are flipped to Broken. It never deletes
// data; it returns the ids it re-tagged.
func (m *Manager) Reconcile(ctx context.Context) ([]string, error) {
	all, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}

	var broken []string
	for _, meta := range all {
		if !m.isDrifted(meta) {
			continue
		}
		func() {
			unlock := m.lockWorkspace(meta.ID)
			defer unlock()

			current, err := m.store.GetWorkspace(ctx, meta.ID)
			if err != nil || !m.isDrifted(current) {
				return
			}
			current.Status = StatusBroken
			current.UpdatedAt = time.Now().UTC()
			if err := m.store.UpsertWorkspace(ctx, current); err != nil {
				m.log.WithWorkspaceID(meta.ID).Error("failed to mark workspace broken", zap.Error(err))
				return
			}
			broken = append(broken, meta.ID)
			m.log.WithWorkspaceID(meta.ID).Warn("workspace marked broken",
				zap.String("path", meta.Path))
			m.publish(bus.SubjectWorkspaceBroken, current)
		}()
	}
	return broken, nil
}

// isDrifted reports whether stored metadata disagrees with on-disk state.
func (m *Manager) isDrifted(meta *Metadata) bool {
	switch meta.Status {
	case StatusActive:
		return !m.git.IsValidWorktree(meta.Path)
	case StatusArchived:
		// Archived after cleanup has no directory; that is fine. A
		// directory that exists but stopped being a worktree is drift.
		if _, err := os.Stat(meta.Path); os.IsNotExist(err) {
			return false
		}
		return !m.git.IsValidWorktree(meta.Path)
	case StatusInitializing:
		return time.Since(meta.CreatedAt) > m.cfg.InitGrace()
	default:
		return false
	}
}

// CleanupBroken deletes every Broken workspace, removing any leftover
// files. Returns the ids it removed.
func (m *Manager) CleanupBroken(ctx context.Context) ([]string, error) {
	brokenList, err := m.store.ListWorkspacesByStatus(ctx, StatusBroken)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, meta := range brokenList {
		if err := m.Delete(ctx, meta.ID); err != nil {
			m.log.WithWorkspaceID(meta.ID).Error("failed to clean up broken workspace", zap.Error(err))
			continue
		}
		removed = append(removed, meta.ID)
	}
	return removed, nil
}

// Statistics aggregates workspace counts by status, repository, and tag.
func (m *Manager) Statistics(ctx context.Context) (*Stats, error) {
	all, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Total:        len(all),
		ByStatus:     make(map[Status]int),
		ByRepository: make(map[string]int),
		ByBranch:     make(map[string]int),
		ByTag:        make(map[string]int),
	}
	for _, meta := range all {
		stats.ByStatus[meta.Status]++
		stats.ByRepository[meta.RepositoryID]++
		stats.ByBranch[meta.Branch]++
		for _, tag := range meta.Tags {
			stats.ByTag[tag]++
		}
	}
	return stats, nil
}

func (m *Manager) publish(subject string, meta *Metadata) {
	if m.events == nil {
		return
	}
	event := bus.NewEvent(subject, "workspace-manager", map[string]interface{}{
		"workspace_id":  meta.ID,
		"repository_id": meta.RepositoryID,
		"name":          meta.Name,
		"status":        string(meta.Status),
	})
	if err := m.events.Publish(context.Background(), subject, event); err != nil {
		m.log.Warn("failed to publish workspace event",
			zap.String("subject", subject), zap.Error(err))
	}
}

// validateWorkspaceName enforces filesystem-safe names that cannot escape
// the reserved directory or collide with its bookkeeping subdirectories.
func validateWorkspaceName(name string) error {
	if name == "" {
		return apperr.Validation("workspace name is required")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return apperr.Validation("workspace name %q contains path separators", name)
	}
	for _, sub := range reservedSubdirs {
		if name == sub {
			return apperr.Validation("workspace name %q is reserved", name)
		}
	}
	return nil
}

// mapGitError converts gitrepo sentinel errors into the structured kinds
// callers branch on.
func mapGitError(err error, msg string) error {
	switch {
	case errors.Is(err, gitrepo.ErrBranchCheckedOut):
		return apperr.StateConflict("%s: %v", msg, err)
	case errors.Is(err, gitrepo.ErrWorktreePathNotEmpty):
		return apperr.Validation("%s: %v", msg, err)
	default:
		return apperr.GitOperation(msg, err)
	}
}
