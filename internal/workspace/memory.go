package workspace

import (
	"context"
	"sort"
	"sync"

	"github.com/workhorse/workhorse/internal/common/apperr"
)

// MemoryStore is an in-memory Store used by tests and by deployments that
// do not need durable metadata.
type MemoryStore struct {
	mu           sync.RWMutex
	repositories map[string]*Repository
	workspaces   map[string]*Metadata
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		repositories: make(map[string]*Repository),
		workspaces:   make(map[string]*Metadata),
	}
}

func (s *MemoryStore) GetRepository(_ context.Context, id string) (*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	repo, ok := s.repositories[id]
	if !ok {
		return nil, apperr.NotFound("repository", id)
	}
	clone := *repo
	return &clone, nil
}

func (s *MemoryStore) GetRepositoryByPath(_ context.Context, path string) (*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, repo := range s.repositories {
		if repo.Path == path {
			clone := *repo
			return &clone, nil
		}
	}
	return nil, apperr.NotFound("repository", path)
}

func (s *MemoryStore) UpsertRepository(_ context.Context, repo *Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *repo
	s.repositories[repo.ID] = &clone
	return nil
}

func (s *MemoryStore) DeleteRepository(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repositories[id]; !ok {
		return apperr.NotFound("repository", id)
	}
	delete(s.repositories, id)
	return nil
}

func (s *MemoryStore) ListRepositories(_ context.Context) ([]*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Repository, 0, len(s.repositories))
	for _, repo := range s.repositories {
		clone := *repo
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, id string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.workspaces[id]
	if !ok {
		return nil, apperr.NotFound("workspace", id)
	}
	return meta.Clone(), nil
}

func (s *MemoryStore) GetWorkspaceByName(_ context.Context, repositoryID, name string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, meta := range s.workspaces {
		if meta.RepositoryID == repositoryID && meta.Name == name {
			return meta.Clone(), nil
		}
	}
	return nil, apperr.NotFound("workspace", name)
}

func (s *MemoryStore) UpsertWorkspace(_ context.Context, meta *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[meta.ID] = meta.Clone()
	return nil
}

func (s *MemoryStore) DeleteWorkspace(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[id]; !ok {
		return apperr.NotFound("workspace", id)
	}
	delete(s.workspaces, id)
	return nil
}

func (s *MemoryStore) ListWorkspaces(_ context.Context) ([]*Metadata, error) {
	return s.listWhere(func(*Metadata) bool { return true }), nil
}

func (s *MemoryStore) ListWorkspacesByRepository(_ context.Context, repositoryID string) ([]*Metadata, error) {
	return s.listWhere(func(m *Metadata) bool { return m.RepositoryID == repositoryID }), nil
}

func (s *MemoryStore) ListWorkspacesByStatus(_ context.Context, status Status) ([]*Metadata, error) {
	return s.listWhere(func(m *Metadata) bool { return m.Status == status }), nil
}

func (s *MemoryStore) listWhere(match func(*Metadata) bool) []*Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Metadata, 0)
	for _, meta := range s.workspaces {
		if match(meta) {
			result = append(result, meta.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (s *MemoryStore) Close() error { return nil }
