package workspace

import "context"

// Store is the narrow persistence interface the lifecycle manager works
// against. Implementations must return apperr.NotFound for unknown ids so
// callers can branch on the error kind.
type Store interface {
	// Repository records
	GetRepository(ctx context.Context, id string) (*Repository, error)
	GetRepositoryByPath(ctx context.Context, path string) (*Repository, error)
	UpsertRepository(ctx context.Context, repo *Repository) error
	DeleteRepository(ctx context.Context, id string) error
	ListRepositories(ctx context.Context) ([]*Repository, error)

	// Workspace records
	GetWorkspace(ctx context.Context, id string) (*Metadata, error)
	GetWorkspaceByName(ctx context.Context, repositoryID, name string) (*Metadata, error)
	UpsertWorkspace(ctx context.Context, meta *Metadata) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspaces(ctx context.Context) ([]*Metadata, error)
	ListWorkspacesByRepository(ctx context.Context, repositoryID string) ([]*Metadata, error)
	ListWorkspacesByStatus(ctx context.Context, status Status) ([]*Metadata, error)

	Close() error
}
