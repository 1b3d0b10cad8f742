package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/workhorse/workhorse/internal/common/apperr"
	"github.com/workhorse/workhorse/internal/db"
)

// SQLStore persists repositories and workspace metadata through a db.Pool.
// Reads go through the reader handle, writes through the single writer, so
// reconciliation scans never block lifecycle transitions.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore initializes the schema and returns a ready store.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workspace schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		default_branch TEXT NOT NULL DEFAULT '',
		init_script TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		name TEXT NOT NULL,
		branch TEXT NOT NULL,
		path TEXT NOT NULL,
		status TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		custom_fields TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_accessed_at TIMESTAMP,
		archived_at TIMESTAMP,
		UNIQUE (repository_id, name),
		FOREIGN KEY (repository_id) REFERENCES repositories(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_workspaces_repository_id ON workspaces(repository_id);
	CREATE INDEX IF NOT EXISTS idx_workspaces_status ON workspaces(status);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// workspaceRow is the flat scan target; tags and custom fields are stored
// as JSON text columns.
type workspaceRow struct {
	ID             string     `db:"id"`
	RepositoryID   string     `db:"repository_id"`
	Name           string     `db:"name"`
	Branch         string     `db:"branch"`
	Path           string     `db:"path"`
	Status         string     `db:"status"`
	Tags           string     `db:"tags"`
	CustomFields   string     `db:"custom_fields"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	LastAccessedAt *time.Time `db:"last_accessed_at"`
	ArchivedAt     *time.Time `db:"archived_at"`
}

func (r *workspaceRow) toMetadata() *Metadata {
	meta := &Metadata{
		ID:             r.ID,
		RepositoryID:   r.RepositoryID,
		Name:           r.Name,
		Branch:         r.Branch,
		Path:           r.Path,
		Status:         Status(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		LastAccessedAt: r.LastAccessedAt,
		ArchivedAt:     r.ArchivedAt,
	}
	_ = json.Unmarshal([]byte(r.Tags), &meta.Tags)
	_ = json.Unmarshal([]byte(r.CustomFields), &meta.CustomFields)
	return meta
}

func rowFromMetadata(meta *Metadata) (*workspaceRow, error) {
	tags, err := json.Marshal(meta.Tags)
	if err != nil {
		tags = []byte("[]")
	}
	fields, err := json.Marshal(meta.CustomFields)
	if err != nil {
		fields = []byte("{}")
	}
	return &workspaceRow{
		ID:             meta.ID,
		RepositoryID:   meta.RepositoryID,
		Name:           meta.Name,
		Branch:         meta.Branch,
		Path:           meta.Path,
		Status:         string(meta.Status),
		Tags:           string(tags),
		CustomFields:   string(fields),
		CreatedAt:      meta.CreatedAt,
		UpdatedAt:      meta.UpdatedAt,
		LastAccessedAt: meta.LastAccessedAt,
		ArchivedAt:     meta.ArchivedAt,
	}, nil
}

// GetRepository retrieves a repository record by id.
func (s *SQLStore) GetRepository(ctx context.Context, id string) (*Repository, error) {
	reader := s.pool.Reader()
	repo := &Repository{}
	query := reader.Rebind(`SELECT id, name, path, default_branch, init_script, created_at, updated_at FROM repositories WHERE id = ?`)
	err := reader.GetContext(ctx, repo, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("repository", id)
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// GetRepositoryByPath retrieves a repository record by its canonical path.
func (s *SQLStore) GetRepositoryByPath(ctx context.Context, path string) (*Repository, error) {
	reader := s.pool.Reader()
	repo := &Repository{}
	query := reader.Rebind(`SELECT id, name, path, default_branch, init_script, created_at, updated_at FROM repositories WHERE path = ?`)
	err := reader.GetContext(ctx, repo, query, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("repository", path)
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// UpsertRepository inserts or replaces a repository record.
func (s *SQLStore) UpsertRepository(ctx context.Context, repo *Repository) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO repositories (id, name, path, default_branch, init_script, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			default_branch = excluded.default_branch,
			init_script = excluded.init_script,
			updated_at = excluded.updated_at
	`)
	_, err := writer.ExecContext(ctx, query,
		repo.ID, repo.Name, repo.Path, repo.DefaultBranch, repo.InitScript,
		repo.CreatedAt, repo.UpdatedAt)
	return err
}

// DeleteRepository removes a repository record by id.
func (s *SQLStore) DeleteRepository(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM repositories WHERE id = ?`)
	result, err := writer.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFound("repository", id)
	}
	return nil
}

// ListRepositories returns all registered repositories ordered by name.
func (s *SQLStore) ListRepositories(ctx context.Context) ([]*Repository, error) {
	reader := s.pool.Reader()
	var repos []*Repository
	err := reader.SelectContext(ctx, &repos,
		`SELECT id, name, path, default_branch, init_script, created_at, updated_at FROM repositories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return repos, nil
}

// GetWorkspace retrieves workspace metadata by id.
func (s *SQLStore) GetWorkspace(ctx context.Context, id string) (*Metadata, error) {
	reader := s.pool.Reader()
	row := &workspaceRow{}
	query := reader.Rebind(`SELECT * FROM workspaces WHERE id = ?`)
	err := reader.GetContext(ctx, row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("workspace", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toMetadata(), nil
}

// GetWorkspaceByName retrieves workspace metadata by repository id and name.
func (s *SQLStore) GetWorkspaceByName(ctx context.Context, repositoryID, name string) (*Metadata, error) {
	reader := s.pool.Reader()
	row := &workspaceRow{}
	query := reader.Rebind(`SELECT * FROM workspaces WHERE repository_id = ? AND name = ?`)
	err := reader.GetContext(ctx, row, query, repositoryID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("workspace", name)
	}
	if err != nil {
		return nil, err
	}
	return row.toMetadata(), nil
}

// UpsertWorkspace inserts or replaces a workspace metadata record.
func (s *SQLStore) UpsertWorkspace(ctx context.Context, meta *Metadata) error {
	row, err := rowFromMetadata(meta)
	if err != nil {
		return err
	}
	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO workspaces (id, repository_id, name, branch, path, status, tags, custom_fields, created_at, updated_at, last_accessed_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			branch = excluded.branch,
			path = excluded.path,
			status = excluded.status,
			tags = excluded.tags,
			custom_fields = excluded.custom_fields,
			updated_at = excluded.updated_at,
			last_accessed_at = excluded.last_accessed_at,
			archived_at = excluded.archived_at
	`)
	_, err = writer.ExecContext(ctx, query,
		row.ID, row.RepositoryID, row.Name, row.Branch, row.Path, row.Status,
		row.Tags, row.CustomFields, row.CreatedAt, row.UpdatedAt,
		row.LastAccessedAt, row.ArchivedAt)
	return err
}

// DeleteWorkspace removes a workspace metadata record by id.
func (s *SQLStore) DeleteWorkspace(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM workspaces WHERE id = ?`)
	result, err := writer.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFound("workspace", id)
	}
	return nil
}

// ListWorkspaces returns all workspace metadata ordered by creation time.
func (s *SQLStore) ListWorkspaces(ctx context.Context) ([]*Metadata, error) {
	return s.selectWorkspaces(ctx, `SELECT * FROM workspaces ORDER BY created_at`)
}

// ListWorkspacesByRepository returns all workspaces belonging to a repository.
func (s *SQLStore) ListWorkspacesByRepository(ctx context.Context, repositoryID string) ([]*Metadata, error) {
	return s.selectWorkspaces(ctx, `SELECT * FROM workspaces WHERE repository_id = ? ORDER BY created_at`, repositoryID)
}

// ListWorkspacesByStatus returns all workspaces in the given status.
func (s *SQLStore) ListWorkspacesByStatus(ctx context.Context, status Status) ([]*Metadata, error) {
	return s.selectWorkspaces(ctx, `SELECT * FROM workspaces WHERE status = ? ORDER BY created_at`, string(status))
}

func (s *SQLStore) selectWorkspaces(ctx context.Context, query string, args ...interface{}) ([]*Metadata, error) {
	reader := s.pool.Reader()
	var rows []*workspaceRow
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), args...); err != nil {
		return nil, err
	}
	result := make([]*Metadata, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toMetadata())
	}
	return result, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}
