package workspace

import "time"

// Status is the lifecycle state of a workspace.
type Status string

const (
	// StatusInitializing marks a workspace whose metadata row exists but
	// whose worktree has not been materialized yet.
	StatusInitializing Status = "initializing"
	// StatusActive marks a workspace with a worktree bound at its path.
	StatusActive Status = "active"
	// StatusArchived marks a workspace set aside by the user. The worktree
	// may or may not still exist on disk depending on the archive mode.
	StatusArchived Status = "archived"
	// StatusBroken marks a workspace whose stored metadata no longer
	// matches on-disk reality. Only reconciliation assigns this status.
	StatusBroken Status = "broken"
)

// Repository is a registered local git repository that workspaces are
// created from.
type Repository struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Path          string    `db:"path" json:"path"`
	DefaultBranch string    `db:"default_branch" json:"default_branch,omitempty"`
	InitScript    string    `db:"init_script" json:"init_script,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Metadata is the persisted record for one workspace. The name is unique
// within its repository and the path is always
// <repository>/<reserved-dir>/<name>.
type Metadata struct {
	ID             string            `json:"id"`
	RepositoryID   string            `json:"repository_id"`
	Name           string            `json:"name"`
	Branch         string            `json:"branch"`
	Path           string            `json:"path"`
	Status         Status            `json:"status"`
	Tags           []string          `json:"tags,omitempty"`
	CustomFields   map[string]string `json:"custom_fields,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	LastAccessedAt *time.Time        `json:"last_accessed_at,omitempty"`
	ArchivedAt     *time.Time        `json:"archived_at,omitempty"`
}

// HasTag reports whether the workspace carries the tag.
func (m *Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (m *Metadata) Clone() *Metadata {
	out := *m
	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}
	if m.CustomFields != nil {
		out.CustomFields = make(map[string]string, len(m.CustomFields))
		for k, v := range m.CustomFields {
			out.CustomFields[k] = v
		}
	}
	if m.LastAccessedAt != nil {
		t := *m.LastAccessedAt
		out.LastAccessedAt = &t
	}
	if m.ArchivedAt != nil {
		t := *m.ArchivedAt
		out.ArchivedAt = &t
	}
	return &out
}

// Stats summarizes the workspace population for read-only dashboards.
type Stats struct {
	Total        int            `json:"total"`
	ByStatus     map[Status]int `json:"by_status"`
	ByRepository map[string]int `json:"by_repository"`
	ByBranch     map[string]int `json:"by_branch"`
	ByTag        map[string]int `json:"by_tag"`
}
