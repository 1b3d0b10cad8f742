// Package scripts loads and validates per-repository script definitions.
// Definitions live in a yaml catalog under the repository's reserved
// directory and are consumed by the script execution engine.
package scripts

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/workhorse/workhorse/internal/common/apperr"
)

// CatalogFileName is the catalog's file name inside the reserved
// directory's configs subdirectory.
const CatalogFileName = "scripts.yaml"

// Script is a single catalog entry. Command is the shell text handed to
// the execution engine; WorkingDir overrides the workspace path when set.
// TimeoutSeconds is advisory: the engine does not enforce it, callers arm
// their own timer and cancel.
type Script struct {
	Name           string            `yaml:"name" json:"name"`
	Command        string            `yaml:"command" json:"command"`
	Description    string            `yaml:"description,omitempty" json:"description,omitempty"`
	Tags           []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	WorkingDir     string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Catalog is the set of script definitions for one repository.
type Catalog struct {
	Scripts []Script `yaml:"scripts"`
}

// CatalogPath returns the catalog location for a repository, given the
// reserved directory name.
func CatalogPath(repoPath, reservedDir string) string {
	return filepath.Join(repoPath, reservedDir, "configs", CatalogFileName)
}

// Load reads and validates a catalog. A missing file yields an empty
// catalog rather than an error.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalog{}, nil
		}
		return nil, apperr.IO("failed to read script catalog", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, apperr.Validation("invalid script catalog %s: %v", path, err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// Save writes the catalog, creating parent directories as needed.
func Save(path string, catalog *Catalog) error {
	if err := catalog.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("failed to marshal script catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.IO("failed to create catalog directory", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apperr.IO("failed to write script catalog", err)
	}
	return nil
}

// Validate checks entry names are unique and required fields are present.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Scripts))
	for i, s := range c.Scripts {
		if s.Name == "" {
			return apperr.Validation("script entry %d has no name", i)
		}
		if s.Command == "" {
			return apperr.Validation("script %q has no command", s.Name)
		}
		if s.TimeoutSeconds < 0 {
			return apperr.Validation("script %q has negative timeout", s.Name)
		}
		if seen[s.Name] {
			return apperr.Validation("duplicate script name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Get returns the script with the given name.
func (c *Catalog) Get(name string) (Script, bool) {
	for _, s := range c.Scripts {
		if s.Name == name {
			return s, true
		}
	}
	return Script{}, false
}

// FindByTag returns all scripts carrying the tag.
func (c *Catalog) FindByTag(tag string) []Script {
	var result []Script
	for _, s := range c.Scripts {
		for _, t := range s.Tags {
			if t == tag {
				result = append(result, s)
				break
			}
		}
	}
	return result
}
