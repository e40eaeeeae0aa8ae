// Package maintainers resolves the set of logins with elevated repository
// permissions. Close planning refuses to close anything a maintainer authored
// or is assigned to.
package maintainers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source provides the maintainer login set for a repository.
type Source interface {
	MaintainerLogins(ctx context.Context, repo string) (map[string]bool, error)
}

// FileSource reads maintainer logins from a YAML file:
//
//	maintainers:
//	  - alice
//	  - bob
//
// or per repository:
//
//	repos:
//	  org/name:
//	    - alice
type FileSource struct {
	Path string
}

type maintainersFile struct {
	Maintainers []string            `yaml:"maintainers"`
	Repos       map[string][]string `yaml:"repos"`
}

// MaintainerLogins implements Source. Login matching is case-insensitive.
func (f *FileSource) MaintainerLogins(_ context.Context, repo string) (map[string]bool, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read maintainers file: %w", err)
	}

	var parsed maintainersFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse maintainers file %s: %w", f.Path, err)
	}

	logins := make(map[string]bool)
	for _, login := range parsed.Maintainers {
		addLogin(logins, login)
	}
	for key, repoLogins := range parsed.Repos {
		if strings.EqualFold(key, repo) {
			for _, login := range repoLogins {
				addLogin(logins, login)
			}
		}
	}
	return logins, nil
}

func addLogin(set map[string]bool, login string) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login != "" {
		set[login] = true
	}
}

// StaticSource wraps a fixed login set, used by tests and by callers that
// already resolved maintainers elsewhere.
type StaticSource struct {
	Logins []string
}

// MaintainerLogins implements Source.
func (s *StaticSource) MaintainerLogins(context.Context, string) (map[string]bool, error) {
	logins := make(map[string]bool, len(s.Logins))
	for _, login := range s.Logins {
		addLogin(logins, login)
	}
	return logins, nil
}
