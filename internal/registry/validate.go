package registry

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/pulsewatch/engine/internal/common/ident"
	"github.com/pulsewatch/engine/internal/common/urlutil"
	"github.com/pulsewatch/engine/internal/store"
	"github.com/pulsewatch/engine/pkg/types"
)

const (
	minNameLength = 2
	maxNameLength = 100
	maxURLLength  = 2048

	// MinCheckIntervalMs floors how often an entry may be probed.
	MinCheckIntervalMs = 10_000
	// DefaultCheckIntervalMs applies when no interval is given.
	DefaultCheckIntervalMs = 60_000
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9 ._()\-]+$`)

func validateName(name string) error {
	if len(name) < minNameLength || len(name) > maxNameLength {
		return validationError("name must be %d-%d characters", minNameLength, maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return validationError("name contains invalid characters")
	}
	return nil
}

func (s *Service) validateURL(rawURL string) error {
	if len(rawURL) > maxURLLength {
		return validationError("url exceeds %d characters", maxURLLength)
	}
	if _, err := urlutil.Normalize(rawURL); err != nil {
		return validationError("invalid url: %v", err)
	}
	if s.production {
		if err := urlutil.ValidatePublicHost(rawURL); err != nil {
			return validationError("invalid url: %v", err)
		}
	}
	return nil
}

func validateGroup(group types.Group) error {
	if !group.Valid() {
		return validationError("unknown group %q", group)
	}
	return nil
}

func validateInterval(intervalMs int64) error {
	if intervalMs < MinCheckIntervalMs {
		return validationError("checkInterval must be at least %d ms", MinCheckIntervalMs)
	}
	return nil
}

// validateDependencies checks id shape, duplicates, self-reference,
// and that every referenced entry exists.
func (s *Service) validateDependencies(ctx context.Context, selfID string, deps []string) error {
	seen := make(map[string]struct{}, len(deps))
	for _, dep := range deps {
		if !ident.ValidEntityID(dep) {
			return validationError("invalid dependency id %q", dep)
		}
		if dep == selfID {
			return validationError("entry cannot depend on itself")
		}
		if _, dup := seen[dep]; dup {
			return validationError("duplicate dependency %s", dep)
		}
		seen[dep] = struct{}{}

		if _, err := s.store.FindByID(ctx, dep); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return validationError("dependency %s does not exist", dep)
			}
			return err
		}
	}
	return nil
}

// createsCycle walks the transitive dependency closure starting from
// the candidate deps with one shared visited set. Reaching selfID
// means the new edge list closes a cycle.
func (s *Service) createsCycle(ctx context.Context, selfID string, deps []string) (bool, error) {
	visited := make(map[string]struct{})
	stack := append([]string(nil), deps...)

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current == selfID {
			return true, nil
		}
		if _, done := visited[current]; done {
			continue
		}
		visited[current] = struct{}{}

		entry, err := s.store.FindByID(ctx, current)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		stack = append(stack, entry.Dependencies...)
	}
	return false, nil
}

func validateAuth(auth *types.AuthConfig) error {
	if auth == nil {
		return nil
	}
	if err := auth.Validate(); err != nil {
		return validationError("%v", err)
	}
	if auth.Type == types.AuthBrowserLogin && auth.LoginURL != "" {
		trimmed := strings.TrimSpace(auth.LoginURL)
		if _, err := urlutil.Normalize(trimmed); err != nil {
			return validationError("invalid loginUrl: %v", err)
		}
	}
	return nil
}
