// Package registry implements the mutation and query surface over the
// store: validation, uniqueness, dependency DAG enforcement, and the
// write-only secrets policy.
package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewatch/engine/internal/common/ident"
	"github.com/pulsewatch/engine/internal/engine/dispatch"
	"github.com/pulsewatch/engine/internal/store"
	"github.com/pulsewatch/engine/pkg/types"
)

// DefaultCheckAllConcurrency caps parallel probes during a check-all
// burst when no explicit cap is configured, so a large registry does
// not stampede the probers.
const DefaultCheckAllConcurrency = 8

// Bus receives bulk-change notifications.
type Bus interface {
	BroadcastSyncComplete(urlIDs []string, reason string)
}

// Service is the registry's single entry point.
type Service struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	bus        Bus
	production bool
	logger     *zap.Logger

	checkAllSlots chan struct{}
}

// New builds the service. production enables private-host rejection;
// checkAllConcurrency sizes the check-all probe cap, with
// DefaultCheckAllConcurrency standing in for non-positive values.
func New(st store.Store, d *dispatch.Dispatcher, bus Bus, production bool, checkAllConcurrency int, logger *zap.Logger) *Service {
	if checkAllConcurrency <= 0 {
		checkAllConcurrency = DefaultCheckAllConcurrency
	}
	return &Service{
		store:         st,
		dispatcher:    d,
		bus:           bus,
		production:    production,
		logger:        logger,
		checkAllSlots: make(chan struct{}, checkAllConcurrency),
	}
}

// AddInput is the payload for AddURL. Zero-valued optionals take
// defaults.
type AddInput struct {
	URL           string
	Name          string
	Description   string
	Group         types.Group
	Enabled       *bool
	CheckInterval *int64
	Dependencies  []string
	AuthConfig    *types.AuthConfig
}

// AddURL validates and stores a new entry with FRESH status and empty
// history.
func (s *Service) AddURL(ctx context.Context, input AddInput) (*types.MonitoredURL, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = deriveName(input.URL)
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.validateURL(strings.TrimSpace(input.URL)); err != nil {
		return nil, err
	}
	if err := validateGroup(input.Group); err != nil {
		return nil, err
	}

	interval := int64(DefaultCheckIntervalMs)
	if input.CheckInterval != nil {
		interval = *input.CheckInterval
	}
	if err := validateInterval(interval); err != nil {
		return nil, err
	}
	if err := validateAuth(input.AuthConfig); err != nil {
		return nil, err
	}

	id := ident.NewEntityID()
	if err := s.validateDependencies(ctx, id, input.Dependencies); err != nil {
		return nil, err
	}
	cyclic, err := s.createsCycle(ctx, id, input.Dependencies)
	if err != nil {
		return nil, err
	}
	if cyclic {
		return nil, validationError("dependencies would create a cycle")
	}

	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}

	now := time.Now().UTC()
	entry := &types.MonitoredURL{
		ID:            id,
		URL:           strings.TrimSpace(input.URL),
		Name:          name,
		Description:   strings.TrimSpace(input.Description),
		Group:         input.Group,
		Enabled:       enabled,
		CheckInterval: interval,
		Dependencies:  append([]string(nil), input.Dependencies...),
		AuthConfig:    input.AuthConfig,
		Status:        types.StatusFresh,
		History:       []int64{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	stored, err := s.store.Insert(ctx, entry)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, conflictError("url or name already registered")
		}
		return nil, err
	}

	s.logger.Info("URL registered",
		zap.String("url_id", stored.ID),
		zap.String("url", stored.URL),
		zap.String("name", stored.Name))
	s.bus.BroadcastSyncComplete([]string{stored.ID}, "registry_change")
	return stored.Redacted(), nil
}

// UpdateInput is a partial update. Nil fields are untouched. Auth
// follows the secrets policy via AuthPatch.
type UpdateInput struct {
	URL           *string
	Name          *string
	Description   *string
	Group         *types.Group
	Enabled       *bool
	CheckInterval *int64
	Dependencies  *[]string
	Auth          *AuthPatch
	ClearAuth     bool
}

// UpdateURL revalidates touched fields and applies the patch.
func (s *Service) UpdateURL(ctx context.Context, id string, input UpdateInput) (*types.MonitoredURL, error) {
	existing, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundError(id)
		}
		return nil, err
	}

	patch := store.Patch{
		Description: input.Description,
		Enabled:     input.Enabled,
		ClearAuth:   input.ClearAuth,
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if err := validateName(name); err != nil {
			return nil, err
		}
		patch.Name = &name
	}
	if input.URL != nil {
		rawURL := strings.TrimSpace(*input.URL)
		if err := s.validateURL(rawURL); err != nil {
			return nil, err
		}
		patch.URL = &rawURL
	}
	if input.Group != nil {
		if err := validateGroup(*input.Group); err != nil {
			return nil, err
		}
		patch.Group = input.Group
	}
	if input.CheckInterval != nil {
		if err := validateInterval(*input.CheckInterval); err != nil {
			return nil, err
		}
		patch.CheckInterval = input.CheckInterval
	}
	if input.Dependencies != nil {
		deps := *input.Dependencies
		if err := s.validateDependencies(ctx, id, deps); err != nil {
			return nil, err
		}
		cyclic, err := s.createsCycle(ctx, id, deps)
		if err != nil {
			return nil, err
		}
		if cyclic {
			return nil, validationError("dependencies would create a cycle")
		}
		patch.Dependencies = &deps
	}
	if input.Auth != nil && !input.ClearAuth {
		merged := input.Auth.merge(existing.AuthConfig)
		if err := validateAuth(merged); err != nil {
			return nil, err
		}
		patch.AuthConfig = merged
	}

	updated, err := s.store.Update(ctx, id, patch)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, notFoundError(id)
		case errors.Is(err, store.ErrConflict):
			return nil, conflictError("url or name already registered")
		}
		return nil, err
	}

	s.logger.Info("URL updated", zap.String("url_id", id))
	s.bus.BroadcastSyncComplete([]string{id}, "registry_change")
	return updated.Redacted(), nil
}

// RemoveURL deletes the entry. A probe already in flight for it
// completes but persists nothing.
func (s *Service) RemoveURL(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundError(id)
		}
		return err
	}
	s.logger.Info("URL removed", zap.String("url_id", id))
	s.bus.BroadcastSyncComplete([]string{id}, "registry_change")
	return nil
}

// GetURL returns one redacted entry.
func (s *Service) GetURL(ctx context.Context, id string) (*types.MonitoredURL, error) {
	entry, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundError(id)
		}
		return nil, err
	}
	return entry.Redacted(), nil
}

// ListURLs returns all redacted entries.
func (s *Service) ListURLs(ctx context.Context, filter store.Filter) ([]*types.MonitoredURL, error) {
	entries, err := s.store.FindAll(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*types.MonitoredURL, len(entries))
	for i, entry := range entries {
		out[i] = entry.Redacted()
	}
	return out, nil
}

// CheckNow dispatches a probe immediately and returns its result.
func (s *Service) CheckNow(ctx context.Context, id string) (*types.ProbeResult, error) {
	result, err := s.dispatcher.Dispatch(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundError(id)
		}
		return nil, err
	}
	return result, nil
}

// CheckAll dispatches every entry with bounded concurrency and returns
// the results in registry order. A sync_complete notification follows.
func (s *Service) CheckAll(ctx context.Context) ([]*types.ProbeResult, error) {
	entries, err := s.store.FindAll(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}

	results := make([]*types.ProbeResult, len(entries))
	ids := make([]string, len(entries))
	var wg sync.WaitGroup
	for i, entry := range entries {
		ids[i] = entry.ID
		wg.Add(1)
		go func(i int, urlID string) {
			defer wg.Done()
			s.checkAllSlots <- struct{}{}
			defer func() { <-s.checkAllSlots }()

			result, err := s.dispatcher.Dispatch(ctx, urlID)
			if err != nil {
				s.logger.Warn("Check-all dispatch failed",
					zap.String("url_id", urlID),
					zap.Error(err))
				return
			}
			results[i] = result
		}(i, entry.ID)
	}
	wg.Wait()

	// Drop slots for entries that vanished mid-run.
	out := make([]*types.ProbeResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}

	s.bus.BroadcastSyncComplete(ids, "check_all")
	return out, nil
}

// deriveName builds a default name from the URL host.
func deriveName(rawURL string) string {
	name := strings.TrimSpace(rawURL)
	name = strings.TrimPrefix(name, "https://")
	name = strings.TrimPrefix(name, "http://")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[:i]
	}
	return name
}
