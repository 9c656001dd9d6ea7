// Package store persists the registry of monitored URLs and their
// probe records. The Redis implementation is the production store; the
// memory implementation backs tests and DATABASE_URL-less development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pulsewatch/engine/pkg/types"
)

// Typed store errors. Callers branch on these, never on messages.
var (
	ErrNotFound        = errors.New("entry not found")
	ErrConflict        = errors.New("unique field conflict")
	ErrVersionConflict = errors.New("version conflict")
)

// Retention caps for per-URL probe record collections.
const (
	MaxProbeRecords = 1000
	MaxErrorLogs    = 500
	MaxIframeChecks = 200
	MaxVideoChecks  = 200
)

// StatusFields is the per-probe status snapshot written alongside a
// history sample.
type StatusFields struct {
	Status        types.Status
	Latency       int64
	HTTPStatus    int
	StatusMessage string
	LastChecked   time.Time
}

// Patch is a partial registry update. Nil pointer fields are left
// untouched. ClearAuth removes the auth config entirely.
type Patch struct {
	URL           *string
	Name          *string
	Description   *string
	Group         *types.Group
	Enabled       *bool
	CheckInterval *int64
	Dependencies  *[]string
	AuthConfig    *types.AuthConfig
	ClearAuth     bool
}

// Filter narrows FindAll results.
type Filter struct {
	Enabled *bool
	Status  types.Status
}

// Matches reports whether the entry passes the filter.
func (f Filter) Matches(m *types.MonitoredURL) bool {
	if f.Enabled != nil && m.Enabled != *f.Enabled {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	return true
}

// Store is the engine's only durable shared state.
type Store interface {
	// Insert stores a new entry. Fails with ErrConflict when the
	// normalized URL or the name collides with an existing entry.
	Insert(ctx context.Context, entry *types.MonitoredURL) (*types.MonitoredURL, error)

	// Update applies a patch atomically and bumps the version.
	Update(ctx context.Context, id string, patch Patch) (*types.MonitoredURL, error)

	FindByID(ctx context.Context, id string) (*types.MonitoredURL, error)
	FindAll(ctx context.Context, filter Filter) ([]*types.MonitoredURL, error)
	Delete(ctx context.Context, id string) error

	// AppendHistory atomically appends a latency sample (truncating to
	// types.MaxHistorySamples), sets the status fields, and bumps the
	// version. Fails with ErrVersionConflict when expectedVersion is
	// stale.
	AppendHistory(ctx context.Context, id string, latencyMs int64, fields StatusFields, expectedVersion int64) (*types.MonitoredURL, error)

	// AppendProbeRecord stores a probe result (and its diagnostic
	// sub-records) in the capped per-URL collections.
	AppendProbeRecord(ctx context.Context, result *types.ProbeResult) error

	// ProbeHistory returns the most recent probe records, newest first.
	ProbeHistory(ctx context.Context, id string, limit int) ([]*types.ProbeResult, error)

	Ping(ctx context.Context) error
	Close() error
}

// appendSample implements the bounded-history append shared by both
// implementations.
func appendSample(history []int64, latencyMs int64) []int64 {
	history = append(history, latencyMs)
	if len(history) > types.MaxHistorySamples {
		history = history[len(history)-types.MaxHistorySamples:]
	}
	return history
}

// applyPatch mutates entry in place per the patch.
func applyPatch(entry *types.MonitoredURL, patch Patch, now time.Time) {
	if patch.URL != nil {
		entry.URL = *patch.URL
	}
	if patch.Name != nil {
		entry.Name = *patch.Name
	}
	if patch.Description != nil {
		entry.Description = *patch.Description
	}
	if patch.Group != nil {
		entry.Group = *patch.Group
	}
	if patch.Enabled != nil {
		entry.Enabled = *patch.Enabled
	}
	if patch.CheckInterval != nil {
		entry.CheckInterval = *patch.CheckInterval
	}
	if patch.Dependencies != nil {
		entry.Dependencies = append([]string(nil), (*patch.Dependencies)...)
	}
	if patch.ClearAuth {
		entry.AuthConfig = nil
	} else if patch.AuthConfig != nil {
		entry.AuthConfig = patch.AuthConfig
	}
	entry.UpdatedAt = now
	entry.Version++
}
