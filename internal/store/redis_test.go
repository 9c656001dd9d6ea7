package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsewatch/engine/pkg/types"
)

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStoreFromClient(rdb, zap.NewNop())
}

func TestRedisInsertAndFind(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()

	entry := newTestEntry("64b000000000000000000001", "https://example.com", "Example")
	_, err := s.Insert(ctx, entry)
	require.NoError(t, err)

	found, err := s.FindByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "Example", found.Name)
	assert.Equal(t, types.StatusFresh, found.Status)

	_, err = s.FindByID(ctx, "64b0000000000000000000ff")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisInsertUniqueness(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, newTestEntry("64b000000000000000000001", "https://example.com", "Example"))
	require.NoError(t, err)

	_, err = s.Insert(ctx, newTestEntry("64b000000000000000000002", "https://example.com/", "Other"))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.Insert(ctx, newTestEntry("64b000000000000000000003", "https://other.com", "Example"))
	assert.ErrorIs(t, err, ErrConflict)

	// A failed insert leaves no stale index entries behind.
	_, err = s.Insert(ctx, newTestEntry("64b000000000000000000004", "https://other.com", "Other"))
	require.NoError(t, err)
}

func TestRedisUpdateAndReindex(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()

	entry := newTestEntry("64b000000000000000000001", "https://example.com", "Example")
	entry.AuthConfig = &types.AuthConfig{Type: types.AuthBasic, Username: "u", Password: "p"}
	_, err := s.Insert(ctx, entry)
	require.NoError(t, err)

	name := "Renamed"
	updated, err := s.Update(ctx, entry.ID, Patch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, int64(1), updated.Version)
	require.NotNil(t, updated.AuthConfig)
	assert.Equal(t, "p", updated.AuthConfig.Password)

	// Old name is free, URL still taken.
	_, err = s.Insert(ctx, newTestEntry("64b000000000000000000002", "https://second.com", "Example"))
	require.NoError(t, err)
	_, err = s.Insert(ctx, newTestEntry("64b000000000000000000003", "https://example.com", "Third"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRedisAppendHistoryBoundedAndVersioned(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()

	entry := newTestEntry("64b000000000000000000001", "https://example.com", "Example")
	_, err := s.Insert(ctx, entry)
	require.NoError(t, err)

	var version int64
	for i := 0; i < types.MaxHistorySamples+3; i++ {
		updated, err := s.AppendHistory(ctx, entry.ID, int64(i), StatusFields{
			Status:      types.StatusUp,
			Latency:     int64(i),
			LastChecked: time.Now().UTC(),
		}, version)
		require.NoError(t, err)
		version = updated.Version
	}

	found, err := s.FindByID(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, found.History, types.MaxHistorySamples)
	assert.Equal(t, int64(3), found.History[0])
	assert.Equal(t, types.StatusUp, found.Status)

	_, err = s.AppendHistory(ctx, entry.ID, 1, StatusFields{Status: types.StatusUp}, version-1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = s.AppendHistory(ctx, "64b0000000000000000000ff", 1, StatusFields{Status: types.StatusUp}, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisProbeRecords(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()
	id := "64b000000000000000000001"

	err := s.AppendProbeRecord(ctx, &types.ProbeResult{
		ProbeID:      "p1",
		URLID:        id,
		Status:       types.StatusDown,
		HTTPStatus:   503,
		ErrorKind:    types.ErrKindHTTP,
		ErrorMessage: "Service Unavailable",
		CheckedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	err = s.AppendProbeRecord(ctx, &types.ProbeResult{
		ProbeID:   "p2",
		URLID:     id,
		Status:    types.StatusUp,
		CheckedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	records, err := s.ProbeHistory(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "p2", records[0].ProbeID)
	assert.Equal(t, "p1", records[1].ProbeID)
	assert.Equal(t, types.ErrKindHTTP, records[1].ErrorKind)
}

func TestRedisProbeRecordCompressionRoundTrip(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()
	id := "64b000000000000000000001"

	// Big enough console payload to cross the compression threshold.
	var errs []types.ConsoleError
	for i := 0; i < 200; i++ {
		errs = append(errs, types.ConsoleError{
			Message: strings.Repeat("TypeError: cannot read properties of undefined ", 2),
			Source:  "https://example.com/app.js",
			Line:    int64(i),
		})
	}
	err := s.AppendProbeRecord(ctx, &types.ProbeResult{
		ProbeID:       "p1",
		URLID:         id,
		Status:        types.StatusJSError,
		ConsoleErrors: errs,
		CheckedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)

	records, err := s.ProbeHistory(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Len(t, records[0].ConsoleErrors, 200)
}

func TestRedisDeleteRemovesEverything(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()

	entry := newTestEntry("64b000000000000000000001", "https://example.com", "Example")
	_, err := s.Insert(ctx, entry)
	require.NoError(t, err)
	require.NoError(t, s.AppendProbeRecord(ctx, &types.ProbeResult{ProbeID: "p1", URLID: entry.ID}))

	require.NoError(t, s.Delete(ctx, entry.ID))
	assert.ErrorIs(t, s.Delete(ctx, entry.ID), ErrNotFound)

	all, err := s.FindAll(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	records, err := s.ProbeHistory(ctx, entry.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = s.Insert(ctx, newTestEntry("64b000000000000000000002", "https://example.com", "Example"))
	require.NoError(t, err)
}
