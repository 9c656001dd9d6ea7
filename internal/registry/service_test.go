package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsewatch/engine/internal/engine/dispatch"
	"github.com/pulsewatch/engine/internal/engine/metrics"
	"github.com/pulsewatch/engine/internal/store"
	"github.com/pulsewatch/engine/pkg/types"
)

type stubProber struct {
	calls int64
}

func (p *stubProber) Probe(ctx context.Context, entry *types.MonitoredURL) *types.ProbeOutcome {
	atomic.AddInt64(&p.calls, 1)
	return &types.ProbeOutcome{HTTPStatus: 200, LatencyMs: 10}
}

type stubBus struct {
	mu    sync.Mutex
	syncs []string
}

func (b *stubBus) BroadcastResult(*types.ProbeResult)                       {}
func (b *stubBus) BroadcastStatusChange(string, types.Status, types.Status) {}
func (b *stubBus) BroadcastSyncComplete(urlIDs []string, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncs = append(b.syncs, reason)
}

func newService(t *testing.T, production bool) (*Service, *store.MemoryStore, *stubProber, *stubBus) {
	t.Helper()
	st := store.NewMemoryStore()
	prober := &stubProber{}
	bus := &stubBus{}
	d := dispatch.New(st, prober, prober, bus, metrics.New(), 5*time.Second, zap.NewNop())
	return New(st, d, bus, production, 0, zap.NewNop()), st, prober, bus
}

func mustAdd(t *testing.T, s *Service, url, name string) *types.MonitoredURL {
	t.Helper()
	entry, err := s.AddURL(context.Background(), AddInput{URL: url, Name: name})
	require.NoError(t, err)
	return entry
}

func TestAddURLDefaults(t *testing.T) {
	s, _, _, _ := newService(t, false)

	entry, err := s.AddURL(context.Background(), AddInput{URL: "https://example.com/app"})
	require.NoError(t, err)

	assert.Equal(t, "example.com", entry.Name)
	assert.Equal(t, types.StatusFresh, entry.Status)
	assert.Empty(t, entry.History)
	assert.True(t, entry.Enabled)
	assert.EqualValues(t, DefaultCheckIntervalMs, entry.CheckInterval)
	assert.Len(t, entry.ID, 24)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestAddURLValidation(t *testing.T) {
	s, _, _, _ := newService(t, false)
	ctx := context.Background()

	cases := []struct {
		name  string
		input AddInput
	}{
		{"bad scheme", AddInput{URL: "ftp://example.com"}},
		{"no host", AddInput{URL: "https://"}},
		{"short name", AddInput{URL: "https://example.com", Name: "x"}},
		{"bad name chars", AddInput{URL: "https://example.com", Name: "bad<name>"}},
		{"unknown group", AddInput{URL: "https://example.com", Name: "ok-name", Group: "blog"}},
		{"interval too small", AddInput{URL: "https://example.com", Name: "ok-name", CheckInterval: int64Ptr(5000)}},
		{"bad dependency id", AddInput{URL: "https://example.com", Name: "ok-name", Dependencies: []string{"nope"}}},
		{"missing dependency", AddInput{URL: "https://example.com", Name: "ok-name", Dependencies: []string{"64b0000000000000000000ff"}}},
		{"browser login without password", AddInput{URL: "https://example.com", Name: "ok-name",
			AuthConfig: &types.AuthConfig{Type: types.AuthBrowserLogin, Username: "u"}}},
	}
	for _, tc := range cases {
		_, err := s.AddURL(ctx, tc.input)
		var svcErr *Error
		require.ErrorAs(t, err, &svcErr, tc.name)
		assert.Equal(t, CodeValidation, svcErr.Code, tc.name)
	}
}

func TestAddURLConflicts(t *testing.T) {
	s, _, _, _ := newService(t, false)
	ctx := context.Background()
	mustAdd(t, s, "https://example.com", "Example")

	// Same URL modulo normalization.
	_, err := s.AddURL(ctx, AddInput{URL: "HTTPS://EXAMPLE.COM/", Name: "Other"})
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeConflict, svcErr.Code)

	// Same name.
	_, err = s.AddURL(ctx, AddInput{URL: "https://other.com", Name: "Example"})
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeConflict, svcErr.Code)
}

func TestPrivateHostRejectedInProduction(t *testing.T) {
	prod, _, _, _ := newService(t, true)
	ctx := context.Background()

	for _, url := range []string{
		"http://localhost:3000",
		"http://127.0.0.1",
		"http://10.0.0.5",
		"http://192.168.1.10/status",
	} {
		_, err := prod.AddURL(ctx, AddInput{URL: url, Name: "internal-thing"})
		var svcErr *Error
		require.ErrorAs(t, err, &svcErr, url)
		assert.Equal(t, CodeValidation, svcErr.Code, url)
	}

	// Development mode allows them.
	dev, _, _, _ := newService(t, false)
	_, err := dev.AddURL(ctx, AddInput{URL: "http://localhost:3000", Name: "local-dev"})
	require.NoError(t, err)
}

func TestDependencyCycleRejected(t *testing.T) {
	s, _, _, _ := newService(t, false)
	ctx := context.Background()

	a := mustAdd(t, s, "https://a.example.com", "svc-a")
	b := mustAdd(t, s, "https://b.example.com", "svc-b")
	c := mustAdd(t, s, "https://c.example.com", "svc-c")

	// A -> B -> C is fine.
	_, err := s.UpdateURL(ctx, a.ID, UpdateInput{Dependencies: &[]string{b.ID}})
	require.NoError(t, err)
	_, err = s.UpdateURL(ctx, b.ID, UpdateInput{Dependencies: &[]string{c.ID}})
	require.NoError(t, err)

	// C -> A closes the cycle through the transitive closure.
	_, err = s.UpdateURL(ctx, c.ID, UpdateInput{Dependencies: &[]string{a.ID}})
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeValidation, svcErr.Code)
	assert.Contains(t, svcErr.Message, "cycle")

	// Self-dependency is rejected outright.
	_, err = s.UpdateURL(ctx, a.ID, UpdateInput{Dependencies: &[]string{a.ID}})
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeValidation, svcErr.Code)
}

func TestSecretsNeverReturned(t *testing.T) {
	s, st, _, _ := newService(t, false)
	ctx := context.Background()

	entry, err := s.AddURL(ctx, AddInput{
		URL:  "https://example.com",
		Name: "Example",
		AuthConfig: &types.AuthConfig{
			Type:     types.AuthBrowserLogin,
			Username: "admin",
			Password: "hunter2",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, entry.AuthConfig)
	assert.Empty(t, entry.AuthConfig.Password)
	assert.Equal(t, "admin", entry.AuthConfig.Username)

	// The store still has the secret.
	raw, err := st.FindByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", raw.AuthConfig.Password)

	fetched, err := s.GetURL(ctx, entry.ID)
	require.NoError(t, err)
	assert.Empty(t, fetched.AuthConfig.Password)

	list, err := s.ListURLs(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].AuthConfig.Password)
}

func TestSecretPreserveAndClear(t *testing.T) {
	s, st, _, _ := newService(t, false)
	ctx := context.Background()

	entry, err := s.AddURL(ctx, AddInput{
		URL:  "https://example.com",
		Name: "Example",
		AuthConfig: &types.AuthConfig{
			Type:     types.AuthBasic,
			Username: "admin",
			Password: "hunter2",
		},
	})
	require.NoError(t, err)

	// Omitted password preserves the stored one.
	newUser := "root"
	_, err = s.UpdateURL(ctx, entry.ID, UpdateInput{Auth: &AuthPatch{Username: &newUser}})
	require.NoError(t, err)

	raw, err := st.FindByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "root", raw.AuthConfig.Username)
	assert.Equal(t, "hunter2", raw.AuthConfig.Password)

	// ClearAuth removes the config entirely.
	_, err = s.UpdateURL(ctx, entry.ID, UpdateInput{ClearAuth: true})
	require.NoError(t, err)
	raw, err = st.FindByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Nil(t, raw.AuthConfig)
}

func TestSecretExplicitEmptyFailsValidation(t *testing.T) {
	s, _, _, _ := newService(t, false)
	ctx := context.Background()

	entry, err := s.AddURL(ctx, AddInput{
		URL:  "https://example.com",
		Name: "Example",
		AuthConfig: &types.AuthConfig{
			Type:     types.AuthBasic,
			Username: "admin",
			Password: "hunter2",
		},
	})
	require.NoError(t, err)

	// Clearing the password while keeping BASIC leaves an invalid
	// config, which the update rejects.
	empty := ""
	_, err = s.UpdateURL(ctx, entry.ID, UpdateInput{Auth: &AuthPatch{Password: &empty}})
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeValidation, svcErr.Code)
}

func TestUpdateNotFound(t *testing.T) {
	s, _, _, _ := newService(t, false)
	name := "whatever"
	_, err := s.UpdateURL(context.Background(), "64b0000000000000000000ff", UpdateInput{Name: &name})
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeNotFound, svcErr.Code)
}

func TestRemoveURL(t *testing.T) {
	s, _, _, _ := newService(t, false)
	ctx := context.Background()

	entry := mustAdd(t, s, "https://example.com", "Example")
	require.NoError(t, s.RemoveURL(ctx, entry.ID))

	err := s.RemoveURL(ctx, entry.ID)
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeNotFound, svcErr.Code)
}

func TestCheckNow(t *testing.T) {
	s, _, prober, _ := newService(t, false)
	ctx := context.Background()

	entry := mustAdd(t, s, "https://example.com", "Example")
	result, err := s.CheckNow(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, result.URLID)
	assert.EqualValues(t, 1, atomic.LoadInt64(&prober.calls))

	_, err = s.CheckNow(ctx, "64b0000000000000000000ff")
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, CodeNotFound, svcErr.Code)
}

func TestCheckAll(t *testing.T) {
	s, _, prober, bus := newService(t, false)
	ctx := context.Background()

	mustAdd(t, s, "https://a.example.com", "svc-a")
	mustAdd(t, s, "https://b.example.com", "svc-b")
	mustAdd(t, s, "https://c.example.com", "svc-c")

	results, err := s.CheckAll(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.EqualValues(t, 3, atomic.LoadInt64(&prober.calls))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Contains(t, bus.syncs, "check_all")
}

func TestCheckAllOverlapSingleFlight(t *testing.T) {
	s, _, prober, _ := newService(t, false)
	ctx := context.Background()

	mustAdd(t, s, "https://a.example.com", "svc-a")
	mustAdd(t, s, "https://b.example.com", "svc-b")
	mustAdd(t, s, "https://c.example.com", "svc-c")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CheckAll(ctx)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	// Overlapping runs coalesce per entry; the worst case is one probe
	// per entry per non-overlapping run.
	assert.LessOrEqual(t, atomic.LoadInt64(&prober.calls), int64(6))
}

func TestCheckAllConcurrencyConfigurable(t *testing.T) {
	st := store.NewMemoryStore()
	prober := &stubProber{}
	bus := &stubBus{}
	d := dispatch.New(st, prober, prober, bus, metrics.New(), 5*time.Second, zap.NewNop())

	s := New(st, d, bus, false, 3, zap.NewNop())
	assert.Equal(t, 3, cap(s.checkAllSlots))

	// Non-positive values fall back to the default cap.
	fallback := New(st, d, bus, false, 0, zap.NewNop())
	assert.Equal(t, DefaultCheckAllConcurrency, cap(fallback.checkAllSlots))
}

func int64Ptr(v int64) *int64 { return &v }

func TestMutationsEmitSyncComplete(t *testing.T) {
	s, _, _, bus := newService(t, false)
	ctx := context.Background()

	entry := mustAdd(t, s, "https://example.com", "Example")
	desc := "now described"
	_, err := s.UpdateURL(ctx, entry.ID, UpdateInput{Description: &desc})
	require.NoError(t, err)
	require.NoError(t, s.RemoveURL(ctx, entry.ID))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	count := 0
	for _, reason := range bus.syncs {
		if reason == "registry_change" {
			count++
		}
	}
	assert.Equal(t, 3, count, "add, update, remove each notify subscribers")
}
