package pushbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsewatch/engine/internal/engine/metrics"
	"github.com/pulsewatch/engine/pkg/types"
)

func newTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(metrics.New(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func newTestClient(buffer int) *Client {
	return &Client{send: make(chan []byte, buffer)}
}

func receiveEnvelope(t *testing.T, c *Client) types.Envelope {
	t.Helper()
	select {
	case data := <-c.send:
		var env types.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return types.Envelope{}
	}
}

func registerAndGreet(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	env := receiveEnvelope(t, c)
	require.Equal(t, types.MsgConnected, env.Type)
}

func TestHubRegisterSendsConnected(t *testing.T) {
	hub, _ := newTestHub(t)

	client := newTestClient(4)
	registerAndGreet(t, hub, client)
	assert.Eventually(t, func() bool { return hub.SubscriberCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestHubBroadcastResultReachesAll(t *testing.T) {
	hub, _ := newTestHub(t)

	a := newTestClient(4)
	b := newTestClient(4)
	registerAndGreet(t, hub, a)
	registerAndGreet(t, hub, b)

	hub.BroadcastResult(&types.ProbeResult{
		ProbeID: "probe-1",
		URLID:   "abc123",
		Status:  types.StatusUp,
	})

	for _, c := range []*Client{a, b} {
		env := receiveEnvelope(t, c)
		assert.Equal(t, types.MsgMonitoringUpdate, env.Type)
		require.NotNil(t, env.Result)
		assert.Equal(t, "abc123", env.Result.URLID)
		assert.Equal(t, types.StatusUp, env.Result.Status)
	}
}

func TestHubFilterLimitsDelivery(t *testing.T) {
	hub, _ := newTestHub(t)

	filtered := newTestClient(4)
	filtered.setFilter([]string{"wanted"})
	all := newTestClient(4)
	registerAndGreet(t, hub, filtered)
	registerAndGreet(t, hub, all)

	hub.BroadcastStatusChange("other", types.StatusUp, types.StatusDown)
	hub.BroadcastStatusChange("wanted", types.StatusUp, types.StatusDown)

	// The unfiltered client sees both transitions in order.
	first := receiveEnvelope(t, all)
	second := receiveEnvelope(t, all)
	assert.Equal(t, "other", first.URLID)
	assert.Equal(t, "wanted", second.URLID)

	// The filtered client only sees the subscribed id.
	env := receiveEnvelope(t, filtered)
	assert.Equal(t, types.MsgStatusChange, env.Type)
	assert.Equal(t, "wanted", env.URLID)
	assert.Equal(t, types.StatusUp, env.OldStatus)
	assert.Equal(t, types.StatusDown, env.NewStatus)
	select {
	case data := <-filtered.send:
		t.Fatalf("unexpected extra message: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubSyncCompleteBypassesFilters(t *testing.T) {
	hub, _ := newTestHub(t)

	filtered := newTestClient(4)
	filtered.setFilter([]string{"something-else"})
	registerAndGreet(t, hub, filtered)

	hub.BroadcastSyncComplete([]string{"a", "b"}, "check_all")

	env := receiveEnvelope(t, filtered)
	assert.Equal(t, types.MsgSyncComplete, env.Type)
	assert.Equal(t, []string{"a", "b"}, env.URLIDs)
	assert.Equal(t, "check_all", env.Reason)
}

func TestHubDropsSaturatedSubscriber(t *testing.T) {
	hub, _ := newTestHub(t)

	slow := newTestClient(1)
	registerAndGreet(t, hub, slow)
	healthy := newTestClient(8)
	registerAndGreet(t, hub, healthy)

	// First broadcast fills slow's single-slot buffer, second overflows
	// it and disconnects the subscriber.
	hub.BroadcastStatusChange("x", types.StatusFresh, types.StatusUp)
	hub.BroadcastStatusChange("x", types.StatusUp, types.StatusDown)

	assert.Eventually(t, func() bool { return hub.SubscriberCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.True(t, slow.closed.Load())

	// The healthy subscriber is unaffected.
	receiveEnvelope(t, healthy)
	receiveEnvelope(t, healthy)
}

func TestHubUnregisterClosesClient(t *testing.T) {
	hub, _ := newTestHub(t)

	client := newTestClient(4)
	registerAndGreet(t, hub, client)

	hub.unregister <- client
	assert.Eventually(t, func() bool { return hub.SubscriberCount() == 0 },
		time.Second, 5*time.Millisecond)
	assert.True(t, client.closed.Load())
}

func TestHubStopClosesAllClients(t *testing.T) {
	hub, cancel := newTestHub(t)

	a := newTestClient(4)
	b := newTestClient(4)
	registerAndGreet(t, hub, a)
	registerAndGreet(t, hub, b)

	cancel()
	assert.Eventually(t, func() bool {
		return a.closed.Load() && b.closed.Load()
	}, time.Second, 5*time.Millisecond)
}

func TestClientSafeSendAfterClose(t *testing.T) {
	client := newTestClient(1)
	client.Close()
	assert.False(t, client.SafeSend([]byte("late")))
	// Close is idempotent.
	client.Close()
}

func TestClientWants(t *testing.T) {
	client := newTestClient(1)
	assert.True(t, client.wants("anything"), "no filter admits all ids")

	client.setFilter([]string{"a", "b"})
	assert.True(t, client.wants("a"))
	assert.False(t, client.wants("c"))

	client.setFilter(nil)
	assert.False(t, client.wants("a"), "empty subscribe mutes everything filtered")
}
