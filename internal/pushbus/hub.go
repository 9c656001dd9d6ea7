// Package pushbus fans classified probe results out to push
// subscribers over websockets. Broadcasting never blocks the probe
// path: saturated subscribers are dropped, not waited on.
package pushbus

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewatch/engine/internal/engine/metrics"
	"github.com/pulsewatch/engine/pkg/types"
)

const (
	// broadcastQueueSize buffers result bursts between the dispatcher
	// and the fanout loop.
	broadcastQueueSize = 1024

	panicRecoveryDelay = 100 * time.Millisecond
)

// broadcastItem is one queued fanout. urlID is empty for unfiltered
// messages (sync_complete).
type broadcastItem struct {
	urlID   string
	payload []byte
}

// Hub tracks subscribers and runs the fanout loop.
type Hub struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcasts chan broadcastItem
}

// NewHub creates a hub; call Run to start it.
func NewHub(m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		metrics:    m,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcasts: make(chan broadcastItem, broadcastQueueSize),
	}
}

// Run drives registration and fanout until the context is cancelled.
// The loop recovers from panics and restarts itself.
func (h *Hub) Run(ctx context.Context) {
	for {
		if err := h.runLoop(ctx); err != nil {
			if ctx.Err() != nil {
				h.closeAll()
				h.logger.Info("Push hub stopped")
				return
			}
			h.logger.Error("Push hub loop crashed, restarting", zap.Error(err))
			time.Sleep(panicRecoveryDelay)
		}
	}
}

func (h *Hub) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub panic: %v\n%s", r, debug.Stack())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case client := <-h.register:
			h.handleRegister(client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		case item := <-h.broadcasts:
			h.fanout(item)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.Subscribers.Set(float64(count))
	h.logger.Debug("Subscriber registered", zap.Int("subscribers", count))

	client.SafeSend(mustMarshal(types.Envelope{
		Type:      types.MsgConnected,
		Timestamp: time.Now().UTC(),
	}))
}

func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.Subscribers.Set(float64(count))
	h.logger.Debug("Subscriber unregistered", zap.Int("subscribers", count))
}

// fanout delivers one item to every interested subscriber. A full send
// buffer disconnects the subscriber rather than blocking everyone.
func (h *Hub) fanout(item broadcastItem) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if item.urlID == "" || client.wants(item.urlID) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if !client.SafeSend(item.payload) {
			h.metrics.DroppedBroadcasts.Inc()
			h.logger.Warn("Dropping saturated subscriber")
			h.drop(client)
		}
	}
}

// drop removes a client outside the run loop's unregister channel to
// avoid deadlock during fanout.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.metrics.Subscribers.Set(float64(count))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
	h.mu.Unlock()
	h.metrics.Subscribers.Set(0)
}

// enqueue queues a broadcast without ever blocking the caller.
func (h *Hub) enqueue(urlID string, envelope types.Envelope) {
	select {
	case h.broadcasts <- broadcastItem{urlID: urlID, payload: mustMarshal(envelope)}:
	default:
		h.metrics.DroppedBroadcasts.Inc()
		h.logger.Warn("Broadcast queue saturated, dropping message",
			zap.String("type", envelope.Type))
	}
}

// BroadcastResult emits a monitoring_update for one probe result.
func (h *Hub) BroadcastResult(result *types.ProbeResult) {
	h.enqueue(result.URLID, types.Envelope{
		Type:      types.MsgMonitoringUpdate,
		Timestamp: time.Now().UTC(),
		Result:    result,
		URLID:     result.URLID,
	})
}

// BroadcastStatusChange emits a status_change transition.
func (h *Hub) BroadcastStatusChange(urlID string, oldStatus, newStatus types.Status) {
	h.enqueue(urlID, types.Envelope{
		Type:      types.MsgStatusChange,
		Timestamp: time.Now().UTC(),
		URLID:     urlID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	})
}

// BroadcastSyncComplete emits a sync_complete after a bulk operation.
func (h *Hub) BroadcastSyncComplete(urlIDs []string, reason string) {
	h.enqueue("", types.Envelope{
		Type:      types.MsgSyncComplete,
		Timestamp: time.Now().UTC(),
		URLIDs:    urlIDs,
		Reason:    reason,
	})
}

// SubscriberCount reports current connections.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func mustMarshal(envelope types.Envelope) []byte {
	data, err := json.Marshal(envelope)
	if err != nil {
		// Envelope fields are all marshalable; this cannot fail.
		panic(err)
	}
	return data
}
