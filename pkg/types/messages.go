package types

import "time"

// Push channel message types (server -> client).
const (
	MsgConnected        = "connected"
	MsgPong             = "pong"
	MsgSubscribed       = "subscribed"
	MsgMonitoringUpdate = "monitoring_update"
	MsgStatusChange     = "status_change"
	MsgSyncComplete     = "sync_complete"
)

// Push channel message types (client -> server).
const (
	MsgPing      = "ping"
	MsgSubscribe = "subscribe"
)

// Envelope is the wire frame for every push channel message.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// monitoring_update
	Result *ProbeResult `json:"result,omitempty"`

	// status_change
	URLID     string `json:"urlId,omitempty"`
	OldStatus Status `json:"oldStatus,omitempty"`
	NewStatus Status `json:"newStatus,omitempty"`

	// subscribed ack / subscribe request
	URLIDs []string `json:"urlIds,omitempty"`

	// sync_complete
	Reason string `json:"reason,omitempty"`
}

// ClientMessage is what subscribers may send over the push channel.
type ClientMessage struct {
	Type   string   `json:"type"`
	URLIDs []string `json:"urlIds,omitempty"`
}
