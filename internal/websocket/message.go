// Package websocket implements the real-time pub/sub hub behind the
// WatchHostStatus expansion endpoint (§9): a topic-based broadcast pushing
// host and command status transitions to subscribed watchers, so a client
// does not have to poll ListHostProfilingStatus. It uses gorilla/websocket
// under the hood.
//
// Topic naming convention:
//
//	host:<host>:<service>  heartbeats for one host
//	host:<host>            command status reports for one host
//	service:<service>      heartbeats of every host within a service
package websocket

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgHeartbeat is sent whenever a host's liveness row is upserted.
	MsgHeartbeat MessageType = "heartbeat"

	// MsgCommandStatus is sent when an agent reports a command outcome
	// (completed or failed) for a host, on that host's host:<host> topic.
	// The pending and sent transitions are not published.
	MsgCommandStatus MessageType = "command.status"

	// MsgPing names a ping message type. The server does not send it:
	// keepalive uses websocket ping control frames (see writePump).
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"command.status","topic":"host:web-01","payload":{"status":"completed"}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - heartbeat:       {"host":"...","status":"active","timestamp":"..."}
	//   - command.status:  {"command_id":"...","status":"completed","host":"..."}
	//   - ping:            {} (empty)
	Payload any `json:"payload"`
}
