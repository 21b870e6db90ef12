// Package events provides event types and utilities for the owpenbot event system.
package events

// Event types for channel lifecycle
const (
	ChannelStarting     = "channel.starting"
	ChannelConnected    = "channel.connected"
	ChannelDisconnected = "channel.disconnected"
	ChannelReconnecting = "channel.reconnecting"
	ChannelLoggedOut    = "channel.logged_out"
	ChannelStopped      = "channel.stopped"
)

// Event types for pairing
const (
	PairingStarted   = "pairing.started"
	PairingQR        = "pairing.qr"
	PairingCompleted = "pairing.completed"
	PairingFailed    = "pairing.failed"
	PairingCleared   = "pairing.cleared"
)

// Event types for messages
const (
	MessageInbound  = "message.inbound"
	MessageOutbound = "message.outbound"
	MessageFailed   = "message.failed"
)

// Event types for agent turns
const (
	TurnStarted   = "turn.started"
	TurnCompleted = "turn.completed"
	TurnFailed    = "turn.failed"
)

// SourceBridge identifies events produced by the bridge itself.
const SourceBridge = "owpenbot"
