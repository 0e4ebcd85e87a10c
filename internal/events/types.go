// Package events provides event types and utilities for the Wartabot event system.
package events

// Event types for broadcasts
const (
	BroadcastApproved = "broadcast.approved"
	BroadcastEnqueued = "broadcast.enqueued"
	BroadcastSent     = "broadcast.sent"
	BroadcastFailed   = "broadcast.failed"
)

// Event types for conversational flows
const (
	FlowStarted   = "flow.started"
	FlowCompleted = "flow.completed"
	FlowCancelled = "flow.cancelled"
	FlowExpired   = "flow.expired"
)

// Event types for the queue dispatcher
const (
	QueueFlushed = "queue.flushed"
)

// Event types for runtime settings
const (
	SettingsMarkupChanged = "settings.markup_changed"
	SettingsChatChanged   = "settings.chat_changed"
)
