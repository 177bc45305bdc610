// Package events provides event management functionality.
package events

// EventType represents different event types
type EventType string

const (
	// ConnectivityChanged fires when the gateway transitions between
	// reachable and unreachable. Data: {"online": bool}.
	ConnectivityChanged EventType = "CONNECTIVITY_CHANGED"

	// SnapshotRefreshed fires after the cache was overwritten with a fresh
	// remote read or a realtime patch.
	SnapshotRefreshed EventType = "SNAPSHOT_REFRESHED"

	// QueueDrained fires after a drain pass completes.
	QueueDrained EventType = "QUEUE_DRAINED"

	// MetricsUpdated fires after the metrics engine recomputed.
	MetricsUpdated EventType = "METRICS_UPDATED"

	// HoldingChanged fires after a holding mutation was confirmed remotely.
	HoldingChanged EventType = "HOLDING_CHANGED"

	// NotificationRaised carries user-facing notices (offline mode,
	// sync failures) to whatever surface is attached.
	NotificationRaised EventType = "NOTIFICATION_RAISED"

	// NotificationCleared retracts a previously raised dedupe-keyed notice.
	NotificationCleared EventType = "NOTIFICATION_CLEARED"

	// ErrorOccurred carries non-fatal internal errors.
	ErrorOccurred EventType = "ERROR_OCCURRED"
)
