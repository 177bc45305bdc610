// Package notify surfaces offline/online/sync-failure states to the user.
// Notices carry a dedupe key so repeated identical notices collapse into one
// visible toast until explicitly cleared.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/foliosync/internal/events"
	"github.com/aristath/foliosync/pkg/logger"
)

// Severity grades a notice.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notifier is the notification channel consumed by the sync engine.
type Notifier interface {
	// Notify raises a notice. When dedupeKey is non-empty and a notice with
	// the same key is already active, the call is a no-op.
	Notify(message string, severity Severity, dedupeKey string)
	// Clear retracts an active dedupe-keyed notice, if any.
	Clear(dedupeKey string)
}

// BusNotifier publishes notices on the event bus and tracks active
// dedupe keys.
type BusNotifier struct {
	mu     sync.Mutex
	active map[string]bool
	bus    *events.Bus
	log    zerolog.Logger
}

// NewBusNotifier creates a notifier backed by the event bus.
func NewBusNotifier(bus *events.Bus, log zerolog.Logger) *BusNotifier {
	return &BusNotifier{
		active: make(map[string]bool),
		bus:    bus,
		log:    logger.Component(log, "notifier"),
	}
}

// Notify raises a notice unless its dedupe key is already active.
func (n *BusNotifier) Notify(message string, severity Severity, dedupeKey string) {
	if dedupeKey != "" {
		n.mu.Lock()
		if n.active[dedupeKey] {
			n.mu.Unlock()
			n.log.Debug().Str("dedupe_key", dedupeKey).Msg("Notice suppressed by dedupe key")
			return
		}
		n.active[dedupeKey] = true
		n.mu.Unlock()
	}

	n.log.Info().
		Str("severity", string(severity)).
		Str("dedupe_key", dedupeKey).
		Msg(message)

	n.bus.Emit(events.NotificationRaised, "notify", map[string]interface{}{
		"message":    message,
		"severity":   string(severity),
		"dedupe_key": dedupeKey,
	})
}

// Clear retracts an active notice.
func (n *BusNotifier) Clear(dedupeKey string) {
	if dedupeKey == "" {
		return
	}

	n.mu.Lock()
	wasActive := n.active[dedupeKey]
	delete(n.active, dedupeKey)
	n.mu.Unlock()

	if !wasActive {
		return
	}

	n.bus.Emit(events.NotificationCleared, "notify", map[string]interface{}{
		"dedupe_key": dedupeKey,
	})
}

// Active reports whether a dedupe-keyed notice is currently visible.
func (n *BusNotifier) Active(dedupeKey string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active[dedupeKey]
}
