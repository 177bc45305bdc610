// Package gateway defines the interface to the authoritative remote store
// and its adapters. All error classification happens here: layers above only
// ever see domain.ClassifiedError kinds, never raw transport errors.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/aristath/foliosync/internal/domain"
)

// Table names the remote collections a subscription can watch.
const (
	TableHoldings     = "holdings"
	TableTransactions = "transactions"
)

// EventType classifies a change event from the realtime stream.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is one row-level change pushed by the remote store.
type ChangeEvent struct {
	Type  EventType       `json:"eventType"`
	Table string          `json:"table"`
	Row   json.RawMessage `json:"row"`
}

// Subscription is a cancellable handle on a change-event stream. Cancellation
// is structural: dropping the handle without calling Cancel leaks nothing
// once Cancel is invoked by the owning context's teardown.
type Subscription struct {
	Events <-chan ChangeEvent
	cancel func()
}

// NewSubscription wraps an event channel with its cancel function.
func NewSubscription(events <-chan ChangeEvent, cancel func()) *Subscription {
	return &Subscription{Events: events, cancel: cancel}
}

// Cancel terminates the subscription and closes the Events channel.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Gateway is the interface to the authoritative backend consumed by the
// sync engine. All operations may fail with a classified error; reads of
// missing rows return domain.ErrNotFound.
type Gateway interface {
	CreatePortfolio(ctx context.Context, p domain.Portfolio) (domain.Portfolio, error)
	GetPortfolio(ctx context.Context, ownerID string) (domain.Portfolio, error)

	ListHoldings(ctx context.Context, portfolioID string) ([]domain.Holding, error)
	InsertHolding(ctx context.Context, h domain.Holding) (domain.Holding, error)
	UpdateHolding(ctx context.Context, h domain.Holding) (domain.Holding, error)
	DeleteHolding(ctx context.Context, portfolioID, holdingID string) error

	ListTransactions(ctx context.Context, portfolioID string) ([]domain.Transaction, error)
	InsertTransaction(ctx context.Context, t domain.Transaction) (domain.Transaction, error)

	// Subscribe opens a change-event stream for one table filtered to one
	// portfolio. Exactly one subscription per table is expected at a time;
	// the caller cancels the previous handle before opening a new one.
	Subscribe(ctx context.Context, table, portfolioID string) (*Subscription, error)

	// Ping probes connectivity. Used by the connectivity monitor while the
	// session is offline.
	Ping(ctx context.Context) error
}
