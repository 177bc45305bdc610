package domain

import "time"

// SyncKind marks whether an entity's value is authoritative or provisional.
type SyncKind string

const (
	// SyncConfirmed means the value was returned by the remote store.
	SyncConfirmed SyncKind = "confirmed"
	// SyncOptimistic means the value is a local mutation awaiting confirmation.
	SyncOptimistic SyncKind = "optimistic"
)

// SyncState is the tagged union Confirmed(value) | Optimistic(value, pendingOpID).
// The UI and the reconciler use it to tell authoritative state from provisional
// state; PendingOpID is only set while the entity has a queued operation.
type SyncState struct {
	Kind        SyncKind `json:"kind" msgpack:"kind"`
	PendingOpID string   `json:"pending_op_id,omitempty" msgpack:"pending_op_id"`
}

// Confirmed returns the state for a server-confirmed entity.
func Confirmed() SyncState {
	return SyncState{Kind: SyncConfirmed}
}

// Optimistic returns the state for a locally-mutated entity whose
// confirmation is tracked by the given pending operation.
func Optimistic(pendingOpID string) SyncState {
	return SyncState{Kind: SyncOptimistic, PendingOpID: pendingOpID}
}

// Queued reports whether the entity is awaiting remote confirmation.
func (s SyncState) Queued() bool {
	return s.Kind == SyncOptimistic && s.PendingOpID != ""
}

// OperationType identifies a queued mutation.
type OperationType string

const (
	OpCreateHolding OperationType = "createHolding"
	OpUpdateHolding OperationType = "updateHolding"
	OpDeleteHolding OperationType = "deleteHolding"
)

// PendingOperation is a mutation that could not be confirmed against the
// remote store. Ordering is significant: operations for the same entity
// must replay in enqueue order.
type PendingOperation struct {
	ID         string        `json:"id" msgpack:"id"`
	Type       OperationType `json:"type" msgpack:"type"`
	Holding    Holding       `json:"holding" msgpack:"holding"`
	EnqueuedAt time.Time     `json:"enqueued_at" msgpack:"enqueued_at"`
}

// EntityID returns the id of the holding the operation targets.
func (op PendingOperation) EntityID() string {
	return op.Holding.ID
}
