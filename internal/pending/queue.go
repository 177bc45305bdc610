// Package pending implements the ordered, persisted queue of mutations that
// could not be confirmed against the remote store.
package pending

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/foliosync/internal/cache"
	"github.com/aristath/foliosync/internal/domain"
	"github.com/aristath/foliosync/pkg/logger"
)

// ApplyResult is the per-operation outcome reported by the drain callback.
type ApplyResult int

const (
	// Applied: the operation was confirmed remotely and leaves the queue.
	Applied ApplyResult = iota
	// Retry: transient failure, the operation stays at the front of the
	// remaining queue for the next drain pass.
	Retry
	// Dropped: the operation is unrecoverable (e.g. the target entity was
	// already deleted remotely) and leaves the queue without applying.
	Dropped
)

// ApplyFunc applies one operation against the remote store.
type ApplyFunc func(op domain.PendingOperation) ApplyResult

// Queue is a strictly FIFO mutation log persisted through the cache store so
// it survives process restarts.
type Queue struct {
	mu    sync.Mutex
	ops   []domain.PendingOperation
	store *cache.Store
	log   zerolog.Logger
}

// NewQueue creates a queue, restoring any operations persisted by a
// previous session.
func NewQueue(store *cache.Store, log zerolog.Logger) *Queue {
	q := &Queue{
		store: store,
		log:   logger.Component(log, "pending_queue"),
	}
	q.ops = store.LoadQueue()
	if len(q.ops) > 0 {
		q.log.Info().Int("count", len(q.ops)).Msg("Restored pending operations from previous session")
	}
	return q
}

// Enqueue appends an operation. Duplicate ids are rejected: the queue never
// holds two operations with the same id.
func (q *Queue) Enqueue(op domain.PendingOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.ops {
		if existing.ID == op.ID {
			q.log.Warn().Str("op_id", op.ID).Msg("Duplicate pending operation ignored")
			return
		}
	}

	q.ops = append(q.ops, op)
	q.persistLocked()

	q.log.Info().
		Str("op_id", op.ID).
		Str("type", string(op.Type)).
		Str("entity_id", op.EntityID()).
		Int("queue_len", len(q.ops)).
		Msg("Operation enqueued for replay")
}

// List returns a copy of the queued operations in enqueue order.
func (q *Queue) List() []domain.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.PendingOperation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Find returns the queued operation with the given id, if present.
func (q *Queue) Find(opID string) (domain.PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, op := range q.ops {
		if op.ID == opID {
			return op, true
		}
	}
	return domain.PendingOperation{}, false
}

// RemoveForEntity drops every queued operation targeting the given entity
// and returns how many were cancelled. A confirmed delete calls this:
// replaying an earlier create or update would resurrect the deleted row.
func (q *Queue) RemoveForEntity(entityID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.ops[:0]
	removed := 0
	for _, op := range q.ops {
		if op.EntityID() == entityID {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	if removed == 0 {
		return 0
	}
	q.ops = kept
	q.persistLocked()

	q.log.Info().
		Str("entity_id", entityID).
		Int("count", removed).
		Msg("Cancelled pending operations for deleted entity")
	return removed
}

// Drain replays operations strictly in enqueue order. Every operation is
// attempted on every pass, including later operations against an entity whose
// earlier operation just failed: a failed op is kept and reinserted at the
// front of the remaining queue, preserving relative order for the next pass.
//
// applyFn runs without the queue lock held, so the synchronizer may touch the
// queue from its own callbacks. Operations enqueued while a drain is in
// flight are appended after the retried ones. Returns the number of
// operations still queued.
func (q *Queue) Drain(apply ApplyFunc) int {
	q.mu.Lock()
	if len(q.ops) == 0 {
		q.mu.Unlock()
		return 0
	}
	batch := make([]domain.PendingOperation, len(q.ops))
	copy(batch, q.ops)
	q.mu.Unlock()

	var retried []domain.PendingOperation
	for _, op := range batch {
		switch apply(op) {
		case Applied:
			q.log.Info().
				Str("op_id", op.ID).
				Str("type", string(op.Type)).
				Msg("Pending operation applied remotely")
		case Dropped:
			q.log.Warn().
				Str("op_id", op.ID).
				Str("type", string(op.Type)).
				Msg("Pending operation dropped")
		case Retry:
			q.log.Debug().
				Str("op_id", op.ID).
				Str("type", string(op.Type)).
				Msg("Pending operation kept for retry")
			retried = append(retried, op)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	batchIDs := make(map[string]bool, len(batch))
	for _, op := range batch {
		batchIDs[op.ID] = true
	}

	next := retried
	for _, op := range q.ops {
		if !batchIDs[op.ID] {
			next = append(next, op)
		}
	}
	q.ops = next
	q.persistLocked()

	return len(q.ops)
}

func (q *Queue) persistLocked() {
	if err := q.store.SaveQueue(q.ops); err != nil {
		// Best-effort persistence: an unpersisted queue survives in memory
		// for this session.
		q.log.Warn().Err(err).Msg("Failed to persist pending queue")
	}
}
