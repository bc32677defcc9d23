package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"kolis/internal/events"
	"kolis/internal/metrics"
	"kolis/internal/models"
	"kolis/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrQueueFull is returned instead of letting the queue grow unbounded.
var ErrQueueFull = errors.New("pending operation queue is full")

// Queue is the durable FIFO of unsynced mutations. Operations are
// persisted before Append returns and removed only after the remote
// system acknowledges them.
//
// When a sqlite write fails the operation is kept in an in-memory
// overlay for the rest of the session, flagged Volatile, and an
// operation_not_durable event warns the caller that it may not survive
// a restart. It is never silently dropped while the process lives.
type Queue struct {
	store    *storage.Store
	bus      *events.Bus
	capacity int
	logger   *zerolog.Logger

	mu      sync.Mutex
	overlay []models.PendingOperation
}

func New(store *storage.Store, bus *events.Bus, capacity int, logger *zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = models.DefaultQueueCapacity
	}
	return &Queue{
		store:    store,
		bus:      bus,
		capacity: capacity,
		logger:   logger,
	}
}

// Append persists the operation and returns it with its assigned id.
// The id doubles as the idempotency key for the remote call.
func (q *Queue) Append(ctx context.Context, opType models.OperationType, payload any) (*models.PendingOperation, error) {
	if !models.KnownOperationType(opType) {
		return nil, fmt.Errorf("unknown operation type: %s", opType)
	}

	encoded, err := models.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	// A broken store must not block enqueueing: the capacity check falls
	// back to the overlay count alone and Insert below takes the memory path.
	n, err := q.Len(ctx)
	if err != nil {
		q.mu.Lock()
		n = len(q.overlay)
		q.mu.Unlock()
	}
	if n >= q.capacity {
		return nil, ErrQueueFull
	}

	op := models.PendingOperation{
		ID:        uuid.NewString(),
		Type:      opType,
		Payload:   encoded,
		Status:    models.OpStatusPending,
		CreatedAt: time.Now(),
	}

	if err := q.store.InsertOperation(ctx, &op); err != nil {
		// Persistence failure is fatal for this write only: keep the
		// operation in memory for the session and warn the caller.
		q.logger.Warn().Err(err).Str("op_id", op.ID).Str("type", string(opType)).
			Msg("operation not durable, keeping in memory")
		op.Volatile = true
		q.mu.Lock()
		q.overlay = append(q.overlay, op)
		q.mu.Unlock()
		q.bus.Publish(events.TopicOpVolatile, op)
	}

	metrics.IncEnqueued(string(opType))
	q.bus.Publish(events.TopicOpQueued, op)
	q.updateDepth(ctx)
	return &op, nil
}

// List returns all unsynced operations in insertion order. Volatile
// overlay entries are merged back between the durable ones they were
// enqueued among.
func (q *Queue) List(ctx context.Context) ([]models.PendingOperation, error) {
	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		// Volatile ops must stay drainable even with a dead store.
		q.logger.Warn().Err(err).Msg("listing durable operations failed, serving overlay only")
		ops = nil
	}
	return q.appendOverlay(ops, func(op models.PendingOperation) bool {
		return op.Status != models.OpStatusFailed
	}), nil
}

// Due returns operations ready for a drain pass.
func (q *Queue) Due(ctx context.Context, limit int) ([]models.PendingOperation, error) {
	ops, err := q.store.DueOperations(ctx, limit)
	if err != nil {
		q.logger.Warn().Err(err).Msg("loading due operations failed, serving overlay only")
		ops = nil
	}
	now := time.Now()
	return q.appendOverlay(ops, func(op models.PendingOperation) bool {
		if op.Status == models.OpStatusFailed {
			return false
		}
		return op.NextRetryAt == nil || !op.NextRetryAt.After(now)
	}), nil
}

func (q *Queue) appendOverlay(ops []models.PendingOperation, keep func(models.PendingOperation) bool) []models.PendingOperation {
	q.mu.Lock()
	for _, op := range q.overlay {
		if keep(op) {
			ops = append(ops, op)
		}
	}
	q.mu.Unlock()

	// An overlay entry may have been enqueued between two durable ones,
	// so restore FIFO by enqueue time. The stable sort keeps the
	// existing order for identical timestamps.
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
	return ops
}

// Remove deletes an acknowledged operation.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if q.removeOverlay(id) {
		q.updateDepth(ctx)
		return nil
	}
	if err := q.store.DeleteOperation(ctx, id); err != nil {
		return err
	}
	q.updateDepth(ctx)
	return nil
}

func (q *Queue) removeOverlay(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, op := range q.overlay {
		if op.ID == id {
			q.overlay = append(q.overlay[:i], q.overlay[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) MarkRetry(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error {
	if q.mutateOverlay(id, func(op *models.PendingOperation) {
		op.Status = models.OpStatusRetry
		op.Attempts++
		op.LastError = &errMsg
		op.NextRetryAt = &nextRetryAt
	}) {
		return nil
	}
	return q.store.MarkOperationRetry(ctx, id, errMsg, nextRetryAt)
}

func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string) error {
	if q.mutateOverlay(id, func(op *models.PendingOperation) {
		op.Status = models.OpStatusFailed
		op.LastError = &errMsg
		op.NextRetryAt = nil
	}) {
		return nil
	}
	return q.store.MarkOperationFailed(ctx, id, errMsg)
}

func (q *Queue) mutateOverlay(id string, fn func(*models.PendingOperation)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.overlay {
		if q.overlay[i].ID == id {
			fn(&q.overlay[i])
			return true
		}
	}
	return false
}

// RewriteDeliveryID replaces a provisional delivery id with the
// server-assigned one inside every still-queued payload, durable and
// volatile alike. Called after a create_delivery syncs so dependent
// operations reach the server under an id it knows.
func (q *Queue) RewriteDeliveryID(ctx context.Context, from, to string) error {
	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		q.logger.Warn().Err(err).Msg("listing durable operations failed, rewriting overlay only")
		ops = nil
	}
	for i := range ops {
		rewritten, err := models.RewriteDeliveryID(&ops[i], from, to)
		if err != nil {
			q.logger.Error().Err(err).Str("op_id", ops[i].ID).Msg("failed to rewrite operation payload")
			continue
		}
		if !rewritten {
			continue
		}
		if err := q.store.UpdateOperationPayload(ctx, ops[i].ID, ops[i].Payload); err != nil {
			return fmt.Errorf("persist rewritten payload of %s: %w", ops[i].ID, err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.overlay {
		if _, err := models.RewriteDeliveryID(&q.overlay[i], from, to); err != nil {
			q.logger.Error().Err(err).Str("op_id", q.overlay[i].ID).Msg("failed to rewrite volatile payload")
		}
	}
	return nil
}

// Failed lists operations that exhausted their attempts.
func (q *Queue) Failed(ctx context.Context) ([]models.PendingOperation, error) {
	ops, err := q.store.FailedOperations(ctx)
	if err != nil {
		q.logger.Warn().Err(err).Msg("loading failed operations failed, serving overlay only")
		ops = nil
	}
	return q.appendOverlay(ops, func(op models.PendingOperation) bool {
		return op.Status == models.OpStatusFailed
	}), nil
}

// Len counts unsynced operations, durable and volatile.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.store.CountUnsynced(ctx)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	for _, op := range q.overlay {
		if op.Status != models.OpStatusFailed {
			n++
		}
	}
	q.mu.Unlock()
	return n, nil
}

func (q *Queue) updateDepth(ctx context.Context) {
	if n, err := q.Len(ctx); err == nil {
		metrics.SetQueueDepth(n)
	}
}
