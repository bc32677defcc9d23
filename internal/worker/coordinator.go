package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kolis/internal/domain"
	"kolis/internal/events"
	"kolis/internal/metrics"
	"kolis/internal/models"
	"kolis/internal/remote"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// OnlineChecker gates draining on connectivity and the offline override.
type OnlineChecker interface {
	Online() bool
}

// DrainReport summarizes one pass over the queue.
type DrainReport struct {
	Coalesced bool
	Synced    int
	Retried   int
	Conflicts int
	Failed    int
}

// DeliverySynced is published when a locally created delivery receives
// its server-assigned id; consumers re-key their state by Delivery.ID.
type DeliverySynced struct {
	ClientRef string
	Delivery  *models.Delivery
}

// OpFailure is published when an operation exhausts its attempts or
// hits a conflict. It is surfaced, never swallowed.
type OpFailure struct {
	Op     models.PendingOperation
	Reason string
}

// Coordinator drains the pending-operation queue against the remote
// API. Exactly one drain pass runs at a time; concurrent triggers
// coalesce into the running pass.
type Coordinator struct {
	queue   domain.OperationQueue
	remote  domain.RemoteAPI
	online  OnlineChecker
	cache   domain.SnapshotCache
	bus     *events.Bus
	retry   RetryPolicy
	limiter *rate.Limiter
	logger  *zerolog.Logger

	batchSize    int
	pollInterval time.Duration

	drainMu sync.Mutex
	trigger chan struct{}

	// aliases maps provisional local- delivery ids to their
	// server-assigned ones. Queued payloads are rewritten durably when a
	// create syncs, but operations already fetched for the running pass
	// still carry the old id; only touched under drainMu.
	aliases map[string]string
}

func NewCoordinator(
	queue domain.OperationQueue,
	remoteAPI domain.RemoteAPI,
	online OnlineChecker,
	cache domain.SnapshotCache,
	bus *events.Bus,
	retry RetryPolicy,
	limiter *rate.Limiter,
	logger *zerolog.Logger,
) *Coordinator {
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	return &Coordinator{
		queue:        queue,
		remote:       remoteAPI,
		online:       online,
		cache:        cache,
		bus:          bus,
		retry:        retry,
		limiter:      limiter,
		logger:       logger,
		batchSize:    models.DefaultSyncBatchSize,
		pollInterval: 2 * time.Second,
		trigger:      make(chan struct{}, 1),
		aliases:      make(map[string]string),
	}
}

// Trigger requests a drain pass. Non-blocking; triggers arriving while
// a pass runs coalesce into the next one.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run drives periodic and triggered drains until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info().Msg("sync coordinator started")
	defer c.logger.Info().Msg("sync coordinator stopped")

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
		case <-ticker.C:
			if !c.online.Online() {
				continue
			}
		}

		if _, err := c.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("drain pass failed")
		}
	}
}

// Drain runs one FIFO pass over due operations. A pass already in
// flight makes this call return immediately with Coalesced set.
func (c *Coordinator) Drain(ctx context.Context) (DrainReport, error) {
	if !c.drainMu.TryLock() {
		return DrainReport{Coalesced: true}, nil
	}
	defer c.drainMu.Unlock()

	var report DrainReport
	ops, err := c.queue.Due(ctx, c.batchSize)
	if err != nil {
		return report, fmt.Errorf("fetch due operations: %w", err)
	}

	for i := range ops {
		if err := c.limiter.Wait(ctx); err != nil {
			return report, err
		}
		c.processOperation(ctx, &ops[i], &report)
	}

	if report.Synced > 0 || report.Conflicts > 0 || report.Failed > 0 {
		c.bus.Publish(events.TopicSyncCompleted, report)
	}
	return report, nil
}

func (c *Coordinator) processOperation(ctx context.Context, op *models.PendingOperation, report *DrainReport) {
	err := c.dispatch(ctx, op)
	switch {
	case err == nil:
		if err := c.queue.Remove(ctx, op.ID); err != nil {
			c.logger.Error().Err(err).Str("op_id", op.ID).Msg("failed to remove acked operation")
		}
		metrics.IncSynced(string(op.Type))
		report.Synced++

	case errors.Is(err, remote.ErrConflict):
		// Source of truth wins: drop the operation, notify, refresh.
		c.logger.Warn().Str("op_id", op.ID).Str("type", string(op.Type)).Msg("operation conflicted, dropping")
		if err := c.queue.Remove(ctx, op.ID); err != nil {
			c.logger.Error().Err(err).Str("op_id", op.ID).Msg("failed to remove conflicted operation")
		}
		c.bus.Publish(events.TopicOpConflict, OpFailure{Op: *op, Reason: err.Error()})
		c.refreshAfterConflict(ctx, op)
		metrics.IncFailed(string(op.Type), "conflict")
		report.Conflicts++

	case errors.Is(err, remote.ErrValidation):
		// Should have been caught before queueing; surface as failed.
		c.failOperation(ctx, op, err)
		report.Failed++

	case remote.IsTransient(err):
		attempt := op.Attempts + 1
		if attempt >= c.retry.MaxAttempts {
			c.failOperation(ctx, op, err)
			report.Failed++
			return
		}
		next := time.Now().Add(c.retry.NextDelay(attempt))
		if err := c.queue.MarkRetry(ctx, op.ID, err.Error(), next); err != nil {
			c.logger.Error().Err(err).Str("op_id", op.ID).Msg("failed to schedule retry")
		}
		report.Retried++

	default:
		c.failOperation(ctx, op, err)
		report.Failed++
	}
}

// failOperation marks the operation failed and surfaces it. It stays
// listable via Failed(); never silently discarded.
func (c *Coordinator) failOperation(ctx context.Context, op *models.PendingOperation, cause error) {
	c.logger.Error().Err(cause).Str("op_id", op.ID).Str("type", string(op.Type)).Msg("operation failed permanently")
	if err := c.queue.MarkFailed(ctx, op.ID, cause.Error()); err != nil {
		c.logger.Error().Err(err).Str("op_id", op.ID).Msg("failed to mark operation failed")
	}
	c.bus.Publish(events.TopicOpFailed, OpFailure{Op: *op, Reason: cause.Error()})
	metrics.IncFailed(string(op.Type), "exhausted")
}

// dispatch routes one operation to its remote endpoint. The operation
// id is the idempotency key, so resends after timeouts are safe.
func (c *Coordinator) dispatch(ctx context.Context, op *models.PendingOperation) error {
	decoded, err := models.DecodePayload(op)
	if err != nil {
		return fmt.Errorf("%s: %w", err.Error(), remote.ErrValidation)
	}

	switch p := decoded.(type) {
	case *models.CreateDeliveryPayload:
		delivery, err := c.remote.CreateDelivery(ctx, op.ID, p)
		if err != nil {
			return err
		}
		c.adoptDeliveryID(ctx, p.ClientRef, delivery.ID)
		c.storeSnapshot(ctx, delivery)
		c.bus.Publish(events.TopicDeliverySynced, DeliverySynced{ClientRef: p.ClientRef, Delivery: delivery})
		return nil

	case *models.CreateBidPayload:
		p.DeliveryID = c.resolveDeliveryID(p.DeliveryID)
		_, err := c.remote.CreateBid(ctx, op.ID, p)
		return err

	case *models.AcceptBidPayload:
		delivery, err := c.remote.AcceptBid(ctx, op.ID, c.resolveDeliveryID(p.DeliveryID), p.BidID)
		if err != nil {
			return err
		}
		c.storeSnapshot(ctx, delivery)
		return nil

	case *models.RejectBidPayload:
		return c.remote.RejectBid(ctx, op.ID, c.resolveDeliveryID(p.DeliveryID), p.BidID)

	case *models.UpdateDeliveryStatusPayload:
		return c.remote.UpdateDeliveryStatus(ctx, op.ID, c.resolveDeliveryID(p.DeliveryID), p.Status)

	case *models.CancelDeliveryPayload:
		return c.remote.CancelDelivery(ctx, op.ID, c.resolveDeliveryID(p.DeliveryID), p.Reason)

	default:
		return fmt.Errorf("no dispatcher for payload %T: %w", decoded, remote.ErrValidation)
	}
}

// adoptDeliveryID records the server-assigned id for a provisional one
// and rewrites it inside every payload still sitting in the queue.
func (c *Coordinator) adoptDeliveryID(ctx context.Context, clientRef, serverID string) {
	if clientRef == "" || clientRef == serverID {
		return
	}
	c.aliases[clientRef] = serverID
	if err := c.queue.RewriteDeliveryID(ctx, clientRef, serverID); err != nil {
		c.logger.Error().Err(err).Str("client_ref", clientRef).Str("delivery_id", serverID).
			Msg("failed to rewrite queued payloads with server delivery id")
	}
}

func (c *Coordinator) resolveDeliveryID(id string) string {
	if serverID, ok := c.aliases[id]; ok {
		return serverID
	}
	return id
}

// refreshAfterConflict pulls the authoritative state for the delivery
// the conflicted operation referred to.
func (c *Coordinator) refreshAfterConflict(ctx context.Context, op *models.PendingOperation) {
	deliveryID := c.resolveDeliveryID(deliveryIDOf(op))
	if deliveryID == "" {
		return
	}

	delivery, err := c.remote.GetDelivery(ctx, deliveryID)
	if err != nil {
		c.logger.Error().Err(err).Str("delivery_id", deliveryID).Msg("failed to refresh delivery after conflict")
		return
	}
	c.storeSnapshot(ctx, delivery)

	bids, err := c.remote.ListBids(ctx, deliveryID)
	if err == nil {
		if err := c.cache.SetBids(ctx, deliveryID, bids); err != nil {
			c.logger.Error().Err(err).Str("delivery_id", deliveryID).Msg("failed to cache refreshed bids")
		}
	}
	c.bus.Publish(events.TopicDeliveryStatus, delivery)
}

func (c *Coordinator) storeSnapshot(ctx context.Context, d *models.Delivery) {
	if d == nil {
		return
	}
	if err := c.cache.SetDelivery(ctx, d); err != nil {
		c.logger.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to cache delivery snapshot")
	}
}

func deliveryIDOf(op *models.PendingOperation) string {
	decoded, err := models.DecodePayload(op)
	if err != nil {
		return ""
	}
	switch p := decoded.(type) {
	case *models.CreateBidPayload:
		return p.DeliveryID
	case *models.AcceptBidPayload:
		return p.DeliveryID
	case *models.RejectBidPayload:
		return p.DeliveryID
	case *models.UpdateDeliveryStatusPayload:
		return p.DeliveryID
	case *models.CancelDeliveryPayload:
		return p.DeliveryID
	default:
		return ""
	}
}
