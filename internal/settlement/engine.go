package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"kolis/internal/domain"
	"kolis/internal/events"
	"kolis/internal/models"
	"kolis/internal/remote"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// transitions is the one-way delivery status DAG. cancelled is reachable
// from every non-terminal state; nothing moves backward.
var transitions = map[models.DeliveryStatus][]models.DeliveryStatus{
	models.StatusPending:    {models.StatusBidding, models.StatusCancelled},
	models.StatusBidding:    {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusDelivered, models.StatusCancelled},
	models.StatusDelivered:  {models.StatusCompleted, models.StatusCancelled},
}

func validatePoint(p models.GeoPoint) error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %.6f out of range", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %.6f out of range", p.Lng)
	}
	return nil
}

func canTransition(from, to models.DeliveryStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OnlineChecker decides whether a mutation goes straight to the remote
// API or into the pending queue.
type OnlineChecker interface {
	Online() bool
}

// Ack is the user-visible acknowledgment of a mutation. Queued
// distinguishes "queued" from "synced"; Durable is false when the
// operation only survives in memory.
type Ack struct {
	Delivery *models.Delivery
	Bid      *models.Bid
	Queued   bool
	Durable  bool
}

// Engine enforces the delivery/bid life cycle on the client. Online it
// mirrors the remote authority; offline it validates locally, applies
// optimistically and queues the mutation for the sync coordinator.
type Engine struct {
	remote domain.RemoteAPI
	queue  domain.OperationQueue
	online OnlineChecker
	cache  domain.SnapshotCache
	bus    *events.Bus
	logger *zerolog.Logger

	mu         sync.Mutex
	deliveries map[string]*models.Delivery
	bids       map[string][]*models.Bid // per delivery, insertion order
	nextSeq    int64
}

func NewEngine(
	remoteAPI domain.RemoteAPI,
	queue domain.OperationQueue,
	online OnlineChecker,
	cache domain.SnapshotCache,
	bus *events.Bus,
	logger *zerolog.Logger,
) *Engine {
	return &Engine{
		remote:     remoteAPI,
		queue:      queue,
		online:     online,
		cache:      cache,
		bus:        bus,
		logger:     logger,
		deliveries: make(map[string]*models.Delivery),
		bids:       make(map[string][]*models.Bid),
	}
}

// AdoptServerDelivery replaces a provisional local delivery with its
// server-assigned identity after the create operation synced.
func (e *Engine) AdoptServerDelivery(clientRef string, d *models.Delivery) {
	if d == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.deliveries[clientRef]; ok {
		delete(e.deliveries, clientRef)
		if bids, ok := e.bids[clientRef]; ok {
			delete(e.bids, clientRef)
			for _, b := range bids {
				b.DeliveryID = d.ID
			}
			e.bids[d.ID] = bids
		}
	}
	copied := *d
	e.deliveries[d.ID] = &copied
}

// PublishDelivery creates a delivery request. Offline it gets a
// provisional local id and a queued create_delivery operation.
func (e *Engine) PublishDelivery(ctx context.Context, pickup, dropoff models.GeoPoint, proposedPrice float64, attrs models.DeliveryAttributes) (*Ack, error) {
	if err := validatePoint(pickup); err != nil {
		return nil, fmt.Errorf("pickup: %s: %w", err.Error(), remote.ErrValidation)
	}
	if err := validatePoint(dropoff); err != nil {
		return nil, fmt.Errorf("dropoff: %s: %w", err.Error(), remote.ErrValidation)
	}
	if proposedPrice < 0 {
		return nil, fmt.Errorf("proposed price must be non-negative: %w", remote.ErrValidation)
	}

	payload := &models.CreateDeliveryPayload{
		Pickup:        pickup,
		Dropoff:       dropoff,
		ProposedPrice: proposedPrice,
		Attributes:    attrs,
	}

	if e.online.Online() {
		delivery, err := e.remote.CreateDelivery(ctx, uuid.NewString(), payload)
		if err == nil {
			e.applyDelivery(ctx, delivery)
			return &Ack{Delivery: delivery, Durable: true}, nil
		}
		if !remote.IsTransient(err) {
			return nil, err
		}
		// Transient failure while online: fall through to the queue so
		// the action is not lost.
	}

	localID := "local-" + uuid.NewString()
	payload.ClientRef = localID
	now := time.Now()
	delivery := &models.Delivery{
		ID:            localID,
		Status:        models.StatusPending,
		ProposedPrice: proposedPrice,
		Pickup:        pickup,
		Dropoff:       dropoff,
		Attributes:    attrs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	op, err := e.queue.Append(ctx, models.OpCreateDelivery, payload)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.deliveries[localID] = delivery
	e.mu.Unlock()

	snapshot := *delivery
	return &Ack{Delivery: &snapshot, Queued: true, Durable: !op.Volatile}, nil
}

// OpenBidding moves a delivery from pending to bidding.
func (e *Engine) OpenBidding(ctx context.Context, deliveryID string) error {
	return e.advance(ctx, deliveryID, models.StatusBidding)
}

// PlaceBid records a courier's offer. Valid only while the delivery is
// bidding and the amount is positive; anything else fails fast with a
// validation error and never reaches the queue.
func (e *Engine) PlaceBid(ctx context.Context, deliveryID, courierID string, amount, courierRating float64) (*Ack, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("bid amount must be positive: %w", remote.ErrValidation)
	}
	if courierID == "" {
		return nil, fmt.Errorf("courier id is required: %w", remote.ErrValidation)
	}

	e.mu.Lock()
	delivery, ok := e.deliveries[deliveryID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("delivery %s: %w", deliveryID, remote.ErrNotFound)
	}
	if delivery.Status != models.StatusBidding {
		e.mu.Unlock()
		return nil, fmt.Errorf("delivery %s is %s, not accepting bids: %w", deliveryID, delivery.Status, remote.ErrValidation)
	}
	e.mu.Unlock()

	payload := &models.CreateBidPayload{
		DeliveryID: deliveryID,
		CourierID:  courierID,
		Amount:     amount,
	}

	if e.online.Online() {
		bid, err := e.remote.CreateBid(ctx, uuid.NewString(), payload)
		if err == nil {
			bid.CourierRating = courierRating
			e.insertBid(bid)
			return &Ack{Bid: bid, Durable: true}, nil
		}
		if !remote.IsTransient(err) {
			return nil, err
		}
	}

	localID := "local-" + uuid.NewString()
	payload.ClientRef = localID
	bid := &models.Bid{
		ID:            localID,
		DeliveryID:    deliveryID,
		CourierID:     courierID,
		Amount:        amount,
		CourierRating: courierRating,
		Status:        models.BidPending,
		CreatedAt:     time.Now(),
	}

	op, err := e.queue.Append(ctx, models.OpCreateBid, payload)
	if err != nil {
		return nil, err
	}

	e.insertBid(bid)
	snapshot := *bid
	return &Ack{Bid: &snapshot, Queued: true, Durable: !op.Volatile}, nil
}

// AcceptBid settles the auction: the chosen bid wins, every other bid
// for the delivery is rejected, and the delivery moves to accepted with
// the winning amount as its final price, all or nothing.
//
// Re-accepting the already-accepted bid is a no-op. Accepting a second
// bid after one is accepted returns a conflict and mutates nothing; on
// a remote conflict local state is refreshed from the authority.
func (e *Engine) AcceptBid(ctx context.Context, deliveryID, bidID string) (*Ack, error) {
	e.mu.Lock()
	delivery, ok := e.deliveries[deliveryID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("delivery %s: %w", deliveryID, remote.ErrNotFound)
	}

	var chosen *models.Bid
	var accepted *models.Bid
	for _, b := range e.bids[deliveryID] {
		if b.ID == bidID {
			chosen = b
		}
		if b.Status == models.BidAccepted {
			accepted = b
		}
	}
	if chosen == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("bid %s: %w", bidID, remote.ErrNotFound)
	}
	if accepted != nil {
		e.mu.Unlock()
		if accepted.ID == bidID {
			snapshot := *accepted
			return &Ack{Bid: &snapshot, Delivery: e.Delivery(deliveryID)}, nil
		}
		return nil, fmt.Errorf("bid %s already accepted for delivery %s: %w", accepted.ID, deliveryID, remote.ErrConflict)
	}
	if delivery.Status != models.StatusBidding {
		e.mu.Unlock()
		return nil, fmt.Errorf("delivery %s is %s: %w", deliveryID, delivery.Status, remote.ErrConflict)
	}
	e.mu.Unlock()

	if e.online.Online() {
		updated, err := e.remote.AcceptBid(ctx, uuid.NewString(), deliveryID, bidID)
		if err == nil {
			e.settleLocally(deliveryID, bidID, chosen.Amount, chosen.CourierID)
			e.applyDelivery(ctx, updated)
			return &Ack{Delivery: e.Delivery(deliveryID), Bid: e.Bid(deliveryID, bidID), Durable: true}, nil
		}
		if errors.Is(err, remote.ErrConflict) {
			// The authority saw another winner first. Refresh and report.
			if refreshErr := e.Refresh(ctx, deliveryID); refreshErr != nil {
				e.logger.Error().Err(refreshErr).Str("delivery_id", deliveryID).Msg("refresh after accept conflict failed")
			}
			return nil, err
		}
		if !remote.IsTransient(err) {
			return nil, err
		}
	}

	op, err := e.queue.Append(ctx, models.OpAcceptBid, &models.AcceptBidPayload{DeliveryID: deliveryID, BidID: bidID})
	if err != nil {
		return nil, err
	}

	e.settleLocally(deliveryID, bidID, chosen.Amount, chosen.CourierID)
	return &Ack{Delivery: e.Delivery(deliveryID), Bid: e.Bid(deliveryID, bidID), Queued: true, Durable: !op.Volatile}, nil
}

// settleLocally applies the acceptance transaction to local state.
// Callers have already validated; this never partially applies.
func (e *Engine) settleLocally(deliveryID, bidID string, amount float64, courierID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, b := range e.bids[deliveryID] {
		if b.ID == bidID {
			b.Status = models.BidAccepted
		} else {
			b.Status = models.BidRejected
		}
	}

	if d, ok := e.deliveries[deliveryID]; ok {
		d.Status = models.StatusAccepted
		final := amount
		d.FinalPrice = &final
		d.CourierID = courierID
		d.UpdatedAt = time.Now()
	}
}

// RejectBid marks exactly one bid rejected. The delivery stays in
// bidding as long as no bid is accepted.
func (e *Engine) RejectBid(ctx context.Context, deliveryID, bidID string) (*Ack, error) {
	e.mu.Lock()
	var chosen *models.Bid
	for _, b := range e.bids[deliveryID] {
		if b.ID == bidID {
			chosen = b
			break
		}
	}
	if chosen == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("bid %s: %w", bidID, remote.ErrNotFound)
	}
	if chosen.Status == models.BidAccepted {
		e.mu.Unlock()
		return nil, fmt.Errorf("bid %s is accepted and cannot be rejected: %w", bidID, remote.ErrConflict)
	}
	if chosen.Status == models.BidRejected {
		snapshot := *chosen
		e.mu.Unlock()
		return &Ack{Bid: &snapshot}, nil
	}
	e.mu.Unlock()

	if e.online.Online() {
		err := e.remote.RejectBid(ctx, uuid.NewString(), deliveryID, bidID)
		if err == nil {
			e.markBidRejected(deliveryID, bidID)
			return &Ack{Bid: e.Bid(deliveryID, bidID), Durable: true}, nil
		}
		if !remote.IsTransient(err) {
			return nil, err
		}
	}

	op, err := e.queue.Append(ctx, models.OpRejectBid, &models.RejectBidPayload{DeliveryID: deliveryID, BidID: bidID})
	if err != nil {
		return nil, err
	}

	e.markBidRejected(deliveryID, bidID)
	return &Ack{Bid: e.Bid(deliveryID, bidID), Queued: true, Durable: !op.Volatile}, nil
}

func (e *Engine) markBidRejected(deliveryID, bidID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.bids[deliveryID] {
		if b.ID == bidID && b.Status == models.BidPending {
			b.Status = models.BidRejected
		}
	}
}

// ConfirmPickup: courier picked the package up.
func (e *Engine) ConfirmPickup(ctx context.Context, deliveryID string) error {
	return e.advance(ctx, deliveryID, models.StatusInProgress)
}

// ConfirmDropoff: courier delivered the package.
func (e *Engine) ConfirmDropoff(ctx context.Context, deliveryID string) error {
	return e.advance(ctx, deliveryID, models.StatusDelivered)
}

// ConfirmReceipt: client confirmed, delivery is done.
func (e *Engine) ConfirmReceipt(ctx context.Context, deliveryID string) error {
	return e.advance(ctx, deliveryID, models.StatusCompleted)
}

// CompleteExpired finalizes delivered deliveries whose rating window
// elapsed without a client confirmation.
func (e *Engine) CompleteExpired(ctx context.Context, window time.Duration) []string {
	e.mu.Lock()
	var due []string
	cutoff := time.Now().Add(-window)
	for id, d := range e.deliveries {
		if d.Status == models.StatusDelivered && d.UpdatedAt.Before(cutoff) {
			due = append(due, id)
		}
	}
	e.mu.Unlock()

	var completed []string
	for _, id := range due {
		if err := e.advance(ctx, id, models.StatusCompleted); err != nil {
			e.logger.Error().Err(err).Str("delivery_id", id).Msg("rating-window completion failed")
			continue
		}
		completed = append(completed, id)
	}
	return completed
}

// Cancel terminalizes a delivery from any non-terminal state.
func (e *Engine) Cancel(ctx context.Context, deliveryID, reason string) error {
	e.mu.Lock()
	delivery, ok := e.deliveries[deliveryID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("delivery %s: %w", deliveryID, remote.ErrNotFound)
	}
	if delivery.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("delivery %s is already %s: %w", deliveryID, delivery.Status, remote.ErrConflict)
	}
	e.mu.Unlock()

	if e.online.Online() {
		err := e.remote.CancelDelivery(ctx, uuid.NewString(), deliveryID, reason)
		if err == nil {
			e.setStatus(ctx, deliveryID, models.StatusCancelled)
			return nil
		}
		if !remote.IsTransient(err) {
			return err
		}
	}

	if _, err := e.queue.Append(ctx, models.OpCancelDelivery, &models.CancelDeliveryPayload{DeliveryID: deliveryID, Reason: reason}); err != nil {
		return err
	}
	e.setStatus(ctx, deliveryID, models.StatusCancelled)
	return nil
}

// advance performs a validated forward move on the status DAG.
func (e *Engine) advance(ctx context.Context, deliveryID string, to models.DeliveryStatus) error {
	e.mu.Lock()
	delivery, ok := e.deliveries[deliveryID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("delivery %s: %w", deliveryID, remote.ErrNotFound)
	}
	from := delivery.Status
	e.mu.Unlock()

	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s for delivery %s: %w", from, to, deliveryID, remote.ErrValidation)
	}

	if e.online.Online() {
		err := e.remote.UpdateDeliveryStatus(ctx, uuid.NewString(), deliveryID, to)
		if err == nil {
			e.setStatus(ctx, deliveryID, to)
			return nil
		}
		if errors.Is(err, remote.ErrConflict) {
			if refreshErr := e.Refresh(ctx, deliveryID); refreshErr != nil {
				e.logger.Error().Err(refreshErr).Str("delivery_id", deliveryID).Msg("refresh after status conflict failed")
			}
			return err
		}
		if !remote.IsTransient(err) {
			return err
		}
	}

	if _, err := e.queue.Append(ctx, models.OpUpdateDeliveryStatus, &models.UpdateDeliveryStatusPayload{DeliveryID: deliveryID, Status: to}); err != nil {
		return err
	}
	e.setStatus(ctx, deliveryID, to)
	return nil
}

func (e *Engine) setStatus(ctx context.Context, deliveryID string, status models.DeliveryStatus) {
	e.mu.Lock()
	d, ok := e.deliveries[deliveryID]
	var snapshot models.Delivery
	if ok {
		d.Status = status
		d.UpdatedAt = time.Now()
		snapshot = *d
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	if err := e.cache.SetDelivery(ctx, &snapshot); err != nil {
		e.logger.Error().Err(err).Str("delivery_id", deliveryID).Msg("failed to cache delivery")
	}
	e.bus.Publish(events.TopicDeliveryStatus, &snapshot)
}

// HandleStatusEvent applies a status pushed by the server. Pushes come
// with no ordering guarantee: anything that would move the status
// backward on the DAG is ignored.
func (e *Engine) HandleStatusEvent(ctx context.Context, deliveryID string, status models.DeliveryStatus) {
	e.mu.Lock()
	d, ok := e.deliveries[deliveryID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if !isAhead(d.Status, status) {
		// Stale, duplicate, or backward push.
		e.mu.Unlock()
		return
	}
	d.Status = status
	d.UpdatedAt = time.Now()
	snapshot := *d
	e.mu.Unlock()

	if err := e.cache.SetDelivery(ctx, &snapshot); err != nil {
		e.logger.Error().Err(err).Str("delivery_id", deliveryID).Msg("failed to cache pushed status")
	}
	e.bus.Publish(events.TopicDeliveryStatus, &snapshot)
}

// statusOrder ranks the happy path; cancelled ranks above everything so
// a cancellation push always applies.
var statusOrder = map[models.DeliveryStatus]int{
	models.StatusPending:    0,
	models.StatusBidding:    1,
	models.StatusAccepted:   2,
	models.StatusInProgress: 3,
	models.StatusDelivered:  4,
	models.StatusCompleted:  5,
	models.StatusCancelled:  6,
}

func isAhead(current, incoming models.DeliveryStatus) bool {
	return statusOrder[incoming] > statusOrder[current] && !current.Terminal()
}

// Refresh replaces local state with the remote authority's view.
func (e *Engine) Refresh(ctx context.Context, deliveryID string) error {
	delivery, err := e.remote.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	bids, err := e.remote.ListBids(ctx, deliveryID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	copied := *delivery
	e.deliveries[deliveryID] = &copied
	list := make([]*models.Bid, len(bids))
	for i := range bids {
		b := bids[i]
		e.nextSeq++
		b.Seq = e.nextSeq
		list[i] = &b
	}
	e.bids[deliveryID] = list
	e.mu.Unlock()

	if err := e.cache.SetDelivery(ctx, delivery); err != nil {
		e.logger.Error().Err(err).Str("delivery_id", deliveryID).Msg("failed to cache refreshed delivery")
	}
	if err := e.cache.SetBids(ctx, deliveryID, bids); err != nil {
		e.logger.Error().Err(err).Str("delivery_id", deliveryID).Msg("failed to cache refreshed bids")
	}
	return nil
}

// applyDelivery stores a remote snapshot into local state and the cache.
func (e *Engine) applyDelivery(ctx context.Context, d *models.Delivery) {
	if d == nil {
		return
	}
	e.mu.Lock()
	copied := *d
	e.deliveries[d.ID] = &copied
	e.mu.Unlock()

	if err := e.cache.SetDelivery(ctx, d); err != nil {
		e.logger.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to cache delivery")
	}
}

func (e *Engine) insertBid(bid *models.Bid) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSeq++
	bid.Seq = e.nextSeq
	e.bids[bid.DeliveryID] = append(e.bids[bid.DeliveryID], bid)
}

// Delivery returns a copy of the local view, or nil when unknown.
func (e *Engine) Delivery(deliveryID string) *models.Delivery {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.deliveries[deliveryID]
	if !ok {
		return nil
	}
	copied := *d
	return &copied
}

// Bid returns a copy of one bid, or nil.
func (e *Engine) Bid(deliveryID, bidID string) *models.Bid {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.bids[deliveryID] {
		if b.ID == bidID {
			copied := *b
			return &copied
		}
	}
	return nil
}

// Deliveries lists copies of all known deliveries, newest first.
func (e *Engine) Deliveries() []models.Delivery {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Delivery, 0, len(e.deliveries))
	for _, d := range e.deliveries {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].ID, out[j].ID) < 0
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
