package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type OperationType string

const (
	OpCreateDelivery       OperationType = "create_delivery"
	OpCreateBid            OperationType = "create_bid"
	OpAcceptBid            OperationType = "accept_bid"
	OpRejectBid            OperationType = "reject_bid"
	OpUpdateDeliveryStatus OperationType = "update_delivery_status"
	OpCancelDelivery       OperationType = "cancel_delivery"
)

const (
	OpStatusPending = "pending"
	OpStatusRetry   = "retry"
	OpStatusFailed  = "failed"
)

// PendingOperation is a locally queued mutation awaiting transmission.
// It survives restarts until the remote system acknowledges it; Volatile
// marks operations that could not be persisted and live in memory only.
type PendingOperation struct {
	ID          string        `json:"id"`
	Type        OperationType `json:"type"`
	Payload     string        `json:"payload"`
	Status      string        `json:"status"`
	Attempts    int           `json:"attempts"`
	LastError   *string       `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	NextRetryAt *time.Time    `json:"next_retry_at,omitempty"`
	Volatile    bool          `json:"-"`
}

// CreateDeliveryPayload publishes a delivery. ClientRef is the provisional
// local id so the server-assigned id can be adopted after sync.
type CreateDeliveryPayload struct {
	ClientRef     string             `json:"client_ref"`
	Pickup        GeoPoint           `json:"pickup"`
	Dropoff       GeoPoint           `json:"dropoff"`
	ProposedPrice float64            `json:"proposed_price"`
	Attributes    DeliveryAttributes `json:"attributes"`
}

type CreateBidPayload struct {
	ClientRef  string  `json:"client_ref"`
	DeliveryID string  `json:"delivery_id"`
	CourierID  string  `json:"courier_id"`
	Amount     float64 `json:"amount"`
}

type AcceptBidPayload struct {
	DeliveryID string `json:"delivery_id"`
	BidID      string `json:"bid_id"`
}

type RejectBidPayload struct {
	DeliveryID string `json:"delivery_id"`
	BidID      string `json:"bid_id"`
}

type UpdateDeliveryStatusPayload struct {
	DeliveryID string         `json:"delivery_id"`
	Status     DeliveryStatus `json:"status"`
}

type CancelDeliveryPayload struct {
	DeliveryID string `json:"delivery_id"`
	Reason     string `json:"reason,omitempty"`
}

// EncodePayload serializes a typed payload for queue storage.
func EncodePayload(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(raw), nil
}

// DecodePayload maps an operation back to its concrete payload type.
// The switch is exhaustive over OperationType: adding an operation kind
// without a case here fails at sync time with an explicit error.
func DecodePayload(op *PendingOperation) (any, error) {
	switch op.Type {
	case OpCreateDelivery:
		var p CreateDeliveryPayload
		return &p, json.Unmarshal([]byte(op.Payload), &p)
	case OpCreateBid:
		var p CreateBidPayload
		return &p, json.Unmarshal([]byte(op.Payload), &p)
	case OpAcceptBid:
		var p AcceptBidPayload
		return &p, json.Unmarshal([]byte(op.Payload), &p)
	case OpRejectBid:
		var p RejectBidPayload
		return &p, json.Unmarshal([]byte(op.Payload), &p)
	case OpUpdateDeliveryStatus:
		var p UpdateDeliveryStatusPayload
		return &p, json.Unmarshal([]byte(op.Payload), &p)
	case OpCancelDelivery:
		var p CancelDeliveryPayload
		return &p, json.Unmarshal([]byte(op.Payload), &p)
	default:
		return nil, fmt.Errorf("unknown operation type: %s", op.Type)
	}
}

// RewriteDeliveryID replaces a provisional delivery id inside the
// operation's payload with the server-assigned one. Returns true when
// the payload referenced the old id and was rewritten.
func RewriteDeliveryID(op *PendingOperation, from, to string) (bool, error) {
	decoded, err := DecodePayload(op)
	if err != nil {
		return false, err
	}

	var ref *string
	switch p := decoded.(type) {
	case *CreateBidPayload:
		ref = &p.DeliveryID
	case *AcceptBidPayload:
		ref = &p.DeliveryID
	case *RejectBidPayload:
		ref = &p.DeliveryID
	case *UpdateDeliveryStatusPayload:
		ref = &p.DeliveryID
	case *CancelDeliveryPayload:
		ref = &p.DeliveryID
	default:
		return false, nil
	}
	if *ref != from {
		return false, nil
	}
	*ref = to

	encoded, err := EncodePayload(decoded)
	if err != nil {
		return false, err
	}
	op.Payload = encoded
	return true, nil
}

// KnownOperationType guards Append against payloads no consumer can dispatch.
func KnownOperationType(t OperationType) bool {
	switch t {
	case OpCreateDelivery, OpCreateBid, OpAcceptBid, OpRejectBid, OpUpdateDeliveryStatus, OpCancelDelivery:
		return true
	}
	return false
}
