// Package escrow implements the purchase escrow and settlement engine.
//
// Flow:
//  1. A purchase reaches paid → an escrow is created holding the payment
//  2. Seller marks the dataset delivered → release deadline shortens
//  3. Buyer confirms receipt → funds released to seller (minus fee)
//  4. Buyer disputes → a validator resolves release, refund, or split
//  5. Deadline passes with no action → auto-released to seller
//
// All transitions are linearized per escrow by a version compare-and-swap
// in the store; money movement is enqueued for the settlement bridge only
// after the transition is durably committed.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrInvalidStateTransition = errors.New("invalid state transition for this escrow")
	ErrUnauthorized           = errors.New("not authorized for this escrow operation")
	ErrVersionConflict        = errors.New("escrow was modified concurrently")
	ErrAlreadyResolved        = errors.New("escrow already resolved")
	ErrDisputeNotFound        = errors.New("dispute not found")
	ErrDisputeWindowExpired   = errors.New("dispute window has expired")
	ErrReasonRequired         = errors.New("dispute reason is required")
	ErrDuplicateEscrow        = errors.New("escrow already exists for purchase")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusActive       Status = "active"        // Holding funds, awaiting delivery/confirmation
	StatusCompleted    Status = "completed"     // Buyer confirmed (or dispute resolved for seller)
	StatusDisputed     Status = "disputed"      // Buyer disputed, awaiting validator resolution
	StatusRefunded     Status = "refunded"      // Dispute resolved with refund to buyer
	StatusCancelled    Status = "cancelled"     // Cancelled before delivery, full refund
	StatusAutoReleased Status = "auto_released" // Released to seller after deadline
)

// Escrow is the in-trust record for a paid purchase.
type Escrow struct {
	ID               string     `json:"id"`
	PurchaseID       string     `json:"purchaseId"`
	DatasetID        string     `json:"datasetId"`
	BuyerID          string     `json:"buyerId"`
	SellerID         string     `json:"sellerId"`
	Amount           string     `json:"amount"`    // Gross amount held, token units
	EscrowFee        string     `json:"escrowFee"` // Platform cut, fixed at creation
	Status           Status     `json:"status"`
	SellerDelivered  bool       `json:"sellerDelivered"`
	BuyerConfirmed   bool       `json:"buyerConfirmed"`
	AutoReleaseAt    time.Time  `json:"autoReleaseAt"`
	Version          int64      `json:"version"`
	SettlementTxHash string     `json:"settlementTxHash,omitempty"`
	Resolution       string     `json:"resolution,omitempty"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusAutoReleased:
		return true
	}
	return false
}

// Dispute is the 1:1 side record created when an escrow is disputed.
type Dispute struct {
	ID              string     `json:"id"`
	EscrowID        string     `json:"escrowId"`
	Reason          string     `json:"reason"`
	FiledAt         time.Time  `json:"filedAt"`
	ValidatorID     string     `json:"validatorId,omitempty"`
	Resolution      string     `json:"resolution,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists escrow and dispute data.
//
// UpdateCAS writes the escrow only if the stored row still carries
// expectedVersion and fromStatus; it must store e with
// e.Version = expectedVersion+1 and return ErrVersionConflict otherwise.
// The status predicate is what makes auto-release safe against a dispute
// filed between the sweeper's read and its write.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByPurchase(ctx context.Context, purchaseID string) (*Escrow, error)
	UpdateCAS(ctx context.Context, e *Escrow, expectedVersion int64, fromStatus Status) error
	SetSettlementTx(ctx context.Context, id, txHash string) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)

	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, escrowID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
}

// IntentKind classifies a settlement payout.
type IntentKind string

const (
	IntentRelease      IntentKind = "release"       // net amount to seller
	IntentRefund       IntentKind = "refund"        // gross amount back to buyer
	IntentSplitRelease IntentKind = "split_release" // seller share of a split resolution
	IntentSplitRefund  IntentKind = "split_refund"  // buyer share of a split resolution
)

// Intent describes a payout the settlement bridge must perform. Intents are
// enqueued only after the owning transition has been committed.
type Intent struct {
	Kind      IntentKind
	Recipient string // user ID; the bridge resolves the wallet address
	Amount    string
}

// Settler durably enqueues settlement intents for asynchronous execution.
// Implementations must be idempotent per (escrow, kind).
type Settler interface {
	Enqueue(ctx context.Context, escrowID string, intents []Intent) error
}

// Notifier receives committed transition events for downstream delivery.
// Implementations must not block the transition path.
type Notifier interface {
	EscrowTransitioned(ctx context.Context, escrowID string, from, to Status, at time.Time)
}
