package escrow

import (
	"strings"
	"time"

	"github.com/tesseralabs/tessera/internal/token"
)

// EventKind identifies a state machine event.
type EventKind string

const (
	EventMarkDelivered  EventKind = "mark_delivered"
	EventConfirmReceipt EventKind = "confirm_receipt"
	EventFileDispute    EventKind = "file_dispute"
	EventAutoRelease    EventKind = "auto_release"
	EventResolveDispute EventKind = "resolve_dispute"
	EventCancel         EventKind = "cancel"
)

// Outcome is the closed set of dispute resolutions.
type Outcome string

const (
	OutcomeReleaseToSeller Outcome = "release_to_seller"
	OutcomeRefundToBuyer   Outcome = "refund_to_buyer"
	OutcomeSplit           Outcome = "split"
)

// Event is a requested transition. Actor is empty for the scheduler.
type Event struct {
	Kind    EventKind
	Actor   string
	IsAdmin bool

	// file_dispute
	Reason string

	// resolve_dispute
	Outcome  Outcome
	SplitNum int64 // seller share numerator, e.g. 1/2
	SplitDen int64
}

// Policy carries the product decisions the machine needs.
type Policy struct {
	DeliveredWindow  time.Duration // new deadline after mark_delivered
	MaxDisputeReason int
}

// Apply is the pure transition function: given the current escrow (and its
// dispute, for resolve events), an event, and the current time, it returns
// the transitioned copy plus the settlement intents the caller must enqueue
// after committing. It never mutates its inputs and performs no I/O.
//
// Guard failures return ErrInvalidStateTransition, ErrUnauthorized,
// ErrAlreadyResolved, ErrDisputeWindowExpired, or ErrReasonRequired.
func Apply(e *Escrow, d *Dispute, ev Event, now time.Time, pol Policy) (*Escrow, []Intent, error) {
	next := *e
	next.UpdatedAt = now

	switch ev.Kind {
	case EventMarkDelivered:
		if err := requireActive(e); err != nil {
			return nil, nil, err
		}
		if ev.Actor != e.SellerID {
			return nil, nil, ErrUnauthorized
		}
		next.SellerDelivered = true
		next.DeliveredAt = &now
		// Shorten the deadline, never extend it.
		if short := now.Add(pol.DeliveredWindow); short.Before(next.AutoReleaseAt) {
			next.AutoReleaseAt = short
		}
		return &next, nil, nil

	case EventConfirmReceipt:
		if err := requireActive(e); err != nil {
			return nil, nil, err
		}
		if ev.Actor != e.BuyerID {
			return nil, nil, ErrUnauthorized
		}
		if !e.SellerDelivered {
			return nil, nil, ErrInvalidStateTransition
		}
		next.Status = StatusCompleted
		next.BuyerConfirmed = true
		next.Resolution = "buyer_confirmed"
		next.ResolvedAt = &now
		return &next, []Intent{releaseNet(e)}, nil

	case EventFileDispute:
		if err := requireActive(e); err != nil {
			return nil, nil, err
		}
		if ev.Actor != e.BuyerID {
			return nil, nil, ErrUnauthorized
		}
		reason := strings.TrimSpace(ev.Reason)
		if reason == "" {
			return nil, nil, ErrReasonRequired
		}
		if pol.MaxDisputeReason > 0 && len(reason) > pol.MaxDisputeReason {
			return nil, nil, ErrReasonRequired
		}
		if !now.Before(e.AutoReleaseAt) {
			return nil, nil, ErrDisputeWindowExpired
		}
		next.Status = StatusDisputed
		return &next, nil, nil

	case EventAutoRelease:
		if err := requireActive(e); err != nil {
			return nil, nil, err
		}
		if now.Before(e.AutoReleaseAt) {
			return nil, nil, ErrInvalidStateTransition
		}
		next.Status = StatusAutoReleased
		next.Resolution = "auto_released"
		next.ResolvedAt = &now
		return &next, []Intent{releaseNet(e)}, nil

	case EventResolveDispute:
		if e.Status != StatusDisputed {
			if e.IsTerminal() {
				return nil, nil, ErrAlreadyResolved
			}
			return nil, nil, ErrInvalidStateTransition
		}
		if d == nil {
			return nil, nil, ErrDisputeNotFound
		}
		// The assigned validator resolves. An admin may resolve any
		// dispute, which is also the only way out when the pool was empty
		// and no validator got assigned.
		if !ev.IsAdmin && (d.ValidatorID == "" || ev.Actor != d.ValidatorID) {
			return nil, nil, ErrUnauthorized
		}
		if d.ResolvedAt != nil {
			return nil, nil, ErrAlreadyResolved
		}
		return resolve(e, &next, ev, now)

	case EventCancel:
		if err := requireActive(e); err != nil {
			return nil, nil, err
		}
		if !ev.IsAdmin && ev.Actor != e.SellerID {
			return nil, nil, ErrUnauthorized
		}
		if e.SellerDelivered {
			return nil, nil, ErrInvalidStateTransition
		}
		next.Status = StatusCancelled
		next.Resolution = "cancelled"
		next.ResolvedAt = &now
		// Full refund, no fee charged.
		return &next, []Intent{{Kind: IntentRefund, Recipient: e.BuyerID, Amount: e.Amount}}, nil
	}

	return nil, nil, ErrInvalidStateTransition
}

func requireActive(e *Escrow) error {
	if e.Status == StatusActive {
		return nil
	}
	if e.IsTerminal() {
		return ErrAlreadyResolved
	}
	return ErrInvalidStateTransition
}

// releaseNet builds the seller payout: amount minus the platform fee.
func releaseNet(e *Escrow) Intent {
	net, ok := token.Sub(e.Amount, e.EscrowFee)
	if !ok {
		// Amounts were validated at creation; fall back to the gross amount
		// rather than dropping the payout.
		net = e.Amount
	}
	return Intent{Kind: IntentRelease, Recipient: e.SellerID, Amount: net}
}

func resolve(e *Escrow, next *Escrow, ev Event, now time.Time) (*Escrow, []Intent, error) {
	switch ev.Outcome {
	case OutcomeReleaseToSeller:
		next.Status = StatusCompleted
		next.Resolution = string(OutcomeReleaseToSeller)
		next.ResolvedAt = &now
		return next, []Intent{releaseNet(e)}, nil

	case OutcomeRefundToBuyer:
		// Fee is waived on a refund: the buyer gets the gross amount back.
		next.Status = StatusRefunded
		next.Resolution = string(OutcomeRefundToBuyer)
		next.ResolvedAt = &now
		return next, []Intent{{Kind: IntentRefund, Recipient: e.BuyerID, Amount: e.Amount}}, nil

	case OutcomeSplit:
		num, den := ev.SplitNum, ev.SplitDen
		if den == 0 {
			num, den = 1, 2
		}
		net, ok := token.Sub(e.Amount, e.EscrowFee)
		if !ok {
			net = e.Amount
		}
		sellerPart, buyerPart, okSplit := token.SplitRatio(net, num, den)
		if !okSplit {
			return nil, nil, ErrInvalidStateTransition
		}
		next.Status = StatusCompleted
		next.Resolution = string(OutcomeSplit)
		next.ResolvedAt = &now
		return next, []Intent{
			{Kind: IntentSplitRelease, Recipient: e.SellerID, Amount: sellerPart},
			{Kind: IntentSplitRefund, Recipient: e.BuyerID, Amount: buyerPart},
		}, nil
	}

	return nil, nil, ErrInvalidStateTransition
}

// CanConfirm reports whether userID may confirm receipt right now.
func (e *Escrow) CanConfirm(userID string) bool {
	return e.Status == StatusActive && e.SellerDelivered && userID == e.BuyerID
}

// CanDispute reports whether userID may file a dispute right now.
func (e *Escrow) CanDispute(userID string, now time.Time) bool {
	return e.Status == StatusActive && userID == e.BuyerID && now.Before(e.AutoReleaseAt)
}

// CanAutoRelease reports whether the escrow is eligible for auto-release.
func (e *Escrow) CanAutoRelease(now time.Time) bool {
	return e.Status == StatusActive && !now.Before(e.AutoReleaseAt)
}
