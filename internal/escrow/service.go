package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tesseralabs/tessera/internal/idgen"
	"github.com/tesseralabs/tessera/internal/metrics"
	"github.com/tesseralabs/tessera/internal/retry"
	"github.com/tesseralabs/tessera/internal/token"
	"github.com/tesseralabs/tessera/internal/traces"
)

// ServicePolicy carries the configured escrow product decisions.
type ServicePolicy struct {
	FeePercent        int64
	AutoReleaseWindow time.Duration
	DeliveredWindow   time.Duration
	MaxDisputeReason  int
}

// Service drives the escrow state machine against the store and enqueues
// settlement side effects.
type Service struct {
	store      Store
	settler    Settler
	notifier   Notifier
	validators *ValidatorPool
	policy     ServicePolicy
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, settler Settler, pol ServicePolicy, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		settler: settler,
		policy:  pol,
		logger:  logger,
		now:     time.Now,
	}
}

// WithNotifier adds an outbound transition-event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithValidators adds the dispute validator pool.
func (s *Service) WithValidators(p *ValidatorPool) *Service {
	s.validators = p
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams are supplied by the purchase workflow once a purchase is paid.
type CreateParams struct {
	PurchaseID string
	DatasetID  string
	BuyerID    string
	SellerID   string
	Amount     string
}

// CreateFromPurchase creates the escrow for a paid purchase. The platform
// fee is fixed here and never changes afterwards.
func (s *Service) CreateFromPurchase(ctx context.Context, p CreateParams) (*Escrow, error) {
	if p.BuyerID == p.SellerID {
		return nil, fmt.Errorf("buyer and seller cannot be the same user")
	}
	if amt, ok := token.Parse(p.Amount); !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("invalid escrow amount %q", p.Amount)
	}
	if existing, err := s.store.GetByPurchase(ctx, p.PurchaseID); err == nil && existing != nil {
		return nil, ErrDuplicateEscrow
	}

	fee, ok := token.Percent(p.Amount, s.policy.FeePercent)
	if !ok {
		return nil, fmt.Errorf("invalid fee computation for amount %q", p.Amount)
	}

	now := s.now()
	e := &Escrow{
		ID:            idgen.Escrow(),
		PurchaseID:    p.PurchaseID,
		DatasetID:     p.DatasetID,
		BuyerID:       p.BuyerID,
		SellerID:      p.SellerID,
		Amount:        p.Amount,
		EscrowFee:     fee,
		Status:        StatusActive,
		AutoReleaseAt: now.Add(s.policy.AutoReleaseWindow),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	s.logger.Info("escrow created",
		"escrowId", e.ID, "purchaseId", e.PurchaseID,
		"amount", e.Amount, "fee", e.EscrowFee,
		"autoReleaseAt", e.AutoReleaseAt,
	)
	return e, nil
}

// MarkDelivered records seller delivery and shortens the release deadline.
func (s *Service) MarkDelivered(ctx context.Context, id, callerID string) (*Escrow, error) {
	return s.transition(ctx, id, Event{Kind: EventMarkDelivered, Actor: callerID})
}

// ConfirmReceipt completes the escrow and releases the net amount to the seller.
func (s *Service) ConfirmReceipt(ctx context.Context, id, callerID string) (*Escrow, error) {
	return s.transition(ctx, id, Event{Kind: EventConfirmReceipt, Actor: callerID})
}

// FileDispute moves an active escrow to disputed and assigns a validator.
func (s *Service) FileDispute(ctx context.Context, id, callerID, reason string) (*Escrow, error) {
	e, err := s.transition(ctx, id, Event{Kind: EventFileDispute, Actor: callerID, Reason: reason})
	if err != nil {
		return nil, err
	}

	d := &Dispute{
		ID:       idgen.Dispute(),
		EscrowID: e.ID,
		Reason:   reason,
		FiledAt:  s.now(),
	}
	if s.validators != nil {
		d.ValidatorID = s.validators.Assign()
	}
	// The escrow is already disputed; without the record the resolver
	// cannot act on it, so the write gets a short retry budget.
	if err := retry.Do(ctx, 2, 100*time.Millisecond, func() error {
		return s.store.CreateDispute(ctx, d)
	}); err != nil {
		s.logger.Error("CRITICAL: escrow disputed but dispute record creation failed",
			"escrowId", e.ID, "error", err)
		return nil, fmt.Errorf("failed to record dispute: %w", err)
	}

	s.logger.Info("dispute filed",
		"escrowId", e.ID, "disputeId", d.ID, "validator", d.ValidatorID)
	return e, nil
}

// AutoRelease settles an overdue active escrow to the seller. Called by the
// sweeper and by the internal auto-release endpoint; correctness comes from
// the status+version CAS, not from the caller.
func (s *Service) AutoRelease(ctx context.Context, id string) (*Escrow, error) {
	return s.transition(ctx, id, Event{Kind: EventAutoRelease})
}

// ResolveDispute applies a validator's terminal outcome to a disputed
// escrow. Admins may resolve on behalf of an unassigned or unresponsive
// validator.
func (s *Service) ResolveDispute(ctx context.Context, id, callerID string, isAdmin bool, outcome Outcome, notes string, splitNum, splitDen int64) (*Escrow, error) {
	e, err := s.transition(ctx, id, Event{
		Kind:     EventResolveDispute,
		Actor:    callerID,
		IsAdmin:  isAdmin,
		Outcome:  outcome,
		SplitNum: splitNum,
		SplitDen: splitDen,
	})
	if err != nil {
		return nil, err
	}

	d, derr := s.store.GetDispute(ctx, e.ID)
	if derr == nil {
		now := s.now()
		d.Resolution = string(outcome)
		d.ResolutionNotes = notes
		d.ResolvedAt = &now
		if uerr := s.store.UpdateDispute(ctx, d); uerr != nil {
			s.logger.Warn("failed to archive dispute resolution",
				"escrowId", e.ID, "error", uerr)
		}
	}

	return e, nil
}

// Cancel refunds an undelivered active escrow in full.
func (s *Service) Cancel(ctx context.Context, id, callerID string, isAdmin bool) (*Escrow, error) {
	return s.transition(ctx, id, Event{Kind: EventCancel, Actor: callerID, IsAdmin: isAdmin})
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetDispute returns the dispute record for an escrow.
func (s *Service) GetDispute(ctx context.Context, escrowID string) (*Dispute, error) {
	return s.store.GetDispute(ctx, escrowID)
}

// View is an escrow plus the caller's allowed actions, computed from the
// same guards the state machine enforces. The booleans are projections
// only; the machine re-checks on every transition.
type View struct {
	*Escrow
	CanConfirm     bool `json:"can_confirm"`
	CanDispute     bool `json:"can_dispute"`
	CanAutoRelease bool `json:"can_auto_release"`
}

// ListForUser returns the caller's escrows (as buyer or seller) with
// action projections.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]View, error) {
	if limit <= 0 {
		limit = 50
	}
	escrows, err := s.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	now := s.now()
	views := make([]View, 0, len(escrows))
	for _, e := range escrows {
		views = append(views, View{
			Escrow:         e,
			CanConfirm:     e.CanConfirm(userID),
			CanDispute:     e.CanDispute(userID, now),
			CanAutoRelease: e.CanAutoRelease(now),
		})
	}
	return views, nil
}

// transition runs the full commit cycle for one event: load, apply the pure
// machine, CAS-commit, enqueue settlement intents, notify.
func (s *Service) transition(ctx context.Context, id string, ev Event) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.transition",
		traces.EscrowID(id), traces.Event(string(ev.Kind)))
	defer span.End()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var d *Dispute
	if ev.Kind == EventResolveDispute {
		d, err = s.store.GetDispute(ctx, id)
		if err != nil && err != ErrDisputeNotFound {
			return nil, err
		}
	}

	next, intents, err := Apply(e, d, ev, s.now(), Policy{
		DeliveredWindow:  s.policy.DeliveredWindow,
		MaxDisputeReason: s.policy.MaxDisputeReason,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateCAS(ctx, next, e.Version, e.Status); err != nil {
		if err == ErrVersionConflict {
			metrics.EscrowConflictsTotal.WithLabelValues(string(ev.Kind)).Inc()
		}
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(e.Status), string(next.Status)).Inc()

	if len(intents) > 0 {
		// The transition is committed; losing the intent would strand the
		// escrow terminal-but-unsettled with nothing for the settlement
		// worker to pick up.
		if err := retry.Do(ctx, 2, 100*time.Millisecond, func() error {
			return s.settler.Enqueue(ctx, next.ID, intents)
		}); err != nil {
			s.logger.Error("CRITICAL: escrow transitioned but settlement enqueue failed",
				"escrowId", next.ID, "status", next.Status, "error", err)
			return nil, fmt.Errorf("failed to enqueue settlement (requires manual resolution): %w", err)
		}
	}

	if s.notifier != nil && next.Status != e.Status {
		s.notifier.EscrowTransitioned(ctx, next.ID, e.Status, next.Status, next.UpdatedAt)
	}

	return next, nil
}
