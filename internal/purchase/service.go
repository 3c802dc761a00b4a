package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tesseralabs/tessera/internal/escrow"
	"github.com/tesseralabs/tessera/internal/idgen"
	"github.com/tesseralabs/tessera/internal/token"
)

// PaymentVerifier checks that a buyer's payment transaction really moved
// at least the purchase amount into the treasury. Satisfied by
// settlement.ChainBridge.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, payerAddr, minAmount, txHash string) (bool, error)
}

// WalletDirectory resolves a user ID to the wallet address payments come
// from. Satisfied by settlement.Directory implementations.
type WalletDirectory interface {
	WalletAddress(ctx context.Context, userID string) (string, error)
}

// Service drives purchases from creation through payment to escrow.
type Service struct {
	store     Store
	escrows   *escrow.Service
	verifier  PaymentVerifier
	directory WalletDirectory
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new purchase service.
func NewService(store Store, escrows *escrow.Service, verifier PaymentVerifier, directory WalletDirectory, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		escrows:   escrows,
		verifier:  verifier,
		directory: directory,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams describe a new purchase.
type CreateParams struct {
	DatasetID string
	BuyerID   string
	SellerID  string
	Amount    string
}

// Create records a pending purchase awaiting on-chain payment.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Purchase, error) {
	if p.BuyerID == p.SellerID {
		return nil, fmt.Errorf("buyer and seller cannot be the same user")
	}
	if amt, ok := token.Parse(p.Amount); !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("invalid purchase amount %q", p.Amount)
	}

	now := s.now()
	pur := &Purchase{
		ID:        idgen.Purchase(),
		DatasetID: p.DatasetID,
		BuyerID:   p.BuyerID,
		SellerID:  p.SellerID,
		Amount:    p.Amount,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, pur); err != nil {
		return nil, fmt.Errorf("failed to create purchase: %w", err)
	}

	s.logger.Info("purchase created",
		"purchaseId", pur.ID,
		"datasetId", pur.DatasetID,
		"buyer", pur.BuyerID,
		"amount", pur.Amount,
	)
	return pur, nil
}

// MarkPaid verifies the buyer's payment transaction and, on success, flips
// the purchase to paid and opens its escrow. Calling it again for a paid
// purchase returns ErrAlreadyPaid rather than opening a second escrow.
func (s *Service) MarkPaid(ctx context.Context, id, buyerID, txHash string) (*Purchase, error) {
	pur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if pur.BuyerID != buyerID {
		return nil, escrow.ErrUnauthorized
	}
	if pur.Status == StatusPaid {
		return nil, ErrAlreadyPaid
	}

	payerAddr, err := s.directory.WalletAddress(ctx, pur.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve buyer wallet: %w", err)
	}

	verified, err := s.verifier.VerifyPayment(ctx, payerAddr, pur.Amount, txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify payment: %w", err)
	}
	if !verified {
		pur.Status = StatusFailed
		pur.TxHash = txHash
		pur.UpdatedAt = s.now()
		if uerr := s.store.Update(ctx, pur); uerr != nil {
			s.logger.Warn("failed to record payment failure",
				"purchaseId", pur.ID, "error", uerr)
		}
		return nil, ErrPaymentNotVerified
	}

	esc, err := s.escrows.CreateFromPurchase(ctx, escrow.CreateParams{
		PurchaseID: pur.ID,
		DatasetID:  pur.DatasetID,
		BuyerID:    pur.BuyerID,
		SellerID:   pur.SellerID,
		Amount:     pur.Amount,
	})
	if err != nil {
		return nil, err
	}

	pur.Status = StatusPaid
	pur.TxHash = txHash
	pur.EscrowID = esc.ID
	pur.UpdatedAt = s.now()
	if err := s.store.Update(ctx, pur); err != nil {
		// The escrow exists; the purchase record is behind. The duplicate
		// check in CreateFromPurchase makes a retried MarkPaid safe.
		s.logger.Error("CRITICAL: escrow opened but purchase update failed",
			"purchaseId", pur.ID, "escrowId", esc.ID, "error", err)
		return nil, fmt.Errorf("failed to update purchase: %w", err)
	}

	s.logger.Info("purchase paid, escrow opened",
		"purchaseId", pur.ID,
		"escrowId", esc.ID,
		"txHash", txHash,
		"amount", pur.Amount,
	)
	return pur, nil
}

// Get returns a purchase by ID.
func (s *Service) Get(ctx context.Context, id string) (*Purchase, error) {
	return s.store.Get(ctx, id)
}

// ListForUser returns the caller's purchases as buyer or seller.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Purchase, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
