// Package purchase tracks marketplace dataset purchases up to the point
// an escrow takes over. A purchase is created pending, the buyer pays the
// treasury on chain, and once the payment verifies the purchase flips to
// paid and the escrow is opened in the same call.
package purchase

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPurchaseNotFound   = errors.New("purchase not found")
	ErrAlreadyPaid        = errors.New("purchase already paid")
	ErrPaymentNotVerified = errors.New("payment could not be verified on chain")
	ErrDuplicatePurchase  = errors.New("purchase already exists")
)

// Status represents the payment state of a purchase.
type Status string

const (
	StatusPending Status = "pending" // Created, awaiting on-chain payment
	StatusPaid    Status = "paid"    // Payment verified, escrow opened
	StatusFailed  Status = "failed"  // Payment verification failed
)

// Purchase is a buyer's order for a dataset.
type Purchase struct {
	ID        string    `json:"id"`
	DatasetID string    `json:"datasetId"`
	BuyerID   string    `json:"buyerId"`
	SellerID  string    `json:"sellerId"`
	Amount    string    `json:"amount"` // Token units
	Status    Status    `json:"status"`
	TxHash    string    `json:"txHash,omitempty"`  // Buyer's payment tx
	EscrowID  string    `json:"escrowId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists purchases.
type Store interface {
	Create(ctx context.Context, p *Purchase) error
	Get(ctx context.Context, id string) (*Purchase, error)
	Update(ctx context.Context, p *Purchase) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Purchase, error)
}
