// Package settlement executes escrow payouts against the on-chain payment
// token and keeps the off-chain ledger consistent with it.
//
// The escrow engine never talks to the chain directly: terminal transitions
// enqueue durable settlement intents here (write-ahead), and a background
// worker submits them, polls for confirmation, and writes the confirmed
// transaction hash back onto the escrow. Intents are keyed by
// escrowID:kind, so a replayed submission can never double-pay.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/tesseralabs/tessera/internal/escrow"
)

var (
	ErrChainUnavailable            = errors.New("settlement: chain unavailable")
	ErrInsufficientContractBalance = errors.New("settlement: insufficient contract balance")
	ErrTransactionReverted         = errors.New("settlement: transaction reverted")
	ErrDuplicateSettlement         = errors.New("settlement: idempotency key already consumed")
	ErrIntentNotFound              = errors.New("settlement: intent not found")
	ErrUnknownRecipient            = errors.New("settlement: no wallet address for recipient")
)

// IntentStatus tracks an intent through submission and confirmation.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"    // Enqueued, not yet submitted
	IntentSubmitting IntentStatus = "submitting" // Claimed by a worker
	IntentSubmitted  IntentStatus = "submitted"  // On the wire, awaiting receipt
	IntentConfirmed  IntentStatus = "confirmed"  // Mined and successful
	IntentFailed     IntentStatus = "failed"     // Submission failed, eligible for retry
	IntentAbandoned  IntentStatus = "abandoned"  // Retry budget exhausted, operator alerted
)

// Intent is the durable write-ahead record for one payout. The Key doubles
// as the idempotency key shared with the chain bridge. TxHash and Nonce
// persist the last signed submission so a retry after a crash or a lost
// transaction goes through the bridge's prior-submission check instead of
// blindly signing a second payout.
type Intent struct {
	Key       string            `json:"key"`
	EscrowID  string            `json:"escrowId"`
	Kind      escrow.IntentKind `json:"kind"`
	Recipient string            `json:"recipient"` // user ID
	Amount    string            `json:"amount"`
	Status    IntentStatus      `json:"status"`
	TxHash    string            `json:"txHash,omitempty"`
	Nonce     uint64            `json:"nonce,omitempty"` // treasury nonce of the last signed tx
	Attempts  int               `json:"attempts"`
	LastError string            `json:"lastError,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// IntentKey derives the idempotency key for a payout.
func IntentKey(escrowID string, kind escrow.IntentKind) string {
	return escrowID + ":" + string(kind)
}

// Store persists settlement intents. CreateBatch must be idempotent per
// key; Claim must atomically move pending/failed to submitting so two
// workers can never submit the same intent. MarkFailed clears the recorded
// submission (the nonce is known consumed); Requeue keeps it so the retry
// can reconcile against the earlier transaction.
type Store interface {
	CreateBatch(ctx context.Context, intents []*Intent) error
	Get(ctx context.Context, key string) (*Intent, error)
	Claim(ctx context.Context, key string) (*Intent, error)
	MarkSubmitted(ctx context.Context, key, txHash string, nonce uint64) error
	MarkConfirmed(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key, lastError string) error
	Requeue(ctx context.Context, key, lastError string) error
	MarkAbandoned(ctx context.Context, key, lastError string) error
	ListByStatus(ctx context.Context, status IntentStatus, limit int) ([]*Intent, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*Intent, error)
}

// Confirmation is the observed state of a submitted transaction.
type Confirmation struct {
	Mined    bool
	Reverted bool
	TxHash   string
}

// Submission is a signed transaction the bridge produced for an intent.
type Submission struct {
	TxHash string
	Nonce  uint64
}

// Bridge is the only component allowed to talk to the chain. Release and
// Refund submit a token transfer and return the signed submission. prev
// carries the intent's last recorded submission, if any: the bridge must
// check it before signing again, and when the earlier transaction is still
// unmined it must reuse its nonce so the two conflict and at most one can
// ever pay out.
type Bridge interface {
	Release(ctx context.Context, recipientAddr, amount, idempotencyKey string, prev *Submission) (Submission, error)
	Refund(ctx context.Context, recipientAddr, amount, idempotencyKey string, prev *Submission) (Submission, error)
	Confirm(ctx context.Context, txHash string) (Confirmation, error)
}

// Directory resolves marketplace user IDs to wallet addresses. The account
// service owns the mapping; settlement only reads it.
type Directory interface {
	WalletAddress(ctx context.Context, userID string) (string, error)
}

// Service durably enqueues settlement intents. It implements
// escrow.Settler; actual submission happens in the Worker.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a new settlement intake service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Enqueue records payout intents for an escrow's committed transition.
// Re-enqueueing the same escrow/kind is a no-op, which makes the escrow
// service's retry after a partial failure safe.
func (s *Service) Enqueue(ctx context.Context, escrowID string, intents []escrow.Intent) error {
	now := s.now()
	records := make([]*Intent, 0, len(intents))
	for _, in := range intents {
		records = append(records, &Intent{
			Key:       IntentKey(escrowID, in.Kind),
			EscrowID:  escrowID,
			Kind:      in.Kind,
			Recipient: in.Recipient,
			Amount:    in.Amount,
			Status:    IntentPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return s.store.CreateBatch(ctx, records)
}

// ListByEscrow returns the settlement intents for an escrow.
func (s *Service) ListByEscrow(ctx context.Context, escrowID string) ([]*Intent, error) {
	return s.store.ListByEscrow(ctx, escrowID)
}

// Compile-time assertion that Service implements escrow.Settler.
var _ escrow.Settler = (*Service)(nil)
