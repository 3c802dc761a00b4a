package escrow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

// mockSettler records enqueued intents for verification.
type mockSettler struct {
	mu      sync.Mutex
	batches map[string][]Intent // escrowID -> intents
	failN   int                 // fail the first N calls
	calls   int
}

func newMockSettler() *mockSettler {
	return &mockSettler{batches: make(map[string][]Intent)}
}

func (m *mockSettler) Enqueue(ctx context.Context, escrowID string, intents []Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failN {
		return errors.New("settler unavailable")
	}
	m.batches[escrowID] = append(m.batches[escrowID], intents...)
	return nil
}

func (m *mockSettler) intentsFor(escrowID string) []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Intent(nil), m.batches[escrowID]...)
}

// mockNotifier records transition events.
type mockNotifier struct {
	mu     sync.Mutex
	events []string
}

func (m *mockNotifier) EscrowTransitioned(ctx context.Context, escrowID string, from, to Status, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, string(from)+"->"+string(to))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testService(t *testing.T) (*Service, *MemoryStore, *mockSettler, *mockNotifier) {
	t.Helper()
	store := NewMemoryStore()
	settler := newMockSettler()
	notifier := &mockNotifier{}
	svc := NewService(store, settler, ServicePolicy{
		FeePercent:        2,
		AutoReleaseWindow: 7 * 24 * time.Hour,
		DeliveredWindow:   48 * time.Hour,
		MaxDisputeReason:  2000,
	}, testLogger()).
		WithNotifier(notifier).
		WithValidators(NewValidatorPool([]string{"validator1", "validator2"}))
	return svc, store, settler, notifier
}

func createTestEscrow(t *testing.T, svc *Service) *Escrow {
	t.Helper()
	e, err := svc.CreateFromPurchase(context.Background(), CreateParams{
		PurchaseID: "pur_1",
		DatasetID:  "ds_1",
		BuyerID:    "buyer1",
		SellerID:   "seller1",
		Amount:     "100.000000",
	})
	if err != nil {
		t.Fatalf("CreateFromPurchase failed: %v", err)
	}
	return e
}

func TestService_CreateFromPurchase(t *testing.T) {
	svc, _, _, _ := testService(t)

	e := createTestEscrow(t, svc)

	if e.Status != StatusActive {
		t.Errorf("status = %s, want active", e.Status)
	}
	if e.EscrowFee != "2.000000" {
		t.Errorf("fee = %s, want 2.000000 (2%% of 100)", e.EscrowFee)
	}
	if e.Version != 1 {
		t.Errorf("version = %d, want 1", e.Version)
	}
	if e.ID == "" || e.ID[:4] != "esc_" {
		t.Errorf("unexpected escrow ID %q", e.ID)
	}
}

func TestService_CreateFromPurchase_Validation(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.CreateFromPurchase(ctx, CreateParams{
		PurchaseID: "pur_x", BuyerID: "same", SellerID: "same", Amount: "10",
	}); err == nil {
		t.Error("self-purchase should fail")
	}

	if _, err := svc.CreateFromPurchase(ctx, CreateParams{
		PurchaseID: "pur_y", BuyerID: "b", SellerID: "s", Amount: "0",
	}); err == nil {
		t.Error("zero amount should fail")
	}

	createTestEscrow(t, svc)
	if _, err := svc.CreateFromPurchase(ctx, CreateParams{
		PurchaseID: "pur_1", BuyerID: "buyer2", SellerID: "seller2", Amount: "5",
	}); !errors.Is(err, ErrDuplicateEscrow) {
		t.Errorf("duplicate purchase: expected ErrDuplicateEscrow, got %v", err)
	}
}

func TestService_HappyPath(t *testing.T) {
	svc, _, settler, notifier := testService(t)
	ctx := context.Background()
	e := createTestEscrow(t, svc)

	if _, err := svc.MarkDelivered(ctx, e.ID, "seller1"); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	done, err := svc.ConfirmReceipt(ctx, e.ID, "buyer1")
	if err != nil {
		t.Fatalf("ConfirmReceipt failed: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
	if done.Version != 3 {
		t.Errorf("version = %d, want 3 (create + deliver + confirm)", done.Version)
	}

	intents := settler.intentsFor(e.ID)
	if len(intents) != 1 || intents[0].Kind != IntentRelease || intents[0].Amount != "98.000000" {
		t.Errorf("unexpected settlement intents %+v", intents)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 1 || notifier.events[0] != "active->completed" {
		t.Errorf("unexpected notifications %v", notifier.events)
	}
}

func TestService_ConcurrentConfirm_OneWinner(t *testing.T) {
	svc, _, settler, _ := testService(t)
	ctx := context.Background()
	e := createTestEscrow(t, svc)
	if _, err := svc.MarkDelivered(ctx, e.ID, "seller1"); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ConfirmReceipt(ctx, e.ID, "buyer1")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if got := settler.intentsFor(e.ID); len(got) != 1 {
		t.Errorf("settlement enqueued %d times, want 1", len(got))
	}
}

func TestService_DisputeBeatsAutoRelease(t *testing.T) {
	svc, store, settler, _ := testService(t)
	ctx := context.Background()
	e := createTestEscrow(t, svc)

	// The sweeper read the escrow as active and due; before it writes, the
	// buyer files a dispute. The sweeper's CAS must then fail.
	if _, err := svc.FileDispute(ctx, e.ID, "buyer1", "broken download link"); err != nil {
		t.Fatalf("FileDispute failed: %v", err)
	}

	stale := *e // version 1, status active: the sweeper's stale read
	stale.Status = StatusAutoReleased
	err := store.UpdateCAS(ctx, &stale, e.Version, StatusActive)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	if got := settler.intentsFor(e.ID); len(got) != 0 {
		t.Errorf("no settlement should exist yet, got %+v", got)
	}

	current, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if current.Status != StatusDisputed {
		t.Errorf("status = %s, want disputed", current.Status)
	}
}

func TestService_FileDispute_CreatesRecordWithValidator(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := context.Background()
	e := createTestEscrow(t, svc)

	if _, err := svc.FileDispute(ctx, e.ID, "buyer1", "wrong schema"); err != nil {
		t.Fatalf("FileDispute failed: %v", err)
	}

	d, err := svc.GetDispute(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetDispute failed: %v", err)
	}
	if d.Reason != "wrong schema" {
		t.Errorf("reason = %q", d.Reason)
	}
	if d.ValidatorID != "validator1" {
		t.Errorf("validator = %q, want validator1 (first in pool)", d.ValidatorID)
	}
}

func TestService_ResolveDispute_ArchivesResolution(t *testing.T) {
	svc, _, settler, _ := testService(t)
	ctx := context.Background()
	e := createTestEscrow(t, svc)

	if _, err := svc.FileDispute(ctx, e.ID, "buyer1", "incomplete rows"); err != nil {
		t.Fatalf("FileDispute failed: %v", err)
	}

	resolved, err := svc.ResolveDispute(ctx, e.ID, "validator1", false, OutcomeRefundToBuyer, "seller unresponsive", 0, 0)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != StatusRefunded {
		t.Errorf("status = %s, want refunded", resolved.Status)
	}

	d, err := svc.GetDispute(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetDispute failed: %v", err)
	}
	if d.Resolution != string(OutcomeRefundToBuyer) || d.ResolvedAt == nil {
		t.Errorf("dispute not archived: %+v", d)
	}
	if d.ResolutionNotes != "seller unresponsive" {
		t.Errorf("notes = %q", d.ResolutionNotes)
	}

	intents := settler.intentsFor(e.ID)
	if len(intents) != 1 || intents[0].Kind != IntentRefund || intents[0].Amount != "100.000000" {
		t.Errorf("unexpected intents %+v", intents)
	}

	// A second resolution attempt must be rejected.
	if _, err := svc.ResolveDispute(ctx, e.ID, "validator1", false, OutcomeReleaseToSeller, "", 0, 0); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestService_EnqueueRetriesOnce(t *testing.T) {
	svc, _, settler, _ := testService(t)
	settler.failN = 1 // first Enqueue fails, the retry succeeds
	ctx := context.Background()
	e := createTestEscrow(t, svc)
	if _, err := svc.MarkDelivered(ctx, e.ID, "seller1"); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	if _, err := svc.ConfirmReceipt(ctx, e.ID, "buyer1"); err != nil {
		t.Fatalf("ConfirmReceipt should survive one enqueue failure: %v", err)
	}
	if got := settler.intentsFor(e.ID); len(got) != 1 {
		t.Errorf("intents = %d, want 1", len(got))
	}
}

func TestService_AutoReleaseFlow(t *testing.T) {
	svc, _, settler, _ := testService(t)
	ctx := context.Background()

	current := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return current })

	e := createTestEscrow(t, svc)

	// Too early.
	if _, err := svc.AutoRelease(ctx, e.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("premature auto-release: expected ErrInvalidStateTransition, got %v", err)
	}

	current = current.Add(7*24*time.Hour + time.Minute)
	released, err := svc.AutoRelease(ctx, e.ID)
	if err != nil {
		t.Fatalf("AutoRelease failed: %v", err)
	}
	if released.Status != StatusAutoReleased {
		t.Errorf("status = %s, want auto_released", released.Status)
	}
	intents := settler.intentsFor(e.ID)
	if len(intents) != 1 || intents[0].Amount != "98.000000" {
		t.Errorf("unexpected intents %+v", intents)
	}
}

func TestService_ListForUser_Projections(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := context.Background()
	e := createTestEscrow(t, svc)
	if _, err := svc.MarkDelivered(ctx, e.ID, "seller1"); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	views, err := svc.ListForUser(ctx, "buyer1", 10)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d, want 1", len(views))
	}
	if !views[0].CanConfirm || !views[0].CanDispute {
		t.Errorf("buyer projections wrong: %+v", views[0])
	}

	none, err := svc.ListForUser(ctx, "stranger", 10)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("stranger sees %d escrows", len(none))
	}
}

func TestValidatorPool_RoundRobin(t *testing.T) {
	pool := NewValidatorPool([]string{"v1", "v2", "v3"})

	want := []string{"v1", "v2", "v3", "v1", "v2"}
	for i, w := range want {
		if got := pool.Assign(); got != w {
			t.Errorf("assign %d = %s, want %s", i, got, w)
		}
	}

	empty := NewValidatorPool(nil)
	if got := empty.Assign(); got != "" {
		t.Errorf("empty pool assigned %q", got)
	}
}
