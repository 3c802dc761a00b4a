package escrow

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	return Policy{
		DeliveredWindow:  48 * time.Hour,
		MaxDisputeReason: 2000,
	}
}

func activeEscrow() *Escrow {
	return &Escrow{
		ID:            "esc_test1",
		PurchaseID:    "pur_test1",
		DatasetID:     "ds_test1",
		BuyerID:       "buyer1",
		SellerID:      "seller1",
		Amount:        "100.000000",
		EscrowFee:     "2.000000",
		Status:        StatusActive,
		AutoReleaseAt: testNow.Add(7 * 24 * time.Hour),
		Version:       1,
		CreatedAt:     testNow.Add(-time.Hour),
		UpdatedAt:     testNow.Add(-time.Hour),
	}
}

func TestApply_MarkDelivered(t *testing.T) {
	e := activeEscrow()

	next, intents, err := Apply(e, nil, Event{Kind: EventMarkDelivered, Actor: "seller1"}, testNow, testPolicy())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(intents) != 0 {
		t.Errorf("expected no intents, got %d", len(intents))
	}
	if !next.SellerDelivered {
		t.Error("SellerDelivered not set")
	}
	if next.DeliveredAt == nil {
		t.Error("DeliveredAt not set")
	}
	// Deadline shortens to now + delivered window.
	want := testNow.Add(48 * time.Hour)
	if !next.AutoReleaseAt.Equal(want) {
		t.Errorf("AutoReleaseAt = %v, want %v", next.AutoReleaseAt, want)
	}
	// Input untouched.
	if e.SellerDelivered {
		t.Error("Apply mutated its input")
	}
}

func TestApply_MarkDelivered_NeverExtendsDeadline(t *testing.T) {
	e := activeEscrow()
	e.AutoReleaseAt = testNow.Add(time.Hour) // already closer than the delivered window

	next, _, err := Apply(e, nil, Event{Kind: EventMarkDelivered, Actor: "seller1"}, testNow, testPolicy())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !next.AutoReleaseAt.Equal(e.AutoReleaseAt) {
		t.Errorf("deadline extended from %v to %v", e.AutoReleaseAt, next.AutoReleaseAt)
	}
}

func TestApply_MarkDelivered_WrongActor(t *testing.T) {
	e := activeEscrow()

	_, _, err := Apply(e, nil, Event{Kind: EventMarkDelivered, Actor: "buyer1"}, testNow, testPolicy())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestApply_ConfirmReceipt(t *testing.T) {
	e := activeEscrow()
	e.SellerDelivered = true

	next, intents, err := Apply(e, nil, Event{Kind: EventConfirmReceipt, Actor: "buyer1"}, testNow, testPolicy())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if next.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", next.Status, StatusCompleted)
	}
	if !next.BuyerConfirmed {
		t.Error("BuyerConfirmed not set")
	}
	if len(intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(intents))
	}
	// Net = 100 - 2 fee.
	if intents[0].Kind != IntentRelease || intents[0].Recipient != "seller1" {
		t.Errorf("unexpected intent %+v", intents[0])
	}
	if intents[0].Amount != "98.000000" {
		t.Errorf("release amount = %s, want 98.000000", intents[0].Amount)
	}
}

func TestApply_ConfirmReceipt_BeforeDelivery(t *testing.T) {
	e := activeEscrow()

	_, _, err := Apply(e, nil, Event{Kind: EventConfirmReceipt, Actor: "buyer1"}, testNow, testPolicy())
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestApply_ConfirmReceipt_SellerCannotConfirm(t *testing.T) {
	e := activeEscrow()
	e.SellerDelivered = true

	_, _, err := Apply(e, nil, Event{Kind: EventConfirmReceipt, Actor: "seller1"}, testNow, testPolicy())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestApply_FileDispute(t *testing.T) {
	e := activeEscrow()

	next, intents, err := Apply(e, nil, Event{Kind: EventFileDispute, Actor: "buyer1", Reason: "dataset is corrupt"}, testNow, testPolicy())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if next.Status != StatusDisputed {
		t.Errorf("status = %s, want %s", next.Status, StatusDisputed)
	}
	if len(intents) != 0 {
		t.Errorf("dispute must not move money, got %d intents", len(intents))
	}
}

func TestApply_FileDispute_EmptyReason(t *testing.T) {
	e := activeEscrow()

	for _, reason := range []string{"", "   "} {
		_, _, err := Apply(e, nil, Event{Kind: EventFileDispute, Actor: "buyer1", Reason: reason}, testNow, testPolicy())
		if !errors.Is(err, ErrReasonRequired) {
			t.Errorf("reason %q: expected ErrReasonRequired, got %v", reason, err)
		}
	}
}

func TestApply_FileDispute_ReasonTooLong(t *testing.T) {
	e := activeEscrow()
	long := make([]byte, 2001)
	for i := range long {
		long[i] = 'x'
	}

	_, _, err := Apply(e, nil, Event{Kind: EventFileDispute, Actor: "buyer1", Reason: string(long)}, testNow, testPolicy())
	if !errors.Is(err, ErrReasonRequired) {
		t.Errorf("expected ErrReasonRequired, got %v", err)
	}
}

func TestApply_FileDispute_AfterDeadline(t *testing.T) {
	e := activeEscrow()
	late := e.AutoReleaseAt.Add(time.Minute)

	_, _, err := Apply(e, nil, Event{Kind: EventFileDispute, Actor: "buyer1", Reason: "too late"}, late, testPolicy())
	if !errors.Is(err, ErrDisputeWindowExpired) {
		t.Errorf("expected ErrDisputeWindowExpired, got %v", err)
	}
}

func TestApply_AutoRelease(t *testing.T) {
	e := activeEscrow()
	due := e.AutoReleaseAt

	next, intents, err := Apply(e, nil, Event{Kind: EventAutoRelease}, due, testPolicy())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if next.Status != StatusAutoReleased {
		t.Errorf("status = %s, want %s", next.Status, StatusAutoReleased)
	}
	if len(intents) != 1 || intents[0].Kind != IntentRelease {
		t.Fatalf("expected one release intent, got %+v", intents)
	}
	if intents[0].Amount != "98.000000" {
		t.Errorf("release amount = %s, want 98.000000", intents[0].Amount)
	}
}

func TestApply_AutoRelease_Premature(t *testing.T) {
	e := activeEscrow()
	early := e.AutoReleaseAt.Add(-time.Second)

	_, _, err := Apply(e, nil, Event{Kind: EventAutoRelease}, early, testPolicy())
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestApply_AutoRelease_DisputedEscrow(t *testing.T) {
	e := activeEscrow()
	e.Status = StatusDisputed

	_, _, err := Apply(e, nil, Event{Kind: EventAutoRelease}, e.AutoReleaseAt, testPolicy())
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("a disputed escrow must not auto-release, got %v", err)
	}
}

func disputedEscrow() (*Escrow, *Dispute) {
	e := activeEscrow()
	e.Status = StatusDisputed
	d := &Dispute{
		ID:          "dsp_test1",
		EscrowID:    e.ID,
		Reason:      "dataset incomplete",
		FiledAt:     testNow.Add(-time.Hour),
		ValidatorID: "validator1",
	}
	return e, d
}

func TestApply_Resolve_ReleaseToSeller(t *testing.T) {
	e, d := disputedEscrow()

	next, intents, err := Apply(e, d, Event{Kind: EventResolveDispute, Actor: "validator1", Outcome: OutcomeReleaseToSeller}, testNow, testPolicy())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if next.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", next.Status, StatusCompleted)
	}
	if len(intents) != 1 || intents[0].Amount != "98.000000" || intents[0].Recipient != "seller1" {
		t.Errorf("unexpected intents %+v", intents)
	}
}

func TestApply_Resolve_RefundToBuyer_WaivesFee(t *testing.T) {
	e, d := disputedEscrow()

	next, intents, err := Apply(e, d, Event{Kind: EventResolveDispute, Actor: "validator1", Outcome: OutcomeRefundToBuyer}, testNow, testPolicy())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if next.Status != StatusRefunded {
		t.Errorf("status = %s, want %s", next.Status, StatusRefunded)
	}
	if len(intents) != 1 || intents[0].Kind != IntentRefund {
		t.Fatalf("expected one refund intent, got %+v", intents)
	}
	// Gross amount back, fee waived.
	if intents[0].Amount != "100.000000" || intents[0].Recipient != "buyer1" {
		t.Errorf("unexpected refund %+v", intents[0])
	}
}

func TestApply_Resolve_Split(t *testing.T) {
	e, d := disputedEscrow()

	next, intents, err := Apply(e, d, Event{
		Kind: EventResolveDispute, Actor: "validator1",
		Outcome: OutcomeSplit, SplitNum: 1, SplitDen: 2,
	}, testNow, testPolicy())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if next.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", next.Status, StatusCompleted)
	}
	if len(intents) != 2 {
		t.Fatalf("expected 2 intents, got %d", len(intents))
	}
	// Net is 98; an even split is 49/49.
	if intents[0].Kind != IntentSplitRelease || intents[0].Amount != "49.000000" {
		t.Errorf("seller share %+v", intents[0])
	}
	if intents[1].Kind != IntentSplitRefund || intents[1].Amount != "49.000000" {
		t.Errorf("buyer share %+v", intents[1])
	}
}

func TestApply_Resolve_SplitRounding(t *testing.T) {
	e, d := disputedEscrow()
	e.Amount = "0.000003"
	e.EscrowFee = "0.000000"

	_, intents, err := Apply(e, d, Event{
		Kind: EventResolveDispute, Actor: "validator1",
		Outcome: OutcomeSplit, SplitNum: 1, SplitDen: 2,
	}, testNow, testPolicy())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	// Seller rounds down, buyer takes the remainder; shares must sum exactly.
	if intents[0].Amount != "0.000001" {
		t.Errorf("seller share = %s, want 0.000001", intents[0].Amount)
	}
	if intents[1].Amount != "0.000002" {
		t.Errorf("buyer share = %s, want 0.000002", intents[1].Amount)
	}
}

func TestApply_Resolve_WrongValidator(t *testing.T) {
	e, d := disputedEscrow()

	_, _, err := Apply(e, d, Event{Kind: EventResolveDispute, Actor: "validator2", Outcome: OutcomeRefundToBuyer}, testNow, testPolicy())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestApply_Resolve_AdminOverride(t *testing.T) {
	e, d := disputedEscrow()

	// An admin who is not the assigned validator may still resolve.
	next, intents, err := Apply(e, d, Event{Kind: EventResolveDispute, Actor: "ops1", IsAdmin: true, Outcome: OutcomeReleaseToSeller}, testNow, testPolicy())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if next.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", next.Status, StatusCompleted)
	}
	if len(intents) != 1 || intents[0].Kind != IntentRelease {
		t.Errorf("unexpected intents %+v", intents)
	}
}

func TestApply_Resolve_UnassignedNeedsAdmin(t *testing.T) {
	e, d := disputedEscrow()
	d.ValidatorID = ""

	// With no validator assigned, no validator can resolve...
	if _, _, err := Apply(e, d, Event{Kind: EventResolveDispute, Actor: "validator1", Outcome: OutcomeRefundToBuyer}, testNow, testPolicy()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	// ...but an admin can, so the dispute is never stuck.
	next, _, err := Apply(e, d, Event{Kind: EventResolveDispute, Actor: "ops1", IsAdmin: true, Outcome: OutcomeRefundToBuyer}, testNow, testPolicy())
	if err != nil {
		t.Fatalf("admin resolve failed: %v", err)
	}
	if next.Status != StatusRefunded {
		t.Errorf("status = %s, want %s", next.Status, StatusRefunded)
	}
}

func TestApply_Resolve_AlreadyResolved(t *testing.T) {
	e, d := disputedEscrow()
	resolved := testNow.Add(-time.Minute)
	d.ResolvedAt = &resolved
	d.Resolution = string(OutcomeRefundToBuyer)

	_, _, err := Apply(e, d, Event{Kind: EventResolveDispute, Actor: "validator1", Outcome: OutcomeReleaseToSeller}, testNow, testPolicy())
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestApply_Resolve_NotDisputed(t *testing.T) {
	e := activeEscrow()

	_, _, err := Apply(e, nil, Event{Kind: EventResolveDispute, Actor: "validator1", Outcome: OutcomeRefundToBuyer}, testNow, testPolicy())
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestApply_Cancel(t *testing.T) {
	e := activeEscrow()

	next, intents, err := Apply(e, nil, Event{Kind: EventCancel, Actor: "seller1"}, testNow, testPolicy())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if next.Status != StatusCancelled {
		t.Errorf("status = %s, want %s", next.Status, StatusCancelled)
	}
	// Full gross refund.
	if len(intents) != 1 || intents[0].Kind != IntentRefund || intents[0].Amount != "100.000000" {
		t.Errorf("unexpected intents %+v", intents)
	}
}

func TestApply_Cancel_AfterDelivery(t *testing.T) {
	e := activeEscrow()
	e.SellerDelivered = true

	_, _, err := Apply(e, nil, Event{Kind: EventCancel, Actor: "seller1"}, testNow, testPolicy())
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestApply_Cancel_BuyerCannotCancel(t *testing.T) {
	e := activeEscrow()

	_, _, err := Apply(e, nil, Event{Kind: EventCancel, Actor: "buyer1"}, testNow, testPolicy())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestApply_Cancel_AdminOverride(t *testing.T) {
	e := activeEscrow()

	next, _, err := Apply(e, nil, Event{Kind: EventCancel, Actor: "admin1", IsAdmin: true}, testNow, testPolicy())
	if err != nil {
		t.Fatalf("admin cancel failed: %v", err)
	}
	if next.Status != StatusCancelled {
		t.Errorf("status = %s, want %s", next.Status, StatusCancelled)
	}
}

func TestApply_TerminalStatesAreImmutable(t *testing.T) {
	terminals := []Status{StatusCompleted, StatusRefunded, StatusCancelled, StatusAutoReleased}
	events := []Event{
		{Kind: EventMarkDelivered, Actor: "seller1"},
		{Kind: EventConfirmReceipt, Actor: "buyer1"},
		{Kind: EventFileDispute, Actor: "buyer1", Reason: "x"},
		{Kind: EventAutoRelease},
		{Kind: EventCancel, Actor: "seller1"},
	}

	for _, status := range terminals {
		for _, ev := range events {
			e := activeEscrow()
			e.Status = status
			_, _, err := Apply(e, nil, ev, e.AutoReleaseAt.Add(time.Hour), testPolicy())
			if !errors.Is(err, ErrAlreadyResolved) {
				t.Errorf("%s on %s: expected ErrAlreadyResolved, got %v", ev.Kind, status, err)
			}
		}
	}
}

func TestApply_UnknownEvent(t *testing.T) {
	e := activeEscrow()

	_, _, err := Apply(e, nil, Event{Kind: "teleport"}, testNow, testPolicy())
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestProjections(t *testing.T) {
	e := activeEscrow()

	if e.CanConfirm("buyer1") {
		t.Error("CanConfirm should be false before delivery")
	}
	e.SellerDelivered = true
	if !e.CanConfirm("buyer1") {
		t.Error("CanConfirm should be true after delivery")
	}
	if e.CanConfirm("seller1") {
		t.Error("seller must not see CanConfirm")
	}
	if !e.CanDispute("buyer1", testNow) {
		t.Error("CanDispute should be true inside the window")
	}
	if e.CanDispute("buyer1", e.AutoReleaseAt) {
		t.Error("CanDispute should be false at the deadline")
	}
	if e.CanAutoRelease(testNow) {
		t.Error("CanAutoRelease should be false before the deadline")
	}
	if !e.CanAutoRelease(e.AutoReleaseAt) {
		t.Error("CanAutoRelease should be true at the deadline")
	}
}
