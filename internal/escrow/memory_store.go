package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// It enforces the same version/status CAS semantics as the Postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	escrows  map[string]*Escrow
	disputes map[string]*Dispute // keyed by escrow ID
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[string]*Escrow),
		disputes: make(map[string]*Dispute),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return ErrDuplicateEscrow
	}
	for _, existing := range m.escrows {
		if existing.PurchaseID == e.PurchaseID {
			return ErrDuplicateEscrow
		}
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByPurchase(ctx context.Context, purchaseID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if e.PurchaseID == purchaseID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) UpdateCAS(ctx context.Context, e *Escrow, expectedVersion int64, fromStatus Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Version != expectedVersion || stored.Status != fromStatus {
		return ErrVersionConflict
	}
	cp := *e
	cp.Version = expectedVersion + 1
	m.escrows[e.ID] = &cp
	*e = cp
	return nil
}

func (m *MemoryStore) SetSettlementTx(ctx context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	stored.SettlementTxHash = txHash
	stored.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == userID || e.SellerID == userID {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		// Only active escrows sweep: a filed dispute must always beat
		// auto-release.
		if e.Status == StatusActive && !now.Before(e.AutoReleaseAt) {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.disputes[d.EscrowID] = &cp
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[escrowID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.EscrowID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	m.disputes[d.EscrowID] = &cp
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
