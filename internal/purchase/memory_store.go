package purchase

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory purchase store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	purchases map[string]*Purchase
}

// NewMemoryStore creates a new in-memory purchase store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{purchases: make(map[string]*Purchase)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.purchases[p.ID]; ok {
		return ErrDuplicatePurchase
	}
	cp := *p
	m.purchases[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.purchases[p.ID]; !ok {
		return ErrPurchaseNotFound
	}
	cp := *p
	m.purchases[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Purchase
	for _, p := range m.purchases {
		if p.BuyerID == userID || p.SellerID == userID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
