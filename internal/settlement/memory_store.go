package settlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory intent store for demo/development mode.
// It enforces the same per-key idempotency and claim semantics as the
// Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]*Intent // keyed by idempotency key
}

// NewMemoryStore creates a new in-memory intent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[string]*Intent)}
}

func (m *MemoryStore) CreateBatch(ctx context.Context, intents []*Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, in := range intents {
		if _, ok := m.intents[in.Key]; ok {
			continue // already enqueued, replay is a no-op
		}
		cp := *in
		m.intents[in.Key] = &cp
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	in, ok := m.intents[key]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *in
	return &cp, nil
}

func (m *MemoryStore) Claim(ctx context.Context, key string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.intents[key]
	if !ok {
		return nil, ErrIntentNotFound
	}
	if in.Status != IntentPending && in.Status != IntentFailed {
		return nil, ErrDuplicateSettlement
	}
	in.Status = IntentSubmitting
	in.Attempts++
	in.UpdatedAt = time.Now()
	cp := *in
	return &cp, nil
}

func (m *MemoryStore) MarkSubmitted(ctx context.Context, key, txHash string, nonce uint64) error {
	return m.update(key, func(in *Intent) {
		in.Status = IntentSubmitted
		in.TxHash = txHash
		in.Nonce = nonce
	})
}

func (m *MemoryStore) MarkConfirmed(ctx context.Context, key string) error {
	return m.update(key, func(in *Intent) {
		in.Status = IntentConfirmed
		in.LastError = ""
	})
}

func (m *MemoryStore) MarkFailed(ctx context.Context, key, lastError string) error {
	return m.update(key, func(in *Intent) {
		in.Status = IntentFailed
		in.TxHash = ""
		in.Nonce = 0
		in.LastError = lastError
	})
}

// Requeue moves an in-flight intent back to failed while keeping its last
// submission, so the retry reconciles against the earlier transaction.
func (m *MemoryStore) Requeue(ctx context.Context, key, lastError string) error {
	return m.update(key, func(in *Intent) {
		in.Status = IntentFailed
		in.LastError = lastError
	})
}

func (m *MemoryStore) MarkAbandoned(ctx context.Context, key, lastError string) error {
	return m.update(key, func(in *Intent) {
		in.Status = IntentAbandoned
		in.LastError = lastError
	})
}

func (m *MemoryStore) update(key string, fn func(*Intent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.intents[key]
	if !ok {
		return ErrIntentNotFound
	}
	fn(in)
	in.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status IntentStatus, limit int) ([]*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Intent
	for _, in := range m.intents {
		if in.Status == status {
			cp := *in
			result = append(result, &cp)
		}
	}
	// Oldest first so stuck intents surface before fresh ones.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Intent
	for _, in := range m.intents {
		if in.EscrowID == escrowID {
			cp := *in
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
