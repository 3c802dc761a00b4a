package settlement

import (
	"context"
	"database/sql"
	"sync"
)

// MemoryDirectory is an in-memory user-to-wallet mapping for
// demo/development mode.
type MemoryDirectory struct {
	mu    sync.RWMutex
	addrs map[string]string
}

// NewMemoryDirectory creates a directory seeded with the given mapping.
func NewMemoryDirectory(addrs map[string]string) *MemoryDirectory {
	d := &MemoryDirectory{addrs: make(map[string]string, len(addrs))}
	for userID, addr := range addrs {
		d.addrs[userID] = addr
	}
	return d
}

// Register records or replaces a user's wallet address.
func (d *MemoryDirectory) Register(userID, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs[userID] = addr
}

func (d *MemoryDirectory) WalletAddress(ctx context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	addr, ok := d.addrs[userID]
	if !ok || addr == "" {
		return "", ErrUnknownRecipient
	}
	return addr, nil
}

// PostgresDirectory reads wallet addresses from the user_wallets table,
// which the account service keeps current.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a new PostgreSQL-backed directory.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) WalletAddress(ctx context.Context, userID string) (string, error) {
	var addr string
	err := d.db.QueryRowContext(ctx,
		`SELECT wallet_address FROM user_wallets WHERE user_id = $1`, userID).Scan(&addr)
	if err == sql.ErrNoRows {
		return "", ErrUnknownRecipient
	}
	if err != nil {
		return "", err
	}
	if addr == "" {
		return "", ErrUnknownRecipient
	}
	return addr, nil
}

// Compile-time assertions.
var (
	_ Directory = (*MemoryDirectory)(nil)
	_ Directory = (*PostgresDirectory)(nil)
)
