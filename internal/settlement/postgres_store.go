package settlement

import (
	"context"
	"database/sql"

	"github.com/tesseralabs/tessera/internal/escrow"
)

// PostgresStore persists settlement intents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed intent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const intentColumns = `key, escrow_id, kind, recipient, amount, status,
	       tx_hash, nonce, attempts, last_error, created_at, updated_at`

// CreateBatch inserts the intents, skipping keys that already exist.
// ON CONFLICT DO NOTHING is what makes a replayed enqueue a no-op.
func (p *PostgresStore) CreateBatch(ctx context.Context, intents []*Intent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, in := range intents {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settlement_intents (
				key, escrow_id, kind, recipient, amount, status,
				tx_hash, nonce, attempts, last_error, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (key) DO NOTHING`,
			in.Key, in.EscrowID, string(in.Kind), in.Recipient, in.Amount,
			string(in.Status), nullString(in.TxHash), int64(in.Nonce), in.Attempts,
			nullString(in.LastError), in.CreatedAt, in.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM settlement_intents WHERE key = $1`, key)

	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	return in, err
}

// Claim atomically moves a pending or failed intent to submitting and bumps
// its attempt count. The status predicate is the lock that keeps two worker
// instances from double-submitting the same payout.
func (p *PostgresStore) Claim(ctx context.Context, key string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE settlement_intents
		SET status = 'submitting', attempts = attempts + 1, updated_at = NOW()
		WHERE key = $1 AND status IN ('pending', 'failed')
		RETURNING `+intentColumns, key)

	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM settlement_intents WHERE key = $1)`, key).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrIntentNotFound
		}
		return nil, ErrDuplicateSettlement
	}
	return in, err
}

func (p *PostgresStore) MarkSubmitted(ctx context.Context, key, txHash string, nonce uint64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlement_intents
		SET status = 'submitted', tx_hash = $2, nonce = $3, updated_at = NOW()
		WHERE key = $1`, key, txHash, int64(nonce))
	if err != nil {
		return err
	}
	return oneRow(result)
}

func (p *PostgresStore) MarkConfirmed(ctx context.Context, key string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlement_intents
		SET status = 'confirmed', last_error = NULL, updated_at = NOW()
		WHERE key = $1`, key)
	if err != nil {
		return err
	}
	return oneRow(result)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, key, lastError string) error {
	return p.set(ctx, key, `status = 'failed', tx_hash = NULL, nonce = 0, last_error = $2`, lastError)
}

// Requeue moves an in-flight intent back to failed while keeping its last
// submission, so the retry reconciles against the earlier transaction.
func (p *PostgresStore) Requeue(ctx context.Context, key, lastError string) error {
	return p.set(ctx, key, `status = 'failed', last_error = $2`, lastError)
}

func (p *PostgresStore) MarkAbandoned(ctx context.Context, key, lastError string) error {
	return p.set(ctx, key, `status = 'abandoned', last_error = $2`, lastError)
}

func (p *PostgresStore) set(ctx context.Context, key, assignments, arg string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlement_intents SET `+assignments+`, updated_at = NOW()
		WHERE key = $1`, key, arg)
	if err != nil {
		return err
	}
	return oneRow(result)
}

func oneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrIntentNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status IntentStatus, limit int) ([]*Intent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+`
		FROM settlement_intents
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanIntents(rows)
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Intent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+`
		FROM settlement_intents
		WHERE escrow_id = $1
		ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanIntents(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(s scanner) (*Intent, error) {
	in := &Intent{}
	var (
		kind      string
		status    string
		txHash    sql.NullString
		nonce     int64
		lastError sql.NullString
	)
	err := s.Scan(
		&in.Key, &in.EscrowID, &kind, &in.Recipient, &in.Amount, &status,
		&txHash, &nonce, &in.Attempts, &lastError, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	in.Kind = escrow.IntentKind(kind)
	in.Status = IntentStatus(status)
	in.TxHash = txHash.String
	in.Nonce = uint64(nonce)
	in.LastError = lastError.String
	return in, nil
}

func scanIntents(rows *sql.Rows) ([]*Intent, error) {
	var result []*Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, in)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
