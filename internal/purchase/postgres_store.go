package purchase

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists purchases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed purchase store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const purchaseColumns = `id, dataset_id, buyer_id, seller_id, amount, status,
	       tx_hash, escrow_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pur *Purchase) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO purchases (
			id, dataset_id, buyer_id, seller_id, amount, status,
			tx_hash, escrow_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8, $9, $10)`,
		pur.ID, pur.DatasetID, pur.BuyerID, pur.SellerID, pur.Amount, string(pur.Status),
		nullString(pur.TxHash), nullString(pur.EscrowID), pur.CreatedAt, pur.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicatePurchase
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Purchase, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)

	pur, err := scanPurchase(row)
	if err == sql.ErrNoRows {
		return nil, ErrPurchaseNotFound
	}
	return pur, err
}

func (p *PostgresStore) Update(ctx context.Context, pur *Purchase) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE purchases SET
			status = $1, tx_hash = $2, escrow_id = $3, updated_at = $4
		WHERE id = $5`,
		string(pur.Status), nullString(pur.TxHash), nullString(pur.EscrowID),
		pur.UpdatedAt, pur.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPurchaseNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Purchase, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Purchase
	for rows.Next() {
		pur, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pur)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPurchase(s scanner) (*Purchase, error) {
	pur := &Purchase{}
	var (
		status   string
		txHash   sql.NullString
		escrowID sql.NullString
	)
	err := s.Scan(
		&pur.ID, &pur.DatasetID, &pur.BuyerID, &pur.SellerID, &pur.Amount, &status,
		&txHash, &escrowID, &pur.CreatedAt, &pur.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pur.Status = Status(status)
	pur.TxHash = txHash.String
	pur.EscrowID = escrowID.String
	return pur, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
