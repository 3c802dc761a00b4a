package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, purchase_id, dataset_id, buyer_id, seller_id,
	       amount, escrow_fee, status, seller_delivered, buyer_confirmed,
	       auto_release_at, version, settlement_tx_hash, resolution,
	       delivered_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, purchase_id, dataset_id, buyer_id, seller_id,
			amount, escrow_fee, status, seller_delivered, buyer_confirmed,
			auto_release_at, version, settlement_tx_hash, resolution,
			delivered_at, resolved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(20,6), $7::NUMERIC(20,6), $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18
		)`,
		e.ID, e.PurchaseID, e.DatasetID, e.BuyerID, e.SellerID,
		e.Amount, e.EscrowFee, string(e.Status), e.SellerDelivered, e.BuyerConfirmed,
		e.AutoReleaseAt, e.Version, nullString(e.SettlementTxHash), nullString(e.Resolution),
		nullTime(e.DeliveredAt), nullTime(e.ResolvedAt), e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEscrow
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByPurchase(ctx context.Context, purchaseID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE purchase_id = $1`, purchaseID)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// UpdateCAS commits a transition only if the row still carries the expected
// version and status. The status predicate is the guard that keeps the
// sweeper from auto-releasing an escrow disputed after its read.
func (p *PostgresStore) UpdateCAS(ctx context.Context, e *Escrow, expectedVersion int64, fromStatus Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, seller_delivered = $2, buyer_confirmed = $3,
			auto_release_at = $4, version = $5, resolution = $6,
			delivered_at = $7, resolved_at = $8, updated_at = $9
		WHERE id = $10 AND version = $11 AND status = $12`,
		string(e.Status), e.SellerDelivered, e.BuyerConfirmed,
		e.AutoReleaseAt, expectedVersion+1, nullString(e.Resolution),
		nullTime(e.DeliveredAt), nullTime(e.ResolvedAt), e.UpdatedAt,
		e.ID, expectedVersion, string(fromStatus),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a lost race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrVersionConflict
	}
	e.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) SetSettlementTx(ctx context.Context, id, txHash string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET settlement_tx_hash = $1, updated_at = NOW()
		WHERE id = $2`, txHash, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'active'
		  AND auto_release_at <= $1
		ORDER BY auto_release_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, reason, filed_at, validator_id,
			resolution, resolution_notes, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.EscrowID, d.Reason, d.FiledAt, nullString(d.ValidatorID),
		nullString(d.Resolution), nullString(d.ResolutionNotes), nullTime(d.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) GetDispute(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, reason, filed_at, validator_id,
		       resolution, resolution_notes, resolved_at
		FROM disputes WHERE escrow_id = $1`, escrowID)

	d := &Dispute{}
	var (
		validatorID sql.NullString
		resolution  sql.NullString
		notes       sql.NullString
		resolvedAt  sql.NullTime
	)
	err := row.Scan(&d.ID, &d.EscrowID, &d.Reason, &d.FiledAt,
		&validatorID, &resolution, &notes, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.ValidatorID = validatorID.String
	d.Resolution = resolution.String
	d.ResolutionNotes = notes.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			validator_id = $1, resolution = $2, resolution_notes = $3, resolved_at = $4
		WHERE escrow_id = $5`,
		nullString(d.ValidatorID), nullString(d.Resolution),
		nullString(d.ResolutionNotes), nullTime(d.ResolvedAt), d.EscrowID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status       string
		settlementTx sql.NullString
		resolution   sql.NullString
		deliveredAt  sql.NullTime
		resolvedAt   sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.PurchaseID, &e.DatasetID, &e.BuyerID, &e.SellerID,
		&e.Amount, &e.EscrowFee, &status, &e.SellerDelivered, &e.BuyerConfirmed,
		&e.AutoReleaseAt, &e.Version, &settlementTx, &resolution,
		&deliveredAt, &resolvedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.SettlementTxHash = settlementTx.String
	e.Resolution = resolution.String
	if deliveredAt.Valid {
		e.DeliveredAt = &deliveredAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
