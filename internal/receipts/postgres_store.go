package receipts

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists receipt data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the receipts table and indexes.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlement_receipts (
			id           VARCHAR(36) PRIMARY KEY,
			scheme       VARCHAR(64) NOT NULL,
			network      VARCHAR(64) NOT NULL,
			payer        VARCHAR(42),
			pay_to       VARCHAR(42) NOT NULL,
			asset        VARCHAR(42) NOT NULL,
			amount       VARCHAR(80) NOT NULL,
			resource     TEXT,
			tx_hash      VARCHAR(66),
			success      BOOLEAN NOT NULL,
			error        TEXT,
			payload_hash VARCHAR(64),
			signature    VARCHAR(128),
			issued_at    TIMESTAMPTZ,
			expires_at   TIMESTAMPTZ,
			created_at   TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_settlement_receipts_payer ON settlement_receipts (payer, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_settlement_receipts_created ON settlement_receipts (created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_settlement_receipts_tx ON settlement_receipts (tx_hash);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_receipts (
			id, scheme, network, payer, pay_to,
			asset, amount, resource, tx_hash, success,
			error, payload_hash, signature, issued_at, expires_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16
		)`,
		r.ID, r.Scheme, r.Network, nullString(r.Payer), r.PayTo,
		r.Asset, r.Amount, nullString(r.Resource), nullString(r.TxHash), r.Success,
		nullString(r.Error), nullString(r.PayloadHash), nullString(r.Signature),
		nullTime(r.IssuedAt), nullTime(r.ExpiresAt), r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, scheme, network, payer, pay_to,
		       asset, amount, resource, tx_hash, success,
		       error, payload_hash, signature, issued_at, expires_at, created_at
		FROM settlement_receipts WHERE id = $1`, id)

	r, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByPayer(ctx context.Context, payerAddr string, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, scheme, network, payer, pay_to,
		       asset, amount, resource, tx_hash, success,
		       error, payload_hash, signature, issued_at, expires_at, created_at
		FROM settlement_receipts
		WHERE payer = $1
		ORDER BY created_at DESC
		LIMIT $2`, payerAddr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, scheme, network, payer, pay_to,
		       asset, amount, resource, tx_hash, success,
		       error, payload_hash, signature, issued_at, expires_at, created_at
		FROM settlement_receipts
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	var (
		payer       sql.NullString
		resource    sql.NullString
		txHash      sql.NullString
		errText     sql.NullString
		payloadHash sql.NullString
		signature   sql.NullString
		issuedAt    sql.NullTime
		expiresAt   sql.NullTime
	)

	err := sc.Scan(
		&r.ID, &r.Scheme, &r.Network, &payer, &r.PayTo,
		&r.Asset, &r.Amount, &resource, &txHash, &r.Success,
		&errText, &payloadHash, &signature, &issuedAt, &expiresAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Payer = payer.String
	r.Resource = resource.String
	r.TxHash = txHash.String
	r.Error = errText.String
	r.PayloadHash = payloadHash.String
	r.Signature = signature.String
	r.IssuedAt = issuedAt.Time
	r.ExpiresAt = expiresAt.Time
	return r, nil
}

func scanReceipts(rows *sql.Rows) ([]*Receipt, error) {
	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
