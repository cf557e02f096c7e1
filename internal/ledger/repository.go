package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tienda-erp/tienda-erp/internal/platform/db"
)

// Repository persists ledger entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	LatestEntryForUpdate(ctx context.Context, providerID int64) (Entry, error)
	ListEntriesForUpdate(ctx context.Context, providerID int64) ([]Entry, error)
	InsertEntry(ctx context.Context, e Entry) (int64, error)
	UpdateEntryBalance(ctx context.Context, id int64, balance decimal.Decimal) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// LatestEntry returns the newest posting for a provider.
func (r *Repository) LatestEntry(ctx context.Context, providerID int64) (Entry, error) {
	row := r.pool.QueryRow(ctx, selectEntries+` WHERE provider_id=$1 ORDER BY seq DESC LIMIT 1`, providerID)
	return scanEntry(row)
}

// ListEntries returns every posting for a provider ordered by seq ascending.
func (r *Repository) ListEntries(ctx context.Context, providerID int64) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, selectEntries+` WHERE provider_id=$1 ORDER BY seq ASC`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListProviders returns the distinct provider ids with at least one posting.
func (r *Repository) ListProviders(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT provider_id FROM ledger_entries ORDER BY provider_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const selectEntries = `SELECT id, provider_id, seq, debit, credit, balance, purchase_id, payment_id, note, posted_at FROM ledger_entries`

func (r *txRepository) LatestEntryForUpdate(ctx context.Context, providerID int64) (Entry, error) {
	row := r.tx.QueryRow(ctx, selectEntries+` WHERE provider_id=$1 ORDER BY seq DESC LIMIT 1 FOR UPDATE`, providerID)
	return scanEntry(row)
}

func (r *txRepository) ListEntriesForUpdate(ctx context.Context, providerID int64) ([]Entry, error) {
	rows, err := r.tx.Query(ctx, selectEntries+` WHERE provider_id=$1 ORDER BY seq ASC FOR UPDATE`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *txRepository) InsertEntry(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO ledger_entries (provider_id, seq, debit, credit, balance, purchase_id, payment_id, note, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		e.ProviderID, e.Seq, e.Debit, e.Credit, e.Balance, e.PurchaseID, e.PaymentID, e.Note, e.PostedAt).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateEntryBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE ledger_entries SET balance=$2 WHERE id=$1`, id, balance)
	return err
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.ProviderID, &e.Seq, &e.Debit, &e.Credit, &e.Balance, &e.PurchaseID, &e.PaymentID, &e.Note, &e.PostedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNoEntries
		}
		return Entry{}, err
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ProviderID, &e.Seq, &e.Debit, &e.Credit, &e.Balance, &e.PurchaseID, &e.PaymentID, &e.Note, &e.PostedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
