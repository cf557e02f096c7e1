package purchases

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tienda-erp/tienda-erp/internal/platform/db"
)

// Repository persists purchases in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertPurchase(ctx context.Context, p Purchase) (int64, error)
	InsertLineItems(ctx context.Context, purchaseID int64, items []LineItem) error
	GetPurchaseForUpdate(ctx context.Context, id int64) (Purchase, error)
	// UpdateStatus moves the purchase from one status to another and reports
	// whether a row actually changed, which makes repeated transitions
	// detectable without a prior read.
	UpdateStatus(ctx context.Context, id int64, from, to Status) (bool, error)
	SetDeliveryDate(ctx context.Context, id int64, at time.Time) error
	InsertPayment(ctx context.Context, p Payment) (int64, error)
	SetLineItemBarcode(ctx context.Context, itemID int64, barcode string) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const selectPurchase = `SELECT id, provider_id, destination_branch_id, status, subtotal, tax, total, notes, delivery_date, created_at, updated_at FROM purchases`

// GetPurchase returns the purchase with its line items and payments.
func (r *Repository) GetPurchase(ctx context.Context, id int64) (Purchase, error) {
	row := r.pool.QueryRow(ctx, selectPurchase+` WHERE id=$1`, id)
	p, err := scanPurchase(row)
	if err != nil {
		return Purchase{}, err
	}
	if p.Items, err = r.listItems(ctx, id); err != nil {
		return Purchase{}, err
	}
	if p.Payments, err = r.ListPayments(ctx, id); err != nil {
		return Purchase{}, err
	}
	return p, nil
}

// ListPending returns purchases awaiting delivery, oldest first. branchID zero
// covers all branches.
func (r *Repository) ListPending(ctx context.Context, branchID int64) ([]Purchase, error) {
	rows, err := r.pool.Query(ctx, selectPurchase+` WHERE status=$1 AND ($2 = 0 OR destination_branch_id = $2) ORDER BY created_at ASC`, StatusPendingDelivery, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// ListPayments returns every payment registered against a purchase.
func (r *Repository) ListPayments(ctx context.Context, purchaseID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, COALESCE(purchase_id,0), provider_id, amount, method, note, paid_at FROM payments WHERE purchase_id=$1 ORDER BY paid_at ASC`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []Payment{}
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.PurchaseID, &p.ProviderID, &p.Amount, &p.Method, &p.Note, &p.PaidAt); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (r *Repository) listItems(ctx context.Context, purchaseID int64) ([]LineItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, purchase_id, product_id, size_id, color_id, quantity, unit_cost, COALESCE(barcode,'') FROM purchase_line_items WHERE purchase_id=$1 ORDER BY id ASC`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []LineItem{}
	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.ID, &it.PurchaseID, &it.ProductID, &it.SizeID, &it.ColorID, &it.Quantity, &it.UnitCost, &it.Barcode); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *txRepository) InsertPurchase(ctx context.Context, p Purchase) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchases (provider_id, destination_branch_id, status, subtotal, tax, total, notes, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8) RETURNING id`,
		p.ProviderID, p.DestinationBranchID, p.Status, p.Subtotal, p.Tax, p.Total, p.Notes, p.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertLineItems(ctx context.Context, purchaseID int64, items []LineItem) error {
	for _, it := range items {
		_, err := r.tx.Exec(ctx, `INSERT INTO purchase_line_items (purchase_id, product_id, size_id, color_id, quantity, unit_cost, barcode)
VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''))`,
			purchaseID, it.ProductID, it.SizeID, it.ColorID, it.Quantity, it.UnitCost, it.Barcode)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) GetPurchaseForUpdate(ctx context.Context, id int64) (Purchase, error) {
	row := r.tx.QueryRow(ctx, selectPurchase+` WHERE id=$1 FOR UPDATE`, id)
	return scanPurchase(row)
}

func (r *txRepository) UpdateStatus(ctx context.Context, id int64, from, to Status) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE purchases SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) SetDeliveryDate(ctx context.Context, id int64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchases SET delivery_date=$2, updated_at=NOW() WHERE id=$1`, id, at)
	return err
}

func (r *txRepository) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO payments (purchase_id, provider_id, amount, method, note, paid_at) VALUES (NULLIF($1,0),$2,$3,$4,$5,$6) RETURNING id`,
		p.PurchaseID, p.ProviderID, p.Amount, p.Method, p.Note, p.PaidAt).Scan(&id)
	return id, err
}

func (r *txRepository) SetLineItemBarcode(ctx context.Context, itemID int64, barcode string) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_line_items SET barcode=$2 WHERE id=$1`, itemID, barcode)
	return err
}

func scanPurchase(row pgx.Row) (Purchase, error) {
	var p Purchase
	err := row.Scan(&p.ID, &p.ProviderID, &p.DestinationBranchID, &p.Status, &p.Subtotal, &p.Tax, &p.Total, &p.Notes, &p.DeliveryDate, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Purchase{}, ErrNotFound
		}
		return Purchase{}, err
	}
	return p, nil
}
