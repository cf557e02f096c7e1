package stock

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tienda-erp/tienda-erp/internal/platform/db"
)

// Repository persists variants and movements in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service.
type TxRepository interface {
	GetVariantForUpdate(ctx context.Context, ref VariantRef) (Variant, error)
	SetVariantQuantity(ctx context.Context, ref VariantRef, quantity int64) error
	CreateVariant(ctx context.Context, v Variant) error
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	InsertMovementItems(ctx context.Context, movementID int64, items []MovementItem) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetQuantity returns the current quantity, zero when the variant is unknown.
func (r *Repository) GetQuantity(ctx context.Context, ref VariantRef) (int64, error) {
	var qty int64
	err := r.pool.QueryRow(ctx, `SELECT quantity FROM variants WHERE product_id=$1 AND size_id=$2 AND color_id=$3 AND branch_id=$4`,
		ref.ProductID, ref.SizeID, ref.ColorID, ref.BranchID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return qty, nil
}

// ListByBranch returns every variant held at a branch.
func (r *Repository) ListByBranch(ctx context.Context, branchID int64) ([]Variant, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, size_id, color_id, branch_id, quantity, barcode, updated_at
FROM variants WHERE branch_id=$1 ORDER BY product_id, size_id, color_id`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	variants := []Variant{}
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ProductID, &v.SizeID, &v.ColorID, &v.BranchID, &v.Quantity, &v.Barcode, &v.UpdatedAt); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// SummarizeByProduct aggregates quantities per branch. branchID zero means all
// branches.
func (r *Repository) SummarizeByProduct(ctx context.Context, productID, branchID int64) (ProductSummary, error) {
	rows, err := r.pool.Query(ctx, `SELECT branch_id, SUM(quantity) FROM variants
WHERE product_id=$1 AND ($2 = 0 OR branch_id = $2)
GROUP BY branch_id ORDER BY branch_id`, productID, branchID)
	if err != nil {
		return ProductSummary{}, err
	}
	defer rows.Close()
	summary := ProductSummary{ProductID: productID, PerBranch: []BranchQuantity{}}
	for rows.Next() {
		var bq BranchQuantity
		if err := rows.Scan(&bq.BranchID, &bq.Quantity); err != nil {
			return ProductSummary{}, err
		}
		summary.PerBranch = append(summary.PerBranch, bq)
		summary.Total += bq.Quantity
	}
	return summary, rows.Err()
}

// MovementExists reports whether a movement with the reference was posted.
func (r *Repository) MovementExists(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_movements WHERE reference=$1)`, reference).Scan(&exists)
	return exists, err
}

// BarcodeExists reports whether any variant already carries the code.
func (r *Repository) BarcodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM variants WHERE barcode=$1)`, code).Scan(&exists)
	return exists, err
}

func (r *txRepository) GetVariantForUpdate(ctx context.Context, ref VariantRef) (Variant, error) {
	var v Variant
	err := r.tx.QueryRow(ctx, `SELECT product_id, size_id, color_id, branch_id, quantity, barcode, updated_at
FROM variants WHERE product_id=$1 AND size_id=$2 AND color_id=$3 AND branch_id=$4 FOR UPDATE`,
		ref.ProductID, ref.SizeID, ref.ColorID, ref.BranchID).
		Scan(&v.ProductID, &v.SizeID, &v.ColorID, &v.BranchID, &v.Quantity, &v.Barcode, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Variant{VariantRef: ref}, ErrVariantNotFound
		}
		return Variant{}, err
	}
	return v, nil
}

func (r *txRepository) SetVariantQuantity(ctx context.Context, ref VariantRef, quantity int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE variants SET quantity=$5, updated_at=NOW()
WHERE product_id=$1 AND size_id=$2 AND color_id=$3 AND branch_id=$4`,
		ref.ProductID, ref.SizeID, ref.ColorID, ref.BranchID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVariantNotFound
	}
	return nil
}

func (r *txRepository) CreateVariant(ctx context.Context, v Variant) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO variants (product_id, size_id, color_id, branch_id, quantity, barcode, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())`, v.ProductID, v.SizeID, v.ColorID, v.BranchID, v.Quantity, v.Barcode)
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (reference, from_branch_id, to_branch_id, notes, actor_id, posted_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		m.Reference, nullBranch(m.FromBranchID), m.ToBranchID, m.Notes, m.ActorID, m.PostedAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertMovementItems(ctx context.Context, movementID int64, items []MovementItem) error {
	for _, item := range items {
		if _, err := r.tx.Exec(ctx, `INSERT INTO stock_movement_items (movement_id, product_id, size_id, color_id, quantity)
VALUES ($1,$2,$3,$4,$5)`, movementID, item.ProductID, item.SizeID, item.ColorID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func nullBranch(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
