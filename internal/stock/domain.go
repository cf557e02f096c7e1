package stock

import (
	"errors"
	"fmt"
	"time"
)

// VariantRef identifies a stock-holding unit: one size and color of a product
// at one branch (sucursal).
type VariantRef struct {
	ProductID int64 `json:"product_id"`
	SizeID    int64 `json:"size_id"`
	ColorID   int64 `json:"color_id"`
	BranchID  int64 `json:"branch_id"`
}

// Variant is the authoritative quantity record for a VariantRef. Variants are
// never deleted, only zeroed; the quantity is mutated exclusively through
// movements or the manual correction path.
type Variant struct {
	VariantRef
	Quantity  int64     `json:"quantity"`
	Barcode   string    `json:"barcode"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Movement is an immutable audit record of stock that changed hands.
// FromBranchID zero denotes a receipt: stock entering the system from a
// purchase or manual intake.
type Movement struct {
	ID           int64     `json:"id"`
	Reference    string    `json:"reference"`
	FromBranchID int64     `json:"from_branch_id,omitempty"`
	ToBranchID   int64     `json:"to_branch_id"`
	Notes        string    `json:"notes,omitempty"`
	ActorID      int64     `json:"actor_id"`
	PostedAt     time.Time `json:"posted_at"`
}

// MovementItem is one line of a movement.
type MovementItem struct {
	MovementID int64 `json:"movement_id"`
	ProductID  int64 `json:"product_id"`
	SizeID     int64 `json:"size_id"`
	ColorID    int64 `json:"color_id"`
	Quantity   int64 `json:"quantity"`
}

// BranchQuantity is the per-branch slice of a product summary.
type BranchQuantity struct {
	BranchID int64 `json:"branch_id"`
	Quantity int64 `json:"quantity"`
}

// ProductSummary aggregates a product's stock across branches.
type ProductSummary struct {
	ProductID int64            `json:"product_id"`
	Total     int64            `json:"total"`
	PerBranch []BranchQuantity `json:"per_branch"`
}

// TransferItem is one requested line of a transfer.
type TransferItem struct {
	ProductID int64
	SizeID    int64
	ColorID   int64
	Quantity  int64
}

// TransferInput describes a multi-item movement. FromBranchID zero means a
// receipt. Reference, when set by the caller, deduplicates retries of the same
// movement; an empty reference gets a generated one and is therefore not
// retry-safe.
type TransferInput struct {
	Reference    string
	FromBranchID int64
	ToBranchID   int64
	Items        []TransferItem
	Notes        string
	ActorID      int64
}

var (
	// ErrInsufficientStock is returned when a movement would overdraw a variant.
	ErrInsufficientStock = errors.New("stock: insufficient quantity")
	// ErrInvalidQuantity indicates a non-positive item quantity.
	ErrInvalidQuantity = errors.New("stock: quantity must be a positive integer")
	// ErrEmptyMovement indicates a transfer without items. Empty transfers are
	// rejected rather than recorded.
	ErrEmptyMovement = errors.New("stock: movement requires at least one item")
	// ErrVariantNotFound indicates a missing variant row.
	ErrVariantNotFound = errors.New("stock: variant not found")
	// ErrSameBranch indicates source and destination branch are equal.
	ErrSameBranch = errors.New("stock: source and destination branch must differ")
	// ErrDuplicateMovement indicates a replayed movement reference.
	ErrDuplicateMovement = errors.New("stock: movement already processed")
	// ErrBarcodeGeneration indicates barcode generation exhausted its retries.
	ErrBarcodeGeneration = errors.New("stock: barcode generation failed")
)

// InsufficientStockError names the variant that could not cover the requested
// quantity. It unwraps to ErrInsufficientStock.
type InsufficientStockError struct {
	Ref       VariantRef
	Have      int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: variant product=%d size=%d color=%d branch=%d has %d, requested %d",
		e.Ref.ProductID, e.Ref.SizeID, e.Ref.ColorID, e.Ref.BranchID, e.Have, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }
