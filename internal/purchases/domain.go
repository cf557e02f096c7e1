package purchases

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the purchase lifecycle state.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusPendingDelivery Status = "PENDING_DELIVERY"
	StatusReceived        Status = "RECEIVED"
	StatusCancelled       Status = "CANCELLED"
)

// Purchase is a provider order. Creating one posts the matching debit on the
// provider's ledger; receiving it credits stock into the destination branch.
type Purchase struct {
	ID                  int64           `json:"id"`
	ProviderID          int64           `json:"provider_id"`
	DestinationBranchID int64           `json:"destination_branch_id"`
	Status              Status          `json:"status"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	Tax                 decimal.Decimal `json:"tax"`
	Total               decimal.Decimal `json:"total"`
	Notes               string          `json:"notes,omitempty"`
	Items               []LineItem      `json:"items,omitempty"`
	Payments            []Payment       `json:"payments,omitempty"`
	DeliveryDate        *time.Time      `json:"delivery_date,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// LineItem is one variant line on a purchase.
type LineItem struct {
	ID         int64           `json:"id"`
	PurchaseID int64           `json:"purchase_id"`
	ProductID  int64           `json:"product_id"`
	SizeID     int64           `json:"size_id"`
	ColorID    int64           `json:"color_id"`
	Quantity   int64           `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Barcode    string          `json:"barcode,omitempty"`
}

// Payment settles part of a provider's balance and posts a credit on the
// ledger. Most payments reference the purchase they pay down; one with a zero
// PurchaseID is a general credit on the provider's account.
type Payment struct {
	ID         int64           `json:"id"`
	PurchaseID int64           `json:"purchase_id,omitempty"`
	ProviderID int64           `json:"provider_id"`
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method"`
	Note       string          `json:"note,omitempty"`
	PaidAt     time.Time       `json:"paid_at"`
}

var (
	// ErrNotFound indicates an unknown purchase id.
	ErrNotFound = errors.New("purchases: purchase not found")
	// ErrInvalidState indicates the operation is not allowed from the
	// purchase's current status.
	ErrInvalidState = errors.New("purchases: operation not allowed in current status")
	// ErrAlreadyReceived indicates a repeated receive of the same purchase.
	ErrAlreadyReceived = errors.New("purchases: purchase already received")
	// ErrValidation indicates malformed purchase input.
	ErrValidation = errors.New("purchases: invalid input")
)

// canTransition reports whether a status move is part of the lifecycle.
func canTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusPendingDelivery || to == StatusCancelled
	case StatusPendingDelivery:
		return to == StatusReceived || to == StatusCancelled
	default:
		return false
	}
}
