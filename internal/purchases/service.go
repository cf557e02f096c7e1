package purchases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tienda-erp/tienda-erp/internal/ledger"
	"github.com/tienda-erp/tienda-erp/internal/platform/cache"
	"github.com/tienda-erp/tienda-erp/internal/shared"
	"github.com/tienda-erp/tienda-erp/internal/stock"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPurchase(ctx context.Context, id int64) (Purchase, error)
	ListPending(ctx context.Context, branchID int64) ([]Purchase, error)
	ListPayments(ctx context.Context, purchaseID int64) ([]Payment, error)
}

// LedgerPort posts provider account entries.
type LedgerPort interface {
	PostDebit(ctx context.Context, in ledger.PostInput) (ledger.Entry, error)
	PostCredit(ctx context.Context, in ledger.PostInput) (ledger.Entry, error)
}

// StockPort credits received goods into a branch. MovementExists reports
// whether a receive reference was already consumed by an earlier attempt.
type StockPort interface {
	Receive(ctx context.Context, input stock.TransferInput) (stock.Movement, error)
	MovementExists(ctx context.Context, reference string) (bool, error)
}

// BarcodePort derives codes for line items that arrive without one.
type BarcodePort interface {
	Generate(ctx context.Context, productID, sizeID, colorID int64) (string, error)
}

// AuditPort records purchase transitions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig tunes cache lifetimes.
type ServiceConfig struct {
	PendingTTL time.Duration
}

// CreateInput describes a new purchase order.
type CreateInput struct {
	ProviderID          int64
	DestinationBranchID int64
	Items               []LineItem
	Tax                 decimal.Decimal
	Notes               string
	ActorID             int64
}

// Service drives the purchase lifecycle: draft, submit, receive or cancel,
// with payments along the way. Creating a purchase debits the provider's
// ledger; cancelling posts the offsetting credit; receiving credits stock.
type Service struct {
	repo   RepositoryPort
	ledger LedgerPort
	stock  StockPort
	codes  BarcodePort
	cache  *cache.Cache
	audit  AuditPort
	logger *slog.Logger
	cfg    ServiceConfig
	now    func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, lg LedgerPort, st StockPort, codes BarcodePort, c *cache.Cache, audit AuditPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = time.Minute
	}
	return &Service{
		repo:   repo,
		ledger: lg,
		stock:  st,
		codes:  codes,
		cache:  c,
		audit:  audit,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithNow overrides the clock for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create stores a draft purchase and posts the matching debit on the
// provider's ledger. The debit is posted after the purchase commits; a debit
// failure surfaces so the caller can retry the posting.
func (s *Service) Create(ctx context.Context, in CreateInput) (Purchase, error) {
	if in.ProviderID <= 0 || in.DestinationBranchID <= 0 {
		return Purchase{}, fmt.Errorf("%w: provider and destination branch required", ErrValidation)
	}
	if len(in.Items) == 0 {
		return Purchase{}, fmt.Errorf("%w: at least one line item required", ErrValidation)
	}
	subtotal := decimal.Zero
	for _, it := range in.Items {
		if it.Quantity <= 0 {
			return Purchase{}, fmt.Errorf("%w: line quantities must be positive", ErrValidation)
		}
		if it.UnitCost.IsNegative() {
			return Purchase{}, fmt.Errorf("%w: unit cost cannot be negative", ErrValidation)
		}
		subtotal = subtotal.Add(it.UnitCost.Mul(decimal.NewFromInt(it.Quantity)))
	}
	if in.Tax.IsNegative() {
		return Purchase{}, fmt.Errorf("%w: tax cannot be negative", ErrValidation)
	}

	p := Purchase{
		ProviderID:          in.ProviderID,
		DestinationBranchID: in.DestinationBranchID,
		Status:              StatusDraft,
		Subtotal:            subtotal,
		Tax:                 in.Tax,
		Total:               subtotal.Add(in.Tax),
		Notes:               in.Notes,
		Items:               in.Items,
		CreatedAt:           s.now().UTC(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertPurchase(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		return tx.InsertLineItems(ctx, id, in.Items)
	})
	if err != nil {
		return Purchase{}, fmt.Errorf("create purchase: %w", err)
	}
	p.UpdatedAt = p.CreatedAt

	if p.Total.IsPositive() {
		if _, err := s.ledger.PostDebit(ctx, ledger.PostInput{
			ProviderID: p.ProviderID,
			Amount:     p.Total,
			PurchaseID: &p.ID,
			Note:       fmt.Sprintf("purchase %d", p.ID),
			ActorID:    in.ActorID,
		}); err != nil {
			return p, fmt.Errorf("purchase %d stored but debit failed: %w", p.ID, err)
		}
	}

	s.recordAudit(ctx, in.ActorID, "purchase:create", p.ID, map[string]any{"total": p.Total.String(), "items": len(p.Items)})
	return p, nil
}

// Get returns a purchase with its items and payments.
func (s *Service) Get(ctx context.Context, id int64) (Purchase, error) {
	return s.repo.GetPurchase(ctx, id)
}

// Submit moves a draft to PENDING_DELIVERY.
func (s *Service) Submit(ctx context.Context, id, actorID int64) error {
	if err := s.transition(ctx, id, StatusDraft, StatusPendingDelivery); err != nil {
		return err
	}
	s.invalidatePending(ctx)
	s.recordAudit(ctx, actorID, "purchase:submit", id, nil)
	return nil
}

// Cancel aborts a draft or pending purchase. Any debit already on the
// provider's ledger is offset with a credit rather than removed. A pending
// purchase whose delivery already credited stock cannot be cancelled anymore:
// the interrupted receive must be retried to completion instead.
func (s *Service) Cancel(ctx context.Context, id, actorID int64) error {
	p, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(p.Status, StatusCancelled) {
		if p.Status == StatusReceived {
			return fmt.Errorf("%w: received purchases cannot be cancelled", ErrInvalidState)
		}
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidState, p.Status)
	}
	if p.Status == StatusPendingDelivery {
		credited, err := s.stock.MovementExists(ctx, receiveReference(p.ID))
		if err != nil {
			return fmt.Errorf("check delivery for purchase %d: %w", id, err)
		}
		if credited {
			return fmt.Errorf("%w: delivery already credited stock, retry receive", ErrInvalidState)
		}
	}
	if err := s.transition(ctx, id, p.Status, StatusCancelled); err != nil {
		return err
	}
	if p.Total.IsPositive() {
		if _, err := s.ledger.PostCredit(ctx, ledger.PostInput{
			ProviderID: p.ProviderID,
			Amount:     p.Total,
			PurchaseID: &p.ID,
			Note:       fmt.Sprintf("purchase %d cancelled", p.ID),
			ActorID:    actorID,
		}); err != nil {
			return fmt.Errorf("purchase %d cancelled but offsetting credit failed: %w", id, err)
		}
	}
	s.invalidatePending(ctx)
	s.recordAudit(ctx, actorID, "purchase:cancel", id, nil)
	return nil
}

// Receive marks a pending purchase as delivered and credits its items into
// the destination branch. Safe to retry: stock is credited at most once, and
// a purchase already received fails with ErrAlreadyReceived.
func (s *Service) Receive(ctx context.Context, id, actorID int64) error {
	p, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return err
	}
	switch p.Status {
	case StatusReceived:
		return ErrAlreadyReceived
	case StatusPendingDelivery:
	default:
		return fmt.Errorf("%w: cannot receive from %s", ErrInvalidState, p.Status)
	}

	input := stock.TransferInput{
		Reference:  receiveReference(p.ID),
		ToBranchID: p.DestinationBranchID,
		Notes:      fmt.Sprintf("purchase %d delivery", p.ID),
		ActorID:    actorID,
	}
	for _, it := range p.Items {
		input.Items = append(input.Items, stock.TransferItem{
			ProductID: it.ProductID,
			SizeID:    it.SizeID,
			ColorID:   it.ColorID,
			Quantity:  it.Quantity,
		})
	}
	if _, err := s.stock.Receive(ctx, input); err != nil {
		// A duplicate reference means an earlier attempt already credited
		// stock before failing to flip the status; finish the transition.
		if !errors.Is(err, stock.ErrDuplicateMovement) {
			return fmt.Errorf("credit stock for purchase %d: %w", id, err)
		}
	}

	deliveredAt := s.now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		moved, err := tx.UpdateStatus(ctx, id, StatusPendingDelivery, StatusReceived)
		if err != nil {
			return err
		}
		if !moved {
			// The status changed between our read and this update; report
			// what actually happened instead of assuming a repeat receive.
			current, err := tx.GetPurchaseForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if current.Status == StatusReceived {
				return ErrAlreadyReceived
			}
			return fmt.Errorf("%w: expected %s, found %s", ErrInvalidState, StatusPendingDelivery, current.Status)
		}
		return tx.SetDeliveryDate(ctx, id, deliveredAt)
	})
	if err != nil {
		return err
	}

	s.invalidatePending(ctx)
	s.recordAudit(ctx, actorID, "purchase:receive", id, map[string]any{"branch_id": p.DestinationBranchID})
	return nil
}

// RegisterPayment stores a payment against the purchase and posts the
// matching credit on the provider's ledger.
func (s *Service) RegisterPayment(ctx context.Context, purchaseID int64, amount decimal.Decimal, method, note string, actorID int64) (Payment, error) {
	if !amount.IsPositive() {
		return Payment{}, fmt.Errorf("%w: payment amount must be positive", ErrValidation)
	}
	p, err := s.repo.GetPurchase(ctx, purchaseID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status == StatusCancelled {
		return Payment{}, fmt.Errorf("%w: cannot pay a cancelled purchase", ErrInvalidState)
	}

	payment := Payment{
		PurchaseID: purchaseID,
		ProviderID: p.ProviderID,
		Amount:     amount,
		Method:     method,
		Note:       note,
		PaidAt:     s.now().UTC(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertPayment(ctx, payment)
		if err != nil {
			return err
		}
		payment.ID = id
		return nil
	})
	if err != nil {
		return Payment{}, fmt.Errorf("register payment: %w", err)
	}

	if _, err := s.ledger.PostCredit(ctx, ledger.PostInput{
		ProviderID: p.ProviderID,
		Amount:     amount,
		PurchaseID: &purchaseID,
		PaymentID:  &payment.ID,
		Note:       fmt.Sprintf("payment on purchase %d", purchaseID),
		ActorID:    actorID,
	}); err != nil {
		return payment, fmt.Errorf("payment %d stored but credit failed: %w", payment.ID, err)
	}

	s.recordAudit(ctx, actorID, "purchase:payment", purchaseID, map[string]any{"amount": amount.String(), "payment_id": payment.ID})
	return payment, nil
}

// RegisterAccountPayment stores a payment on the provider's account that is
// not tied to any purchase, a general credit, and posts it on the ledger.
func (s *Service) RegisterAccountPayment(ctx context.Context, providerID int64, amount decimal.Decimal, method, note string, actorID int64) (Payment, error) {
	if providerID <= 0 {
		return Payment{}, fmt.Errorf("%w: provider required", ErrValidation)
	}
	if !amount.IsPositive() {
		return Payment{}, fmt.Errorf("%w: payment amount must be positive", ErrValidation)
	}

	payment := Payment{
		ProviderID: providerID,
		Amount:     amount,
		Method:     method,
		Note:       note,
		PaidAt:     s.now().UTC(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertPayment(ctx, payment)
		if err != nil {
			return err
		}
		payment.ID = id
		return nil
	})
	if err != nil {
		return Payment{}, fmt.Errorf("register account payment: %w", err)
	}

	if _, err := s.ledger.PostCredit(ctx, ledger.PostInput{
		ProviderID: providerID,
		Amount:     amount,
		PaymentID:  &payment.ID,
		Note:       "account payment",
		ActorID:    actorID,
	}); err != nil {
		return payment, fmt.Errorf("payment %d stored but credit failed: %w", payment.ID, err)
	}

	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "provider:payment",
			Entity:   "provider",
			EntityID: strconv.FormatInt(providerID, 10),
			Meta:     map[string]any{"amount": amount.String(), "payment_id": payment.ID},
		}); err != nil {
			s.logger.Warn("audit provider payment", slog.Any("error", err))
		}
	}
	return payment, nil
}

// GenerateBarcodes derives codes for every line item that lacks one and
// returns the updated items.
func (s *Service) GenerateBarcodes(ctx context.Context, purchaseID, actorID int64) ([]LineItem, error) {
	p, err := s.repo.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	generated := 0
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for i, it := range p.Items {
			if it.Barcode != "" {
				continue
			}
			code, err := s.codes.Generate(ctx, it.ProductID, it.SizeID, it.ColorID)
			if err != nil {
				return err
			}
			if err := tx.SetLineItemBarcode(ctx, it.ID, code); err != nil {
				return err
			}
			p.Items[i].Barcode = code
			generated++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("generate barcodes for purchase %d: %w", purchaseID, err)
	}
	if generated > 0 {
		s.recordAudit(ctx, actorID, "purchase:barcodes", purchaseID, map[string]any{"generated": generated})
	}
	return p.Items, nil
}

// PendingShipments lists purchases awaiting delivery for a branch, cache
// first. branchID zero covers all branches.
func (s *Service) PendingShipments(ctx context.Context, branchID int64) ([]Purchase, error) {
	var list []Purchase
	err := s.cache.Fetch(ctx, pendingKey(branchID), s.cfg.PendingTTL, &list, func(ctx context.Context) (any, error) {
		return s.repo.ListPending(ctx, branchID)
	})
	return list, err
}

func (s *Service) transition(ctx context.Context, id int64, from, to Status) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		moved, err := tx.UpdateStatus(ctx, id, from, to)
		if err != nil {
			return err
		}
		if moved {
			return nil
		}
		current, err := tx.GetPurchaseForUpdate(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: expected %s, found %s", ErrInvalidState, from, current.Status)
	})
}

func pendingKey(branchID int64) string { return fmt.Sprintf("purchases:pending:%d", branchID) }

// receiveReference is the idempotency reference a purchase's delivery uses
// when crediting stock.
func receiveReference(purchaseID int64) string { return fmt.Sprintf("purchase:%d", purchaseID) }

func (s *Service) invalidatePending(ctx context.Context) {
	if err := s.cache.InvalidateMatching(ctx, "purchases:pending:*"); err != nil {
		s.logger.Warn("invalidate pending shipments", slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, purchaseID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "purchase",
		EntityID: strconv.FormatInt(purchaseID, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit purchase", slog.String("action", action), slog.Any("error", err))
	}
}
