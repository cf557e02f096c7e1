package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tienda-erp/tienda-erp/internal/platform/cache"
	"github.com/tienda-erp/tienda-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetQuantity(ctx context.Context, ref VariantRef) (int64, error)
	ListByBranch(ctx context.Context, branchID int64) ([]Variant, error)
	SummarizeByProduct(ctx context.Context, productID, branchID int64) (ProductSummary, error)
	MovementExists(ctx context.Context, reference string) (bool, error)
	BarcodeExists(ctx context.Context, code string) (bool, error)
}

// AuditPort records stock mutations.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort deduplicates movement references.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ServiceConfig groups cache TTL settings.
type ServiceConfig struct {
	SummaryTTL time.Duration
	BranchTTL  time.Duration
}

// Service is the variant store and stock movement engine. All quantity
// mutations funnel through it so the conservation and non-negativity
// invariants hold, and so every write invalidates the cache keys it affects.
type Service struct {
	repo        RepositoryPort
	cache       *cache.Cache
	audit       AuditPort
	idempotency IdempotencyPort
	barcodes    *BarcodeGenerator
	logger      *slog.Logger
	cfg         ServiceConfig
	now         func() time.Time
}

// NewService builds Service. Cache, audit, and idempotency may be nil.
func NewService(repo RepositoryPort, c *cache.Cache, audit AuditPort, idem IdempotencyPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SummaryTTL == 0 {
		cfg.SummaryTTL = 5 * time.Minute
	}
	if cfg.BranchTTL == 0 {
		cfg.BranchTTL = time.Minute
	}
	return &Service{
		repo:        repo,
		cache:       c,
		audit:       audit,
		idempotency: idem,
		barcodes:    NewBarcodeGenerator(repo.BarcodeExists),
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
		s.barcodes.WithNow(now)
	}
}

// Barcodes exposes the generator for derive-only callers.
func (s *Service) Barcodes() *BarcodeGenerator {
	return s.barcodes
}

// MovementExists reports whether a movement reference has been consumed.
// Callers coordinating a multi-step workflow use it to tell "never credited"
// apart from "credited but the follow-up step failed".
func (s *Service) MovementExists(ctx context.Context, reference string) (bool, error) {
	return s.repo.MovementExists(ctx, reference)
}

// GetQuantity returns the current quantity for a variant, zero when unknown.
func (s *Service) GetQuantity(ctx context.Context, ref VariantRef) (int64, error) {
	return s.repo.GetQuantity(ctx, ref)
}

// BranchStock lists every variant at a branch, cache-first.
func (s *Service) BranchStock(ctx context.Context, branchID int64) ([]Variant, error) {
	var variants []Variant
	err := s.cache.Fetch(ctx, branchKey(branchID), s.cfg.BranchTTL, &variants, func(ctx context.Context) (any, error) {
		return s.repo.ListByBranch(ctx, branchID)
	})
	return variants, err
}

// Summary aggregates a product's stock, cache-first. branchID zero covers all
// branches.
func (s *Service) Summary(ctx context.Context, productID, branchID int64) (ProductSummary, error) {
	var summary ProductSummary
	err := s.cache.Fetch(ctx, summaryKey(productID, branchID), s.cfg.SummaryTTL, &summary, func(ctx context.Context) (any, error) {
		return s.repo.SummarizeByProduct(ctx, productID, branchID)
	})
	return summary, err
}

// ApplyDelta atomically adds delta to one variant's quantity. A result below
// zero fails with ErrInsufficientStock and leaves the quantity unchanged.
func (s *Service) ApplyDelta(ctx context.Context, ref VariantRef, delta int64, actorID int64) error {
	if delta == 0 {
		return ErrInvalidQuantity
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		v, err := tx.GetVariantForUpdate(ctx, ref)
		if errors.Is(err, ErrVariantNotFound) {
			if delta < 0 {
				return &InsufficientStockError{Ref: ref, Have: 0, Requested: -delta}
			}
			return s.createVariant(ctx, tx, ref, delta)
		}
		if err != nil {
			return err
		}
		next := v.Quantity + delta
		if next < 0 {
			return &InsufficientStockError{Ref: ref, Have: v.Quantity, Requested: -delta}
		}
		return tx.SetVariantQuantity(ctx, ref, next)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, []int64{ref.ProductID}, []int64{ref.BranchID})
	s.recordAudit(ctx, actorID, "stock:delta", ref, map[string]any{"delta": delta})
	return nil
}

// SetQuantity is the manual correction write path: a direct set that bypasses
// transfer semantics. It is deliberately distinct from Transfer and leaves no
// movement record, only an audit entry.
func (s *Service) SetQuantity(ctx context.Context, ref VariantRef, quantity int64, actorID int64) error {
	if quantity < 0 {
		return ErrInvalidQuantity
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := tx.GetVariantForUpdate(ctx, ref)
		if errors.Is(err, ErrVariantNotFound) {
			return s.createVariant(ctx, tx, ref, quantity)
		}
		if err != nil {
			return err
		}
		return tx.SetVariantQuantity(ctx, ref, quantity)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, []int64{ref.ProductID}, []int64{ref.BranchID})
	s.recordAudit(ctx, actorID, "stock:set", ref, map[string]any{"quantity": quantity})
	return nil
}

// Receive credits items into a branch from outside the system (purchase
// delivery or manual intake).
func (s *Service) Receive(ctx context.Context, input TransferInput) (Movement, error) {
	input.FromBranchID = 0
	return s.Transfer(ctx, input)
}

// Transfer moves every item from the source branch to the destination branch
// as one unit of work, or receives stock when FromBranchID is zero. Either all
// items move or none do. Retries carrying the same Reference are rejected with
// ErrDuplicateMovement.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (Movement, error) {
	if len(input.Items) == 0 {
		return Movement{}, ErrEmptyMovement
	}
	if input.ToBranchID == 0 {
		return Movement{}, errors.New("stock: destination branch required")
	}
	if input.FromBranchID != 0 && input.FromBranchID == input.ToBranchID {
		return Movement{}, ErrSameBranch
	}
	for _, item := range input.Items {
		if item.Quantity <= 0 {
			return Movement{}, ErrInvalidQuantity
		}
	}

	reference := input.Reference
	if reference == "" {
		reference = uuid.NewString()
	}
	dedupeKey := "movement:" + reference
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, dedupeKey, "stock"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Movement{}, fmt.Errorf("%w: reference %s", ErrDuplicateMovement, reference)
			}
			return Movement{}, err
		}
		inserted = true
	}

	movement := Movement{
		Reference:    reference,
		FromBranchID: input.FromBranchID,
		ToBranchID:   input.ToBranchID,
		Notes:        input.Notes,
		ActorID:      input.ActorID,
		PostedAt:     s.now().UTC(),
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := s.applyMovement(ctx, tx, input); err != nil {
			return err
		}
		id, err := tx.InsertMovement(ctx, movement)
		if err != nil {
			return err
		}
		movement.ID = id
		items := make([]MovementItem, 0, len(input.Items))
		for _, item := range input.Items {
			items = append(items, MovementItem{
				MovementID: id,
				ProductID:  item.ProductID,
				SizeID:     item.SizeID,
				ColorID:    item.ColorID,
				Quantity:   item.Quantity,
			})
		}
		return tx.InsertMovementItems(ctx, id, items)
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, dedupeKey)
		}
		return Movement{}, err
	}

	products := make([]int64, 0, len(input.Items))
	for _, item := range input.Items {
		products = append(products, item.ProductID)
	}
	branches := []int64{input.ToBranchID}
	if input.FromBranchID != 0 {
		branches = append(branches, input.FromBranchID)
	}
	s.invalidate(ctx, products, branches)
	s.recordAudit(ctx, input.ActorID, "stock:movement", VariantRef{BranchID: input.ToBranchID}, map[string]any{
		"reference":   reference,
		"from_branch": input.FromBranchID,
		"to_branch":   input.ToBranchID,
		"items":       len(input.Items),
	})
	return movement, nil
}

// applyMovement locks every touched variant in deterministic order, verifies
// all sources can cover their items, and only then writes the new quantities.
func (s *Service) applyMovement(ctx context.Context, tx TxRepository, input TransferInput) error {
	deltas := make(map[VariantRef]int64)
	for _, item := range input.Items {
		if input.FromBranchID != 0 {
			src := VariantRef{ProductID: item.ProductID, SizeID: item.SizeID, ColorID: item.ColorID, BranchID: input.FromBranchID}
			deltas[src] -= item.Quantity
		}
		dst := VariantRef{ProductID: item.ProductID, SizeID: item.SizeID, ColorID: item.ColorID, BranchID: input.ToBranchID}
		deltas[dst] += item.Quantity
	}

	refs := make([]VariantRef, 0, len(deltas))
	for ref := range deltas {
		refs = append(refs, ref)
	}
	// Global lock order across branches prevents deadlock between opposing
	// transfers touching the same variants.
	sort.Slice(refs, func(i, j int) bool { return lessRef(refs[i], refs[j]) })

	type state struct {
		quantity int64
		exists   bool
	}
	states := make(map[VariantRef]*state, len(refs))
	for _, ref := range refs {
		v, err := tx.GetVariantForUpdate(ctx, ref)
		if errors.Is(err, ErrVariantNotFound) {
			states[ref] = &state{}
			continue
		}
		if err != nil {
			return err
		}
		states[ref] = &state{quantity: v.Quantity, exists: true}
	}

	// Pre-check: every resulting quantity must stay non-negative before any
	// write happens.
	for _, ref := range refs {
		next := states[ref].quantity + deltas[ref]
		if next < 0 {
			return &InsufficientStockError{Ref: ref, Have: states[ref].quantity, Requested: -deltas[ref]}
		}
	}

	for _, ref := range refs {
		st := states[ref]
		next := st.quantity + deltas[ref]
		if st.exists {
			if err := tx.SetVariantQuantity(ctx, ref, next); err != nil {
				return err
			}
			continue
		}
		if err := s.createVariant(ctx, tx, ref, next); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) createVariant(ctx context.Context, tx TxRepository, ref VariantRef, quantity int64) error {
	code, err := s.barcodes.Generate(ctx, ref.ProductID, ref.SizeID, ref.ColorID)
	if err != nil {
		return err
	}
	return tx.CreateVariant(ctx, Variant{VariantRef: ref, Quantity: quantity, Barcode: code})
}

func (s *Service) invalidate(ctx context.Context, productIDs, branchIDs []int64) {
	for _, productID := range productIDs {
		if err := s.cache.InvalidateMatching(ctx, fmt.Sprintf("stock:summary:%d:*", productID)); err != nil {
			s.logger.Warn("invalidate product summaries", slog.Int64("product_id", productID), slog.Any("error", err))
		}
	}
	keys := make([]string, 0, len(branchIDs))
	for _, branchID := range branchIDs {
		keys = append(keys, branchKey(branchID))
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.logger.Warn("invalidate branch stock", slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, ref VariantRef, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "stock",
		EntityID: fmt.Sprintf("%d:%d:%d:%d", ref.ProductID, ref.SizeID, ref.ColorID, ref.BranchID),
		Meta:     meta,
	})
}

func branchKey(branchID int64) string {
	return fmt.Sprintf("stock:branch:%d", branchID)
}

func summaryKey(productID, branchID int64) string {
	return fmt.Sprintf("stock:summary:%d:%d", productID, branchID)
}

func lessRef(a, b VariantRef) bool {
	if a.BranchID != b.BranchID {
		return a.BranchID < b.BranchID
	}
	if a.ProductID != b.ProductID {
		return a.ProductID < b.ProductID
	}
	if a.SizeID != b.SizeID {
		return a.SizeID < b.SizeID
	}
	return a.ColorID < b.ColorID
}
