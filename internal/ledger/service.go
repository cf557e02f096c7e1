package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tienda-erp/tienda-erp/internal/platform/cache"
	"github.com/tienda-erp/tienda-erp/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	LatestEntry(ctx context.Context, providerID int64) (Entry, error)
	ListEntries(ctx context.Context, providerID int64) ([]Entry, error)
	ListProviders(ctx context.Context) ([]int64, error)
}

// AuditPort records ledger mutations.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig tunes cache lifetimes.
type ServiceConfig struct {
	BalanceTTL   time.Duration
	MovementsTTL time.Duration
}

func (c *ServiceConfig) defaults() {
	if c.BalanceTTL <= 0 {
		c.BalanceTTL = time.Minute
	}
	if c.MovementsTTL <= 0 {
		c.MovementsTTL = time.Minute
	}
}

// PostInput describes a single debit or credit posting.
type PostInput struct {
	ProviderID int64
	Amount     decimal.Decimal
	PurchaseID *int64
	PaymentID  *int64
	Note       string
	ActorID    int64
}

// Service owns the provider ledger: append-only postings with a seq-chained
// running balance per provider. Postings for the same provider serialize on
// a keyed mutex before taking the row lock.
type Service struct {
	repo   RepositoryPort
	cache  *cache.Cache
	audit  AuditPort
	locks  *shared.KeyedMutex
	logger *slog.Logger
	cfg    ServiceConfig
	now    func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, c *cache.Cache, audit AuditPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()
	return &Service{
		repo:   repo,
		cache:  c,
		audit:  audit,
		locks:  shared.NewKeyedMutex(),
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

// PostDebit appends a debit entry, increasing what we owe the provider.
func (s *Service) PostDebit(ctx context.Context, in PostInput) (Entry, error) {
	return s.postEntry(ctx, in, in.Amount, decimal.Zero)
}

// PostCredit appends a credit entry, decreasing what we owe the provider.
func (s *Service) PostCredit(ctx context.Context, in PostInput) (Entry, error) {
	return s.postEntry(ctx, in, decimal.Zero, in.Amount)
}

func (s *Service) postEntry(ctx context.Context, in PostInput, debit, credit decimal.Decimal) (Entry, error) {
	if in.ProviderID <= 0 {
		return Entry{}, ErrProviderRequired
	}
	if !in.Amount.IsPositive() {
		return Entry{}, ErrInvalidAmount
	}

	release := s.locks.Lock(in.ProviderID)
	defer release()

	entry := Entry{
		ProviderID: in.ProviderID,
		Debit:      debit,
		Credit:     credit,
		PurchaseID: in.PurchaseID,
		PaymentID:  in.PaymentID,
		Note:       in.Note,
		PostedAt:   s.now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prev, err := tx.LatestEntryForUpdate(ctx, in.ProviderID)
		switch {
		case errors.Is(err, ErrNoEntries):
			entry.Seq = 1
			entry.Balance = debit.Sub(credit)
		case err != nil:
			return err
		default:
			entry.Seq = prev.Seq + 1
			entry.Balance = prev.Balance.Add(debit).Sub(credit)
		}
		id, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		entry.ID = id
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("post ledger entry: %w", err)
	}

	s.invalidateProvider(ctx, in.ProviderID)
	if s.audit != nil {
		action := "ledger:debit"
		if credit.IsPositive() {
			action = "ledger:credit"
		}
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   action,
			Entity:   "provider",
			EntityID: strconv.FormatInt(in.ProviderID, 10),
			Meta:     map[string]any{"amount": in.Amount.String(), "seq": entry.Seq, "balance": entry.Balance.String()},
		}); err != nil {
			s.logger.Warn("audit ledger entry", slog.Any("error", err))
		}
	}
	return entry, nil
}

// Balance returns the provider's current running balance. An empty ledger
// reads as zero.
func (s *Service) Balance(ctx context.Context, providerID int64) (decimal.Decimal, error) {
	if providerID <= 0 {
		return decimal.Zero, ErrProviderRequired
	}
	var balance decimal.Decimal
	err := s.cache.Fetch(ctx, balanceKey(providerID), s.cfg.BalanceTTL, &balance, func(ctx context.Context) (any, error) {
		latest, err := s.repo.LatestEntry(ctx, providerID)
		if errors.Is(err, ErrNoEntries) {
			return decimal.Zero, nil
		}
		if err != nil {
			return nil, err
		}
		return latest.Balance, nil
	})
	return balance, err
}

// Movements returns the provider's full posting history, oldest first.
func (s *Service) Movements(ctx context.Context, providerID int64) ([]Entry, error) {
	if providerID <= 0 {
		return nil, ErrProviderRequired
	}
	var entries []Entry
	err := s.cache.Fetch(ctx, movementsKey(providerID), s.cfg.MovementsTTL, &entries, func(ctx context.Context) (any, error) {
		return s.repo.ListEntries(ctx, providerID)
	})
	return entries, err
}

// Validate replays the provider's chain and compares every stored running
// balance against the folded value. The first drifting entry is reported.
func (s *Service) Validate(ctx context.Context, providerID int64) (Validation, error) {
	if providerID <= 0 {
		return Validation{}, ErrProviderRequired
	}
	entries, err := s.repo.ListEntries(ctx, providerID)
	if err != nil {
		return Validation{}, err
	}
	running := decimal.Zero
	for _, e := range entries {
		running = running.Add(e.Debit).Sub(e.Credit)
		if !running.Equal(e.Balance) {
			return Validation{Valid: false, Expected: running, Actual: e.Balance, BadSeq: e.Seq}, nil
		}
	}
	return Validation{Valid: true, Expected: running, Actual: running}, nil
}

// Recalculate rewrites every stored balance from the chain in one
// transaction. Used to repair drift reported by Validate.
func (s *Service) Recalculate(ctx context.Context, providerID int64, actorID int64) (int, error) {
	if providerID <= 0 {
		return 0, ErrProviderRequired
	}

	release := s.locks.Lock(providerID)
	defer release()

	repaired := 0
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entries, err := tx.ListEntriesForUpdate(ctx, providerID)
		if err != nil {
			return err
		}
		running := decimal.Zero
		for _, e := range entries {
			running = running.Add(e.Debit).Sub(e.Credit)
			if running.Equal(e.Balance) {
				continue
			}
			if err := tx.UpdateEntryBalance(ctx, e.ID, running); err != nil {
				return err
			}
			repaired++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recalculate provider %d: %w", providerID, err)
	}

	if repaired > 0 {
		s.invalidateProvider(ctx, providerID)
		if s.audit != nil {
			if err := s.audit.Record(ctx, shared.AuditLog{
				ActorID:  actorID,
				Action:   "ledger:recalculate",
				Entity:   "provider",
				EntityID: strconv.FormatInt(providerID, 10),
				Meta:     map[string]any{"repaired": repaired},
			}); err != nil {
				s.logger.Warn("audit recalculate", slog.Any("error", err))
			}
		}
	}
	return repaired, nil
}

// Providers lists every provider with at least one posting.
func (s *Service) Providers(ctx context.Context) ([]int64, error) {
	return s.repo.ListProviders(ctx)
}

func (s *Service) invalidateProvider(ctx context.Context, providerID int64) {
	if err := s.cache.Invalidate(ctx, balanceKey(providerID), movementsKey(providerID)); err != nil {
		s.logger.Warn("invalidate ledger cache", slog.Int64("provider_id", providerID), slog.Any("error", err))
	}
}

func balanceKey(providerID int64) string   { return fmt.Sprintf("ledger:balance:%d", providerID) }
func movementsKey(providerID int64) string { return fmt.Sprintf("ledger:movements:%d", providerID) }
