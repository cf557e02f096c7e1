package ledger

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tienda-erp/tienda-erp/internal/shared"
)

type memoryLedger struct {
	mu      sync.Mutex
	entries map[int64][]Entry
	nextID  int64
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{entries: map[int64][]Entry{}}
}

func (m *memoryLedger) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, (*memoryLedgerTx)(m))
}

func (m *memoryLedger) LatestEntry(_ context.Context, providerID int64) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.entries[providerID]
	if len(chain) == 0 {
		return Entry{}, ErrNoEntries
	}
	return chain[len(chain)-1], nil
}

func (m *memoryLedger) ListEntries(_ context.Context, providerID int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries[providerID]...), nil
}

func (m *memoryLedger) ListProviders(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids, nil
}

type memoryLedgerTx memoryLedger

func (m *memoryLedgerTx) LatestEntryForUpdate(_ context.Context, providerID int64) (Entry, error) {
	chain := m.entries[providerID]
	if len(chain) == 0 {
		return Entry{}, ErrNoEntries
	}
	return chain[len(chain)-1], nil
}

func (m *memoryLedgerTx) ListEntriesForUpdate(_ context.Context, providerID int64) ([]Entry, error) {
	return append([]Entry(nil), m.entries[providerID]...), nil
}

func (m *memoryLedgerTx) InsertEntry(_ context.Context, e Entry) (int64, error) {
	m.nextID++
	e.ID = m.nextID
	m.entries[e.ProviderID] = append(m.entries[e.ProviderID], e)
	return e.ID, nil
}

func (m *memoryLedgerTx) UpdateEntryBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	for providerID, chain := range m.entries {
		for i := range chain {
			if chain[i].ID == id {
				m.entries[providerID][i].Balance = balance
				return nil
			}
		}
	}
	return ErrNoEntries
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, shared.AuditLog) error { return nil }

func newTestService(t *testing.T) (*Service, *memoryLedger) {
	t.Helper()
	repo := newMemoryLedger()
	svc := NewService(repo, nil, nopAudit{}, slog.Default(), ServiceConfig{})
	return svc, repo
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRunningBalanceChains(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.PostDebit(ctx, PostInput{ProviderID: 7, Amount: dec("1000")})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Seq)
	require.True(t, first.Balance.Equal(dec("1000")))

	second, err := svc.PostCredit(ctx, PostInput{ProviderID: 7, Amount: dec("400")})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Seq)
	require.True(t, second.Balance.Equal(dec("600")))

	balance, err := svc.Balance(ctx, 7)
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("600")))
}

func TestEmptyLedgerReadsZero(t *testing.T) {
	svc, _ := newTestService(t)

	balance, err := svc.Balance(context.Background(), 99)
	require.NoError(t, err)
	require.True(t, balance.IsZero())
}

func TestPostRejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.PostDebit(ctx, PostInput{ProviderID: 1, Amount: dec("0")})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.PostCredit(ctx, PostInput{ProviderID: 1, Amount: dec("-5")})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.PostDebit(ctx, PostInput{Amount: dec("10")})
	require.ErrorIs(t, err, ErrProviderRequired)
}

func TestConcurrentPostsSerialize(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.PostDebit(ctx, PostInput{ProviderID: 3, Amount: dec("10")})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := repo.ListEntries(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, workers)
	seen := map[int64]bool{}
	for _, e := range entries {
		require.False(t, seen[e.Seq], "seq %d assigned twice", e.Seq)
		seen[e.Seq] = true
	}
	latest, err := repo.LatestEntry(ctx, 3)
	require.NoError(t, err)
	require.True(t, latest.Balance.Equal(dec("500")))
}

func TestValidateDetectsDrift(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.PostDebit(ctx, PostInput{ProviderID: 5, Amount: dec("100")})
	require.NoError(t, err)
	_, err = svc.PostCredit(ctx, PostInput{ProviderID: 5, Amount: dec("30")})
	require.NoError(t, err)

	result, err := svc.Validate(ctx, 5)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.True(t, result.Expected.Equal(dec("70")))

	// Corrupt the stored balance on the second entry.
	repo.entries[5][1].Balance = dec("999")

	result, err = svc.Validate(ctx, 5)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, int64(2), result.BadSeq)
	require.True(t, result.Expected.Equal(dec("70")))
	require.True(t, result.Actual.Equal(dec("999")))
}

func TestRecalculateRepairsDrift(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.PostDebit(ctx, PostInput{ProviderID: 5, Amount: dec("100")})
	require.NoError(t, err)
	_, err = svc.PostCredit(ctx, PostInput{ProviderID: 5, Amount: dec("30")})
	require.NoError(t, err)
	_, err = svc.PostDebit(ctx, PostInput{ProviderID: 5, Amount: dec("50")})
	require.NoError(t, err)

	repo.entries[5][1].Balance = dec("999")
	repo.entries[5][2].Balance = dec("1049")

	repaired, err := svc.Recalculate(ctx, 5, 0)
	require.NoError(t, err)
	require.Equal(t, 2, repaired)

	result, err := svc.Validate(ctx, 5)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.True(t, result.Expected.Equal(dec("120")))
}

func TestRecalculateNoopWhenClean(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.PostDebit(ctx, PostInput{ProviderID: 2, Amount: dec("10")})
	require.NoError(t, err)

	repaired, err := svc.Recalculate(ctx, 2, 0)
	require.NoError(t, err)
	require.Zero(t, repaired)
}

func TestCorrectionOffsetsPriorEntry(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	purchase := int64(41)
	_, err := svc.PostDebit(ctx, PostInput{ProviderID: 9, Amount: dec("250"), PurchaseID: &purchase})
	require.NoError(t, err)
	// Cancelled purchase: offset with a credit rather than deleting.
	_, err = svc.PostCredit(ctx, PostInput{ProviderID: 9, Amount: dec("250"), PurchaseID: &purchase, Note: "cancelled"})
	require.NoError(t, err)

	balance, err := svc.Balance(ctx, 9)
	require.NoError(t, err)
	require.True(t, balance.IsZero())

	entries, err := repo.ListEntries(ctx, 9)
	require.NoError(t, err)
	require.Len(t, entries, 2, "entries are never deleted")
}
