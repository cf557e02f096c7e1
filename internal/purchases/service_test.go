package purchases

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tienda-erp/tienda-erp/internal/ledger"
	"github.com/tienda-erp/tienda-erp/internal/shared"
	"github.com/tienda-erp/tienda-erp/internal/stock"
)

type memoryPurchases struct {
	mu              sync.Mutex
	purchases       map[int64]*Purchase
	accountPayments []Payment
	nextID          int64
}

func newMemoryPurchases() *memoryPurchases {
	return &memoryPurchases{purchases: map[int64]*Purchase{}}
}

func (m *memoryPurchases) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, (*memoryPurchasesTx)(m))
}

func (m *memoryPurchases) GetPurchase(_ context.Context, id int64) (Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	out := *p
	out.Items = append([]LineItem(nil), p.Items...)
	out.Payments = append([]Payment(nil), p.Payments...)
	return out, nil
}

func (m *memoryPurchases) ListPending(_ context.Context, branchID int64) ([]Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := []Purchase{}
	for _, p := range m.purchases {
		if p.Status == StatusPendingDelivery && (branchID == 0 || p.DestinationBranchID == branchID) {
			list = append(list, *p)
		}
	}
	return list, nil
}

func (m *memoryPurchases) ListPayments(_ context.Context, purchaseID int64) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[purchaseID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Payment(nil), p.Payments...), nil
}

type memoryPurchasesTx memoryPurchases

func (m *memoryPurchasesTx) InsertPurchase(_ context.Context, p Purchase) (int64, error) {
	m.nextID++
	p.ID = m.nextID
	p.Items = nil
	m.purchases[p.ID] = &p
	return p.ID, nil
}

func (m *memoryPurchasesTx) InsertLineItems(_ context.Context, purchaseID int64, items []LineItem) error {
	p := m.purchases[purchaseID]
	for _, it := range items {
		m.nextID++
		it.ID = m.nextID
		it.PurchaseID = purchaseID
		p.Items = append(p.Items, it)
	}
	return nil
}

func (m *memoryPurchasesTx) GetPurchaseForUpdate(_ context.Context, id int64) (Purchase, error) {
	p, ok := m.purchases[id]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return *p, nil
}

func (m *memoryPurchasesTx) UpdateStatus(_ context.Context, id int64, from, to Status) (bool, error) {
	p, ok := m.purchases[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (m *memoryPurchasesTx) SetDeliveryDate(_ context.Context, id int64, at time.Time) error {
	p, ok := m.purchases[id]
	if !ok {
		return ErrNotFound
	}
	p.DeliveryDate = &at
	return nil
}

func (m *memoryPurchasesTx) InsertPayment(_ context.Context, pay Payment) (int64, error) {
	m.nextID++
	pay.ID = m.nextID
	if pay.PurchaseID == 0 {
		m.accountPayments = append(m.accountPayments, pay)
		return pay.ID, nil
	}
	p, ok := m.purchases[pay.PurchaseID]
	if !ok {
		return 0, ErrNotFound
	}
	p.Payments = append(p.Payments, pay)
	return pay.ID, nil
}

func (m *memoryPurchasesTx) SetLineItemBarcode(_ context.Context, itemID int64, barcode string) error {
	for _, p := range m.purchases {
		for i := range p.Items {
			if p.Items[i].ID == itemID {
				p.Items[i].Barcode = barcode
				return nil
			}
		}
	}
	return ErrNotFound
}

// memoryChain backs a real ledger.Service so purchase flows exercise actual
// balance chaining instead of a stubbed ledger.
type memoryChain struct {
	mu      sync.Mutex
	entries map[int64][]ledger.Entry
	nextID  int64
}

func newMemoryChain() *memoryChain { return &memoryChain{entries: map[int64][]ledger.Entry{}} }

func (m *memoryChain) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, (*memoryChainTx)(m))
}

func (m *memoryChain) LatestEntry(_ context.Context, providerID int64) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.entries[providerID]
	if len(chain) == 0 {
		return ledger.Entry{}, ledger.ErrNoEntries
	}
	return chain[len(chain)-1], nil
}

func (m *memoryChain) ListEntries(_ context.Context, providerID int64) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Entry(nil), m.entries[providerID]...), nil
}

func (m *memoryChain) ListProviders(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids, nil
}

type memoryChainTx memoryChain

func (m *memoryChainTx) LatestEntryForUpdate(_ context.Context, providerID int64) (ledger.Entry, error) {
	chain := m.entries[providerID]
	if len(chain) == 0 {
		return ledger.Entry{}, ledger.ErrNoEntries
	}
	return chain[len(chain)-1], nil
}

func (m *memoryChainTx) ListEntriesForUpdate(_ context.Context, providerID int64) ([]ledger.Entry, error) {
	return append([]ledger.Entry(nil), m.entries[providerID]...), nil
}

func (m *memoryChainTx) InsertEntry(_ context.Context, e ledger.Entry) (int64, error) {
	m.nextID++
	e.ID = m.nextID
	m.entries[e.ProviderID] = append(m.entries[e.ProviderID], e)
	return e.ID, nil
}

func (m *memoryChainTx) UpdateEntryBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	for providerID, chain := range m.entries {
		for i := range chain {
			if chain[i].ID == id {
				m.entries[providerID][i].Balance = balance
				return nil
			}
		}
	}
	return ledger.ErrNoEntries
}

// fakeStock records received quantities and rejects reused references the way
// the stock service does. onReceive, when set, runs after a successful credit
// to interleave concurrent writes into the receive flow.
type fakeStock struct {
	mu        sync.Mutex
	received  map[stock.VariantRef]int64
	refs      map[string]bool
	failNext  error
	onReceive func()
}

func newFakeStock() *fakeStock {
	return &fakeStock{received: map[stock.VariantRef]int64{}, refs: map[string]bool{}}
}

func (f *fakeStock) Receive(_ context.Context, input stock.TransferInput) (stock.Movement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return stock.Movement{}, err
	}
	if f.refs[input.Reference] {
		return stock.Movement{}, fmt.Errorf("%w: reference %s", stock.ErrDuplicateMovement, input.Reference)
	}
	f.refs[input.Reference] = true
	for _, it := range input.Items {
		ref := stock.VariantRef{ProductID: it.ProductID, SizeID: it.SizeID, ColorID: it.ColorID, BranchID: input.ToBranchID}
		f.received[ref] += it.Quantity
	}
	if f.onReceive != nil {
		f.onReceive()
	}
	return stock.Movement{Reference: input.Reference, ToBranchID: input.ToBranchID}, nil
}

func (f *fakeStock) MovementExists(_ context.Context, reference string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[reference], nil
}

type fakeCodes struct{ n int }

func (f *fakeCodes) Generate(context.Context, int64, int64, int64) (string, error) {
	f.n++
	return fmt.Sprintf("CODE%04d", f.n), nil
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, shared.AuditLog) error { return nil }

type fixture struct {
	svc    *Service
	repo   *memoryPurchases
	ledger *ledger.Service
	chain  *memoryChain
	stock  *fakeStock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemoryPurchases()
	chain := newMemoryChain()
	ledgerSvc := ledger.NewService(chain, nil, nopAudit{}, slog.Default(), ledger.ServiceConfig{})
	st := newFakeStock()
	svc := NewService(repo, ledgerSvc, st, &fakeCodes{}, nil, nopAudit{}, slog.Default(), ServiceConfig{})
	return &fixture{svc: svc, repo: repo, ledger: ledgerSvc, chain: chain, stock: st}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testItems() []LineItem {
	return []LineItem{
		{ProductID: 10, SizeID: 1, ColorID: 2, Quantity: 6, UnitCost: dec("100")},
		{ProductID: 11, SizeID: 1, ColorID: 3, Quantity: 4, UnitCost: dec("100")},
	}
}

func TestCreateDebitsProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, CreateInput{ProviderID: 1, DestinationBranchID: 5, Items: testItems()})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, p.Status)
	require.True(t, p.Total.Equal(dec("1000")))

	balance, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("1000")))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{ProviderID: 1, DestinationBranchID: 5})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Create(ctx, CreateInput{ProviderID: 1, DestinationBranchID: 5, Items: []LineItem{{ProductID: 1, SizeID: 1, ColorID: 1, Quantity: 0}}})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Create(ctx, CreateInput{DestinationBranchID: 5, Items: testItems()})
	require.ErrorIs(t, err, ErrValidation)
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, CreateInput{ProviderID: 1, DestinationBranchID: 5, Items: testItems()})
	require.NoError(t, err)

	// Receiving a draft is out of order.
	err = f.svc.Receive(ctx, p.ID, 0)
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, f.svc.Submit(ctx, p.ID, 0))
	err = f.svc.Submit(ctx, p.ID, 0)
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, f.svc.Receive(ctx, p.ID, 0))
	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, got.Status)
	require.NotNil(t, got.DeliveryDate)

	// Received purchases can no longer be cancelled.
	err = f.svc.Cancel(ctx, p.ID, 0)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestReceiveCreditsStockOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, CreateInput{ProviderID: 1, DestinationBranchID: 5, Items: testItems()})
	require.NoError(t, err)
	require.NoError(t, f.svc.Submit(ctx, p.ID, 0))
	require.NoError(t, f.svc.Receive(ctx, p.ID, 0))

	ref := stock.VariantRef{ProductID: 10, SizeID: 1, ColorID: 2, BranchID: 5}
	require.Equal(t, int64(6), f.stock.received[ref])

	err = f.svc.Receive(ctx, p.ID, 0)
	require.ErrorIs(t, err, ErrAlreadyReceived)
	require.Equal(t, int64(6), f.stock.received[ref], "repeat receive must not credit again")
}

func TestReceiveRetryAfterStatusFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, CreateInput{ProviderID: 1, DestinationBranchID: 5, Items: testItems()})
	require.NoError(t, err)
	require.NoError(t, f.svc.Submit(ctx, p.ID, 0))

	// Simulate a crash between crediting stock and flipping the status: the
	// reference is burned but the purchase is still pending.
	_, err = f.stock.Receive(ctx, stock.TransferInput{
		Reference:  fmt.Sprintf("purchase:%d", p.ID),
		ToBranchID: 5,
		Items:      []stock.TransferItem{{ProductID: 10, SizeID: 1, ColorID: 2, Quantity: 6}, {ProductID: 11, SizeID: 1, ColorID: 3, Quantity: 4}},
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Receive(ctx, p.ID, 0))
	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, got.Status)

	ref := stock.VariantRef{ProductID: 10, SizeID: 1, ColorID: 2, BranchID: 5}
	require.Equal(t, int64(6), f.stock.received[ref], "stock credited exactly once across the retry")
}

func TestCancelPostsOffsettingCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, CreateInput{ProviderID: 2, DestinationBranchID: 5, Items: testItems()})
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, p.ID, 0))

	balance, err := f.ledger.Balance(ctx, 2)
	require.NoError(t, err)
	require.True(t, balance.IsZero())

	entries, err := f.chain.ListEntries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2, "debit stays, credit offsets it")
}

func TestCancelRefusedAfterInterruptedReceive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, CreateInput{ProviderID: 4, DestinationBranchID: 5, Items: testItems()})
	require.NoError(t, err)
	require.NoError(t, f.svc.Submit(ctx, p.ID, 0))

	// Crash between crediting stock and flipping the status: goods are in the
	// branch but the purchase still reads PENDING_DELIVERY.
	_, err = f.stock.Receive(ctx, stock.TransferInput{
		Reference:  fmt.Sprintf("purchase:%d", p.ID),
		ToBranchID: 5,
		Items:      []stock.TransferItem{{ProductID: 10, SizeID: 1, ColorID: 2, Quantity: 6}, {ProductID: 11, SizeID: 1, ColorID: 3, Quantity: 4}},
	})
	require.NoError(t, err)

	err = f.svc.Cancel(ctx, p.ID, 0)
	require.ErrorIs(t, err, ErrInvalidState, "cancel must not strand goods already credited")

	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPendingDelivery, got.Status)

	balance, err := f.ledger.Balance(ctx, 4)
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("1000")), "no offsetting credit while the goods stay in stock")

	// The retry path stays open and finishes the receive.
	require.NoError(t, f.svc.Receive(ctx, p.ID, 0))
	got, err = f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, got.Status)

	total := int64(0)
	for _, qty := range f.stock.received {
		total += qty
	}
	require.Equal(t, int64(10), total, "stock credited exactly once")
}

func TestReceiveReportsConcurrentCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, CreateInput{ProviderID: 1, DestinationBranchID: 5, Items: testItems()})
	require.NoError(t, err)
	require.NoError(t, f.svc.Submit(ctx, p.ID, 0))

	// A cancel lands between the stock credit and the status flip.
	f.stock.onReceive = func() {
		f.repo.mu.Lock()
		f.repo.purchases[p.ID].Status = StatusCancelled
		f.repo.mu.Unlock()
	}

	err = f.svc.Receive(ctx, p.ID, 0)
	require.ErrorIs(t, err, ErrInvalidState)
	require.NotErrorIs(t, err, ErrAlreadyReceived, "a cancelled purchase is not a repeat receive")
}

func TestPaymentCreditsProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, CreateInput{ProviderID: 3, DestinationBranchID: 5, Items: testItems()})
	require.NoError(t, err)

	payment, err := f.svc.RegisterPayment(ctx, p.ID, dec("400"), "transfer", "", 0)
	require.NoError(t, err)
	require.NotZero(t, payment.ID)

	balance, err := f.ledger.Balance(ctx, 3)
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("600")))

	_, err = f.svc.RegisterPayment(ctx, p.ID, dec("0"), "transfer", "", 0)
	require.ErrorIs(t, err, ErrValidation)
}

func TestAccountPaymentWithoutPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{ProviderID: 6, DestinationBranchID: 5, Items: testItems()})
	require.NoError(t, err)

	payment, err := f.svc.RegisterAccountPayment(ctx, 6, dec("250"), "cash", "a cuenta", 0)
	require.NoError(t, err)
	require.NotZero(t, payment.ID)
	require.Zero(t, payment.PurchaseID)
	require.EqualValues(t, 6, payment.ProviderID)

	balance, err := f.ledger.Balance(ctx, 6)
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("750")))

	_, err = f.svc.RegisterAccountPayment(ctx, 0, dec("10"), "cash", "", 0)
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.RegisterAccountPayment(ctx, 6, dec("0"), "cash", "", 0)
	require.ErrorIs(t, err, ErrValidation)
	require.Len(t, f.repo.accountPayments, 1)
}

func TestProviderAccountScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Order 10 units at 100 from provider 1 into branch 5, pay 400, receive.
	p, err := f.svc.Create(ctx, CreateInput{ProviderID: 1, DestinationBranchID: 5, Items: testItems()})
	require.NoError(t, err)

	balance, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("1000")))

	_, err = f.svc.RegisterPayment(ctx, p.ID, dec("400"), "cash", "", 0)
	require.NoError(t, err)
	balance, err = f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("600")))

	require.NoError(t, f.svc.Submit(ctx, p.ID, 0))
	require.NoError(t, f.svc.Receive(ctx, p.ID, 0))

	total := int64(0)
	for ref, qty := range f.stock.received {
		require.Equal(t, int64(5), ref.BranchID)
		total += qty
	}
	require.Equal(t, int64(10), total)

	err = f.svc.Receive(ctx, p.ID, 0)
	require.ErrorIs(t, err, ErrAlreadyReceived)

	result, err := f.ledger.Validate(ctx, 1)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.True(t, result.Expected.Equal(dec("600")))
}

func TestGenerateBarcodesFillsMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	items := testItems()
	items[0].Barcode = "EXISTING"
	p, err := f.svc.Create(ctx, CreateInput{ProviderID: 1, DestinationBranchID: 5, Items: items})
	require.NoError(t, err)

	got, err := f.svc.GenerateBarcodes(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "EXISTING", got[0].Barcode)
	require.NotEmpty(t, got[1].Barcode)
	require.NotEqual(t, "EXISTING", got[1].Barcode)
}

func TestPendingShipments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p1, err := f.svc.Create(ctx, CreateInput{ProviderID: 1, DestinationBranchID: 5, Items: testItems()})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, CreateInput{ProviderID: 1, DestinationBranchID: 5, Items: testItems()})
	require.NoError(t, err)
	require.NoError(t, f.svc.Submit(ctx, p1.ID, 0))

	pending, err := f.svc.PendingShipments(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, p1.ID, pending[0].ID)

	pending, err = f.svc.PendingShipments(ctx, 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pending, err = f.svc.PendingShipments(ctx, 9)
	require.NoError(t, err)
	require.Empty(t, pending)
}
