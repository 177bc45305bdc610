package syncer

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/foliosync/internal/cache"
	"github.com/aristath/foliosync/internal/domain"
	"github.com/aristath/foliosync/internal/events"
	"github.com/aristath/foliosync/internal/gateway"
	"github.com/aristath/foliosync/internal/market"
	"github.com/aristath/foliosync/internal/notify"
	"github.com/aristath/foliosync/internal/pending"
)

// fakeGateway is an in-memory backend whose failure mode can be switched
// per test.
type fakeGateway struct {
	mu         sync.Mutex
	portfolios map[string]domain.Portfolio // by owner ID
	holdings   map[string]domain.Holding   // by holding ID
	txs        []domain.Transaction

	// failWith applies to every call while set.
	failWith error
	// insertCalls counts InsertHolding attempts (replay idempotency checks).
	insertCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		portfolios: make(map[string]domain.Portfolio),
		holdings:   make(map[string]domain.Holding),
	}
}

func netErr() error {
	return domain.NewClassifiedError(domain.KindNetwork, "test", errors.New("connection refused"))
}

func (f *fakeGateway) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func (f *fakeGateway) CreatePortfolio(ctx context.Context, p domain.Portfolio) (domain.Portfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.Portfolio{}, f.failWith
	}
	if p.ID == "" {
		p.ID = "p-" + p.OwnerID
	}
	f.portfolios[p.OwnerID] = p
	return p, nil
}

func (f *fakeGateway) GetPortfolio(ctx context.Context, ownerID string) (domain.Portfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.Portfolio{}, f.failWith
	}
	p, ok := f.portfolios[ownerID]
	if !ok {
		return domain.Portfolio{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeGateway) ListHoldings(ctx context.Context, portfolioID string) ([]domain.Holding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []domain.Holding
	for _, h := range f.holdings {
		if h.PortfolioID == portfolioID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeGateway) InsertHolding(ctx context.Context, h domain.Holding) (domain.Holding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if f.failWith != nil {
		return domain.Holding{}, f.failWith
	}
	f.holdings[h.ID] = h
	return h, nil
}

func (f *fakeGateway) UpdateHolding(ctx context.Context, h domain.Holding) (domain.Holding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.Holding{}, f.failWith
	}
	if _, ok := f.holdings[h.ID]; !ok {
		return domain.Holding{}, domain.NewClassifiedError(domain.KindConflict, "update", errors.New("row gone"))
	}
	f.holdings[h.ID] = h
	return h, nil
}

func (f *fakeGateway) DeleteHolding(ctx context.Context, portfolioID, holdingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if _, ok := f.holdings[holdingID]; !ok {
		return domain.NewClassifiedError(domain.KindConflict, "delete", errors.New("row gone"))
	}
	delete(f.holdings, holdingID)
	return nil
}

func (f *fakeGateway) ListTransactions(ctx context.Context, portfolioID string) ([]domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	out := make([]domain.Transaction, len(f.txs))
	copy(out, f.txs)
	return out, nil
}

func (f *fakeGateway) InsertTransaction(ctx context.Context, t domain.Transaction) (domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.Transaction{}, f.failWith
	}
	f.txs = append(f.txs, t)
	return t, nil
}

func (f *fakeGateway) Subscribe(ctx context.Context, table, portfolioID string) (*gateway.Subscription, error) {
	ch := make(chan gateway.ChangeEvent)
	return gateway.NewSubscription(ch, func() { close(ch) }), nil
}

func (f *fakeGateway) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failWith
}

type fakeProvider struct {
	quotes map[string]market.Quote
	calls  int
}

func (p *fakeProvider) FetchQuotes(ctx context.Context, symbols []string) (map[string]market.Quote, error) {
	p.calls++
	out := make(map[string]market.Quote)
	for _, sym := range symbols {
		if q, ok := p.quotes[sym]; ok {
			out[sym] = q
		}
	}
	return out, nil
}

type harness struct {
	svc      *Service
	gw       *fakeGateway
	store    *cache.Store
	queue    *pending.Queue
	provider *fakeProvider
	notifier *notify.BusNotifier
	bus      *events.Bus
}

func setup(t *testing.T) *harness {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := cache.NewStore(db, zerolog.Nop())
	require.NoError(t, err)

	queue := pending.NewQueue(store, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	notifier := notify.NewBusNotifier(bus, zerolog.Nop())
	gw := newFakeGateway()
	provider := &fakeProvider{quotes: map[string]market.Quote{}}

	return &harness{
		svc:      New(gw, store, queue, provider, notifier, bus, zerolog.Nop()),
		gw:       gw,
		store:    store,
		queue:    queue,
		provider: provider,
		notifier: notifier,
		bus:      bus,
	}
}

func (h *harness) load(t *testing.T) {
	require.NoError(t, h.svc.Load(context.Background(), "owner-1"))
	require.Equal(t, StateLoaded, h.svc.State())
}

func TestLoadCreatesPortfolioWhenMissing(t *testing.T) {
	h := setup(t)

	h.load(t)

	snap := h.svc.Snapshot()
	require.NotNil(t, snap.Portfolio)
	assert.Equal(t, "owner-1", snap.Portfolio.OwnerID)
	assert.Empty(t, snap.Holdings)

	// The snapshot was written through to the cache.
	cached, ok := h.store.Get("owner-1")
	require.True(t, ok)
	assert.Equal(t, snap.Portfolio.ID, cached.Portfolio.ID)
}

func TestLoadFallsBackToCacheWhenOffline(t *testing.T) {
	// First session: online load seeds the cache.
	h := setup(t)
	h.load(t)
	_, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	// Second session over the same store, remote unreachable.
	h.gw.setFailure(netErr())
	require.NoError(t, h.svc.Load(context.Background(), "owner-1"))

	assert.Equal(t, StateOfflineCached, h.svc.State())
	assert.True(t, h.svc.Offline())
	assert.True(t, h.notifier.Active("offline-mode"))

	snap := h.svc.Snapshot()
	require.Len(t, snap.Holdings, 1)
	assert.Equal(t, "AAPL", snap.Holdings[0].Symbol)
}

func TestLoadErrorWithoutCache(t *testing.T) {
	h := setup(t)
	h.gw.setFailure(netErr())

	err := h.svc.Load(context.Background(), "owner-1")

	require.Error(t, err)
	assert.Equal(t, StateError, h.svc.State())
	assert.False(t, h.svc.Offline(), "error state is not the offline sub-state")
	assert.True(t, h.svc.NeedsReconnect(), "a failed load still wants the connectivity probe")
}

func TestLoadAuthFailureDoesNotUseCache(t *testing.T) {
	h := setup(t)
	h.load(t)

	h.gw.setFailure(domain.NewClassifiedError(domain.KindAuth, "test", errors.New("401")))
	err := h.svc.Load(context.Background(), "owner-1")

	require.Error(t, err)
	assert.Equal(t, StateError, h.svc.State(), "auth failures are fatal, cached data is not an answer")
	assert.True(t, h.notifier.Active("auth-required"))
}

func TestAddHoldingConfirmedOnline(t *testing.T) {
	h := setup(t)
	h.load(t)

	got, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})

	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Sync.Queued())
	assert.Equal(t, 0, h.queue.Len())

	// A buy transaction was recorded.
	snap := h.svc.Snapshot()
	require.Len(t, snap.Transactions, 1)
	assert.Equal(t, domain.TransactionBuy, snap.Transactions[0].Type)
}

func TestAddHoldingQueuedWhileOffline(t *testing.T) {
	h := setup(t)
	h.load(t)
	h.gw.setFailure(netErr())

	got, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})

	require.NoError(t, err, "transient failure must not surface to the caller")
	assert.True(t, got.Sync.Queued(), "holding stays visible, flagged optimistic")
	assert.True(t, h.svc.Offline())

	ops := h.queue.List()
	require.Len(t, ops, 1)
	assert.Equal(t, domain.OpCreateHolding, ops[0].Type)
	assert.Equal(t, got.Sync.PendingOpID, ops[0].ID, "flag points at its queued operation")

	snap := h.svc.Snapshot()
	require.Len(t, snap.Holdings, 1)
	assert.Equal(t, "AAPL", snap.Holdings[0].Symbol)
}

func TestAddHoldingValidationRollsBack(t *testing.T) {
	h := setup(t)
	h.load(t)
	h.gw.setFailure(domain.NewClassifiedError(domain.KindValidation, "insert", errors.New("bad symbol")))

	_, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "???", Shares: 1})

	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Empty(t, h.svc.Snapshot().Holdings, "optimistic row rolled back")
	assert.Equal(t, 0, h.queue.Len(), "rejected mutations are never queued")
}

func TestUpdateHoldingQueuedWhileOffline(t *testing.T) {
	h := setup(t)
	h.load(t)
	created, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	h.gw.setFailure(netErr())
	created.Shares = 20
	got, err := h.svc.UpdateHolding(context.Background(), created)

	require.NoError(t, err)
	assert.True(t, got.Sync.Queued())
	assert.Equal(t, 20.0, got.Shares)
	require.Equal(t, 1, h.queue.Len())
	assert.Equal(t, domain.OpUpdateHolding, h.queue.List()[0].Type)
}

func TestRemoveHoldingRestoredOnValidationFailure(t *testing.T) {
	h := setup(t)
	h.load(t)
	created, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	h.gw.setFailure(domain.NewClassifiedError(domain.KindValidation, "delete", errors.New("nope")))
	err = h.svc.RemoveHolding(context.Background(), created.ID)

	require.Error(t, err)
	assert.Len(t, h.svc.Snapshot().Holdings, 1, "holding restored after rejected delete")
}

func TestDrainReplaysQueueInOrder(t *testing.T) {
	h := setup(t)
	h.load(t)
	h.gw.setFailure(netErr())

	created, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)
	created.Shares = 25
	_, err = h.svc.UpdateHolding(context.Background(), created)
	require.NoError(t, err)
	require.Equal(t, 2, h.queue.Len())

	// Connectivity returns.
	h.gw.setFailure(nil)
	h.svc.Drain(context.Background())

	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, StateLoaded, h.svc.State())
	assert.False(t, h.svc.Offline())
	assert.False(t, h.notifier.Active("offline-mode"), "offline notice cleared after an empty drain")

	snap := h.svc.Snapshot()
	require.Len(t, snap.Holdings, 1)
	assert.Equal(t, 25.0, snap.Holdings[0].Shares, "replay applied create then update in order")
	assert.False(t, snap.Holdings[0].Sync.Queued())
}

func TestDrainKeepsOpsWhileStillOffline(t *testing.T) {
	h := setup(t)
	h.load(t)
	h.gw.setFailure(netErr())

	_, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	h.svc.Drain(context.Background())

	assert.Equal(t, 1, h.queue.Len(), "transient failures keep the op queued")
	assert.True(t, h.svc.Offline())
}

func TestDrainDropsConflictedOps(t *testing.T) {
	h := setup(t)
	h.load(t)
	created, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	// Queue an update offline, then the row vanishes remotely.
	h.gw.setFailure(netErr())
	created.Shares = 99
	_, err = h.svc.UpdateHolding(context.Background(), created)
	require.NoError(t, err)

	h.gw.setFailure(nil)
	h.gw.mu.Lock()
	delete(h.gw.holdings, created.ID)
	h.gw.mu.Unlock()

	h.svc.Drain(context.Background())

	assert.Equal(t, 0, h.queue.Len(), "conflicted op dropped, server copy wins")
	assert.Empty(t, h.svc.Snapshot().Holdings, "resync removed the vanished row")
}

func TestOfflineUpdateThenDeleteReplayedInOrder(t *testing.T) {
	h := setup(t)
	h.load(t)
	created, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	h.gw.setFailure(netErr())
	created.Shares = 25
	_, err = h.svc.UpdateHolding(context.Background(), created)
	require.NoError(t, err)
	require.NoError(t, h.svc.RemoveHolding(context.Background(), created.ID))
	require.Equal(t, 2, h.queue.Len())

	h.gw.setFailure(nil)
	h.svc.Drain(context.Background())

	assert.Equal(t, 0, h.queue.Len())
	assert.Empty(t, h.svc.Snapshot().Holdings)
	h.gw.mu.Lock()
	_, stillThere := h.gw.holdings[created.ID]
	h.gw.mu.Unlock()
	assert.False(t, stillThere, "replay applied the update, then the delete")
}

func TestDeleteCancelsQueuedCreate(t *testing.T) {
	h := setup(t)
	h.load(t)

	h.gw.setFailure(netErr())
	created, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)
	require.Equal(t, 1, h.queue.Len())

	// Connectivity returns before the create replays, then the user deletes
	// the row. The gateway reports conflict (it never saw the create), which
	// counts as a confirmed delete.
	h.gw.setFailure(nil)
	require.NoError(t, h.svc.RemoveHolding(context.Background(), created.ID))
	assert.Equal(t, 0, h.queue.Len(), "queued create cancelled by the delete")

	h.svc.Drain(context.Background())

	h.gw.mu.Lock()
	_, stillThere := h.gw.holdings[created.ID]
	h.gw.mu.Unlock()
	assert.False(t, stillThere, "deleted holding must not be re-created remotely")
	assert.Empty(t, h.svc.Snapshot().Holdings)
}

func TestRealtimeReadKeepsQueuedValue(t *testing.T) {
	h := setup(t)
	h.load(t)
	created, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	h.gw.setFailure(netErr())
	created.Shares = 20
	_, err = h.svc.UpdateHolding(context.Background(), created)
	require.NoError(t, err)

	// A realtime read still carries the pre-update server row.
	stale := created
	stale.Shares = 10
	ok := h.svc.ReconcileHoldings(context.Background(), created.PortfolioID, []domain.Holding{stale})

	require.True(t, ok)
	snap := h.svc.Snapshot()
	require.Len(t, snap.Holdings, 1)
	assert.Equal(t, 20.0, snap.Holdings[0].Shares, "optimistic value outranks the stale echo")
	assert.True(t, snap.Holdings[0].Sync.Queued())
}

func TestRealtimeReadDoesNotResurrectQueuedDelete(t *testing.T) {
	h := setup(t)
	h.load(t)
	created, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	h.gw.setFailure(netErr())
	require.NoError(t, h.svc.RemoveHolding(context.Background(), created.ID))

	// The server has not seen the delete yet, so its reads still include
	// the row.
	ok := h.svc.ReconcileHoldings(context.Background(), created.PortfolioID, []domain.Holding{created})

	require.True(t, ok)
	assert.Empty(t, h.svc.Snapshot().Holdings, "row stays gone until the delete replays")
}

func TestDrainSingleFlight(t *testing.T) {
	h := setup(t)
	h.load(t)
	h.gw.setFailure(netErr())
	_, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)
	h.gw.setFailure(nil)

	before := func() int {
		h.gw.mu.Lock()
		defer h.gw.mu.Unlock()
		return h.gw.insertCalls
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.svc.Drain(context.Background())
		}()
	}
	wg.Wait()

	h.gw.mu.Lock()
	replays := h.gw.insertCalls - before
	h.gw.mu.Unlock()
	assert.Equal(t, 1, replays, "concurrent drains collapse into one pass")
}

func TestMetricsSkippedWhileQueueNonEmpty(t *testing.T) {
	h := setup(t)
	h.provider.quotes["AAPL"] = market.Quote{Price: 180, Change: 2}
	h.load(t)
	h.gw.setFailure(netErr())

	_, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	h.svc.RecomputeMetrics(context.Background())

	snap := h.svc.Snapshot()
	assert.Zero(t, snap.Portfolio.Metrics.TotalValue, "metrics never derive from unconfirmed state")
}

func TestMetricsComputedAfterDrain(t *testing.T) {
	h := setup(t)
	h.provider.quotes["AAPL"] = market.Quote{Price: 180, Change: 2}
	h.load(t)
	h.gw.setFailure(netErr())
	_, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	h.gw.setFailure(nil)
	h.svc.Drain(context.Background())

	snap := h.svc.Snapshot()
	assert.InDelta(t, 1800.0, snap.Portfolio.Metrics.TotalValue, 1e-9)
	assert.InDelta(t, 20.0, snap.Portfolio.Metrics.DayChange, 1e-9)
}

func TestQuotesNotRefetchedForSameSymbolSet(t *testing.T) {
	h := setup(t)
	h.provider.quotes["AAPL"] = market.Quote{Price: 180}
	h.load(t)
	_, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	calls := h.provider.calls
	h.svc.RecomputeMetrics(context.Background())
	h.svc.RecomputeMetrics(context.Background())

	assert.Equal(t, calls, h.provider.calls, "unchanged symbol set reuses cached quotes")
}

func TestNoMarketCallWithZeroHoldings(t *testing.T) {
	h := setup(t)
	h.load(t)

	h.svc.RecomputeMetrics(context.Background())

	assert.Zero(t, h.provider.calls)
}

func TestLoadGenerationDiscardsStaleSession(t *testing.T) {
	h := setup(t)
	h.load(t)
	_, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	// Switching owners abandons the previous session's snapshot.
	require.NoError(t, h.svc.Load(context.Background(), "owner-2"))

	snap := h.svc.Snapshot()
	assert.Equal(t, "owner-2", snap.Portfolio.OwnerID)
	assert.Empty(t, snap.Holdings)
}

func TestQueueSurvivesRestart(t *testing.T) {
	h := setup(t)
	h.load(t)
	h.gw.setFailure(netErr())
	_, err := h.svc.AddHolding(context.Background(), domain.Holding{Symbol: "AAPL", Shares: 10, CostBasis: 150})
	require.NoError(t, err)

	// A new queue over the same store simulates a process restart.
	restored := pending.NewQueue(h.store, zerolog.Nop())
	require.Equal(t, 1, restored.Len())
	assert.Equal(t, domain.OpCreateHolding, restored.List()[0].Type)
}
