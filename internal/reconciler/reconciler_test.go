package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/foliosync/internal/domain"
	"github.com/aristath/foliosync/internal/gateway"
)

// streamGateway serves canned collections and hands out controllable
// subscriptions.
type streamGateway struct {
	mu       sync.Mutex
	holdings []domain.Holding
	txs      []domain.Transaction
	channels map[string]chan gateway.ChangeEvent
}

func newStreamGateway() *streamGateway {
	return &streamGateway{channels: make(map[string]chan gateway.ChangeEvent)}
}

func (g *streamGateway) setHoldings(holdings []domain.Holding) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holdings = holdings
}

func (g *streamGateway) push(table string, ev gateway.ChangeEvent) {
	g.mu.Lock()
	ch := g.channels[table]
	g.mu.Unlock()
	ch <- ev
}

func (g *streamGateway) CreatePortfolio(ctx context.Context, p domain.Portfolio) (domain.Portfolio, error) {
	return p, nil
}

func (g *streamGateway) GetPortfolio(ctx context.Context, ownerID string) (domain.Portfolio, error) {
	return domain.Portfolio{}, domain.ErrNotFound
}

func (g *streamGateway) ListHoldings(ctx context.Context, portfolioID string) ([]domain.Holding, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Holding, len(g.holdings))
	copy(out, g.holdings)
	return out, nil
}

func (g *streamGateway) InsertHolding(ctx context.Context, h domain.Holding) (domain.Holding, error) {
	return h, nil
}

func (g *streamGateway) UpdateHolding(ctx context.Context, h domain.Holding) (domain.Holding, error) {
	return h, nil
}

func (g *streamGateway) DeleteHolding(ctx context.Context, portfolioID, holdingID string) error {
	return nil
}

func (g *streamGateway) ListTransactions(ctx context.Context, portfolioID string) ([]domain.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Transaction, len(g.txs))
	copy(out, g.txs)
	return out, nil
}

func (g *streamGateway) InsertTransaction(ctx context.Context, t domain.Transaction) (domain.Transaction, error) {
	return t, nil
}

func (g *streamGateway) Subscribe(ctx context.Context, table, portfolioID string) (*gateway.Subscription, error) {
	ch := make(chan gateway.ChangeEvent, 16)
	g.mu.Lock()
	g.channels[table] = ch
	g.mu.Unlock()
	var once sync.Once
	return gateway.NewSubscription(ch, func() { once.Do(func() { close(ch) }) }), nil
}

func (g *streamGateway) Ping(ctx context.Context) error { return nil }

// recordingSink records what the reconciler delivers.
type recordingSink struct {
	mu           sync.Mutex
	holdingCalls int
	txCalls      int
	staleCalls   int
	lastHoldings []domain.Holding
}

func (s *recordingSink) ReconcileHoldings(ctx context.Context, portfolioID string, holdings []domain.Holding) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdingCalls++
	s.lastHoldings = holdings
	return true
}

func (s *recordingSink) ReconcileTransactions(ctx context.Context, portfolioID string, transactions []domain.Transaction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCalls++
	return true
}

func (s *recordingSink) MetricsStale(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleCalls++
}

func (s *recordingSink) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdingCalls, s.txCalls, s.staleCalls
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHoldingEventTriggersReReadAndRecompute(t *testing.T) {
	gw := newStreamGateway()
	gw.setHoldings([]domain.Holding{
		{ID: "h-1", PortfolioID: "p-1", Symbol: "AAPL", Shares: 10, CurrentPrice: 180},
	})
	sink := &recordingSink{}
	r := New(gw, sink, zerolog.Nop())
	t.Cleanup(r.Close)

	require.NoError(t, r.SetPortfolio(context.Background(), "p-1"))

	gw.setHoldings([]domain.Holding{
		{ID: "h-1", PortfolioID: "p-1", Symbol: "AAPL", Shares: 15, CurrentPrice: 180},
	})
	gw.push(gateway.TableHoldings, gateway.ChangeEvent{Type: gateway.EventUpdate, Table: gateway.TableHoldings})

	waitFor(t, func() bool { h, _, s := sink.counts(); return h == 1 && s == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.lastHoldings, 1)
	assert.Equal(t, "AAPL", sink.lastHoldings[0].Symbol)
}

func TestUnchangedPositionsSkipRecompute(t *testing.T) {
	gw := newStreamGateway()
	gw.setHoldings([]domain.Holding{
		{ID: "h-1", PortfolioID: "p-1", Symbol: "AAPL", Shares: 10, CurrentPrice: 180},
	})
	sink := &recordingSink{}
	r := New(gw, sink, zerolog.Nop())
	t.Cleanup(r.Close)

	require.NoError(t, r.SetPortfolio(context.Background(), "p-1"))

	// The fingerprint is seeded at subscribe time, so events over identical
	// positions never recompute, including the first one.
	gw.push(gateway.TableHoldings, gateway.ChangeEvent{Type: gateway.EventUpdate})
	waitFor(t, func() bool { h, _, _ := sink.counts(); return h == 1 })
	gw.push(gateway.TableHoldings, gateway.ChangeEvent{Type: gateway.EventUpdate})
	waitFor(t, func() bool { h, _, _ := sink.counts(); return h == 2 })

	_, _, stale := sink.counts()
	assert.Zero(t, stale, "identical fingerprint must not trigger a recompute")
}

func TestChangedSharesTriggerRecompute(t *testing.T) {
	gw := newStreamGateway()
	gw.setHoldings([]domain.Holding{
		{ID: "h-1", PortfolioID: "p-1", Symbol: "AAPL", Shares: 10, CurrentPrice: 180},
	})
	sink := &recordingSink{}
	r := New(gw, sink, zerolog.Nop())
	t.Cleanup(r.Close)

	require.NoError(t, r.SetPortfolio(context.Background(), "p-1"))

	gw.setHoldings([]domain.Holding{
		{ID: "h-1", PortfolioID: "p-1", Symbol: "AAPL", Shares: 15, CurrentPrice: 180},
	})
	gw.push(gateway.TableHoldings, gateway.ChangeEvent{Type: gateway.EventUpdate})
	waitFor(t, func() bool { _, _, s := sink.counts(); return s == 1 })

	// A second event over the now-unchanged positions is absorbed.
	gw.push(gateway.TableHoldings, gateway.ChangeEvent{Type: gateway.EventUpdate})
	waitFor(t, func() bool { h, _, _ := sink.counts(); return h == 2 })
	_, _, stale := sink.counts()
	assert.Equal(t, 1, stale)
}

func TestTransactionEventsReconcileWithoutRecompute(t *testing.T) {
	gw := newStreamGateway()
	sink := &recordingSink{}
	r := New(gw, sink, zerolog.Nop())
	t.Cleanup(r.Close)

	require.NoError(t, r.SetPortfolio(context.Background(), "p-1"))

	gw.push(gateway.TableTransactions, gateway.ChangeEvent{Type: gateway.EventInsert})
	waitFor(t, func() bool { _, tx, _ := sink.counts(); return tx == 1 })

	_, _, stale := sink.counts()
	assert.Zero(t, stale, "transaction history does not affect position metrics")
}

func TestSetPortfolioCancelsPreviousSubscriptions(t *testing.T) {
	gw := newStreamGateway()
	sink := &recordingSink{}
	r := New(gw, sink, zerolog.Nop())
	t.Cleanup(r.Close)

	require.NoError(t, r.SetPortfolio(context.Background(), "p-1"))
	gw.mu.Lock()
	firstChan := gw.channels[gateway.TableHoldings]
	gw.mu.Unlock()

	require.NoError(t, r.SetPortfolio(context.Background(), "p-2"))

	// The first channel was closed by cancellation.
	waitFor(t, func() bool {
		select {
		case _, open := <-firstChan:
			return !open
		default:
			return false
		}
	})

	gw.push(gateway.TableHoldings, gateway.ChangeEvent{Type: gateway.EventInsert})
	waitFor(t, func() bool { h, _, _ := sink.counts(); return h == 1 })
}
