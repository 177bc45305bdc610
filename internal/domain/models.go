// Package domain contains the core data model for the sync engine.
// Domain types are pure: no infrastructure dependencies, no I/O.
package domain

import "time"

// Portfolio is a user's top-level collection of holdings and transactions.
// Each owner has exactly one portfolio (lookup-or-create on first load).
// The Metrics blob is derived state: recomputed, never hand-edited.
type Portfolio struct {
	ID          string    `json:"id" msgpack:"id"`
	OwnerID     string    `json:"owner_id" msgpack:"owner_id"`
	Name        string    `json:"name" msgpack:"name"`
	Description string    `json:"description,omitempty" msgpack:"description"`
	Metrics     Metrics   `json:"metrics" msgpack:"metrics"`
	CreatedAt   time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" msgpack:"updated_at"`
}

// Holding is a single position within a portfolio.
// Removed holdings are deleted outright, never soft-marked.
type Holding struct {
	ID           string    `json:"id" msgpack:"id"`
	PortfolioID  string    `json:"portfolio_id" msgpack:"portfolio_id"`
	Symbol       string    `json:"symbol" msgpack:"symbol"`
	Name         string    `json:"name,omitempty" msgpack:"name"`
	Shares       float64   `json:"shares" msgpack:"shares"`
	CostBasis    float64   `json:"cost_basis" msgpack:"cost_basis"`
	CurrentPrice float64   `json:"current_price" msgpack:"current_price"`
	Sector       string    `json:"sector,omitempty" msgpack:"sector"`
	AssetType    string    `json:"asset_type,omitempty" msgpack:"asset_type"`
	CreatedAt    time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" msgpack:"updated_at"`

	// Sync distinguishes server-confirmed rows from locally-optimistic ones.
	Sync SyncState `json:"sync" msgpack:"sync"`
}

// MarketValue returns the current market value of the position.
func (h Holding) MarketValue() float64 {
	return h.Shares * h.CurrentPrice
}

// TotalCost returns the total acquisition cost of the position.
func (h Holding) TotalCost() float64 {
	return h.Shares * h.CostBasis
}

// TransactionType identifies the side of a transaction.
type TransactionType string

const (
	TransactionBuy  TransactionType = "buy"
	TransactionSell TransactionType = "sell"
)

// Transaction is an immutable record of a buy/sell event.
// Transactions are append-only: inserted once, never updated.
type Transaction struct {
	ID          string          `json:"id" msgpack:"id"`
	PortfolioID string          `json:"portfolio_id" msgpack:"portfolio_id"`
	Symbol      string          `json:"symbol" msgpack:"symbol"`
	Type        TransactionType `json:"type" msgpack:"type"`
	Shares      float64         `json:"shares" msgpack:"shares"`
	Price       float64         `json:"price" msgpack:"price"`
	Total       float64         `json:"total" msgpack:"total"`
	ExecutedAt  time.Time       `json:"executed_at" msgpack:"executed_at"`
}

// Metrics holds the derived performance and diversification numbers for a
// portfolio. Computed by the metrics engine, never edited directly.
type Metrics struct {
	TotalValue              float64            `json:"total_value" msgpack:"total_value"`
	TotalGainLoss           float64            `json:"total_gain_loss" msgpack:"total_gain_loss"`
	TotalGainLossPercentage float64            `json:"total_gain_loss_percentage" msgpack:"total_gain_loss_percentage"`
	DayChange               float64            `json:"day_change" msgpack:"day_change"`
	SectorAllocation        map[string]float64 `json:"sector_allocation" msgpack:"sector_allocation"`
	AssetTypeAllocation     map[string]float64 `json:"asset_type_allocation" msgpack:"asset_type_allocation"`
	DiversificationScore    float64            `json:"diversification_score" msgpack:"diversification_score"`
	SharpeRatio             float64            `json:"sharpe_ratio" msgpack:"sharpe_ratio"`
	Volatility              float64            `json:"volatility" msgpack:"volatility"`
}

// CacheSnapshot is the last-known-good serialized state for one owner.
// Overwritten wholesale on every successful remote read; the realtime
// reconciler is the only writer that patches individual collections.
type CacheSnapshot struct {
	Portfolio    *Portfolio    `json:"portfolio" msgpack:"portfolio"`
	Holdings     []Holding     `json:"holdings" msgpack:"holdings"`
	Transactions []Transaction `json:"transactions" msgpack:"transactions"`
	SavedAt      time.Time     `json:"saved_at" msgpack:"saved_at"`
}

// Clone returns a deep copy of the snapshot so callers cannot mutate the
// synchronizer's working state through shared slices or maps.
func (s CacheSnapshot) Clone() CacheSnapshot {
	out := CacheSnapshot{SavedAt: s.SavedAt}
	if s.Portfolio != nil {
		p := *s.Portfolio
		p.Metrics = p.Metrics.clone()
		out.Portfolio = &p
	}
	if s.Holdings != nil {
		out.Holdings = make([]Holding, len(s.Holdings))
		copy(out.Holdings, s.Holdings)
	}
	if s.Transactions != nil {
		out.Transactions = make([]Transaction, len(s.Transactions))
		copy(out.Transactions, s.Transactions)
	}
	return out
}

func (m Metrics) clone() Metrics {
	out := m
	if m.SectorAllocation != nil {
		out.SectorAllocation = make(map[string]float64, len(m.SectorAllocation))
		for k, v := range m.SectorAllocation {
			out.SectorAllocation[k] = v
		}
	}
	if m.AssetTypeAllocation != nil {
		out.AssetTypeAllocation = make(map[string]float64, len(m.AssetTypeAllocation))
		for k, v := range m.AssetTypeAllocation {
			out.AssetTypeAllocation[k] = v
		}
	}
	return out
}
