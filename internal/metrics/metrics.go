// Package metrics derives portfolio performance and diversification numbers.
// Compute is a pure function: no side effects, no I/O, deterministic for a
// given input.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/foliosync/internal/domain"
	"github.com/aristath/foliosync/internal/market"
)

// riskFreeRate is the annualized risk-free return used for the Sharpe ratio.
const riskFreeRate = 0.02

// Compute derives Metrics from holdings, transactions and current quotes.
// Quotes override each holding's last-known price when present. With zero
// holdings every metric is zero.
func Compute(holdings []domain.Holding, transactions []domain.Transaction, quotes map[string]market.Quote) domain.Metrics {
	m := domain.Metrics{
		SectorAllocation:    map[string]float64{},
		AssetTypeAllocation: map[string]float64{},
	}
	if len(holdings) == 0 {
		return m
	}

	values := make([]float64, len(holdings))
	returns := make([]float64, len(holdings))
	totalCost := 0.0

	for i, h := range holdings {
		price := h.CurrentPrice
		if q, ok := quotes[h.Symbol]; ok {
			price = q.Price
			m.DayChange += h.Shares * q.Change
		}

		value := h.Shares * price
		cost := h.TotalCost()

		values[i] = value
		m.TotalValue += value
		totalCost += cost

		if h.CostBasis > 0 {
			returns[i] = (price - h.CostBasis) / h.CostBasis
		}

		m.SectorAllocation[sectorOf(h)] += value
		m.AssetTypeAllocation[assetTypeOf(h)] += value
	}

	m.TotalGainLoss = m.TotalValue - totalCost
	if totalCost > 0 {
		m.TotalGainLossPercentage = m.TotalGainLoss / totalCost * 100
	}

	if m.TotalValue <= 0 {
		// Positions with no market value carry no allocation weights.
		m.SectorAllocation = map[string]float64{}
		m.AssetTypeAllocation = map[string]float64{}
		return m
	}

	toPercent(m.SectorAllocation, m.TotalValue)
	toPercent(m.AssetTypeAllocation, m.TotalValue)

	weights := make([]float64, len(values))
	hhi := 0.0
	for i, v := range values {
		w := v / m.TotalValue
		weights[i] = w
		hhi += w * w
	}

	// Herfindahl-based score: 0 for a single position, approaching 100 as
	// value spreads evenly across many positions.
	m.DiversificationScore = (1 - hhi) * 100

	m.Volatility = stat.StdDev(returns, weights) * 100
	if math.IsNaN(m.Volatility) {
		m.Volatility = 0
	}

	if m.Volatility > 0 {
		meanReturn := stat.Mean(returns, weights)
		m.SharpeRatio = (meanReturn - riskFreeRate) / (m.Volatility / 100)
	}

	return m
}

// SymbolSet returns the sorted unique symbols across holdings. The
// synchronizer compares successive sets to decide when a quotes refresh
// is needed.
func SymbolSet(holdings []domain.Holding) []string {
	seen := make(map[string]bool, len(holdings))
	var symbols []string
	for _, h := range holdings {
		if h.Symbol == "" || seen[h.Symbol] {
			continue
		}
		seen[h.Symbol] = true
		symbols = append(symbols, h.Symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func sectorOf(h domain.Holding) string {
	if h.Sector == "" {
		return "Unclassified"
	}
	return h.Sector
}

func assetTypeOf(h domain.Holding) string {
	if h.AssetType == "" {
		return "other"
	}
	return h.AssetType
}

func toPercent(allocation map[string]float64, total float64) {
	for k, v := range allocation {
		allocation[k] = v / total * 100
	}
}
