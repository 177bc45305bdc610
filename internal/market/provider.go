// Package market provides current quotes for holding symbols.
package market

import "context"

// Quote is the current market data for one symbol.
type Quote struct {
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
}

// Provider fetches quotes for a set of symbols. Implementations must return
// an entry per known symbol; unknown symbols are simply absent from the map.
type Provider interface {
	FetchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
}
