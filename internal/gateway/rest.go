package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/aristath/foliosync/internal/domain"
	"github.com/aristath/foliosync/pkg/logger"
)

// RESTConfig holds REST adapter configuration.
type RESTConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// RESTGateway talks to a PostgREST-style rows API. Each collection is a
// resource filtered with `column=eq.value` query parameters; mutations ask
// for the canonical row back with `Prefer: return=representation`.
type RESTGateway struct {
	client *resty.Client
	stream *StreamClient // optional; serves Subscribe
	log    zerolog.Logger
}

var _ Gateway = (*RESTGateway)(nil)

// NewRESTGateway creates the REST adapter.
func NewRESTGateway(cfg RESTConfig, log zerolog.Logger, stream *StreamClient) *RESTGateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("apikey", cfg.APIKey)
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &RESTGateway{
		client: client,
		stream: stream,
		log:    logger.Component(log, "rest_gateway"),
	}
}

// CreatePortfolio inserts a portfolio row and returns the canonical row.
func (g *RESTGateway) CreatePortfolio(ctx context.Context, p domain.Portfolio) (domain.Portfolio, error) {
	const op = "create_portfolio"

	var rows []domain.Portfolio
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody(p).
		SetResult(&rows).
		Post("/portfolios")
	if err != nil {
		return domain.Portfolio{}, classified(classifyTransport(err), op, err)
	}
	if resp.IsError() {
		return domain.Portfolio{}, statusError(op, resp.StatusCode(), resp.Body())
	}
	if len(rows) == 0 {
		return domain.Portfolio{}, classified(domain.KindUnknown, op, fmt.Errorf("empty representation"))
	}

	return rows[0], nil
}

// GetPortfolio looks up the single portfolio owned by ownerID.
// Returns domain.ErrNotFound when the owner has no portfolio yet.
func (g *RESTGateway) GetPortfolio(ctx context.Context, ownerID string) (domain.Portfolio, error) {
	const op = "get_portfolio"

	var rows []domain.Portfolio
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("owner_id", "eq."+ownerID).
		SetResult(&rows).
		Get("/portfolios")
	if err != nil {
		return domain.Portfolio{}, classified(classifyTransport(err), op, err)
	}
	if resp.IsError() {
		return domain.Portfolio{}, statusError(op, resp.StatusCode(), resp.Body())
	}
	if len(rows) == 0 {
		return domain.Portfolio{}, domain.ErrNotFound
	}

	return rows[0], nil
}

// ListHoldings returns all holdings for one portfolio.
func (g *RESTGateway) ListHoldings(ctx context.Context, portfolioID string) ([]domain.Holding, error) {
	const op = "list_holdings"

	var rows []domain.Holding
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("portfolio_id", "eq."+portfolioID).
		SetQueryParam("order", "created_at.asc").
		SetResult(&rows).
		Get("/holdings")
	if err != nil {
		return nil, classified(classifyTransport(err), op, err)
	}
	if resp.IsError() {
		return nil, statusError(op, resp.StatusCode(), resp.Body())
	}

	return rows, nil
}

// InsertHolding creates a holding and returns the canonical row.
func (g *RESTGateway) InsertHolding(ctx context.Context, h domain.Holding) (domain.Holding, error) {
	const op = "insert_holding"

	var rows []domain.Holding
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody(h).
		SetResult(&rows).
		Post("/holdings")
	if err != nil {
		return domain.Holding{}, classified(classifyTransport(err), op, err)
	}
	if resp.IsError() {
		return domain.Holding{}, statusError(op, resp.StatusCode(), resp.Body())
	}
	if len(rows) == 0 {
		return domain.Holding{}, classified(domain.KindUnknown, op, fmt.Errorf("empty representation"))
	}

	return rows[0], nil
}

// UpdateHolding patches a holding by id and returns the canonical row.
// A 2xx response with no rows means the row no longer exists: a conflict.
func (g *RESTGateway) UpdateHolding(ctx context.Context, h domain.Holding) (domain.Holding, error) {
	const op = "update_holding"

	var rows []domain.Holding
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParam("id", "eq."+h.ID).
		SetBody(h).
		SetResult(&rows).
		Patch("/holdings")
	if err != nil {
		return domain.Holding{}, classified(classifyTransport(err), op, err)
	}
	if resp.IsError() {
		return domain.Holding{}, statusError(op, resp.StatusCode(), resp.Body())
	}
	if len(rows) == 0 {
		return domain.Holding{}, classified(domain.KindConflict, op, fmt.Errorf("holding %s no longer exists", h.ID))
	}

	return rows[0], nil
}

// DeleteHolding removes a holding. Deleting an already-deleted row is a
// conflict so queued replays can drop silently.
func (g *RESTGateway) DeleteHolding(ctx context.Context, portfolioID, holdingID string) error {
	const op = "delete_holding"

	var rows []domain.Holding
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParam("id", "eq."+holdingID).
		SetQueryParam("portfolio_id", "eq."+portfolioID).
		SetResult(&rows).
		Delete("/holdings")
	if err != nil {
		return classified(classifyTransport(err), op, err)
	}
	if resp.IsError() {
		return statusError(op, resp.StatusCode(), resp.Body())
	}
	if len(rows) == 0 {
		return classified(domain.KindConflict, op, fmt.Errorf("holding %s no longer exists", holdingID))
	}

	return nil
}

// ListTransactions returns the append-only transaction log for one portfolio.
func (g *RESTGateway) ListTransactions(ctx context.Context, portfolioID string) ([]domain.Transaction, error) {
	const op = "list_transactions"

	var rows []domain.Transaction
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("portfolio_id", "eq."+portfolioID).
		SetQueryParam("order", "executed_at.desc").
		SetResult(&rows).
		Get("/transactions")
	if err != nil {
		return nil, classified(classifyTransport(err), op, err)
	}
	if resp.IsError() {
		return nil, statusError(op, resp.StatusCode(), resp.Body())
	}

	return rows, nil
}

// InsertTransaction appends a transaction record.
func (g *RESTGateway) InsertTransaction(ctx context.Context, t domain.Transaction) (domain.Transaction, error) {
	const op = "insert_transaction"

	var rows []domain.Transaction
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody(t).
		SetResult(&rows).
		Post("/transactions")
	if err != nil {
		return domain.Transaction{}, classified(classifyTransport(err), op, err)
	}
	if resp.IsError() {
		return domain.Transaction{}, statusError(op, resp.StatusCode(), resp.Body())
	}
	if len(rows) == 0 {
		return domain.Transaction{}, classified(domain.KindUnknown, op, fmt.Errorf("empty representation"))
	}

	return rows[0], nil
}

// Subscribe opens a realtime change stream through the websocket client.
func (g *RESTGateway) Subscribe(ctx context.Context, table, portfolioID string) (*Subscription, error) {
	if g.stream == nil {
		return nil, classified(domain.KindUnknown, "subscribe", fmt.Errorf("no stream client configured"))
	}
	return g.stream.Subscribe(ctx, table, portfolioID)
}

// Ping probes gateway reachability with a cheap HEAD request.
func (g *RESTGateway) Ping(ctx context.Context) error {
	const op = "ping"

	resp, err := g.client.R().
		SetContext(ctx).
		Head("/")
	if err != nil {
		return classified(classifyTransport(err), op, err)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return statusError(op, resp.StatusCode(), nil)
	}

	return nil
}
