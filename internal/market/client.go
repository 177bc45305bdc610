package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/aristath/foliosync/pkg/logger"
)

// Client fetches quotes from the market data HTTP API.
type Client struct {
	client *resty.Client
	log    zerolog.Logger
}

// ClientConfig holds market data client configuration.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewClient creates a market data client.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Client{
		client: client,
		log:    logger.Component(log, "market_client"),
	}
}

// FetchQuotes returns current quotes for the given symbols.
// Symbols the provider does not know are absent from the result.
func (c *Client) FetchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}

	c.log.Debug().Strs("symbols", symbols).Msg("Fetching quotes")

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		Get("/quotes")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("quotes request failed with status %d", resp.StatusCode())
	}

	quotes := make(map[string]Quote)
	if err := json.Unmarshal(resp.Body(), &quotes); err != nil {
		return nil, fmt.Errorf("failed to decode quotes response: %w", err)
	}

	c.log.Debug().Int("count", len(quotes)).Msg("Quotes fetched")
	return quotes, nil
}
