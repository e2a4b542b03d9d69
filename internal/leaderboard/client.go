package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// PerformancePageSize is the fixed page size of the performance endpoint.
const PerformancePageSize = 9

// HistoryPageSize is the fixed page size of the position-history endpoint.
// A full page signals that more pages may follow.
const HistoryPageSize = 20

// Client talks to the upstream leaderboard REST API. Transient failures are
// retried with a linear backoff (retry_count times, retry_step apart);
// beyond that the error surfaces to the caller and only that call fails.
type Client struct {
	http *resty.Client
}

// ClientOptions configures a leaderboard Client.
type ClientOptions struct {
	BaseURL    string
	APIKey     string
	HostHeader string
	RetryCount int
	RetryStep  time.Duration
}

// NewClient builds a leaderboard client with API-key and host headers.
func NewClient(opts ClientOptions) *Client {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 20
	}
	if opts.RetryStep <= 0 {
		opts.RetryStep = 5 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(opts.RetryCount).
		SetRetryAfter(func(_ *resty.Client, _ *resty.Response) (time.Duration, error) {
			return opts.RetryStep, nil
		}).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() != http.StatusOK
		}).
		SetHeader("X-API-KEY", opts.APIKey).
		SetHeader("X-API-HOST", opts.HostHeader)

	return &Client{http: httpClient}
}

// get fetches one endpoint and decodes the data payload of its envelope.
func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&env).
		Get(path)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	if env.Message != "OK" {
		return fmt.Errorf("get %s: upstream message %q", path, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// Performance fetches one page of the trader performance leaderboard.
func (c *Client) Performance(ctx context.Context, page int) ([]PerformanceEntry, error) {
	var entries []PerformanceEntry
	err := c.get(ctx, "/trader/t-performance", map[string]string{"page": strconv.Itoa(page)}, &entries)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Positions fetches a trader's current open positions.
func (c *Client) Positions(ctx context.Context, traderID string) ([]PositionEntry, error) {
	var positions []PositionEntry
	err := c.get(ctx, "/trader/"+traderID+"/positions", nil, &positions)
	if err != nil {
		return nil, err
	}
	return positions, nil
}

// HistoricalPositions fetches one history page. Pass the last page's final
// trade item id as after to continue, or "" for the first page.
func (c *Client) HistoricalPositions(ctx context.Context, traderID, after string) ([]HistoricalPosition, error) {
	params := map[string]string{}
	if after != "" {
		params["after"] = after
	}
	var positions []HistoricalPosition
	err := c.get(ctx, "/trader/"+traderID+"/positions/history", params, &positions)
	if err != nil {
		return nil, err
	}
	return positions, nil
}

// AllHistoricalPositions walks the history pages until a short page ends
// the sequence.
func (c *Client) AllHistoricalPositions(ctx context.Context, traderID string) ([]HistoricalPosition, error) {
	var all []HistoricalPosition
	after := ""
	for {
		page, err := c.HistoricalPositions(ctx, traderID, after)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < HistoryPageSize {
			return all, nil
		}
		after = page[len(page)-1].TradeItemID
	}
}

// TradeStats fetches a trader's statistics for one date range.
func (c *Client) TradeStats(ctx context.Context, traderID, dateRange string) (*TradeStats, error) {
	var stats TradeStats
	err := c.get(ctx, "/trader/"+traderID+"/trade-stats", map[string]string{"dateRange": dateRange}, &stats)
	if err != nil {
		return nil, err
	}
	stats.DateRange = dateRange
	return &stats, nil
}

// Summary fetches a trader's summary, including total yield ratio.
func (c *Client) Summary(ctx context.Context, traderID string) (*Summary, error) {
	var summary Summary
	if err := c.get(ctx, "/trader/"+traderID, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}
