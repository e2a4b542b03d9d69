// Package exchange implements the target-exchange REST client and the
// rate-limited concurrent execution layer in front of it.
//
// The client covers the full operation set the engine needs:
//   - SetLeverage:      POST   /v1/leverage
//   - PlaceLimitOrder:  POST   /v1/order           — limit entry with client id
//   - CancelOrder:      DELETE /v1/order           — cancel by id
//   - ClosePosition:    POST   /v1/order           — market reduce-only
//   - CreateTrigger:    POST   /v1/trigger-order   — stop-market SL/TP
//   - CancelTrigger:    DELETE /v1/trigger-order
//   - Balance:          GET    /v1/balance
//   - LastPrice:        GET    /v1/ticker/price
//   - MarketMeta:       GET    /v1/exchange-info   — min qty, lot step
//   - Positions:        GET    /v1/positions       — with liquidation price
//   - FilledOrderIDs:   GET    /v1/order-history   — filter FILLED
//   - FilledTriggerIDs: GET    /v1/trigger-history — filter TRIGGERED
//
// Every request is bounded by the shared token bucket, automatically retried
// on 5xx errors, and HMAC-signed. Cancels treat "order not found" as a
// normal outcome so replays stay idempotent.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"copytrader/pkg/types"
)

// Client is the futures-exchange REST API client for one instance.
type Client struct {
	http   *resty.Client
	signer *Signer
	bucket *TokenBucket
	logger *slog.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	APIKey         string
	APISecret      string
	OpsPerSecond   float64
	RequestTimeout time.Duration
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.OpsPerSecond <= 0 {
		opts.OpsPerSecond = 10
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.RequestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		signer: NewSigner(opts.APIKey, opts.APISecret),
		bucket: NewTokenBucket(opts.OpsPerSecond, opts.OpsPerSecond),
		logger: logger,
	}
}

// do issues one signed request through the rate limiter.
func (c *Client) do(ctx context.Context, method, path string, body any, result any) (*resty.Response, error) {
	if err := c.bucket.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx)
	bodyStr := ""
	if body != nil {
		req.SetBody(body)
		bodyStr = fmt.Sprintf("%v", body)
	}
	req.SetHeaders(c.signer.Headers(method, path, bodyStr))
	if result != nil {
		req.SetResult(result)
	}
	return req.Execute(method, path)
}

// SetLeverage sets the leverage for a symbol. Must succeed before any entry
// order on that symbol; a failure cancels the entry intent.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	payload := map[string]any{"symbol": symbol, "leverage": leverage}
	resp, err := c.do(ctx, http.MethodPost, "/v1/leverage", payload, nil)
	if err != nil {
		return fmt.Errorf("set leverage %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("set leverage %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return nil
}

// PlaceLimitOrder opens a limit entry order carrying the client order id.
func (c *Client) PlaceLimitOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	var result types.OrderResult
	resp, err := c.do(ctx, http.MethodPost, "/v1/order", req, &result)
	if err != nil {
		return nil, fmt.Errorf("place order %s: %w", req.Symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("place order %s: status %d: %s", req.Symbol, resp.StatusCode(), resp.String())
	}
	c.logger.Info("limit order placed",
		"symbol", req.Symbol, "side", req.Side,
		"price", req.Price, "qty", req.Quantity, "order_id", result.OrderID)
	return &result, nil
}

// CancelOrder cancels a resting order by id. A missing order is a normal
// outcome (already filled or already canceled) and returns nil.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := map[string]any{"symbol": symbol, "orderId": orderID}
	resp, err := c.do(ctx, http.MethodDelete, "/v1/order", payload, nil)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		c.logger.Info("order canceled", "symbol", symbol, "order_id", orderID)
		return nil
	case http.StatusNotFound:
		c.logger.Debug("cancel: order not found", "symbol", symbol, "order_id", orderID)
		return nil
	default:
		return fmt.Errorf("cancel order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
}

// ClosePosition issues a market reduce-only order against an open position.
func (c *Client) ClosePosition(ctx context.Context, req types.CloseRequest) (*types.OrderResult, error) {
	payload := map[string]any{
		"symbol":     req.Symbol,
		"side":       req.Side,
		"quantity":   req.Quantity,
		"type":       "MARKET",
		"reduceOnly": true,
	}
	var result types.OrderResult
	resp, err := c.do(ctx, http.MethodPost, "/v1/order", payload, &result)
	if err != nil {
		return nil, fmt.Errorf("close position %s: %w", req.Symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("close position %s: status %d: %s", req.Symbol, resp.StatusCode(), resp.String())
	}
	c.logger.Info("position close issued", "symbol", req.Symbol, "side", req.Side, "qty", req.Quantity)
	return &result, nil
}

// CreateTrigger places a stop-market trigger order (SL or TP).
func (c *Client) CreateTrigger(ctx context.Context, req types.TriggerRequest) (*types.OrderResult, error) {
	var result types.OrderResult
	resp, err := c.do(ctx, http.MethodPost, "/v1/trigger-order", req, &result)
	if err != nil {
		return nil, fmt.Errorf("create trigger %s: %w", req.Symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("create trigger %s: status %d: %s", req.Symbol, resp.StatusCode(), resp.String())
	}
	c.logger.Info("trigger order created",
		"symbol", req.Symbol, "side", req.Side,
		"trigger_price", req.TriggerPrice, "qty", req.Quantity, "order_id", result.OrderID)
	return &result, nil
}

// CancelTrigger cancels a trigger order by id; missing orders are normal.
func (c *Client) CancelTrigger(ctx context.Context, symbol, orderID string) error {
	payload := map[string]any{"symbol": symbol, "orderId": orderID}
	resp, err := c.do(ctx, http.MethodDelete, "/v1/trigger-order", payload, nil)
	if err != nil {
		return fmt.Errorf("cancel trigger %s: %w", orderID, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("cancel trigger %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
}

// Balance fetches the account's total and free equity.
func (c *Client) Balance(ctx context.Context) (*types.Balance, error) {
	var result types.Balance
	resp, err := c.do(ctx, http.MethodGet, "/v1/balance", nil, &result)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// LastPrice fetches the most recent trade price for a symbol.
func (c *Client) LastPrice(ctx context.Context, symbol string) (float64, error) {
	var result struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	resp, err := c.do(ctx, http.MethodGet, "/v1/ticker/price?symbol="+symbol, nil, &result)
	if err != nil {
		return 0, fmt.Errorf("get last price %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get last price %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	price, err := strconv.ParseFloat(result.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last price %s: %w", symbol, err)
	}
	return price, nil
}

// MarketMeta fetches the lot filters (min qty, step size) for a symbol.
func (c *Client) MarketMeta(ctx context.Context, symbol string) (*types.MarketMeta, error) {
	var result types.MarketMeta
	resp, err := c.do(ctx, http.MethodGet, "/v1/exchange-info?symbol="+symbol, nil, &result)
	if err != nil {
		return nil, fmt.Errorf("get market meta %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get market meta %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// Positions fetches all open positions, including liquidation prices.
func (c *Client) Positions(ctx context.Context) ([]types.PositionInfo, error) {
	var result []types.PositionInfo
	resp, err := c.do(ctx, http.MethodGet, "/v1/positions", nil, &result)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// FilledOrderIDs returns the ids of FILLED orders for a symbol as a set.
// History rows carry the client order id alongside the venue id; both go
// into the set so callers can match either.
func (c *Client) FilledOrderIDs(ctx context.Context, symbol string) (map[string]bool, error) {
	return c.filledIDs(ctx, "/v1/order-history?status=FILLED&symbol="+symbol, "order history", symbol)
}

// FilledTriggerIDs returns the ids of TRIGGERED trigger orders for a symbol.
func (c *Client) FilledTriggerIDs(ctx context.Context, symbol string) (map[string]bool, error) {
	return c.filledIDs(ctx, "/v1/trigger-history?status=TRIGGERED&symbol="+symbol, "trigger history", symbol)
}

func (c *Client) filledIDs(ctx context.Context, path, op, symbol string) (map[string]bool, error) {
	var result []struct {
		OrderID       string `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, &result)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", op, symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get %s %s: status %d: %s", op, symbol, resp.StatusCode(), resp.String())
	}
	ids := make(map[string]bool, len(result))
	for _, row := range result {
		ids[row.OrderID] = true
		if row.ClientOrderID != "" {
			ids[row.ClientOrderID] = true
		}
	}
	return ids, nil
}
