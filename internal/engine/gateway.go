// Package engine implements the per-instance reconciliation and
// order-lifecycle loop: it diffs the observed upstream positions against the
// locally mirrored ones and drives open, cancel, close, partial-close,
// resize, and stop-loss/take-profit decisions through the exchange gateway.
package engine

import (
	"context"

	"copytrader/pkg/types"
)

// Gateway is the exchange operation set the engine depends on. Implemented
// by exchange.Client; tests substitute a fake.
type Gateway interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceLimitOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	ClosePosition(ctx context.Context, req types.CloseRequest) (*types.OrderResult, error)
	CreateTrigger(ctx context.Context, req types.TriggerRequest) (*types.OrderResult, error)
	CancelTrigger(ctx context.Context, symbol, orderID string) error
	Balance(ctx context.Context) (*types.Balance, error)
	LastPrice(ctx context.Context, symbol string) (float64, error)
	MarketMeta(ctx context.Context, symbol string) (*types.MarketMeta, error)
	Positions(ctx context.Context) ([]types.PositionInfo, error)
	FilledOrderIDs(ctx context.Context, symbol string) (map[string]bool, error)
	FilledTriggerIDs(ctx context.Context, symbol string) (map[string]bool, error)
}

// Alerter delivers operator notifications (crash, recovery, anomalies).
type Alerter interface {
	Notify(msg string)
}

// noopAlerter is used when no notification transport is configured.
type noopAlerter struct{}

func (noopAlerter) Notify(string) {}
