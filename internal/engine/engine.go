package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"copytrader/internal/config"
	"copytrader/internal/exchange"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// Engine runs the control loop of one instance. All per-instance tables are
// exclusively written by this loop; the trader, stats, and temp-position
// tables are shared read-only with the observer.
type Engine struct {
	cfg      *config.Config
	instance string
	store    *store.Store
	gw       Gateway
	alert    Alerter
	logger   *slog.Logger

	firstRun bool

	mu      sync.Mutex
	status  Status
	crashes int
}

// Status is a point-in-time snapshot of the loop for the HTTP API.
type Status struct {
	Instance           string    `json:"instance"`
	Cycles             uint64    `json:"cycles"`
	ConsecutiveCrashes int       `json:"consecutive_crashes"`
	LastCycleAt        time.Time `json:"last_cycle_at"`
	LastError          string    `json:"last_error,omitempty"`
	Halted             bool      `json:"halted"`
}

// New wires an engine for one instance. A nil alerter disables notifications.
func New(cfg *config.Config, instance string, st *store.Store, gw Gateway, alert Alerter, logger *slog.Logger) *Engine {
	if alert == nil {
		alert = noopAlerter{}
	}
	return &Engine{
		cfg:      cfg,
		instance: instance,
		store:    st,
		gw:       gw,
		alert:    alert,
		logger:   logger.With("component", "engine", "instance", instance),
		firstRun: true,
		status:   Status{Instance: instance},
	}
}

// Status returns the current loop snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Run executes reconcile cycles until the context is cancelled or the loop
// halts after too many consecutive crashes. A crash delays the next attempt
// by crash_count x base_delay x 4 and notifies the operator; a clean cycle
// after crashes sends a recovery notice.
func (e *Engine) Run(ctx context.Context) error {
	for {
		err := e.Cycle(ctx)

		e.mu.Lock()
		e.status.LastCycleAt = time.Now()
		if err != nil {
			e.crashes++
			e.status.ConsecutiveCrashes = e.crashes
			e.status.LastError = err.Error()
		} else {
			e.status.Cycles++
			e.status.LastError = ""
		}
		crashes := e.crashes
		e.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("cycle crashed", "error", err, "consecutive_crashes", crashes)
			if crashes >= e.cfg.Engine.MaxCrashes {
				e.mu.Lock()
				e.status.Halted = true
				e.mu.Unlock()
				e.alert.Notify(fmt.Sprintf(
					"Unable to recover copy trader instance '%s' after %d retries. Stopping.",
					e.instance, crashes))
				return fmt.Errorf("halted after %d consecutive crashes: %w", crashes, err)
			}
			delay := time.Duration(crashes) * e.cfg.Engine.CrashBaseDelay * 4
			e.alert.Notify(fmt.Sprintf(
				"Copy trader instance '%s' crashed: %v. Retrying in %s.", e.instance, err, delay))
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		if crashes > 0 {
			e.mu.Lock()
			e.crashes = 0
			e.status.ConsecutiveCrashes = 0
			e.mu.Unlock()
			e.alert.Notify(fmt.Sprintf(
				"Copy trader instance '%s' has been successfully recovered.", e.instance))
		}
		if !sleep(ctx, e.cfg.Engine.CycleInterval) {
			return ctx.Err()
		}
	}
}

// sleep waits for d or the context, reporting false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Cycle runs one full reconcile pass. Phases execute sequentially; exchange
// operations within a phase fan out through the gateway's rate limiter. All
// state is re-read from the store at the start of each phase.
func (e *Engine) Cycle(ctx context.Context) error {
	now := time.Now()

	if err := e.reflectFills(ctx); err != nil {
		return err
	}
	if err := e.refreshLiquidationPrices(ctx); err != nil {
		return err
	}
	if err := e.syncStopLosses(ctx); err != nil {
		return err
	}
	if err := e.syncTakeProfits(ctx); err != nil {
		return err
	}
	if err := e.reflectTriggerFills(ctx, types.TriggerStopLoss); err != nil {
		return err
	}
	if err := e.reflectTriggerFills(ctx, types.TriggerTakeProfit); err != nil {
		return err
	}

	upstream, err := e.store.TempPositionsByTrader(true)
	if err != nil {
		return err
	}
	if err := e.store.SyncSuccessRoster(e.instance); err != nil {
		return err
	}
	if err := e.updatePnlRoe(upstream); err != nil {
		return err
	}
	if err := e.retireDisappeared(ctx, upstream, now); err != nil {
		return err
	}
	if err := e.store.RecomputeKC(e.instance, now); err != nil {
		return err
	}
	if err := e.insertNewPositions(ctx, upstream, now); err != nil {
		return err
	}
	if err := e.resolveConflicts(ctx); err != nil {
		return err
	}
	if err := e.resizePositions(ctx, upstream); err != nil {
		return err
	}
	if err := e.handleCopy(ctx, now); err != nil {
		return err
	}

	e.firstRun = false
	return nil
}

// activeByTrader loads the instance's active positions grouped by trader.
func (e *Engine) activeByTrader() (map[string][]store.Position, error) {
	rows, err := e.store.ActivePositions(e.instance)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]store.Position)
	for _, r := range rows {
		out[r.TraderID] = append(out[r.TraderID], r)
	}
	return out, nil
}

// tradeBalance converts the account equity into the engine's working budget.
func (e *Engine) tradeBalance(ctx context.Context) (total, free float64, err error) {
	bal, err := e.gw.Balance(ctx)
	if err != nil {
		return 0, 0, err
	}
	alloc := e.cfg.EquityOfTotalEquity / 100
	return bal.Total.InexactFloat64() * alloc, bal.Free.InexactFloat64() * alloc, nil
}

// marketMetas fetches lot filters for a symbol set in one batch. Symbols
// whose metadata cannot be fetched are absent from the result.
func (e *Engine) marketMetas(ctx context.Context, symbols []string) map[string]types.MarketMeta {
	out := make(map[string]types.MarketMeta, len(symbols))
	var mu sync.Mutex
	ops := make([]exchange.Op, len(symbols))
	for i, symbol := range symbols {
		ops[i] = func(ctx context.Context) error {
			meta, err := e.gw.MarketMeta(ctx, symbol)
			if err != nil {
				e.logger.Warn("missing market metadata", "symbol", symbol, "error", err)
				return nil
			}
			mu.Lock()
			out[symbol] = *meta
			mu.Unlock()
			return nil
		}
	}
	exchange.Batch(ctx, ops)
	return out
}

// lastPrices fetches last trade prices for a symbol set in one batch.
func (e *Engine) lastPrices(ctx context.Context, symbols []string) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	var mu sync.Mutex
	ops := make([]exchange.Op, len(symbols))
	for i, symbol := range symbols {
		ops[i] = func(ctx context.Context) error {
			price, err := e.gw.LastPrice(ctx, symbol)
			if err != nil {
				e.logger.Warn("missing last price", "symbol", symbol, "error", err)
				return nil
			}
			mu.Lock()
			out[symbol] = price
			mu.Unlock()
			return nil
		}
	}
	exchange.Batch(ctx, ops)
	return out
}

// filledSets fetches per-symbol filled-order id sets in one batch. fetch is
// either FilledOrderIDs or FilledTriggerIDs; any failure fails the phase.
func (e *Engine) filledSets(
	ctx context.Context,
	symbols []string,
	fetch func(context.Context, string) (map[string]bool, error),
) (map[string]map[string]bool, error) {
	out := make(map[string]map[string]bool, len(symbols))
	var mu sync.Mutex
	ops := make([]exchange.Op, len(symbols))
	for i, symbol := range symbols {
		ops[i] = func(ctx context.Context) error {
			ids, err := fetch(ctx, symbol)
			if err != nil {
				return err
			}
			mu.Lock()
			out[symbol] = ids
			mu.Unlock()
			return nil
		}
	}
	if err := exchange.FirstError(exchange.Batch(ctx, ops)); err != nil {
		return nil, err
	}
	return out, nil
}

// uniqueSymbols deduplicates while preserving first-seen order.
func uniqueSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// recordOutcomeByROE books a win or loss for a retired position. A flat
// (zero ROE) outcome counts as neither.
func (e *Engine) recordOutcomeByROE(traderID string, roe float64) error {
	if roe > 0 {
		return e.store.RecordOutcome(e.instance, traderID, true)
	}
	if roe < 0 {
		return e.store.RecordOutcome(e.instance, traderID, false)
	}
	return nil
}
