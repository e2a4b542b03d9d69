package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// handleCopy is the decision phase: it allocates the budget and drives the
// exchange toward it. Instances with copy_positions disabled only track.
func (e *Engine) handleCopy(ctx context.Context, now time.Time) error {
	inst, ok := e.cfg.Instances[e.instance]
	if !ok || !inst.CopyPositions {
		return nil
	}
	if types.CopyMode(e.cfg.CopyMode) == types.CopyMulti {
		return e.copyMulti(ctx, now)
	}
	return e.copySingle(ctx, now)
}

// copySingle keeps the budget on exactly one trader: the incumbent unless a
// challenger clears the hysteresis band. Every other trader with live
// positions is closed out and its rows tagged "lower kc".
func (e *Engine) copySingle(ctx context.Context, now time.Time) error {
	rows, err := e.store.ActivePositions(e.instance)
	if err != nil {
		return fmt.Errorf("copy single: %w", err)
	}
	kc, err := e.store.KCStats(e.instance)
	if err != nil {
		return fmt.Errorf("copy single: %w", err)
	}

	by := types.CopyTraderBy(e.cfg.CopyTraderBy)
	leader := ""
	if by == types.ByTradesCount {
		leader = largestTCTrader(rows, kc)
	} else {
		leader = largestKCTrader(rows, kc)
	}

	current, anomaly := currentlyCopiedTrader(rows)
	if anomaly {
		e.alert.Notify(fmt.Sprintf(
			"Copy trader instance '%s': multiple traders are currently copied. Manual intervention required.",
			e.instance))
		e.logger.Error("multiple traders copied at once, aborting decision phase")
		return nil
	}

	keep := current
	if keep == "" {
		keep = leader
	} else if leader != "" && leader != current && shouldSwitch(by, kc[current], kc[leader]) {
		e.logger.Info("switching copied trader", "from", current, "to", leader)
		keep = leader
	}

	seen := make(map[string]bool)
	for i := range rows {
		traderID := rows[i].TraderID
		if traderID == keep || seen[traderID] {
			continue
		}
		seen[traderID] = true
		if err := e.closeCancelIgnoreTrader(ctx, traderID, types.IgnoredLowerKC); err != nil {
			return err
		}
	}

	if keep == "" {
		return nil
	}

	total, free, err := e.tradeBalance(ctx)
	if err != nil {
		return fmt.Errorf("copy single: %w", err)
	}
	penalties, err := e.store.Penalties(e.instance)
	if err != nil {
		return fmt.Errorf("copy single: %w", err)
	}
	budget := total * kcFactor(kc[keep].KellyCriterion) / penaltyDivisor(penalties[keep])
	return e.copyTraderPositions(ctx, keep, budget, &free, now)
}

// copyMulti spreads the budget across every admitted trader, weighted by the
// traders' Kelly criteria and scaled by the pooled total (capped at 1).
func (e *Engine) copyMulti(ctx context.Context, now time.Time) error {
	rows, err := e.store.ActivePositions(e.instance)
	if err != nil {
		return fmt.Errorf("copy multi: %w", err)
	}
	kc, err := e.store.KCStats(e.instance)
	if err != nil {
		return fmt.Errorf("copy multi: %w", err)
	}
	penalties, err := e.store.Penalties(e.instance)
	if err != nil {
		return fmt.Errorf("copy multi: %w", err)
	}

	traders := make([]string, 0)
	seen := make(map[string]bool)
	for i := range rows {
		if !eligible(&rows[i]) || seen[rows[i].TraderID] {
			continue
		}
		seen[rows[i].TraderID] = true
		traders = append(traders, rows[i].TraderID)
	}
	if len(traders) == 0 {
		return nil
	}

	totalKC, err := e.store.TotalKC(e.instance, traders)
	if err != nil {
		return fmt.Errorf("copy multi: %w", err)
	}
	total, free, err := e.tradeBalance(ctx)
	if err != nil {
		return fmt.Errorf("copy multi: %w", err)
	}
	pool := total * kcFactor(totalKC)

	var sumKC float64
	for _, id := range traders {
		if v := kc[id].KellyCriterion; v > 0 {
			sumKC += v
		}
	}

	for _, id := range traders {
		weight := kc[id].KellyCriterion
		if weight <= 0 {
			continue
		}
		if sumKC > 1 {
			weight /= sumKC
		}
		budget := pool * weight / penaltyDivisor(penalties[id])
		if err := e.copyTraderPositions(ctx, id, budget, &free, now); err != nil {
			return err
		}
	}
	return nil
}

// kcFactor clamps a Kelly criterion into the [0, 1] budget multiplier.
func kcFactor(kc float64) float64 {
	if kc <= 0 {
		return 0
	}
	if kc > 1 {
		return 1
	}
	return kc
}

// penaltyDivisor converts a stored penalty value into the budget divisor.
func penaltyDivisor(value int) float64 {
	if value < 2 {
		return 1
	}
	return float64(value)
}

// copyTraderPositions splits one trader's budget evenly across its live
// positions, opens entries for rows not yet copied, and shrinks or re-places
// positions that sit above their per-position share. free tracks the
// remaining free margin across calls.
func (e *Engine) copyTraderPositions(ctx context.Context, traderID string, budget float64, free *float64, now time.Time) error {
	all, err := e.store.ActivePositions(e.instance)
	if err != nil {
		return fmt.Errorf("copy trader %s: %w", traderID, err)
	}
	var rows []store.Position
	for _, r := range all {
		if r.TraderID == traderID && eligible(&r) {
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 || budget <= 0 {
		return nil
	}
	perPos := budget / float64(len(rows))

	for i := range rows {
		p := &rows[i]
		switch {
		case !p.IsCopied:
			if e.expired(p, now) {
				continue
			}
			if err := e.openEntry(ctx, p, perPos, free); err != nil {
				return err
			}
		case p.IsFilled:
			if err := e.shrinkToBudget(ctx, p, perPos); err != nil {
				return err
			}
		default:
			if err := e.replaceRestingEntry(ctx, p, perPos); err != nil {
				return err
			}
		}
	}
	return nil
}

// openEntry places the limit entry for a tracked position. The quantity is
// the smaller of the row's base amount and the per-position budget share;
// rows inserted without a base amount (multi-copy) use the share alone. A
// margin requirement above the free balance tags the row instead of ordering.
func (e *Engine) openEntry(ctx context.Context, p *store.Position, perPos float64, free *float64) error {
	meta, err := e.gw.MarketMeta(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("open entry: market metadata %s: %w", p.Symbol, err)
	}
	qty := snapQuantity(entryQuantity(perPos, p.OpenAvgPx, p.Leverage), *meta, p.OpenAvgPx)
	if p.UserAmount > 0 && p.UserAmount < qty {
		qty = p.UserAmount
	}
	if qty <= 0 {
		return nil
	}

	price := p.OpenAvgPx
	if last, err := e.gw.LastPrice(ctx, p.Symbol); err == nil && last > 0 {
		// Take the current price when it gives a better entry than the
		// leader's average.
		if (p.Side == types.Long && last < price) || (p.Side == types.Short && last > price) {
			price = last
		}
	}

	margin := price * qty / float64(p.Leverage)
	if margin > *free {
		if err := e.store.MarkIgnored(p.ID, types.IgnoredInsufficientFunds); err != nil {
			return err
		}
		e.logger.Warn("insufficient funds for entry",
			"symbol", p.Symbol, "trader", p.TraderID, "margin", margin, "free", *free)
		return nil
	}

	if err := e.gw.SetLeverage(ctx, p.Symbol, p.Leverage); err != nil {
		return fmt.Errorf("open entry: set leverage %s: %w", p.Symbol, err)
	}
	res, err := e.gw.PlaceLimitOrder(ctx, types.OrderRequest{
		Symbol:        p.Symbol,
		Side:          p.Side.Side(),
		Price:         decimal.NewFromFloat(price),
		Quantity:      decimal.NewFromFloat(qty),
		Leverage:      p.Leverage,
		ClientOrderID: types.EncodeClientOrderID(e.instance, p.ID),
	})
	if err != nil {
		return fmt.Errorf("open entry: place order %s: %w", p.Symbol, err)
	}
	if err := e.store.MarkCopied(p.ID, res.OrderID, qty); err != nil {
		return err
	}
	*free -= margin
	e.logger.Info("entry order placed",
		"symbol", p.Symbol, "trader", p.TraderID, "side", p.Side,
		"price", price, "qty", qty, "order_id", res.OrderID)
	return nil
}

// shrinkToBudget partially closes a filled position whose margin exceeds its
// per-position budget share. Positions below the share are left alone; new
// budget only flows into newly opened entries.
func (e *Engine) shrinkToBudget(ctx context.Context, p *store.Position, perPos float64) error {
	if p.UserAmount <= 0 || p.Leverage <= 0 {
		return nil
	}
	margin := p.UserAmount * p.OpenAvgPx / float64(p.Leverage)
	if margin <= perPos {
		return nil
	}
	meta, err := e.gw.MarketMeta(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("shrink position: market metadata %s: %w", p.Symbol, err)
	}
	excessQty := entryQuantity(margin-perPos, p.OpenAvgPx, p.Leverage)
	closeQty := floorToStep(excessQty, meta.StepSize, p.UserAmount)
	if closeQty <= 0 {
		return nil
	}
	_, err = e.gw.ClosePosition(ctx, types.CloseRequest{
		Symbol:   p.Symbol,
		Side:     p.Side.Side().Flip(),
		Quantity: decimal.NewFromFloat(closeQty),
	})
	if err != nil {
		return fmt.Errorf("shrink position: close %s: %w", p.Symbol, err)
	}
	err = e.store.UpdatePosition(p.ID, map[string]any{
		"user_amount": p.UserAmount - closeQty,
	})
	if err != nil {
		return err
	}
	e.logger.Info("shrunk position to budget",
		"symbol", p.Symbol, "trader", p.TraderID,
		"closed", closeQty, "remaining", p.UserAmount-closeQty)
	return nil
}

// replaceRestingEntry re-places an unfilled entry order whose quantity no
// longer matches its per-position budget share.
func (e *Engine) replaceRestingEntry(ctx context.Context, p *store.Position, perPos float64) error {
	meta, err := e.gw.MarketMeta(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("replace entry: market metadata %s: %w", p.Symbol, err)
	}
	qty := snapQuantity(entryQuantity(perPos, p.OpenAvgPx, p.Leverage), *meta, p.OpenAvgPx)
	if qty <= 0 || qty >= p.UserAmount {
		return nil
	}
	if err := e.gw.CancelOrder(ctx, p.Symbol, p.OrderID); err != nil {
		return fmt.Errorf("replace entry: cancel %s: %w", p.OrderID, err)
	}
	res, err := e.gw.PlaceLimitOrder(ctx, types.OrderRequest{
		Symbol:        p.Symbol,
		Side:          p.Side.Side(),
		Price:         decimal.NewFromFloat(p.OpenAvgPx),
		Quantity:      decimal.NewFromFloat(qty),
		Leverage:      p.Leverage,
		ClientOrderID: types.EncodeClientOrderID(e.instance, p.ID),
	})
	if err != nil {
		return fmt.Errorf("replace entry: place order %s: %w", p.Symbol, err)
	}
	if err := e.store.MarkCopied(p.ID, res.OrderID, qty); err != nil {
		return err
	}
	e.logger.Info("re-placed entry at budget share",
		"symbol", p.Symbol, "trader", p.TraderID,
		"old_qty", p.UserAmount, "new_qty", qty, "order_id", res.OrderID)
	return nil
}

// closeCancelIgnoreTrader retires every live position of a trader that lost
// the selector race: held positions are closed at market, resting entries
// are cancelled, and all rows are tagged with the reason.
func (e *Engine) closeCancelIgnoreTrader(ctx context.Context, traderID, reason string) error {
	all, err := e.store.ActivePositions(e.instance)
	if err != nil {
		return fmt.Errorf("retire trader %s: %w", traderID, err)
	}
	for i := range all {
		p := &all[i]
		if p.TraderID != traderID || p.IsIgnored || p.IsClosed {
			continue
		}
		switch {
		case p.IsFilled:
			_, err := e.gw.ClosePosition(ctx, types.CloseRequest{
				Symbol:   p.Symbol,
				Side:     p.Side.Side().Flip(),
				Quantity: decimal.NewFromFloat(p.UserAmount),
			})
			if err != nil {
				return fmt.Errorf("retire trader %s: close %s: %w", traderID, p.Symbol, err)
			}
			if err := e.store.MarkClosed(p.ID); err != nil {
				return err
			}
		case p.IsCopied:
			if err := e.gw.CancelOrder(ctx, p.Symbol, p.OrderID); err != nil {
				return fmt.Errorf("retire trader %s: cancel %s: %w", traderID, p.OrderID, err)
			}
			if err := e.store.MarkCanceled(p.ID); err != nil {
				return err
			}
		}
		if err := e.store.MarkIgnored(p.ID, reason); err != nil {
			return err
		}
		e.logger.Info("retired position of outranked trader",
			"symbol", p.Symbol, "trader", traderID, "reason", reason)
	}
	return nil
}
