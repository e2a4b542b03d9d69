package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// triggerDriftPerc is the re-placement threshold: a live trigger order whose
// price or quantity drifted more than this percent from the desired values
// is cancelled and re-created.
const triggerDriftPerc = 1.0

// stopLossPrice places the stop a fixed fraction of the distance between the
// entry and the liquidation price.
func stopLossPrice(side types.PositionSide, open, liq, slRatio float64) float64 {
	if side == types.Long {
		return open - (open-liq)*slRatio
	}
	return open + (liq-open)*slRatio
}

// takeProfitPerc derives the profit target in price percent from the
// trader's historical ROE distribution: one standard deviation above the
// mean, deleveraged.
func takeProfitPerc(avgRoe, stdRoe float64, leverage int) float64 {
	if leverage <= 0 {
		return 0
	}
	return (avgRoe*100 + stdRoe*100) / float64(leverage)
}

// takeProfitPrice projects the target percent from the entry price, floored
// at zero for shorts.
func takeProfitPrice(side types.PositionSide, open, perc float64) float64 {
	if side == types.Long {
		return open * (1 + perc/100)
	}
	price := open * (1 - perc/100)
	if price < 0 {
		return 0
	}
	return price
}

// decimalPlaces counts the significant fraction digits of v.
func decimalPlaces(v float64) int {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// quantizeLike rounds v to the same number of fraction digits as like.
func quantizeLike(v, like float64) float64 {
	return decimal.NewFromFloat(v).Round(int32(decimalPlaces(like))).InexactFloat64()
}

// syncStopLosses reconciles the stop-loss trigger orders against the filled
// positions: creates missing stops, re-places drifted ones, and cancels
// stops whose position is gone. Positions without a known liquidation price
// are skipped until one arrives.
func (e *Engine) syncStopLosses(ctx context.Context) error {
	rows, err := e.store.ActivePositions(e.instance)
	if err != nil {
		return fmt.Errorf("sync stop losses: %w", err)
	}

	needed := make(map[string]bool)
	for i := range rows {
		p := &rows[i]
		if !p.IsFilled || p.IsIgnored || p.IsClosed || p.UserAmount <= 0 {
			continue
		}
		if p.LiquidationPrice == nil {
			e.logger.Debug("no liquidation price yet, deferring stop loss", "symbol", p.Symbol)
			continue
		}
		needed[p.UpstreamID] = true

		prior, err := e.store.TriggerFor(e.instance, p.UpstreamID, types.TriggerStopLoss)
		if err != nil {
			return fmt.Errorf("sync stop losses: %w", err)
		}
		reference := *p.LiquidationPrice
		if prior != nil {
			reference = prior.Price
		}
		price := quantizeLike(
			stopLossPrice(p.Side, p.OpenAvgPx, *p.LiquidationPrice, e.cfg.SLRatio),
			reference)

		if err := e.ensureTrigger(ctx, p, prior, types.TriggerStopLoss, price); err != nil {
			return err
		}
	}

	return e.cancelOrphanTriggers(ctx, types.TriggerStopLoss, needed)
}

// syncTakeProfits reconciles the take-profit trigger orders. The target
// derives from the trader's Kelly aggregate; traders without one yet get no
// take profit.
func (e *Engine) syncTakeProfits(ctx context.Context) error {
	rows, err := e.store.ActivePositions(e.instance)
	if err != nil {
		return fmt.Errorf("sync take profits: %w", err)
	}
	kcStats, err := e.store.KCStats(e.instance)
	if err != nil {
		return fmt.Errorf("sync take profits: %w", err)
	}

	needed := make(map[string]bool)
	for i := range rows {
		p := &rows[i]
		if !p.IsFilled || p.IsIgnored || p.IsClosed || p.UserAmount <= 0 {
			continue
		}
		kc, ok := kcStats[p.TraderID]
		if !ok || kc.TradesCount == 0 {
			e.logger.Warn("no roe history for trader, skipping take profit",
				"trader", p.TraderID, "symbol", p.Symbol)
			continue
		}
		perc := takeProfitPerc(kc.AvgRoe, kc.RoeStdDev, p.Leverage)
		if perc <= 0 {
			e.logger.Debug("non-positive take profit target, skipping",
				"trader", p.TraderID, "symbol", p.Symbol, "perc", perc)
			continue
		}
		needed[p.UpstreamID] = true

		price := quantizeLike(takeProfitPrice(p.Side, p.OpenAvgPx, perc), p.OpenAvgPx)
		prior, err := e.store.TriggerFor(e.instance, p.UpstreamID, types.TriggerTakeProfit)
		if err != nil {
			return fmt.Errorf("sync take profits: %w", err)
		}
		if err := e.ensureTrigger(ctx, p, prior, types.TriggerTakeProfit, price); err != nil {
			return err
		}
	}

	return e.cancelOrphanTriggers(ctx, types.TriggerTakeProfit, needed)
}

// ensureTrigger converges one position's trigger order of the given kind to
// the desired price and quantity. A live order within the drift band is left
// untouched; an inactive unfilled row is re-created without a cancel.
func (e *Engine) ensureTrigger(ctx context.Context, p *store.Position, prior *store.TriggerOrder, kind types.TriggerKind, price float64) error {
	amount := p.UserAmount

	if prior != nil {
		if prior.IsFilled {
			return nil
		}
		if prior.IsActive {
			if types.PercDiff(prior.Price, price) <= triggerDriftPerc &&
				types.PercDiff(prior.Amount, amount) <= triggerDriftPerc {
				return nil
			}
			if err := e.gw.CancelTrigger(ctx, prior.Symbol, prior.OrderID); err != nil {
				return fmt.Errorf("cancel %s trigger %s: %w", kind, prior.OrderID, err)
			}
		}
	}

	res, err := e.gw.CreateTrigger(ctx, types.TriggerRequest{
		Symbol:       p.Symbol,
		Side:         p.Side.Side().Flip(),
		TriggerPrice: decimal.NewFromFloat(price),
		Quantity:     decimal.NewFromFloat(amount),
	})
	if err != nil {
		return fmt.Errorf("create %s trigger %s: %w", kind, p.Symbol, err)
	}
	err = e.store.SaveTrigger(&store.TriggerOrder{
		Instance:           e.instance,
		PositionUpstreamID: p.UpstreamID,
		Kind:               kind,
		OrderID:            res.OrderID,
		Symbol:             p.Symbol,
		Side:               p.Side.Side().Flip(),
		Price:              price,
		Amount:             amount,
		IsActive:           true,
	})
	if err != nil {
		return err
	}
	e.logger.Info("trigger order placed", "kind", kind, "symbol", p.Symbol,
		"price", price, "amount", amount, "order_id", res.OrderID)
	return nil
}

// cancelOrphanTriggers cancels live trigger orders whose position no longer
// needs one.
func (e *Engine) cancelOrphanTriggers(ctx context.Context, kind types.TriggerKind, needed map[string]bool) error {
	triggers, err := e.store.ActiveTriggers(e.instance, kind)
	if err != nil {
		return fmt.Errorf("cancel orphan %s triggers: %w", kind, err)
	}
	for _, t := range triggers {
		if needed[t.PositionUpstreamID] {
			continue
		}
		if err := e.gw.CancelTrigger(ctx, t.Symbol, t.OrderID); err != nil {
			return fmt.Errorf("cancel orphan %s trigger %s: %w", kind, t.OrderID, err)
		}
		if err := e.store.DeactivateTrigger(t.ID); err != nil {
			return err
		}
		e.logger.Info("orphan trigger cancelled", "kind", kind, "symbol", t.Symbol)
	}
	return nil
}

// reflectTriggerFills closes out positions whose trigger order of the given
// kind fired on the exchange. A stop-loss fill books a loss and doubles the
// trader's penalty; a take-profit fill books a win. The counterpart trigger
// is cancelled either way.
func (e *Engine) reflectTriggerFills(ctx context.Context, kind types.TriggerKind) error {
	triggers, err := e.store.ActiveTriggers(e.instance, kind)
	if err != nil {
		return fmt.Errorf("reflect %s fills: %w", kind, err)
	}
	if len(triggers) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(triggers))
	for _, t := range triggers {
		symbols = append(symbols, t.Symbol)
	}
	filled, err := e.filledSets(ctx, uniqueSymbols(symbols), e.gw.FilledTriggerIDs)
	if err != nil {
		return fmt.Errorf("reflect %s fills: %w", kind, err)
	}

	for _, t := range triggers {
		if !filled[t.Symbol][t.OrderID] {
			continue
		}
		if err := e.store.MarkTriggerFilled(t.ID); err != nil {
			return err
		}
		pos, err := e.store.PositionByUpstream(e.instance, t.PositionUpstreamID)
		if err != nil {
			return err
		}
		if pos == nil {
			e.logger.Warn("filled trigger has no position",
				"kind", kind, "symbol", t.Symbol, "upstream_id", t.PositionUpstreamID)
			continue
		}
		if err := e.store.MarkClosed(pos.ID); err != nil {
			return err
		}
		if kind == types.TriggerStopLoss {
			if err := e.store.BumpPenalty(e.instance, pos.TraderID); err != nil {
				return err
			}
			if err := e.store.RecordOutcome(e.instance, pos.TraderID, false); err != nil {
				return err
			}
		} else {
			if err := e.store.RecordOutcome(e.instance, pos.TraderID, true); err != nil {
				return err
			}
		}

		other := types.TriggerTakeProfit
		if kind == types.TriggerTakeProfit {
			other = types.TriggerStopLoss
		}
		counterpart, err := e.store.TriggerFor(e.instance, t.PositionUpstreamID, other)
		if err != nil {
			return err
		}
		if counterpart != nil && counterpart.IsActive {
			if err := e.gw.CancelTrigger(ctx, counterpart.Symbol, counterpart.OrderID); err != nil {
				return fmt.Errorf("cancel counterpart trigger %s: %w", counterpart.OrderID, err)
			}
			if err := e.store.DeactivateTrigger(counterpart.ID); err != nil {
				return err
			}
		}
		e.logger.Info("trigger fill reflected",
			"kind", kind, "symbol", t.Symbol, "trader", pos.TraderID)
	}
	return nil
}
