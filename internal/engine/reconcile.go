package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// reflectFills marks copied positions whose entry order the exchange reports
// as filled.
func (e *Engine) reflectFills(ctx context.Context) error {
	rows, err := e.store.ActiveCopiedUnfilled(e.instance)
	if err != nil {
		return fmt.Errorf("reflect fills: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(rows))
	for _, r := range rows {
		symbols = append(symbols, r.Symbol)
	}
	filled, err := e.filledSets(ctx, uniqueSymbols(symbols), e.gw.FilledOrderIDs)
	if err != nil {
		return fmt.Errorf("reflect fills: %w", err)
	}

	// History reports carry our client order id alongside the venue id.
	// Decoding them matches rows whose recorded venue id went stale, for
	// example when the acknowledgement of a retried placement was lost.
	filledRows := make(map[uint]bool)
	for _, ids := range filled {
		for id := range ids {
			if instance, rowID, ok := types.DecodeClientOrderID(id); ok && instance == e.instance {
				filledRows[rowID] = true
			}
		}
	}

	for _, r := range rows {
		if !filled[r.Symbol][r.OrderID] && !filledRows[r.ID] {
			continue
		}
		if err := e.store.MarkFilled(r.ID); err != nil {
			return fmt.Errorf("reflect fills: %w", err)
		}
		e.logger.Info("entry order filled", "symbol", r.Symbol, "order_id", r.OrderID)
	}
	return nil
}

// refreshLiquidationPrices copies the venue-computed liquidation price of each
// open exchange position onto the matching filled mirror row. Rows whose
// symbol and side have no open exchange position keep their last known value.
func (e *Engine) refreshLiquidationPrices(ctx context.Context) error {
	rows, err := e.store.ActivePositions(e.instance)
	if err != nil {
		return fmt.Errorf("refresh liquidation prices: %w", err)
	}
	var filled []store.Position
	for _, r := range rows {
		if r.IsFilled && !r.IsIgnored {
			filled = append(filled, r)
		}
	}
	if len(filled) == 0 {
		return nil
	}

	open, err := e.gw.Positions(ctx)
	if err != nil {
		return fmt.Errorf("refresh liquidation prices: %w", err)
	}
	liq := make(map[string]float64, len(open))
	for _, p := range open {
		if p.LiquidationPrice > 0 {
			liq[p.Symbol+"/"+string(p.Side)] = p.LiquidationPrice
		}
	}

	for _, r := range filled {
		price, ok := liq[r.Symbol+"/"+string(r.Side)]
		if !ok {
			continue
		}
		if r.LiquidationPrice != nil && *r.LiquidationPrice == price {
			continue
		}
		if err := e.store.UpdatePosition(r.ID, map[string]any{"liquidation_price": price}); err != nil {
			return fmt.Errorf("refresh liquidation prices: %w", err)
		}
	}
	return nil
}

// updatePnlRoe mirrors the upstream pnl, ROE, and mark price onto tracked
// positions that still have an upstream counterpart.
func (e *Engine) updatePnlRoe(upstream map[string][]store.TempPosition) error {
	rows, err := e.store.ActivePositions(e.instance)
	if err != nil {
		return fmt.Errorf("update pnl/roe: %w", err)
	}
	for i := range rows {
		p := &rows[i]
		m := FindUpstream(p, upstream[p.TraderID])
		if m.Kind == MatchNone {
			continue
		}
		u := m.Upstream
		if p.Pnl == u.Pnl && p.PnlRatio == u.PnlRatio && p.MarkPx == u.MarkPx {
			continue
		}
		err := e.store.UpdatePosition(p.ID, map[string]any{
			"pnl":       u.Pnl,
			"pnl_ratio": u.PnlRatio,
			"mark_px":   u.MarkPx,
		})
		if err != nil {
			return fmt.Errorf("update pnl/roe: %w", err)
		}
	}
	return nil
}

// expired reports whether a position has been waiting for a fill longer than
// max_time_to_fill.
func (e *Engine) expired(p *store.Position, now time.Time) bool {
	if e.cfg.MaxTimeToFill <= 0 {
		return false
	}
	deadline := p.InsertedOnTS + int64(e.cfg.MaxTimeToFill)*1000
	return now.UnixMilli() > deadline
}

// retireDisappeared expires stale unfilled positions and retires positions
// whose upstream counterpart is gone. A gone position is closed at market if
// we hold it, cancelled if only an order is resting, or just deactivated if
// it was never copied; its final ROE books a win or a loss.
func (e *Engine) retireDisappeared(ctx context.Context, upstream map[string][]store.TempPosition, now time.Time) error {
	rows, err := e.store.ActivePositions(e.instance)
	if err != nil {
		return fmt.Errorf("retire positions: %w", err)
	}
	for i := range rows {
		p := &rows[i]
		m := FindUpstream(p, upstream[p.TraderID])

		if m.Kind != MatchNone {
			if p.IsFilled || p.IsIgnored || !e.expired(p, now) {
				continue
			}
			// Still tracked upstream but our entry never filled in time.
			if p.IsCopied {
				if err := e.gw.CancelOrder(ctx, p.Symbol, p.OrderID); err != nil {
					return fmt.Errorf("cancel expired order %s: %w", p.OrderID, err)
				}
				if err := e.store.MarkCanceled(p.ID); err != nil {
					return err
				}
			} else {
				if err := e.store.DeactivatePosition(p.ID); err != nil {
					return err
				}
			}
			if err := e.store.MarkIgnored(p.ID, types.IgnoredExpired); err != nil {
				return err
			}
			e.logger.Info("position expired", "symbol", p.Symbol, "trader", p.TraderID)
			continue
		}

		switch {
		case p.IsFilled && !p.IsClosed:
			_, err := e.gw.ClosePosition(ctx, types.CloseRequest{
				Symbol:   p.Symbol,
				Side:     p.Side.Side().Flip(),
				Quantity: decimal.NewFromFloat(p.UserAmount),
			})
			if err != nil {
				return fmt.Errorf("close position %s: %w", p.Symbol, err)
			}
			if err := e.store.MarkClosed(p.ID); err != nil {
				return err
			}
			e.logger.Info("closed position gone upstream",
				"symbol", p.Symbol, "trader", p.TraderID, "roe", p.PnlRatio)
		case p.IsCopied && !p.IsFilled:
			if err := e.gw.CancelOrder(ctx, p.Symbol, p.OrderID); err != nil {
				return fmt.Errorf("cancel order %s: %w", p.OrderID, err)
			}
			if err := e.store.MarkCanceled(p.ID); err != nil {
				return err
			}
			e.logger.Info("cancelled order gone upstream", "symbol", p.Symbol, "trader", p.TraderID)
		default:
			if err := e.store.DeactivatePosition(p.ID); err != nil {
				return err
			}
		}
		if err := e.recordOutcomeByROE(p.TraderID, p.PnlRatio); err != nil {
			return err
		}
	}
	return nil
}

// insertNewPositions runs the admission policy over upstream positions that
// have no mirror yet and persists the survivors (and the ignored ones, with
// their reason). In single-copy mode the row carries its base quantity; in
// multi-copy mode sizing is deferred to the allocation pass.
func (e *Engine) insertNewPositions(ctx context.Context, upstream map[string][]store.TempPosition, now time.Time) error {
	mirrors, err := e.activeByTrader()
	if err != nil {
		return fmt.Errorf("insert new positions: %w", err)
	}
	success, err := e.store.SuccessStats(e.instance)
	if err != nil {
		return fmt.Errorf("insert new positions: %w", err)
	}
	kcStats, err := e.store.KCStats(e.instance)
	if err != nil {
		return fmt.Errorf("insert new positions: %w", err)
	}

	var tradeBal float64
	balanceLoaded := false

	for traderID, positions := range upstream {
		trader, err := e.store.TraderByID(traderID)
		if err != nil {
			return fmt.Errorf("insert new positions: %w", err)
		}
		if trader == nil {
			continue
		}
		stats, err := e.store.TraderStatsByID(traderID)
		if err != nil {
			return fmt.Errorf("insert new positions: %w", err)
		}

		kc, hasKC := kcStats[traderID]
		verdict := admit(admissionInput{
			FirstRun:               e.firstRun,
			Observed:               trader.IsObserved && !trader.IsFollowed,
			ROIs:                   buildROISet(trader, stats),
			TradesCount:            kc.TradesCount,
			KC:                     kc.KellyCriterion,
			HasKC:                  hasKC,
			IgnoreObserved:         e.cfg.IgnoreObservedTraders,
			IgnoreNegAllTimeframes: e.cfg.IgnoreNegAllTimeframesROITraders,
			IgnoreNegTotalROI:      e.cfg.IgnoreNegTotalROITraders,
		})
		if verdict.Skip {
			e.logger.Debug("trader has no usable stats yet, skipping", "trader", traderID)
			continue
		}

		for i := range positions {
			u := &positions[i]
			if m := FindMirror(u, mirrors[traderID]); m.Kind != MatchNone {
				continue
			}

			row := &store.Position{
				Instance:     e.instance,
				UpstreamID:   u.UpstreamID,
				TraderID:     traderID,
				Symbol:       u.Symbol,
				Side:         u.Side,
				Leverage:     u.Leverage,
				OpenAvgPx:    u.OpenAvgPx,
				MarkPx:       u.MarkPx,
				Pnl:          u.Pnl,
				PnlRatio:     u.PnlRatio,
				SubPos:       u.SubPos,
				OpenTime:     u.OpenTime,
				UTime:        u.UTime,
				InsertedOnTS: now.UnixMilli(),
				IsActive:     true,
			}
			if verdict.Ignored {
				row.IsIgnored = true
				row.IgnoreReason = verdict.Reason
			} else if types.CopyMode(e.cfg.CopyMode) == types.CopySingle {
				if !balanceLoaded {
					tradeBal, _, err = e.tradeBalance(ctx)
					if err != nil {
						return fmt.Errorf("insert new positions: %w", err)
					}
					balanceLoaded = true
				}
				meta, err := e.gw.MarketMeta(ctx, u.Symbol)
				if err != nil {
					return fmt.Errorf("insert new positions: market metadata %s: %w", u.Symbol, err)
				}
				perc := positionSizePercent(
					e.cfg.EquityPerSinglePos,
					success[traderID].WinLoseRes(),
					e.cfg.IncrDecrPerc,
					e.cfg.MinPosSizePerc,
					e.cfg.MaxPosSizePerc,
				)
				usdt := tradeBal * perc / 100
				row.UserAmount = snapQuantity(
					entryQuantity(usdt, u.OpenAvgPx, u.Leverage), *meta, u.OpenAvgPx)
			}

			inserted, err := e.store.InsertPositionIfAbsent(row)
			if err != nil {
				return fmt.Errorf("insert new positions: %w", err)
			}
			if !inserted {
				continue
			}
			if err := e.store.TouchLastPosDatetime(traderID, now); err != nil {
				return err
			}
			e.logger.Info("tracking new upstream position",
				"trader", traderID, "symbol", u.Symbol, "side", u.Side,
				"ignored", row.IsIgnored, "reason", row.IgnoreReason)
		}
	}
	return nil
}

// resolveConflicts retires the losers of hedged, cross-opposite, and
// duplicate pairings. A loser we never copied is just tagged; one with a
// resting order is cancelled; one we hold is closed at market.
func (e *Engine) resolveConflicts(ctx context.Context) error {
	rows, err := e.store.ActivePositions(e.instance)
	if err != nil {
		return fmt.Errorf("resolve conflicts: %w", err)
	}
	var contenders []store.Position
	for _, r := range rows {
		if !r.IsIgnored {
			contenders = append(contenders, r)
		}
	}
	if len(contenders) < 2 {
		return nil
	}

	success, err := e.store.SuccessStats(e.instance)
	if err != nil {
		return fmt.Errorf("resolve conflicts: %w", err)
	}
	winLoseRes := make(map[string]int, len(success))
	for id, s := range success {
		winLoseRes[id] = s.WinLoseRes()
	}
	traders, err := e.store.Traders()
	if err != nil {
		return fmt.Errorf("resolve conflicts: %w", err)
	}
	totalROI := make(map[string]float64, len(traders))
	for _, t := range traders {
		if t.YieldRatio != nil {
			totalROI[t.TraderID] = *t.YieldRatio
		}
	}

	for _, loser := range resolveConflictLosers(contenders, winLoseRes, totalROI) {
		p := loser.Position
		switch {
		case p.IsFilled:
			_, err := e.gw.ClosePosition(ctx, types.CloseRequest{
				Symbol:   p.Symbol,
				Side:     p.Side.Side().Flip(),
				Quantity: decimal.NewFromFloat(p.UserAmount),
			})
			if err != nil {
				return fmt.Errorf("resolve conflicts: close %s: %w", p.Symbol, err)
			}
			if err := e.store.MarkClosed(p.ID); err != nil {
				return err
			}
		case p.IsCopied:
			if err := e.gw.CancelOrder(ctx, p.Symbol, p.OrderID); err != nil {
				return fmt.Errorf("resolve conflicts: cancel %s: %w", p.OrderID, err)
			}
			if err := e.store.MarkCanceled(p.ID); err != nil {
				return err
			}
		}
		if err := e.store.MarkIgnored(p.ID, loser.Reason); err != nil {
			return err
		}
		e.logger.Info("conflict loser retired",
			"symbol", p.Symbol, "trader", p.TraderID, "reason", loser.Reason)
	}
	return nil
}

// resizePositions follows upstream quantity changes. A leader partial close
// reduces our held quantity by the same ratio, rounded down to the lot step;
// any other resize or re-price just refreshes the tracked upstream numbers.
func (e *Engine) resizePositions(ctx context.Context, upstream map[string][]store.TempPosition) error {
	rows, err := e.store.ActivePositions(e.instance)
	if err != nil {
		return fmt.Errorf("resize positions: %w", err)
	}
	for i := range rows {
		p := &rows[i]
		if p.IsIgnored {
			continue
		}
		m := FindUpstream(p, upstream[p.TraderID])
		u := m.Upstream

		switch m.Kind {
		case MatchPartialClose:
			if !p.IsFilled || p.UserAmount <= 0 || p.SubPos <= 0 {
				if err := e.updateUpstreamShape(p.ID, u); err != nil {
					return err
				}
				continue
			}
			ratio := (p.SubPos - u.SubPos) / p.SubPos
			meta, err := e.gw.MarketMeta(ctx, p.Symbol)
			if err != nil {
				return fmt.Errorf("resize positions: market metadata %s: %w", p.Symbol, err)
			}
			closeQty := floorToStep(ratio*p.UserAmount, meta.StepSize, p.UserAmount)
			if closeQty <= 0 {
				if err := e.updateUpstreamShape(p.ID, u); err != nil {
					return err
				}
				continue
			}
			_, err = e.gw.ClosePosition(ctx, types.CloseRequest{
				Symbol:   p.Symbol,
				Side:     p.Side.Side().Flip(),
				Quantity: decimal.NewFromFloat(closeQty),
			})
			if err != nil {
				return fmt.Errorf("resize positions: close %s: %w", p.Symbol, err)
			}
			err = e.store.UpdatePosition(p.ID, map[string]any{
				"sub_pos":     u.SubPos,
				"u_time":      u.UTime,
				"user_amount": p.UserAmount - closeQty,
			})
			if err != nil {
				return err
			}
			e.logger.Info("mirrored leader partial close",
				"symbol", p.Symbol, "trader", p.TraderID,
				"closed", closeQty, "remaining", p.UserAmount-closeQty)
		case MatchChanged, MatchAssumed:
			if u.SubPos == p.SubPos && u.UTime == p.UTime && u.OpenAvgPx == p.OpenAvgPx {
				continue
			}
			if err := e.updateUpstreamShape(p.ID, u); err != nil {
				return err
			}
		}
	}
	return nil
}

// updateUpstreamShape refreshes the tracked upstream quantity, entry, and
// update timestamp without touching our own exposure.
func (e *Engine) updateUpstreamShape(id uint, u *store.TempPosition) error {
	err := e.store.UpdatePosition(id, map[string]any{
		"sub_pos":     u.SubPos,
		"u_time":      u.UTime,
		"open_avg_px": u.OpenAvgPx,
	})
	if err != nil {
		return fmt.Errorf("resize positions: %w", err)
	}
	return nil
}
