package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"copytrader/internal/config"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// observedRetentionDays keeps a dropped trader under observation while its
// total ROI is positive and it traded within this many days.
const observedRetentionDays = 30

// Observer keeps the local trader roster, per-window stats, and the
// temp-positions table in sync with the upstream leaderboard.
type Observer struct {
	client *Client
	store  *store.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewObserver wires the observer against the leaderboard client and store.
func NewObserver(client *Client, st *store.Store, cfg *config.Config, logger *slog.Logger) *Observer {
	return &Observer{
		client: client,
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "observer"),
	}
}

// Run refreshes traders and temp positions on a fixed interval until the
// context is cancelled. Refresh failures are logged and retried next tick.
func (o *Observer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := o.Refresh(ctx); err != nil {
			o.logger.Error("leaderboard refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh runs one full pass: trader roster, per-window stats, follower
// filter, and the temp-positions rewrite.
func (o *Observer) Refresh(ctx context.Context) error {
	if err := o.refreshTraders(ctx); err != nil {
		return err
	}
	if err := o.refreshStats(ctx); err != nil {
		return err
	}
	if err := o.applyFollowerFilter(); err != nil {
		return err
	}
	if err := o.seedKellyHistory(ctx); err != nil {
		return err
	}
	return o.RefreshTempPositions(ctx)
}

// refreshTraders pulls the performance pages, upserts the roster, and
// applies the retention rule to traders that dropped off the leaderboard.
func (o *Observer) refreshTraders(ctx context.Context) error {
	maxTraders := o.cfg.SearchTraders.MaxTraders
	if maxTraders <= 0 {
		maxTraders = 100
	}

	if err := o.store.ClearInitFlags(); err != nil {
		return err
	}

	var entries []PerformanceEntry
	for page := 1; len(entries) < maxTraders; page++ {
		batch, err := o.client.Performance(ctx, page)
		if err != nil {
			return fmt.Errorf("performance page %d: %w", page, err)
		}
		entries = append(entries, batch...)
		if len(batch) < PerformancePageSize {
			break
		}
	}
	if len(entries) > maxTraders {
		entries = entries[:maxTraders]
	}

	upstream := make(map[string]bool, len(entries))
	for _, e := range entries {
		upstream[e.ID] = true
	}

	// Retention pass over traders that vanished from the leaderboard.
	known, err := o.store.Traders()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, tr := range known {
		if upstream[tr.TraderID] || (!tr.IsFollowed && !tr.IsObserved) {
			continue
		}
		// Performance rows stop arriving for dropped traders; the summary
		// endpoint still answers, so the retention rule sees fresh ROI.
		if summary, err := o.client.Summary(ctx, tr.TraderID); err != nil {
			o.logger.Warn("summary refresh failed", "trader_id", tr.TraderID, "error", err)
		} else if summary.YieldRatio.Valid {
			tr.YieldRatio = summary.YieldRatio.Ptr()
			if err := o.store.UpdateTraderYield(tr.TraderID, summary.YieldRatio.Value); err != nil {
				return err
			}
		}
		observed := false
		if tr.YieldRatio != nil && *tr.YieldRatio > 0 && tr.LastPosDatetime != nil {
			if now.Sub(*tr.LastPosDatetime) <= observedRetentionDays*24*time.Hour {
				observed = true
			}
		}
		o.logger.Info("trader dropped from leaderboard",
			"trader_id", tr.TraderID, "observed", observed)
		if err := o.store.UnfollowTrader(tr.TraderID, observed); err != nil {
			return err
		}
	}

	for _, e := range entries {
		row := &store.Trader{
			TraderID:   e.ID,
			Nickname:   e.NickName,
			AUM:        e.AUM.Value,
			FollowPnl:  e.FollowPnl.Value,
			Followers:  e.Followers,
			Pnl:        e.Pnl.Value,
			Symbol:     e.Symbol,
			WinRatio:   e.WinRatio.Value,
			YieldRatio: e.YieldRatio.Ptr(),
			IsInit:     true,
		}
		if err := o.store.UpsertTrader(row); err != nil {
			return err
		}
	}

	o.logger.Info("trader roster refreshed", "traders", len(entries))
	return nil
}

// refreshStats pulls per-window trade statistics for every trader seen in
// the current pass, one row per configured date range.
func (o *Observer) refreshStats(ctx context.Context) error {
	ids, err := o.store.InitTraderIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		for dateRange := range o.cfg.FilterTraders {
			stats, err := o.client.TradeStats(ctx, id, dateRange)
			if err != nil {
				return fmt.Errorf("trade stats %s/%s: %w", id, dateRange, err)
			}
			row := &store.TraderStats{
				TraderID:         id,
				DateRange:        dateRange,
				WinRatio:         stats.WinRatio.Value,
				YieldRatio:       stats.YieldRatio.Value,
				CurrentFollowPnl: stats.CurrentFollowPnl.Value,
				FollowerNum:      stats.FollowerNum,
				AUM:              stats.AUM.Value,
				AvgPositionValue: stats.AvgPositionValue.Value,
				CostVal:          stats.CostVal.Value,
				ProfitDays:       stats.ProfitDays,
				LossDays:         stats.LossDays,
			}
			if err := o.store.UpsertTraderStats(row); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyFollowerFilter admits traders whose stats clear every configured
// window's thresholds and follows exactly that set.
func (o *Observer) applyFollowerFilter() error {
	ids, err := o.store.InitTraderIDs()
	if err != nil {
		return err
	}

	var toFollow []string
	for _, id := range ids {
		stats, err := o.store.TraderStatsByID(id)
		if err != nil {
			return err
		}
		if passesWindowFilters(stats, o.cfg.FilterTraders) {
			toFollow = append(toFollow, id)
		}
	}

	if err := o.store.SetFollowedTraders(toFollow); err != nil {
		return err
	}
	o.logger.Info("follower filter applied", "followed", len(toFollow))
	return nil
}

// passesWindowFilters checks one trader's stats rows against the per-window
// thresholds. A zero threshold is disabled; a missing stats row passes.
func passesWindowFilters(stats map[string]store.TraderStats, filters map[string]config.WindowFilter) bool {
	for dateRange, f := range filters {
		row, ok := stats[dateRange]
		if !ok {
			continue
		}
		if f.WinRatio != 0 && row.WinRatio < f.WinRatio {
			return false
		}
		if f.YieldRatio != 0 && row.YieldRatio < f.YieldRatio {
			return false
		}
		if f.CurrentFollowPnl != 0 && row.CurrentFollowPnl < f.CurrentFollowPnl {
			return false
		}
		if f.ProfitDays != 0 && row.ProfitDays < f.ProfitDays {
			return false
		}
		if f.LossDays != 0 && row.LossDays > f.LossDays {
			return false
		}
		if f.ProfitLossDaysDiff != 0 && (row.ProfitDays-row.LossDays) <= f.ProfitLossDaysDiff {
			return false
		}
	}
	return true
}

// seedKellyHistory backfills the Kelly aggregates of followed traders from
// their upstream trade history, so admission does not have to wait for
// locally observed closes. The seed only fills missing rows; instances with
// their own closed positions keep the recomputed aggregate.
func (o *Observer) seedKellyHistory(ctx context.Context) error {
	followed, err := o.store.FollowedTraderIDs()
	if err != nil {
		return err
	}

	missing := make(map[string][]string) // trader id -> instances lacking a row
	for instance := range o.cfg.Instances {
		kc, err := o.store.KCStats(instance)
		if err != nil {
			return err
		}
		for _, id := range followed {
			if _, ok := kc[id]; !ok {
				missing[id] = append(missing[id], instance)
			}
		}
	}

	for id, instances := range missing {
		history, err := o.client.AllHistoricalPositions(ctx, id)
		if err != nil {
			return fmt.Errorf("historical positions %s: %w", id, err)
		}
		if len(history) == 0 {
			continue
		}
		roes := make([]float64, 0, len(history))
		for _, h := range history {
			roes = append(roes, h.PnlRatio.Value)
		}
		for _, instance := range instances {
			if err := o.store.SeedKC(instance, id, roes); err != nil {
				return err
			}
		}
		o.logger.Info("seeded trade history", "trader_id", id, "trades", len(roes))
	}
	return nil
}

// RefreshTempPositions rewrites the temp-positions table with the current
// open positions of every followed and observed trader.
func (o *Observer) RefreshTempPositions(ctx context.Context) error {
	ids, err := o.store.FollowedOrObservedTraderIDs()
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	var rows []store.TempPosition
	for _, id := range ids {
		positions, err := o.client.Positions(ctx, id)
		if err != nil {
			return fmt.Errorf("positions %s: %w", id, err)
		}
		for _, p := range positions {
			rows = append(rows, store.TempPosition{
				TraderID:     id,
				UpstreamID:   p.TradeItemID,
				Symbol:       p.InstID,
				Side:         types.PositionSide(p.PosSide),
				Leverage:     int(p.Lever.Value),
				MarkPx:       p.MarkPx.Value,
				OpenAvgPx:    p.OpenAvgPx.Value,
				Pnl:          p.Pnl.Value,
				PnlRatio:     p.PnlRatio.Value,
				SubPos:       p.SubPos.Value,
				OpenTime:     p.OpenTime,
				UTime:        p.UTime,
				InsertedOnTS: now,
			})
		}
	}

	if err := o.store.ReplaceTempPositions(rows); err != nil {
		return err
	}
	o.logger.Debug("temp positions rewritten", "rows", len(rows))
	return nil
}
