package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/internal/config"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// fakeGateway records every exchange call and answers from canned data.
type fakeGateway struct {
	mu sync.Mutex

	balance        types.Balance
	lastPrice      map[string]float64
	meta           map[string]types.MarketMeta
	positions      []types.PositionInfo
	filledOrders   map[string]map[string]bool
	filledTriggers map[string]map[string]bool
	ordersErr      error

	nextID    int
	placed    []types.OrderRequest
	closed    []types.CloseRequest
	canceled  []string
	triggers  []types.TriggerRequest
	trCancels []string
	leverages map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		lastPrice:      map[string]float64{},
		meta:           map[string]types.MarketMeta{},
		filledOrders:   map[string]map[string]bool{},
		filledTriggers: map[string]map[string]bool{},
		leverages:      map[string]int{},
	}
}

func (g *fakeGateway) SetLeverage(_ context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverages[symbol] = leverage
	return nil
}

func (g *fakeGateway) PlaceLimitOrder(_ context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.placed = append(g.placed, req)
	return &types.OrderResult{OrderID: fmt.Sprintf("o%d", g.nextID), ClientOrderID: req.ClientOrderID}, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, orderID)
	return nil
}

func (g *fakeGateway) ClosePosition(_ context.Context, req types.CloseRequest) (*types.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.closed = append(g.closed, req)
	return &types.OrderResult{OrderID: fmt.Sprintf("o%d", g.nextID)}, nil
}

func (g *fakeGateway) CreateTrigger(_ context.Context, req types.TriggerRequest) (*types.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.triggers = append(g.triggers, req)
	return &types.OrderResult{OrderID: fmt.Sprintf("tr%d", g.nextID)}, nil
}

func (g *fakeGateway) CancelTrigger(_ context.Context, _, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trCancels = append(g.trCancels, orderID)
	return nil
}

func (g *fakeGateway) Balance(context.Context) (*types.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.balance
	return &b, nil
}

func (g *fakeGateway) LastPrice(_ context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.lastPrice[symbol]
	if !ok {
		return 0, errors.New("no price")
	}
	return p, nil
}

func (g *fakeGateway) MarketMeta(_ context.Context, symbol string) (*types.MarketMeta, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.meta[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}
	return &m, nil
}

func (g *fakeGateway) Positions(context.Context) ([]types.PositionInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.positions, nil
}

func (g *fakeGateway) FilledOrderIDs(_ context.Context, symbol string) (map[string]bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ordersErr != nil {
		return nil, g.ordersErr
	}
	return g.filledOrders[symbol], nil
}

func (g *fakeGateway) FilledTriggerIDs(_ context.Context, symbol string) (map[string]bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.filledTriggers[symbol], nil
}

// recordingAlerter captures notifications for assertions.
type recordingAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *recordingAlerter) Notify(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

func testConfig() *config.Config {
	return &config.Config{
		EquityOfTotalEquity: 50,
		EquityPerSinglePos:  10,
		IncrDecrPerc:        1,
		MaxPosSizePerc:      20,
		MinPosSizePerc:      1,
		SLRatio:             0.5,
		CopyMode:            "single",
		CopyTraderBy:        "KC",
		MaxTimeToFill:       300,
		Instances: map[string]config.InstanceConfig{
			"x1": {CopyPositions: true},
		},
		Engine: config.EngineConfig{
			CycleInterval:  time.Millisecond,
			CrashBaseDelay: time.Millisecond,
			MaxCrashes:     2,
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeGateway, *store.Store, *recordingAlerter) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	gw := newFakeGateway()
	gw.balance = types.Balance{
		Total: decimal.NewFromInt(3000),
		Free:  decimal.NewFromInt(3000),
	}
	gw.meta["SOL-USDT"] = types.MarketMeta{
		Symbol:   "SOL-USDT",
		MinQty:   decimal.RequireFromString("0.1"),
		StepSize: decimal.RequireFromString("0.1"),
	}
	gw.lastPrice["SOL-USDT"] = 16

	alert := &recordingAlerter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(testConfig(), "x1", s, gw, alert, logger)
	eng.firstRun = false
	return eng, gw, s, alert
}

func seedTrader(t *testing.T, s *store.Store, id string) {
	t.Helper()
	roi := 50.0
	err := s.UpsertTrader(&store.Trader{
		TraderID: id, Nickname: id, IsFollowed: true, YieldRatio: &roi,
	})
	if err != nil {
		t.Fatalf("UpsertTrader: %v", err)
	}
}

// seedClosedTrades inserts a trader's trade history: 30 deactivated rows with
// roes alternating between 0.10 and 0.20, enough to clear the trade-count
// floor and yield a positive Kelly criterion.
func seedClosedTrades(t *testing.T, s *store.Store, traderID string) {
	t.Helper()
	base := time.Now().UnixMilli()
	for i := 0; i < 30; i++ {
		roe := 0.10
		if i%2 == 1 {
			roe = 0.20
		}
		_, err := s.InsertPositionIfAbsent(&store.Position{
			Instance:   "x1",
			UpstreamID: fmt.Sprintf("hist-%s-%d", traderID, i),
			TraderID:   traderID,
			Symbol:     "HIST-USDT",
			Side:       types.Long,
			PnlRatio:   roe,
			UTime:      base - int64(i),
		})
		if err != nil {
			t.Fatalf("seed closed trade: %v", err)
		}
	}
	if err := s.RecomputeKC("x1", time.Now()); err != nil {
		t.Fatalf("RecomputeKC: %v", err)
	}
}

func solUpstream(uTime int64, subPos float64) store.TempPosition {
	return store.TempPosition{
		TraderID:   "t1",
		UpstreamID: "up-1",
		Symbol:     "SOL-USDT",
		Side:       types.Long,
		Leverage:   10,
		OpenAvgPx:  16,
		SubPos:     subPos,
		UTime:      uTime,
	}
}

func singleActive(t *testing.T, s *store.Store, symbol string) store.Position {
	t.Helper()
	rows, err := s.ActivePositions("x1")
	if err != nil {
		t.Fatalf("ActivePositions: %v", err)
	}
	var match []store.Position
	for _, r := range rows {
		if r.Symbol == symbol {
			match = append(match, r)
		}
	}
	if len(match) != 1 {
		t.Fatalf("active positions on %s = %d, want 1", symbol, len(match))
	}
	return match[0]
}

func TestFirstRunInsertsIgnored(t *testing.T) {
	t.Parallel()
	eng, _, s, _ := newTestEngine(t)
	eng.firstRun = true
	seedTrader(t, s, "t1")

	up := solUpstream(5000, 1000)
	upstream := map[string][]store.TempPosition{"t1": {up}}
	if err := eng.insertNewPositions(context.Background(), upstream, time.Now()); err != nil {
		t.Fatalf("insertNewPositions: %v", err)
	}

	row := singleActive(t, s, "SOL-USDT")
	if !row.IsIgnored || row.IgnoreReason != types.IgnoredFirstRun {
		t.Errorf("row = ignored %v reason %q, want first-run ignore", row.IsIgnored, row.IgnoreReason)
	}
	if row.UserAmount != 0 {
		t.Errorf("ignored row UserAmount = %v, want 0", row.UserAmount)
	}
}

func TestInsertAndCopyNewPosition(t *testing.T) {
	t.Parallel()
	eng, gw, s, _ := newTestEngine(t)
	seedTrader(t, s, "t1")
	seedClosedTrades(t, s, "t1")

	ctx := context.Background()
	now := time.Now()
	up := solUpstream(5000, 1000)
	upstream := map[string][]store.TempPosition{"t1": {up}}

	if err := eng.insertNewPositions(ctx, upstream, now); err != nil {
		t.Fatalf("insertNewPositions: %v", err)
	}
	row := singleActive(t, s, "SOL-USDT")
	// 3000 total * 50% equity * 10% per position = 150 USDT; at entry 16 and
	// 10x leverage the raw 93.75 snaps up to 93.8.
	if math.Abs(row.UserAmount-93.8) > 1e-9 {
		t.Fatalf("base amount = %v, want 93.8", row.UserAmount)
	}
	if row.IsIgnored || row.IsCopied {
		t.Fatalf("fresh row = %+v, want tracked and uncopied", row)
	}

	if err := eng.handleCopy(ctx, now); err != nil {
		t.Fatalf("handleCopy: %v", err)
	}
	if len(gw.placed) != 1 {
		t.Fatalf("placed orders = %d, want 1", len(gw.placed))
	}
	order := gw.placed[0]
	if !order.Quantity.Equal(decimal.RequireFromString("93.8")) {
		t.Errorf("order quantity = %s, want 93.8", order.Quantity)
	}
	if order.Side != types.Buy {
		t.Errorf("order side = %s, want buy", order.Side)
	}
	if want := types.EncodeClientOrderID("x1", row.ID); order.ClientOrderID != want {
		t.Errorf("client order id = %q, want %q", order.ClientOrderID, want)
	}
	if gw.leverages["SOL-USDT"] != 10 {
		t.Errorf("leverage = %d, want 10", gw.leverages["SOL-USDT"])
	}

	row = singleActive(t, s, "SOL-USDT")
	if !row.IsCopied || row.OrderID == "" {
		t.Errorf("row after copy = copied %v order %q, want copied with order id", row.IsCopied, row.OrderID)
	}

	// A second pass over identical upstream state changes nothing.
	if err := eng.insertNewPositions(ctx, upstream, now); err != nil {
		t.Fatalf("insertNewPositions: %v", err)
	}
	if err := eng.handleCopy(ctx, now); err != nil {
		t.Fatalf("handleCopy: %v", err)
	}
	if len(gw.placed) != 1 {
		t.Errorf("placed orders after repeat = %d, want still 1", len(gw.placed))
	}
}

func TestPartialCloseMirrorsRatio(t *testing.T) {
	t.Parallel()
	eng, gw, s, _ := newTestEngine(t)
	seedTrader(t, s, "t1")

	_, err := s.InsertPositionIfAbsent(&store.Position{
		Instance: "x1", UpstreamID: "up-1", TraderID: "t1",
		Symbol: "SOL-USDT", Side: types.Long, Leverage: 10,
		OpenAvgPx: 16, SubPos: 1000, UTime: 5000,
		UserAmount: 93.8, IsActive: true, IsCopied: true, IsFilled: true,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// The leader closed 40% of the position at the same entry.
	upstream := map[string][]store.TempPosition{"t1": {solUpstream(6000, 600)}}
	if err := eng.resizePositions(context.Background(), upstream); err != nil {
		t.Fatalf("resizePositions: %v", err)
	}

	if len(gw.closed) != 1 {
		t.Fatalf("close orders = %d, want 1", len(gw.closed))
	}
	// 40% of 93.8 is 37.52; the lot step floors it to 37.5.
	if !gw.closed[0].Quantity.Equal(decimal.RequireFromString("37.5")) {
		t.Errorf("close quantity = %s, want 37.5", gw.closed[0].Quantity)
	}
	if gw.closed[0].Side != types.Sell {
		t.Errorf("close side = %s, want sell", gw.closed[0].Side)
	}

	row := singleActive(t, s, "SOL-USDT")
	if math.Abs(row.UserAmount-56.3) > 1e-9 {
		t.Errorf("remaining UserAmount = %v, want 56.3", row.UserAmount)
	}
	if row.SubPos != 600 || row.UTime != 6000 {
		t.Errorf("tracked upstream shape = %v/%v, want 600/6000", row.SubPos, row.UTime)
	}
}

func TestExpiredUnfilledEntryIsCancelled(t *testing.T) {
	t.Parallel()
	eng, gw, s, _ := newTestEngine(t)
	seedTrader(t, s, "t1")

	now := time.Now()
	_, err := s.InsertPositionIfAbsent(&store.Position{
		Instance: "x1", UpstreamID: "up-1", TraderID: "t1",
		Symbol: "SOL-USDT", Side: types.Long, Leverage: 10,
		OpenAvgPx: 16, SubPos: 1000, UTime: 5000,
		UserAmount: 93.8, OrderID: "o1",
		InsertedOnTS: now.Add(-10 * time.Minute).UnixMilli(),
		IsActive:     true, IsCopied: true,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Upstream still shows the position; only our fill timed out.
	upstream := map[string][]store.TempPosition{"t1": {solUpstream(5000, 1000)}}
	if err := eng.retireDisappeared(context.Background(), upstream, now); err != nil {
		t.Fatalf("retireDisappeared: %v", err)
	}

	if len(gw.canceled) != 1 || gw.canceled[0] != "o1" {
		t.Fatalf("canceled = %v, want [o1]", gw.canceled)
	}
	p, err := s.PositionByUpstream("x1", "up-1")
	if err != nil || p == nil {
		t.Fatalf("PositionByUpstream: %v %v", p, err)
	}
	if !p.IsCanceled || !p.IsIgnored || p.IgnoreReason != types.IgnoredExpired || p.IsActive {
		t.Errorf("expired row = %+v, want cancelled, ignored 'expired', inactive", p)
	}
}

func TestDisappearedPositionsRetired(t *testing.T) {
	t.Parallel()
	eng, gw, s, _ := newTestEngine(t)
	seedTrader(t, s, "t1")

	now := time.Now()
	rows := []store.Position{
		{
			Instance: "x1", UpstreamID: "up-1", TraderID: "t1",
			Symbol: "SOL-USDT", Side: types.Long, Leverage: 10,
			OpenAvgPx: 16, SubPos: 1000, UTime: 5000, PnlRatio: 0.2,
			UserAmount: 93.8, IsActive: true, IsCopied: true, IsFilled: true,
		},
		{
			Instance: "x1", UpstreamID: "up-2", TraderID: "t1",
			Symbol: "ETH-USDT", Side: types.Short, Leverage: 5,
			OpenAvgPx: 2500, SubPos: 10, UTime: 5001,
			UserAmount: 1, OrderID: "o9",
			InsertedOnTS: now.UnixMilli(),
			IsActive:     true, IsCopied: true,
		},
		{
			Instance: "x1", UpstreamID: "up-3", TraderID: "t1",
			Symbol: "XRP-USDT", Side: types.Long, Leverage: 3,
			OpenAvgPx: 0.5, SubPos: 100, UTime: 5002, PnlRatio: -0.1,
			IsActive: true,
		},
	}
	for i := range rows {
		if _, err := s.InsertPositionIfAbsent(&rows[i]); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := eng.retireDisappeared(context.Background(), map[string][]store.TempPosition{}, now); err != nil {
		t.Fatalf("retireDisappeared: %v", err)
	}

	if len(gw.closed) != 1 || !gw.closed[0].Quantity.Equal(decimal.RequireFromString("93.8")) {
		t.Fatalf("closed = %+v, want one full close of 93.8", gw.closed)
	}
	if len(gw.canceled) != 1 || gw.canceled[0] != "o9" {
		t.Fatalf("canceled = %v, want [o9]", gw.canceled)
	}

	held, _ := s.PositionByUpstream("x1", "up-1")
	if !held.IsClosed || held.UserAmount != 0 || held.IsActive {
		t.Errorf("held row = %+v, want closed with zero quantity", held)
	}
	resting, _ := s.PositionByUpstream("x1", "up-2")
	if !resting.IsCanceled || resting.IsActive {
		t.Errorf("resting row = %+v, want cancelled and inactive", resting)
	}
	tracked, _ := s.PositionByUpstream("x1", "up-3")
	if tracked.IsActive || tracked.IsClosed || tracked.IsCanceled {
		t.Errorf("tracked row = %+v, want only deactivated", tracked)
	}

	stats, err := s.SuccessStats("x1")
	if err != nil {
		t.Fatalf("SuccessStats: %v", err)
	}
	if st := stats["t1"]; st.WinCount != 1 || st.LoseCount != 1 {
		t.Errorf("outcomes = %d/%d, want 1 win (roe 0.2) and 1 loss (roe -0.1)", st.WinCount, st.LoseCount)
	}
}

func TestStopLossLifecycle(t *testing.T) {
	t.Parallel()
	eng, gw, s, _ := newTestEngine(t)
	seedTrader(t, s, "t1")

	liq := 20.0
	_, err := s.InsertPositionIfAbsent(&store.Position{
		Instance: "x1", UpstreamID: "up-1", TraderID: "t1",
		Symbol: "SOL-USDT", Side: types.Long, Leverage: 10,
		OpenAvgPx: 24, SubPos: 1000, UTime: 5000,
		UserAmount: 10, LiquidationPrice: &liq,
		IsActive: true, IsCopied: true, IsFilled: true,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	ctx := context.Background()
	if err := eng.syncStopLosses(ctx); err != nil {
		t.Fatalf("syncStopLosses: %v", err)
	}
	if len(gw.triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(gw.triggers))
	}
	// Halfway between entry 24 and liquidation 20.
	if !gw.triggers[0].TriggerPrice.Equal(decimal.NewFromInt(22)) {
		t.Errorf("stop price = %s, want 22", gw.triggers[0].TriggerPrice)
	}
	if gw.triggers[0].Side != types.Sell {
		t.Errorf("stop side = %s, want sell", gw.triggers[0].Side)
	}

	// Converged state: a second sync places nothing new.
	if err := eng.syncStopLosses(ctx); err != nil {
		t.Fatalf("syncStopLosses: %v", err)
	}
	if len(gw.triggers) != 1 {
		t.Fatalf("triggers after resync = %d, want still 1", len(gw.triggers))
	}

	trig, err := s.TriggerFor("x1", "up-1", types.TriggerStopLoss)
	if err != nil || trig == nil {
		t.Fatalf("TriggerFor: %v %v", trig, err)
	}
	gw.filledTriggers["SOL-USDT"] = map[string]bool{trig.OrderID: true}

	if err := eng.reflectTriggerFills(ctx, types.TriggerStopLoss); err != nil {
		t.Fatalf("reflectTriggerFills: %v", err)
	}

	p, _ := s.PositionByUpstream("x1", "up-1")
	if !p.IsClosed || p.UserAmount != 0 || p.IsActive {
		t.Errorf("position after stop fill = %+v, want closed", p)
	}
	penalties, err := s.Penalties("x1")
	if err != nil {
		t.Fatalf("Penalties: %v", err)
	}
	if penalties["t1"] != 2 {
		t.Errorf("penalty = %d, want 2 after first stop-loss hit", penalties["t1"])
	}
	stats, _ := s.SuccessStats("x1")
	if st := stats["t1"]; st.LoseCount != 1 || st.WinCount != 0 {
		t.Errorf("outcomes = %d/%d, want the stop booked as a loss", st.WinCount, st.LoseCount)
	}
}

func TestConflictDuplicateKeepsEarliest(t *testing.T) {
	t.Parallel()
	eng, gw, s, _ := newTestEngine(t)

	for i, trader := range []string{"t1", "t2"} {
		_, err := s.InsertPositionIfAbsent(&store.Position{
			Instance: "x1", UpstreamID: fmt.Sprintf("up-%d", i+1), TraderID: trader,
			Symbol: "SOL-USDT", Side: types.Long, Leverage: 10,
			OpenAvgPx: 16, SubPos: 1000, UTime: int64(5000 + i),
			IsActive: true,
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := eng.resolveConflicts(context.Background()); err != nil {
		t.Fatalf("resolveConflicts: %v", err)
	}
	if len(gw.closed) != 0 || len(gw.canceled) != 0 {
		t.Fatalf("exchange calls for uncopied losers: closed %d canceled %d, want none",
			len(gw.closed), len(gw.canceled))
	}

	first, _ := s.PositionByUpstream("x1", "up-1")
	second, _ := s.PositionByUpstream("x1", "up-2")
	if first.IsIgnored {
		t.Errorf("earliest row ignored: %+v", first)
	}
	if !second.IsIgnored || second.IgnoreReason != types.IgnoredSameSymbolAndSide {
		t.Errorf("later row = %+v, want ignored %q", second, types.IgnoredSameSymbolAndSide)
	}
}

func TestReflectFillsMatchesByClientOrderID(t *testing.T) {
	t.Parallel()
	eng, gw, s, _ := newTestEngine(t)
	seedTrader(t, s, "t1")

	rows := []store.Position{
		{
			Instance: "x1", UpstreamID: "up-1", TraderID: "t1",
			Symbol: "SOL-USDT", Side: types.Long, Leverage: 10,
			OpenAvgPx: 16, SubPos: 1000, UTime: 5000,
			UserAmount: 93.8, OrderID: "o-lost",
			IsActive: true, IsCopied: true,
		},
		{
			Instance: "x1", UpstreamID: "up-2", TraderID: "t1",
			Symbol: "SOL-USDT", Side: types.Short, Leverage: 10,
			OpenAvgPx: 16, SubPos: 1000, UTime: 5001,
			UserAmount: 93.8, OrderID: "o-other",
			IsActive: true, IsCopied: true,
		},
	}
	for i := range rows {
		if _, err := s.InsertPositionIfAbsent(&rows[i]); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	first, _ := s.PositionByUpstream("x1", "up-1")
	second, _ := s.PositionByUpstream("x1", "up-2")

	// The venue ids we recorded never appear in the history; the first row's
	// fill is reported only under its client order id, the second row shows
	// up under another instance's id and must not match.
	gw.filledOrders["SOL-USDT"] = map[string]bool{
		types.EncodeClientOrderID("x1", first.ID):  true,
		types.EncodeClientOrderID("x2", second.ID): true,
	}

	if err := eng.reflectFills(context.Background()); err != nil {
		t.Fatalf("reflectFills: %v", err)
	}

	first, _ = s.PositionByUpstream("x1", "up-1")
	if !first.IsFilled {
		t.Error("fill reported under the client order id was not reflected")
	}
	second, _ = s.PositionByUpstream("x1", "up-2")
	if second.IsFilled {
		t.Error("another instance's client order id marked our row filled")
	}
}

func TestCycleConvergesToFixedPoint(t *testing.T) {
	t.Parallel()
	eng, gw, s, _ := newTestEngine(t)
	seedTrader(t, s, "t1")
	seedClosedTrades(t, s, "t1")

	if err := s.ReplaceTempPositions([]store.TempPosition{solUpstream(5000, 1000)}); err != nil {
		t.Fatalf("ReplaceTempPositions: %v", err)
	}

	ctx := context.Background()
	// First cycle tracks the upstream position and places the entry order.
	if err := eng.Cycle(ctx); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	row := singleActive(t, s, "SOL-USDT")
	if !row.IsCopied || row.IsFilled {
		t.Fatalf("row after cycle 1 = %+v, want copied and unfilled", row)
	}

	// The entry fills and the venue starts reporting the open position.
	gw.mu.Lock()
	gw.filledOrders["SOL-USDT"] = map[string]bool{row.OrderID: true}
	gw.positions = []types.PositionInfo{{
		Symbol: "SOL-USDT", Side: types.Long, Quantity: 93.8,
		EntryPrice: 16, LiquidationPrice: 12,
	}}
	gw.mu.Unlock()

	// Second cycle reflects the fill and places the stop and take profit.
	if err := eng.Cycle(ctx); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	slBefore, _ := s.TriggerFor("x1", "up-1", types.TriggerStopLoss)
	tpBefore, _ := s.TriggerFor("x1", "up-1", types.TriggerTakeProfit)
	if slBefore == nil || tpBefore == nil {
		t.Fatal("triggers missing after cycle 2")
	}

	before, err := s.ActivePositions("x1")
	if err != nil {
		t.Fatalf("ActivePositions: %v", err)
	}
	calls := func() [5]int {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return [5]int{len(gw.placed), len(gw.closed), len(gw.canceled), len(gw.triggers), len(gw.trCancels)}
	}
	callsBefore := calls()

	// With upstream and exchange state unchanged a further cycle is a no-op:
	// no new exchange calls, no row or trigger changes, and the fill report
	// replay does not re-mark anything.
	if err := eng.Cycle(ctx); err != nil {
		t.Fatalf("cycle 3: %v", err)
	}

	if got := calls(); got != callsBefore {
		t.Errorf("exchange calls on a stable cycle: %v -> %v, want unchanged", callsBefore, got)
	}
	after, err := s.ActivePositions("x1")
	if err != nil {
		t.Fatalf("ActivePositions: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("position rows changed on a stable cycle:\nbefore %+v\nafter  %+v", before, after)
	}
	slAfter, _ := s.TriggerFor("x1", "up-1", types.TriggerStopLoss)
	tpAfter, _ := s.TriggerFor("x1", "up-1", types.TriggerTakeProfit)
	if slAfter.OrderID != slBefore.OrderID || slAfter.Price != slBefore.Price {
		t.Errorf("stop loss re-placed on a stable cycle: %+v -> %+v", slBefore, slAfter)
	}
	if tpAfter.OrderID != tpBefore.OrderID || tpAfter.Price != tpBefore.Price {
		t.Errorf("take profit re-placed on a stable cycle: %+v -> %+v", tpBefore, tpAfter)
	}
	stats, err := s.SuccessStats("x1")
	if err != nil {
		t.Fatalf("SuccessStats: %v", err)
	}
	if st := stats["t1"]; st.WinCount != 0 || st.LoseCount != 0 {
		t.Errorf("outcomes booked on stable cycles: %d/%d, want 0/0", st.WinCount, st.LoseCount)
	}
}

func TestRunHaltsAfterConsecutiveCrashes(t *testing.T) {
	t.Parallel()
	eng, gw, s, alert := newTestEngine(t)
	seedTrader(t, s, "t1")

	_, err := s.InsertPositionIfAbsent(&store.Position{
		Instance: "x1", UpstreamID: "up-1", TraderID: "t1",
		Symbol: "SOL-USDT", Side: types.Long, Leverage: 10,
		OpenAvgPx: 16, SubPos: 1000, UTime: 5000,
		OrderID: "o1", IsActive: true, IsCopied: true,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	gw.ordersErr = errors.New("exchange down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Run(ctx); err == nil {
		t.Fatal("Run returned nil, want halt error")
	}

	st := eng.Status()
	if !st.Halted || st.ConsecutiveCrashes != 2 {
		t.Errorf("status = %+v, want halted after 2 crashes", st)
	}
	found := false
	for _, msg := range alert.msgs {
		if strings.Contains(msg, "Unable to recover") {
			found = true
		}
	}
	if !found {
		t.Errorf("alerts = %v, want a give-up notification", alert.msgs)
	}
}
