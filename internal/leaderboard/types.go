// Package leaderboard implements the upstream leaderboard API client and the
// observer that keeps the local trader, trader-stats, and temp-position
// tables in sync with it.
package leaderboard

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// NullFloat decodes upstream numeric fields that may arrive as numbers,
// numeric strings, or the empty string (which means null).
type NullFloat struct {
	Value float64
	Valid bool
}

// UnmarshalJSON accepts 1.23, "1.23", "" and null.
func (n *NullFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		*n = NullFloat{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = NullFloat{Value: v, Valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = NullFloat{Value: v, Valid: true}
	return nil
}

// Ptr returns the value as a nullable pointer.
func (n NullFloat) Ptr() *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// envelope is the common response wrapper; Message is "OK" on success.
type envelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// PerformanceEntry is one trader on the paged performance leaderboard
// (9 entries per page).
type PerformanceEntry struct {
	ID         string    `json:"id"`
	NickName   string    `json:"nickName"`
	AUM        NullFloat `json:"aum"`
	FollowPnl  NullFloat `json:"followPnl"`
	Followers  int       `json:"numberOfFollowers"`
	Pnl        NullFloat `json:"pnl"`
	Symbol     string    `json:"symbol"`
	WinRatio   NullFloat `json:"winRatio"`
	YieldRatio NullFloat `json:"yieldRatio"`
}

// PositionEntry is one open position of a trader. Field names map one to one
// onto the temp-position columns, case-normalized; empty strings are null.
type PositionEntry struct {
	InstID      string    `json:"instId"`
	PosSide     string    `json:"posSide"` // "long" or "short"
	Lever       NullFloat `json:"lever"`
	MarkPx      NullFloat `json:"markPx"`
	OpenAvgPx   NullFloat `json:"openAvgPx"`
	Pnl         NullFloat `json:"pnl"`
	PnlRatio    NullFloat `json:"pnlRatio"`
	SubPos      NullFloat `json:"subPos"`
	OpenTime    int64     `json:"openTime,string"`
	UTime       int64     `json:"uTime,string"`
	TradeItemID string    `json:"tradeItemId"`
}

// HistoricalPosition is one closed position from the paged history endpoint
// (20 entries per page, keyed forward by after=tradeItemId).
type HistoricalPosition struct {
	InstID      string    `json:"instId"`
	PosSide     string    `json:"posSide"`
	Lever       NullFloat `json:"lever"`
	OpenAvgPx   NullFloat `json:"openAvgPx"`
	CloseAvgPx  NullFloat `json:"closeAvgPx"`
	Pnl         NullFloat `json:"pnl"`
	PnlRatio    NullFloat `json:"pnlRatio"`
	SubPos      NullFloat `json:"subPos"`
	OpenTime    int64     `json:"openTime,string"`
	UTime       int64     `json:"uTime,string"`
	TradeItemID string    `json:"tradeItemId"`
}

// TradeStats is one trader's statistics for a single date range.
type TradeStats struct {
	DateRange        string    `json:"dateRange"`
	WinRatio         NullFloat `json:"winRatio"`
	YieldRatio       NullFloat `json:"yieldRatio"`
	CurrentFollowPnl NullFloat `json:"currentFollowPnl"`
	FollowerNum      int       `json:"followerNum"`
	AUM              NullFloat `json:"aum"`
	AvgPositionValue NullFloat `json:"avgPositionValue"`
	CostVal          NullFloat `json:"costVal"`
	ProfitDays       int       `json:"profitDays"`
	LossDays         int       `json:"lossDays"`
}

// Summary is the per-trader summary carrying the total yield ratio.
type Summary struct {
	ID         string    `json:"id"`
	YieldRatio NullFloat `json:"yieldRatio"`
	WinRatio   NullFloat `json:"winRatio"`
}
