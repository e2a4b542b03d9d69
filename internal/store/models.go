package store

import (
	"time"

	"copytrader/pkg/types"
)

// Trader is the identity row of a lead trader from the upstream leaderboard.
//
// A trader is followed only if it passed the filter gate during the most
// recent refresh; observed may outlive followed when the trader dropped off
// the leaderboard but still has positive total ROI and traded within the
// last 30 days.
type Trader struct {
	TraderID   string `gorm:"primaryKey;size:255"`
	Nickname   string
	AUM        float64
	FollowPnl  float64
	Followers  int
	Pnl        float64
	Symbol     string // symbol bias reported by the leaderboard
	WinRatio   float64
	YieldRatio *float64 // total ROI; nil when the upstream omits it

	IsInit     bool
	IsFollowed bool
	IsObserved bool

	LastPosDatetime *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TraderStats is one (trader, date_range) statistics row. Filter input only.
// DateRange is the upstream window name: "daily", "weekly", "monthly", "total".
type TraderStats struct {
	ID        uint   `gorm:"primaryKey"`
	TraderID  string `gorm:"size:255;uniqueIndex:idx_trader_stats"`
	DateRange string `gorm:"size:32;uniqueIndex:idx_trader_stats"`

	FollowerNum      int
	CurrentFollowPnl float64
	AUM              float64
	AvgPositionValue float64
	CostVal          float64
	WinRatio         float64
	YieldRatio       float64
	ProfitDays       int
	LossDays         int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TempPosition is an upstream trader's open position as last reported by
// the leaderboard. The whole table is rewritten by the observer each refresh.
type TempPosition struct {
	ID       uint   `gorm:"primaryKey"`
	TraderID string `gorm:"size:255;index"`

	UpstreamID string `gorm:"size:255"` // upstream position id
	Symbol     string `gorm:"size:64"`
	Side       types.PositionSide
	Leverage   int
	MarkPx     float64
	OpenAvgPx  float64
	Pnl        float64
	PnlRatio   float64
	SubPos     float64 // upstream quantity

	OpenTime     int64 // ms since epoch
	UTime        int64 // ms since epoch, last upstream update
	InsertedOnTS int64 // ms since epoch
}

// Position is a mirrored position: the locally tracked order/position that
// reflects (or is pending to reflect) one upstream position.
//
// Exactly one row may exist per (instance, upstream id). is_closed implies
// user_amount = 0 and is_active = 0; is_filled implies is_copied.
type Position struct {
	ID         uint   `gorm:"primaryKey"`
	Instance   string `gorm:"size:16;uniqueIndex:idx_instance_upstream"`
	UpstreamID string `gorm:"size:255;uniqueIndex:idx_instance_upstream"`

	OrderID  string `gorm:"size:64"` // local exchange order id, set on copy
	TraderID string `gorm:"size:255;index"`

	Symbol    string `gorm:"size:64"`
	Side      types.PositionSide
	Leverage  int
	OpenAvgPx float64
	MarkPx    float64
	Pnl       float64
	PnlRatio  float64 // upstream ROE
	SubPos    float64 // upstream quantity

	UserAmount       float64  // our quantity on the target exchange
	LiquidationPrice *float64 // refreshed from the exchange; nil when unknown

	OpenTime     int64 // ms since epoch
	UTime        int64 // ms since epoch
	InsertedOnTS int64 // ms since epoch; drives the max_time_to_fill expiry

	IsActive     bool
	IsCopied     bool
	IsFilled     bool
	IsIgnored    bool
	IgnoreReason string `gorm:"size:255"`
	IsCanceled   bool
	IsClosed     bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TriggerOrder is a live stop-loss or take-profit order on the exchange.
// At most one active row per (instance, position upstream id, kind).
type TriggerOrder struct {
	ID                 uint              `gorm:"primaryKey"`
	Instance           string            `gorm:"size:16;uniqueIndex:idx_trigger"`
	PositionUpstreamID string            `gorm:"size:255;uniqueIndex:idx_trigger"`
	Kind               types.TriggerKind `gorm:"size:4;uniqueIndex:idx_trigger"`

	OrderID string `gorm:"size:64"` // exchange trigger-order id
	Symbol  string `gorm:"size:64"`
	Side    types.Side
	Price   float64
	Amount  float64

	IsActive bool
	IsFilled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SuccessStat is the per (trader, instance) running win/loss record that
// drives the dynamic position-size modifier.
type SuccessStat struct {
	ID       uint   `gorm:"primaryKey"`
	TraderID string `gorm:"size:255;uniqueIndex:idx_success"`
	Instance string `gorm:"size:16;uniqueIndex:idx_success"`

	IsActive  bool
	WinCount  int
	LoseCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WinLoseRes is the running win_count - lose_count balance.
func (s SuccessStat) WinLoseRes() int {
	return s.WinCount - s.LoseCount
}

// WinRate returns win_count / (win_count + lose_count); false with no trades.
func (s SuccessStat) WinRate() (float64, bool) {
	total := s.WinCount + s.LoseCount
	if total == 0 {
		return 0, false
	}
	return float64(s.WinCount) / float64(total), true
}

// Penalty divides a trader's effective Kelly weight. Inserted at 2 on the
// first stop-loss hit and doubled on each subsequent one.
type Penalty struct {
	ID       uint   `gorm:"primaryKey"`
	TraderID string `gorm:"size:255;uniqueIndex:idx_penalty"`
	Instance string `gorm:"size:16;uniqueIndex:idx_penalty"`
	Kind     string `gorm:"size:16"` // "sl"
	Value    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// KCStat is the per (trader, instance) Kelly-criterion aggregate, recomputed
// from closed mirrored positions no older than 365 days.
type KCStat struct {
	ID       uint   `gorm:"primaryKey"`
	TraderID string `gorm:"size:255;uniqueIndex:idx_kc"`
	Instance string `gorm:"size:16;uniqueIndex:idx_kc"`

	TradesCount    int
	RoeSum         float64
	AvgRoe         float64
	RoeStdDev      float64
	KellyCriterion float64 // avg_roe / std_dev^2; 0 when undefined

	CreatedAt time.Time
	UpdatedAt time.Time
}
