// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the copy trader — order sides,
// ignore reasons, exchange request/response payloads, and client order ids.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Flip returns the opposite side. Used for reduce-only closes and for
// placing trigger orders against an open position.
func (s Side) Flip() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide is the directional exposure of a derivatives position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// Side converts a position side to the order side that opens it.
func (p PositionSide) Side() Side {
	if p == Long {
		return Buy
	}
	return Sell
}

// Opposite returns the other directional exposure.
func (p PositionSide) Opposite() PositionSide {
	if p == Long {
		return Short
	}
	return Long
}

// TriggerKind distinguishes stop-loss from take-profit trigger orders.
type TriggerKind string

const (
	TriggerStopLoss   TriggerKind = "sl"
	TriggerTakeProfit TriggerKind = "tp"
)

// CopyMode selects between mirroring a single best trader and allocating
// across all admitted traders by Kelly weights.
type CopyMode string

const (
	CopySingle CopyMode = "single"
	CopyMulti  CopyMode = "multi"
)

// CopyTraderBy selects the ranking metric for single-copy mode:
// Kelly criterion or trade count.
type CopyTraderBy string

const (
	ByKellyCriterion CopyTraderBy = "KC"
	ByTradesCount    CopyTraderBy = "TC"
)

// ————————————————————————————————————————————————————————————————————————
// Ignore reasons
// ————————————————————————————————————————————————————————————————————————

// Ignore reasons annotate why a mirrored position was never copied, or why
// a previously tracked position was retired. All are terminal markers: an
// ignored row is never reconsidered for copying.
const (
	IgnoredFirstRun          = "first time run"
	IgnoredObserved          = "ignore observed"
	IgnoredMissingTotalROI   = "missing total ROI"
	IgnoredNegativeTotalROI  = "negative total ROI"
	IgnoredLowTradeCount     = "less than 30 trades"
	IgnoredNegativeKC        = "negative kc"
	IgnoredHedged            = "hedged"
	IgnoredLowerROI          = "lower roi"
	IgnoredLowerWinLoseRes   = "lower win lose res"
	IgnoredSameSymbolAndSide = "same symbol and side"
	IgnoredLowerKC           = "lower kc"
	IgnoredExpired           = "expired"
	IgnoredInsufficientFunds = "insufficient funds"
)

// NegativeROIReason builds the composite reason naming the timeframes whose
// ROI was non-positive, e.g. "negative daily, weekly ROI".
func NegativeROIReason(timeframes []string) string {
	return "negative " + strings.Join(timeframes, ", ") + " ROI"
}

// ————————————————————————————————————————————————————————————————————————
// Exchange payloads
// ————————————————————————————————————————————————————————————————————————

// Balance is the futures account equity snapshot.
type Balance struct {
	Total decimal.Decimal `json:"total"`
	Free  decimal.Decimal `json:"free"`
}

// MarketMeta carries the lot filters of a futures symbol.
type MarketMeta struct {
	Symbol   string          `json:"symbol"`
	MinQty   decimal.Decimal `json:"minQty"`
	StepSize decimal.Decimal `json:"stepSize"`
}

// OrderRequest is a limit entry order. ClientOrderID encodes the mirror row
// id so an order can be re-associated after a lost acknowledgement.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Leverage      int             `json:"leverage"`
	ClientOrderID string          `json:"clientOrderId"`
}

// CloseRequest is a market reduce-only order closing (part of) a position.
// Side is the opposite of the entry side.
type CloseRequest struct {
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

// TriggerRequest creates a stop-market trigger order (SL or TP).
type TriggerRequest struct {
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	TriggerPrice decimal.Decimal `json:"triggerPrice"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// OrderResult is the acknowledgement for any order-creating call.
type OrderResult struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

// PositionInfo is one open position on the target exchange, including the
// venue-computed liquidation price (0 when the venue reports none).
type PositionInfo struct {
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	Quantity         float64      `json:"quantity"`
	EntryPrice       float64      `json:"entryPrice"`
	LiquidationPrice float64      `json:"liquidationPrice"`
}

// ————————————————————————————————————————————————————————————————————————
// Client order ids
// ————————————————————————————————————————————————————————————————————————

const clientOrderIDPrefix = "cm"

// EncodeClientOrderID derives a client order id from the instance name and
// the mirror table row id, e.g. "cm-x1-42".
func EncodeClientOrderID(instance string, rowID uint) string {
	return fmt.Sprintf("%s-%s-%d", clientOrderIDPrefix, instance, rowID)
}

// DecodeClientOrderID recovers (instance, rowID) from a client order id.
// Returns false for ids not produced by EncodeClientOrderID.
func DecodeClientOrderID(id string) (string, uint, bool) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != clientOrderIDPrefix || parts[1] == "" {
		return "", 0, false
	}
	rowID, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[1], uint(rowID), true
}

// PercDiff returns the absolute difference between x and y as a percentage
// of the larger magnitude. Drives the 1% trigger-order drift rule.
func PercDiff(x, y float64) float64 {
	if x == y {
		return 0
	}
	max := x
	if y > max {
		max = y
	}
	if max == 0 {
		return 0
	}
	diff := x - y
	if diff < 0 {
		diff = -diff
	}
	return diff / max * 100
}
