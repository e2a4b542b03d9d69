package engine

import (
	"github.com/shopspring/decimal"

	"copytrader/pkg/types"
)

// minNotionalUSDT is the exchange's smallest allowed order value. Quantities
// whose notional would land below it are forced to the upward step multiple.
const minNotionalUSDT = 5

// positionSizePercent derives the per-position allocation percent from the
// base percent and the trader's running win/lose balance, clamped to the
// configured band.
func positionSizePercent(base float64, winLoseRes int, incrDecr, minPerc, maxPerc float64) float64 {
	perc := base + float64(winLoseRes)*incrDecr
	if perc > maxPerc {
		return maxPerc
	}
	if perc < minPerc {
		return minPerc
	}
	return perc
}

// entryQuantity converts a USDT allocation into a contract quantity at the
// given entry price and leverage.
func entryQuantity(usdt, entryPrice float64, leverage int) float64 {
	if entryPrice == 0 {
		return 0
	}
	return usdt / entryPrice * float64(leverage)
}

// snapQuantity rounds a raw quantity to the symbol's lot step: nearest step
// multiple with ties broken upward, clamped to min qty. A snapped notional
// below the exchange minimum forces the upward multiple instead.
func snapQuantity(raw float64, meta types.MarketMeta, entryPrice float64) float64 {
	if meta.StepSize.IsZero() {
		return raw
	}
	d := decimal.NewFromFloat(raw)
	steps := d.Div(meta.StepSize)
	ceil := steps.Ceil().Mul(meta.StepSize)
	floor := steps.Floor().Mul(meta.StepSize)

	snapped := floor
	if ceil.Sub(d).Abs().Cmp(d.Sub(floor).Abs()) <= 0 {
		snapped = ceil
	}
	if snapped.LessThan(meta.MinQty) {
		snapped = meta.MinQty
	}
	entry := decimal.NewFromFloat(entryPrice)
	if snapped.Mul(entry).LessThan(decimal.NewFromInt(minNotionalUSDT)) {
		snapped = ceil
		if snapped.LessThan(meta.MinQty) {
			snapped = meta.MinQty
		}
	}
	return snapped.InexactFloat64()
}

// floorToStep rounds a close quantity down to the lot step and caps it at
// the position's remaining user quantity. Partial closes never round up, so
// a reduce can never flip the position.
func floorToStep(qty float64, step decimal.Decimal, userAmount float64) float64 {
	if step.IsZero() {
		if qty > userAmount {
			return userAmount
		}
		return qty
	}
	fixed := decimal.NewFromFloat(qty).Div(step).Floor().Mul(step).InexactFloat64()
	if fixed > userAmount {
		return userAmount
	}
	return fixed
}
