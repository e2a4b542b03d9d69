package engine

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"copytrader/pkg/types"
)

func TestPositionSizePercent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		winLoseRes int
		want       float64
	}{
		{"neutral", 0, 10},
		{"winning streak", 3, 13},
		{"losing streak", -4, 6},
		{"clamped high", 50, 20},
		{"clamped low", -50, 1},
	}
	for _, tc := range cases {
		got := positionSizePercent(10, tc.winLoseRes, 1, 1, 20)
		if got != tc.want {
			t.Errorf("%s: positionSizePercent = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEntryQuantity(t *testing.T) {
	t.Parallel()

	if got := entryQuantity(150, 16, 10); math.Abs(got-93.75) > 1e-9 {
		t.Errorf("entryQuantity = %v, want 93.75", got)
	}
	if got := entryQuantity(150, 0, 10); got != 0 {
		t.Errorf("entryQuantity with zero price = %v, want 0", got)
	}
}

func TestSnapQuantity(t *testing.T) {
	t.Parallel()

	meta := types.MarketMeta{
		Symbol:   "SOL-USDT",
		MinQty:   decimal.RequireFromString("0.1"),
		StepSize: decimal.RequireFromString("0.1"),
	}

	// Exactly between two steps rounds up.
	if got := snapQuantity(93.75, meta, 16); got != 93.8 {
		t.Errorf("snapQuantity(93.75) = %v, want 93.8", got)
	}
	if got := snapQuantity(93.74, meta, 16); got != 93.7 {
		t.Errorf("snapQuantity(93.74) = %v, want 93.7", got)
	}
	if got := snapQuantity(93.76, meta, 16); got != 93.8 {
		t.Errorf("snapQuantity(93.76) = %v, want 93.8", got)
	}

	// Below the minimum quantity clamps up to it.
	if got := snapQuantity(0.01, meta, 100); got != 0.1 {
		t.Errorf("snapQuantity below min = %v, want 0.1", got)
	}

	// A snapped notional under 5 USDT forces the upward multiple.
	if got := snapQuantity(0.24, meta, 20); got != 0.3 {
		t.Errorf("snapQuantity under min notional = %v, want 0.3", got)
	}

	// No lot filter leaves the raw quantity untouched.
	if got := snapQuantity(93.75, types.MarketMeta{}, 16); got != 93.75 {
		t.Errorf("snapQuantity without step = %v, want 93.75", got)
	}
}

func TestFloorToStep(t *testing.T) {
	t.Parallel()

	step := decimal.RequireFromString("0.1")

	if got := floorToStep(37.52, step, 93.8); math.Abs(got-37.5) > 1e-9 {
		t.Errorf("floorToStep(37.52) = %v, want 37.5", got)
	}
	// Never exceeds what the position still holds.
	if got := floorToStep(37.52, step, 20); got != 20 {
		t.Errorf("floorToStep capped = %v, want 20", got)
	}
	if got := floorToStep(5.27, decimal.Zero, 100); got != 5.27 {
		t.Errorf("floorToStep without step = %v, want 5.27", got)
	}
}
