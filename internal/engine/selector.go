package engine

import (
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// switchRatio is the hysteresis band of single-copy mode: a challenger's
// Kelly criterion must exceed the incumbent's by more than 20% to take over.
const switchRatio = 1.2

// eligible reports whether a position keeps its trader in the selector race.
func eligible(p *store.Position) bool {
	return !p.IsIgnored && !p.IsClosed
}

// largestKCTrader returns the trader with the highest positive Kelly
// criterion among traders holding at least one eligible position; "" when
// none qualifies.
func largestKCTrader(positions []store.Position, kc map[string]store.KCStat) string {
	best := ""
	bestVal := 0.0
	for i := range positions {
		if !eligible(&positions[i]) {
			continue
		}
		stat, ok := kc[positions[i].TraderID]
		if ok && stat.KellyCriterion > bestVal {
			bestVal = stat.KellyCriterion
			best = positions[i].TraderID
		}
	}
	return best
}

// largestTCTrader is the trade-count analogue of largestKCTrader.
func largestTCTrader(positions []store.Position, kc map[string]store.KCStat) string {
	best := ""
	bestVal := 0
	for i := range positions {
		if !eligible(&positions[i]) {
			continue
		}
		stat, ok := kc[positions[i].TraderID]
		if ok && stat.TradesCount > bestVal {
			bestVal = stat.TradesCount
			best = positions[i].TraderID
		}
	}
	return best
}

// currentlyCopiedTrader returns the single trader holding copied, not-closed,
// non-ignored positions. More than one such trader is a logical invariant
// violation; anomaly is set and the decision phase must abort.
func currentlyCopiedTrader(positions []store.Position) (trader string, anomaly bool) {
	seen := make(map[string]bool)
	for i := range positions {
		p := &positions[i]
		if p.IsCopied && !p.IsClosed && !p.IsIgnored {
			seen[p.TraderID] = true
		}
	}
	switch len(seen) {
	case 0:
		return "", false
	case 1:
		for id := range seen {
			return id, false
		}
	}
	return "", true
}

// shouldSwitch decides whether the leader displaces the currently copied
// trader. In KC mode the leader must clear the 20% hysteresis band (exactly
// 1.2x stays); in TC mode any strictly larger trade count wins.
func shouldSwitch(by types.CopyTraderBy, current, leader store.KCStat) bool {
	if by == types.ByTradesCount {
		return leader.TradesCount > current.TradesCount
	}
	return current.KellyCriterion*switchRatio < leader.KellyCriterion
}
