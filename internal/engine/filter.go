package engine

import (
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// minTradesCount is the closed-trade floor below which a trader's new
// positions are not copied.
const minTradesCount = 30

// roiSet carries a trader's per-window yield ratios; nil means the upstream
// reported no value for that window.
type roiSet struct {
	Daily   *float64
	Weekly  *float64
	Monthly *float64
	Total   *float64
}

// buildROISet assembles a trader's ROI windows from its stats rows, with the
// leaderboard summary value taking precedence for the total window.
func buildROISet(trader *store.Trader, stats map[string]store.TraderStats) roiSet {
	var set roiSet
	pick := func(window string) *float64 {
		if row, ok := stats[window]; ok {
			v := row.YieldRatio
			return &v
		}
		return nil
	}
	set.Daily = pick("daily")
	set.Weekly = pick("weekly")
	set.Monthly = pick("monthly")
	set.Total = pick("total")
	if trader != nil && trader.YieldRatio != nil {
		set.Total = trader.YieldRatio
	}
	return set
}

func (r roiSet) empty() bool {
	return r.Daily == nil && r.Weekly == nil && r.Monthly == nil && r.Total == nil
}

// admissionInput is everything the ignore policy needs to judge one new
// upstream position.
type admissionInput struct {
	FirstRun    bool
	Observed    bool
	ROIs        roiSet
	TradesCount int
	KC          float64
	HasKC       bool

	IgnoreObserved         bool
	IgnoreNegAllTimeframes bool
	IgnoreNegTotalROI      bool
}

// admission is the policy verdict: skip means the position is not inserted
// at all this cycle (missing trader data), ignored means it is persisted
// with a terminal reason.
type admission struct {
	Skip    bool
	Ignored bool
	Reason  string
}

// admit evaluates the ignore policy in order; the first triggered rule wins.
func admit(in admissionInput) admission {
	if in.FirstRun {
		return admission{Ignored: true, Reason: types.IgnoredFirstRun}
	}
	if in.ROIs.empty() {
		return admission{Skip: true}
	}
	if in.IgnoreObserved && in.Observed {
		return admission{Ignored: true, Reason: types.IgnoredObserved}
	}
	if in.IgnoreNegAllTimeframes {
		var failed []string
		check := func(window string, roi *float64) {
			if roi != nil && *roi <= 0 {
				failed = append(failed, window)
			}
		}
		check("daily", in.ROIs.Daily)
		check("weekly", in.ROIs.Weekly)
		check("monthly", in.ROIs.Monthly)
		check("total", in.ROIs.Total)
		if len(failed) > 0 {
			return admission{Ignored: true, Reason: types.NegativeROIReason(failed)}
		}
	}
	if in.IgnoreNegTotalROI {
		if in.ROIs.Total == nil {
			return admission{Ignored: true, Reason: types.IgnoredMissingTotalROI}
		}
		if *in.ROIs.Total <= 0 {
			return admission{Ignored: true, Reason: types.IgnoredNegativeTotalROI}
		}
	}
	if in.TradesCount < minTradesCount {
		return admission{Ignored: true, Reason: types.IgnoredLowTradeCount}
	}
	if in.HasKC && in.KC <= 0 {
		return admission{Ignored: true, Reason: types.IgnoredNegativeKC}
	}
	return admission{}
}

// conflictLoser is one position that lost a cross-position conflict and the
// reason it must be retired under.
type conflictLoser struct {
	Position store.Position
	Reason   string
}

// resolveConflictLosers walks every pair of active non-ignored positions in
// insertion order and decides the losers:
//   - same trader, same symbol, opposite side (hedged): the earlier update
//     timestamp loses;
//   - distinct traders, same symbol, opposite side: lower win/lose balance
//     loses, total ROI breaking ties;
//   - same symbol and side: the later-inserted row loses.
//
// A position already condemned in an earlier pairing is not re-judged.
func resolveConflictLosers(
	positions []store.Position,
	winLoseRes map[string]int,
	totalROI map[string]float64,
) []conflictLoser {
	var losers []conflictLoser
	condemned := make(map[uint]bool)

	lose := func(p store.Position, reason string) {
		if condemned[p.ID] {
			return
		}
		condemned[p.ID] = true
		losers = append(losers, conflictLoser{Position: p, Reason: reason})
	}

	for i := 0; i < len(positions); i++ {
		cur := positions[i]
		if condemned[cur.ID] {
			continue
		}
		for j := i + 1; j < len(positions); j++ {
			next := positions[j]
			if condemned[cur.ID] || condemned[next.ID] || cur.Symbol != next.Symbol {
				continue
			}
			if cur.Side != next.Side { // opposite exposure on one symbol
				if cur.TraderID == next.TraderID {
					if next.UTime >= cur.UTime {
						lose(cur, types.IgnoredHedged)
					} else {
						lose(next, types.IgnoredHedged)
					}
					continue
				}
				curRes, nextRes := winLoseRes[cur.TraderID], winLoseRes[next.TraderID]
				if curRes != nextRes {
					if curRes > nextRes {
						lose(next, types.IgnoredLowerWinLoseRes)
					} else {
						lose(cur, types.IgnoredLowerWinLoseRes)
					}
				} else {
					if totalROI[cur.TraderID] > totalROI[next.TraderID] {
						lose(next, types.IgnoredLowerROI)
					} else {
						lose(cur, types.IgnoredLowerROI)
					}
				}
			} else { // duplicate: same symbol and side, keep the earliest row
				lose(next, types.IgnoredSameSymbolAndSide)
			}
		}
	}
	return losers
}
