package engine

import "copytrader/internal/store"

// MatchKind classifies how a mirrored position relates to the upstream set.
type MatchKind int

const (
	// MatchNone: no upstream counterpart (disappeared) or no mirror (new).
	MatchNone MatchKind = iota
	// MatchPartialClose: same entry, upstream quantity decreased.
	MatchPartialClose
	// MatchUnchanged: same entry, quantity, and update timestamp.
	MatchUnchanged
	// MatchChanged: same leverage but re-priced or re-sized; treated as the
	// same position so we never re-enter on upstream noise.
	MatchChanged
	// MatchAssumed: same update timestamp only; assumed to be the same.
	MatchAssumed
)

// Match is the result of pairing one position against the other side's set.
type Match struct {
	Kind     MatchKind
	Upstream *store.TempPosition
	Mirror   *store.Position
}

// matchKeys is the comparable subset of a position used by the match rules.
type matchKeys struct {
	symbol   string
	side     string
	leverage int
	entry    float64
	amount   float64
	uTime    int64
}

func mirrorKeys(p *store.Position) matchKeys {
	return matchKeys{
		symbol:   p.Symbol,
		side:     string(p.Side),
		leverage: p.Leverage,
		entry:    p.OpenAvgPx,
		amount:   p.SubPos,
		uTime:    p.UTime,
	}
}

func upstreamKeys(t *store.TempPosition) matchKeys {
	return matchKeys{
		symbol:   t.Symbol,
		side:     string(t.Side),
		leverage: t.Leverage,
		entry:    t.OpenAvgPx,
		amount:   t.SubPos,
		uTime:    t.UTime,
	}
}

// classify applies the match rules in priority order. upstream carries the
// leader's current quantity, mirror the quantity recorded at tracking time;
// a drop between the two is a leader partial close.
func classify(upstream, mirror matchKeys) MatchKind {
	if upstream.symbol != mirror.symbol || upstream.side != mirror.side {
		return MatchNone
	}
	if upstream.entry == mirror.entry && upstream.amount < mirror.amount {
		return MatchPartialClose
	}
	if upstream.entry == mirror.entry && upstream.amount == mirror.amount && upstream.uTime == mirror.uTime {
		return MatchUnchanged
	}
	if upstream.leverage == mirror.leverage {
		return MatchChanged
	}
	if upstream.uTime == mirror.uTime {
		return MatchAssumed
	}
	return MatchNone
}

// FindUpstream locates the upstream counterpart of a mirrored position among
// the same trader's upstream positions. Kind is MatchNone when the position
// has disappeared upstream.
func FindUpstream(mirror *store.Position, upstream []store.TempPosition) Match {
	mk := mirrorKeys(mirror)
	for i := range upstream {
		if kind := classify(upstreamKeys(&upstream[i]), mk); kind != MatchNone {
			return Match{Kind: kind, Upstream: &upstream[i], Mirror: mirror}
		}
	}
	return Match{Kind: MatchNone, Mirror: mirror}
}

// FindMirror locates the mirrored counterpart of an upstream position. Kind
// is MatchNone when the upstream position is new.
func FindMirror(upstream *store.TempPosition, mirrors []store.Position) Match {
	uk := upstreamKeys(upstream)
	for i := range mirrors {
		if kind := classify(uk, mirrorKeys(&mirrors[i])); kind != MatchNone {
			return Match{Kind: kind, Upstream: upstream, Mirror: &mirrors[i]}
		}
	}
	return Match{Kind: MatchNone, Upstream: upstream}
}
