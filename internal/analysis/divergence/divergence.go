package divergence

import (
	"fmt"

	"divalert/internal/analysis/indicator"
	"divalert/internal/market"
)

// Type is the closed set of divergence signal types.
//
//	type             | price(p2) vs p1 | indicator(p2) vs p1 | pivots | meaning
//	hidden bullish   | higher          | lower               | lows   | continuation
//	regular bullish  | lower           | higher              | lows   | reversal
//	hidden bearish   | lower           | higher              | highs  | continuation
//	regular bearish  | higher          | lower               | highs  | reversal
type Type string

const (
	HiddenBullish  Type = "hidden_bullish_divergence"
	HiddenBearish  Type = "hidden_bearish_divergence"
	RegularBullish Type = "regular_bullish_divergence"
	RegularBearish Type = "regular_bearish_divergence"
)

var typeSet = map[Type]struct{}{
	HiddenBullish:  {},
	HiddenBearish:  {},
	RegularBullish: {},
	RegularBearish: {},
}

func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := typeSet[t]; !ok {
		return "", fmt.Errorf("unknown signal type: %q", s)
	}
	return t, nil
}

func (t Type) bullish() bool {
	return t == HiddenBullish || t == RegularBullish
}

// Params controls the sliding-window detection.
type Params struct {
	Lookback    int
	PivotK      int
	TrendPeriod int
	TrendFilter bool
}

func (p Params) withDefaults() Params {
	out := p
	if out.Lookback <= 0 {
		out.Lookback = 60
	}
	if out.PivotK <= 0 {
		out.PivotK = 3
	}
	if out.TrendPeriod <= 0 {
		out.TrendPeriod = 50
	}
	return out
}

// Hit describes one detected divergence. Times are the bar timestamps of
// the two price pivots; Price and IndicatorValue are taken at the second
// (most recent) pivot.
type Hit struct {
	P1Time         int64   `json:"p1_ts"`
	P2Time         int64   `json:"p2_ts"`
	Price          float64 `json:"price"`
	IndicatorValue float64 `json:"indicator_value"`
}

// Detect scans the trailing lookback window of bars for a divergence of
// the given type. ind must be aligned to bars (ind[i] belongs to bars[i]).
// Pivots are strict: flat extremes never qualify. The two most recent
// pivots are compared; earlier pivots are ignored. Returns false when the
// window holds fewer than two pivots, the type rule does not match, or the
// trend gate rejects the hit.
func Detect(t Type, bars []market.Bar, ind []float64, p Params) (Hit, bool) {
	if _, ok := typeSet[t]; !ok {
		return Hit{}, false
	}
	p = p.withDefaults()
	n := len(bars)
	if len(ind) < n {
		return Hit{}, false
	}
	start := 0
	if n > p.Lookback {
		start = n - p.Lookback
	}
	sub := bars[start:]
	subInd := ind[start : start+len(sub)]
	closes := market.Closes(sub)

	kind := PivotHigh
	if t.bullish() {
		kind = PivotLow
	}
	piv := FindPivots(closes, p.PivotK, kind, true)
	if len(piv) < 2 {
		return Hit{}, false
	}
	p1 := piv[len(piv)-2]
	p2 := piv[len(piv)-1]

	var match bool
	switch t {
	case HiddenBullish:
		match = closes[p2] > closes[p1] && subInd[p2] < subInd[p1]
	case RegularBullish:
		match = closes[p2] < closes[p1] && subInd[p2] > subInd[p1]
	case HiddenBearish:
		match = closes[p2] < closes[p1] && subInd[p2] > subInd[p1]
	case RegularBearish:
		match = closes[p2] > closes[p1] && subInd[p2] < subInd[p1]
	}
	if !match {
		return Hit{}, false
	}
	if !trendOK(t, closes, p) {
		return Hit{}, false
	}
	return Hit{
		P1Time:         sub[p1].Time,
		P2Time:         sub[p2].Time,
		Price:          closes[p2],
		IndicatorValue: subInd[p2],
	}, true
}

// trendOK is the EMA trend gate. Bullish divergences require the latest
// close above the trailing EMA, bearish below. With the filter enabled but
// fewer than TrendPeriod+5 observations the gate fails closed: no
// detection rather than an error.
func trendOK(t Type, closes []float64, p Params) bool {
	if !p.TrendFilter {
		return true
	}
	if len(closes) < p.TrendPeriod+5 {
		return false
	}
	ema := indicator.EMA(closes, p.TrendPeriod)
	last := closes[len(closes)-1]
	ref := ema[len(ema)-1]
	if t.bullish() {
		return last > ref
	}
	return last < ref
}
