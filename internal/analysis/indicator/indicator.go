package indicator

import (
	"fmt"
	"math"
)

// Kind is the closed set of momentum indicators used for divergence
// detection. The set is fixed; unknown names are rejected at parse time.
type Kind string

const (
	KindRSI  Kind = "rsi"
	KindMACD Kind = "macd"
	KindTSI  Kind = "tsi"
)

var kindSet = map[Kind]struct{}{
	KindRSI:  {},
	KindMACD: {},
	KindTSI:  {},
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := kindSet[k]; !ok {
		return "", fmt.Errorf("unknown indicator: %q", s)
	}
	return k, nil
}

// Params carries the per-indicator periods. Zero fields fall back to the
// conventional defaults (RSI 14, MACD 12/26/9, TSI 25/13).
type Params struct {
	RSIPeriod  int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
	TSILong    int
	TSIShort   int
}

func (p Params) withDefaults() Params {
	out := p
	if out.RSIPeriod <= 0 {
		out.RSIPeriod = 14
	}
	if out.MACDFast <= 0 {
		out.MACDFast = 12
	}
	if out.MACDSlow <= 0 {
		out.MACDSlow = 26
	}
	if out.MACDSignal <= 0 {
		out.MACDSignal = 9
	}
	if out.TSILong <= 0 {
		out.TSILong = 25
	}
	if out.TSIShort <= 0 {
		out.TSIShort = 13
	}
	return out
}

// Compute dispatches on the indicator kind. The output is aligned with the
// input: out[i] is the indicator value at closes[i].
func Compute(k Kind, closes []float64, p Params) []float64 {
	p = p.withDefaults()
	switch k {
	case KindRSI:
		return RSI(closes, p.RSIPeriod)
	case KindMACD:
		return MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	case KindTSI:
		return TSI(closes, p.TSILong, p.TSIShort)
	default:
		return nil
	}
}

// EMA computes an exponential moving average with smoothing weight
// alpha = 2/(span+1), seeded at the first finite sample. Positions before
// the seed stay NaN.
func EMA(xs []float64, span int) []float64 {
	out := make([]float64, len(xs))
	if span <= 0 {
		span = 1
	}
	alpha := 2.0 / (float64(span) + 1.0)
	seeded := false
	prev := 0.0
	for i, x := range xs {
		if !seeded {
			if !isFinite(x) {
				out[i] = math.NaN()
				continue
			}
			prev = x
			seeded = true
			out[i] = prev
			continue
		}
		if !isFinite(x) {
			out[i] = prev
			continue
		}
		prev = alpha*x + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// RSI computes the relative strength index from smoothed gains and losses.
// RS = EMA(gain)/EMA(loss); RSI = 100 - 100/(1+RS). When the loss EMA is
// zero and the gain EMA is positive the value is 100 outright, never a
// division fault. Values undefined at the head are filled with the first
// computable value, or 50 when the whole series never becomes computable.
func RSI(closes []float64, period int) []float64 {
	n := len(closes)
	if n == 0 {
		return nil
	}
	gain := make([]float64, n)
	loss := make([]float64, n)
	for i := 1; i < n; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain[i] = d
		} else {
			loss[i] = -d
		}
	}
	gm := EMA(gain, period)
	lm := EMA(loss, period)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		switch {
		case lm[i] == 0 && gm[i] > 0:
			out[i] = 100
		case lm[i] == 0:
			out[i] = math.NaN()
		default:
			rs := gm[i] / lm[i]
			out[i] = 100 - 100/(1+rs)
		}
	}
	return fillNaN(backfill(out), 50)
}

// MACD returns the MACD line (fast EMA minus slow EMA). The signal period
// is accepted for symmetry with MACDFull; the line itself does not depend
// on it. Undefined head values backfill, defaulting to 0.
func MACD(closes []float64, fast, slow, signal int) []float64 {
	_ = signal
	n := len(closes)
	if n == 0 {
		return nil
	}
	ef := EMA(closes, fast)
	es := EMA(closes, slow)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		if !isFinite(ef[i]) || !isFinite(es[i]) {
			out[i] = math.NaN()
			continue
		}
		out[i] = ef[i] - es[i]
	}
	return fillNaN(backfill(out), 0)
}

// MACDFull returns line, signal line and histogram together.
func MACDFull(closes []float64, fast, slow, signal int) (line, sig, hist []float64) {
	line = MACD(closes, fast, slow, signal)
	sig = fillNaN(backfill(EMA(line, signal)), 0)
	hist = make([]float64, len(line))
	for i := range line {
		hist[i] = line[i] - sig[i]
	}
	return line, sig, hist
}

// TSI is the true strength index: doubly smoothed momentum over doubly
// smoothed absolute momentum, scaled by 100. A zero denominator or
// insufficient data yields 0 directly (the neutral "no momentum" state)
// instead of the backfill used by RSI/MACD.
func TSI(closes []float64, long, short int) []float64 {
	n := len(closes)
	if n == 0 {
		return nil
	}
	mom := make([]float64, n)
	abs := make([]float64, n)
	mom[0] = math.NaN()
	abs[0] = math.NaN()
	for i := 1; i < n; i++ {
		d := closes[i] - closes[i-1]
		mom[i] = d
		abs[i] = math.Abs(d)
	}
	m2 := EMA(EMA(mom, long), short)
	a2 := EMA(EMA(abs, long), short)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		if !isFinite(m2[i]) || !isFinite(a2[i]) || a2[i] == 0 {
			out[i] = 0
			continue
		}
		out[i] = 100 * m2[i] / a2[i]
	}
	return out
}

// backfill propagates the next finite value backward over NaN positions.
func backfill(series []float64) []float64 {
	out := make([]float64, len(series))
	next := math.NaN()
	for i := len(series) - 1; i >= 0; i-- {
		if isFinite(series[i]) {
			next = series[i]
		}
		out[i] = next
	}
	return out
}

func fillNaN(series []float64, v float64) []float64 {
	for i := range series {
		if !isFinite(series[i]) {
			series[i] = v
		}
	}
	return series
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
