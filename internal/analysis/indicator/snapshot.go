package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"divalert/internal/market"
)

// SnapshotValue is one indicator reading inside a research snapshot.
type SnapshotValue struct {
	Latest float64   `json:"latest"`
	Series []float64 `json:"series,omitempty"`
	State  string    `json:"state,omitempty"`
	Note   string    `json:"note,omitempty"`
}

// Snapshot is the multi-indicator research report for a symbol, computed
// over whatever bars the loader produced. It backs the ad hoc research
// surface and is not part of the divergence pipeline.
type Snapshot struct {
	Symbol string                   `json:"symbol"`
	Count  int                      `json:"count"`
	Values map[string]SnapshotValue `json:"values"`
}

// ComputeSnapshot builds the research report from a bar window.
func ComputeSnapshot(symbol string, bars []market.Bar, trendPeriod int) (Snapshot, error) {
	snap := Snapshot{
		Symbol: symbol,
		Count:  len(bars),
		Values: make(map[string]SnapshotValue),
	}
	if len(bars) == 0 {
		return snap, fmt.Errorf("no bars")
	}
	if trendPeriod <= 0 {
		trendPeriod = 50
	}
	closes := market.Closes(bars)
	highs := market.Highs(bars)
	lows := market.Lows(bars)
	volumes := market.Volumes(bars)
	lastClose := closes[len(closes)-1]

	trendEMA := trimLeadingZeros(sanitizeSeries(talib.Ema(closes, trendPeriod)))
	snap.Values["trend_ema"] = SnapshotValue{
		Latest: lastValid(trendEMA),
		Series: trendEMA,
		State:  relativeState(lastClose, lastValid(trendEMA)),
		Note:   fmt.Sprintf("EMA%d vs price", trendPeriod),
	}

	rsiSeries := sanitizeSeries(talib.Rsi(closes, 14))
	rsiVal := lastValid(rsiSeries)
	rsiState := "neutral"
	switch {
	case rsiVal >= 70:
		rsiState = "overbought"
	case rsiVal <= 30:
		rsiState = "oversold"
	}
	snap.Values["rsi"] = SnapshotValue{
		Latest: rsiVal,
		Series: rsiSeries,
		State:  rsiState,
		Note:   "period=14",
	}

	macdLine, macdSig, macdHist := talib.Macd(closes, 12, 26, 9)
	histSeries := sanitizeSeries(macdHist)
	snap.Values["macd"] = SnapshotValue{
		Latest: lastValid(sanitizeSeries(macdLine)),
		Series: histSeries,
		State:  polarityState(lastValid(histSeries)),
		Note:   fmt.Sprintf("signal=%.4f hist=%.4f", lastValid(sanitizeSeries(macdSig)), lastValid(histSeries)),
	}

	rocSeries := sanitizeSeries(talib.Roc(closes, 9))
	snap.Values["roc"] = SnapshotValue{
		Latest: lastValid(rocSeries),
		Series: rocSeries,
		State:  polarityState(lastValid(rocSeries)),
		Note:   "period=9",
	}

	k, d := talib.Stoch(highs, lows, closes, 14, 3, talib.SMA, 3, talib.SMA)
	kSeries := sanitizeSeries(k)
	snap.Values["stoch_k"] = SnapshotValue{
		Latest: lastValid(kSeries),
		Series: kSeries,
		State:  stochasticState(lastValid(kSeries)),
		Note:   fmt.Sprintf("d=%.2f", lastValid(sanitizeSeries(d))),
	}

	will := sanitizeSeries(talib.WillR(highs, lows, closes, 14))
	snap.Values["williams_r"] = SnapshotValue{
		Latest: lastValid(will),
		Series: will,
		State:  stochasticState(-lastValid(will)),
		Note:   "period=14",
	}

	atrSeries := sanitizeSeries(talib.Atr(highs, lows, closes, 14))
	snap.Values["atr"] = SnapshotValue{
		Latest: lastValid(atrSeries),
		Series: atrSeries,
		State:  "volatility",
		Note:   "period=14",
	}

	obv := sanitizeSeries(talib.Obv(closes, volumes))
	snap.Values["obv"] = SnapshotValue{
		Latest: lastValid(obv),
		Series: obv,
		State:  polarityState(lastValid(rocSeries)),
		Note:   "volume thrust",
	}

	return snap, nil
}

func sanitizeSeries(src []float64) []float64 {
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, round4(v))
	}
	return out
}

func trimLeadingZeros(series []float64) []float64 {
	start := 0
	for start < len(series) && math.Abs(series[start]) <= 1e-9 {
		start++
	}
	return series[start:]
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if isFinite(series[i]) {
			return series[i]
		}
	}
	return 0
}

func relativeState(price, ref float64) string {
	if ref == 0 {
		return "unknown"
	}
	switch {
	case price > ref*1.002:
		return "above"
	case price < ref*0.998:
		return "below"
	default:
		return "touch"
	}
}

func polarityState(v float64) string {
	switch {
	case v > 0:
		return "positive"
	case v < 0:
		return "negative"
	default:
		return "flat"
	}
}

func stochasticState(v float64) string {
	switch {
	case v >= 80:
		return "overbought"
	case v <= 20:
		return "oversold"
	default:
		return "neutral"
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
