package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"divalert/internal/analysis/divergence"
	"divalert/internal/analysis/indicator"
	"divalert/internal/config"
	"divalert/internal/loader"
	"divalert/internal/logger"
	"divalert/internal/market"
)

// Request 描述一次回测：对历史数据逐根重放实时检测逻辑，
// 统计各信号在若干前瞻期上的收益表现。
type Request struct {
	Symbols    []string `json:"symbols"`
	Indicator  string   `json:"indicator"`
	SignalType string   `json:"signal_type"`
	Horizons   []int    `json:"horizons,omitempty"`
	TargetBars int      `json:"target_bars,omitempty"`
	WindowDays int      `json:"window_days,omitempty"`
}

// HorizonStats 是单个前瞻期的聚合统计。收益按信号方向调整：
// 看跌信号的收益取反，正值一律代表"信号方向正确"。
type HorizonStats struct {
	Horizon int     `json:"horizon"`
	Count   int     `json:"count"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
	AvgRet  float64 `json:"avg_return"`
	Sharpe  float64 `json:"sharpe"`
}

// SymbolResult 是单个 symbol 的回测结果。
type SymbolResult struct {
	Symbol   string          `json:"symbol"`
	Bars     int             `json:"bars"`
	Signals  []market.Signal `json:"signals"`
	Horizons []HorizonStats  `json:"horizons"`
}

// Result 是整个回测任务的产出。
type Result struct {
	Symbols    []SymbolResult `json:"symbols"`
	Indicator  string         `json:"indicator"`
	SignalType string         `json:"signal_type"`
	Horizons   []int          `json:"horizons"`
}

// HistoryLoader 与 monitor 侧共用装载级联。
type HistoryLoader interface {
	Load(ctx context.Context, symbol string, purpose loader.Purpose, opts loader.Options) (loader.Result, error)
}

// Engine 执行回测。检测逻辑与实时服务完全一致：逐根扩展窗口、
// 同一对枢轴只计一次。
type Engine struct {
	loader HistoryLoader
	det    config.DetectionConfig
}

func NewEngine(hl HistoryLoader, det config.DetectionConfig) (*Engine, error) {
	if hl == nil {
		return nil, fmt.Errorf("loader 不能为空")
	}
	return &Engine{loader: hl, det: det}, nil
}

var defaultHorizons = []int{5, 15, 60}

// Run 同步执行回测。未知指标/类型直接报错；单个 symbol 无数据
// 只产出空结果，不中断整个任务。
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	kind, err := indicator.ParseKind(strings.ToLower(strings.TrimSpace(req.Indicator)))
	if err != nil {
		return Result{}, err
	}
	sigType, err := divergence.ParseType(strings.ToLower(strings.TrimSpace(req.SignalType)))
	if err != nil {
		return Result{}, err
	}
	if len(req.Symbols) == 0 {
		return Result{}, fmt.Errorf("symbols 不能为空")
	}
	horizons := req.Horizons
	if len(horizons) == 0 {
		horizons = defaultHorizons
	}
	sort.Ints(horizons)

	out := Result{
		Indicator:  string(kind),
		SignalType: string(sigType),
		Horizons:   horizons,
	}
	for _, sym := range req.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res, err := e.loader.Load(ctx, sym, loader.PurposeResearch, loader.Options{
			TargetBars: req.TargetBars,
			WindowDays: req.WindowDays,
		})
		if err != nil {
			logger.Warnf("backtest: 装载 %s 失败: %v", sym, err)
			continue
		}
		out.Symbols = append(out.Symbols, e.runSymbol(sym, res.Bars, kind, sigType, horizons))
	}
	return out, nil
}

// entry 记录一次信号及其触发所在的 K 线下标(用于前瞻收益)。
type entry struct {
	sig market.Signal
	idx int
}

func (e *Engine) runSymbol(symbol string, bars []market.Bar, kind indicator.Kind, sigType divergence.Type, horizons []int) SymbolResult {
	res := SymbolResult{Symbol: symbol, Bars: len(bars)}
	if len(bars) == 0 {
		return res
	}

	params := divergence.Params{
		Lookback:    e.det.LookbackBars,
		PivotK:      e.det.PivotK,
		TrendPeriod: e.det.EMAPeriod,
		TrendFilter: !e.det.DisableTrendFilter,
	}
	indParams := indicator.Params{
		RSIPeriod:  e.det.RSIPeriod,
		MACDFast:   e.det.MACDFast,
		MACDSlow:   e.det.MACDSlow,
		MACDSignal: e.det.MACDSignal,
		TSILong:    e.det.TSILong,
		TSIShort:   e.det.TSIShort,
	}

	var entries []entry
	emitted := make(map[string]struct{})
	for i := 1; i <= len(bars); i++ {
		window := bars[:i]
		ind := indicator.Compute(kind, market.Closes(window), indParams)
		hit, ok := divergence.Detect(sigType, window, ind, params)
		if !ok {
			continue
		}
		key := fmt.Sprintf("%d|%d", hit.P1Time, hit.P2Time)
		if _, dup := emitted[key]; dup {
			continue
		}
		emitted[key] = struct{}{}
		entries = append(entries, entry{
			sig: market.Signal{
				Symbol:         symbol,
				SignalType:     string(sigType),
				Indicator:      string(kind),
				Time:           hit.P2Time,
				Price:          hit.Price,
				IndicatorValue: hit.IndicatorValue,
				P1Time:         hit.P1Time,
				P2Time:         hit.P2Time,
			},
			idx: i - 1,
		})
	}
	for _, en := range entries {
		res.Signals = append(res.Signals, en.sig)
	}

	bullish := sigType == divergence.HiddenBullish || sigType == divergence.RegularBullish
	for _, h := range horizons {
		res.Horizons = append(res.Horizons, horizonStats(bars, entries, h, bullish))
	}
	return res
}

func horizonStats(bars []market.Bar, entries []entry, horizon int, bullish bool) HorizonStats {
	st := HorizonStats{Horizon: horizon}
	var rets []float64
	for _, en := range entries {
		exit := en.idx + horizon
		if exit >= len(bars) {
			continue
		}
		base := bars[en.idx].Close
		if base == 0 {
			continue
		}
		ret := (bars[exit].Close - base) / base
		if !bullish {
			ret = -ret
		}
		rets = append(rets, ret)
	}
	st.Count = len(rets)
	if st.Count == 0 {
		return st
	}
	sum := 0.0
	for _, r := range rets {
		if r > 0 {
			st.Wins++
		}
		sum += r
	}
	st.WinRate = float64(st.Wins) / float64(st.Count)
	st.AvgRet = sum / float64(st.Count)
	if st.Count > 1 {
		mean := st.AvgRet
		varSum := 0.0
		for _, r := range rets {
			varSum += (r - mean) * (r - mean)
		}
		std := math.Sqrt(varSum / float64(st.Count-1))
		if std > 0 {
			st.Sharpe = mean / std
		}
	}
	return st
}
