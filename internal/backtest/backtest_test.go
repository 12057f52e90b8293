package backtest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"divalert/internal/analysis/divergence"
	"divalert/internal/analysis/indicator"
	"divalert/internal/config"
	"divalert/internal/loader"
	"divalert/internal/market"
)

type fakeLoader struct {
	bars map[string][]market.Bar
	err  error
}

func (f *fakeLoader) Load(_ context.Context, symbol string, _ loader.Purpose, _ loader.Options) (loader.Result, error) {
	if f.err != nil {
		return loader.Result{}, f.err
	}
	return loader.Result{Bars: f.bars[symbol], Source: "database"}, nil
}

func testDetection() config.DetectionConfig {
	return config.DetectionConfig{
		PivotK:             3,
		LookbackBars:       60,
		EMAPeriod:          50,
		DisableTrendFilter: true,
		RSIPeriod:          14,
		MACDFast:           12,
		MACDSlow:           26,
		MACDSignal:         9,
		TSILong:            25,
		TSIShort:           13,
	}
}

func randomWalk(symbol string, n int, seed int64) []market.Bar {
	r := rand.New(rand.NewSource(seed))
	out := make([]market.Bar, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		price += r.NormFloat64()
		if price < 1 {
			price = 1
		}
		out = append(out, market.Bar{Symbol: symbol, Time: int64(i+1) * 60000, Close: price, High: price + 0.5, Low: price - 0.5, Volume: 10})
	}
	return out
}

// replayCount 用同一引擎独立重放, 得到期望的去重后信号数。
func replayCount(bars []market.Bar, det config.DetectionConfig, sigType divergence.Type, kind indicator.Kind) int {
	emitted := map[string]struct{}{}
	for i := 1; i <= len(bars); i++ {
		window := bars[:i]
		ind := indicator.Compute(kind, market.Closes(window), indicator.Params{
			RSIPeriod: det.RSIPeriod, MACDFast: det.MACDFast, MACDSlow: det.MACDSlow,
			MACDSignal: det.MACDSignal, TSILong: det.TSILong, TSIShort: det.TSIShort,
		})
		hit, ok := divergence.Detect(sigType, window, ind, divergence.Params{
			Lookback: det.LookbackBars, PivotK: det.PivotK,
			TrendPeriod: det.EMAPeriod, TrendFilter: !det.DisableTrendFilter,
		})
		if !ok {
			continue
		}
		emitted[fmt.Sprintf("%d|%d", hit.P1Time, hit.P2Time)] = struct{}{}
	}
	return len(emitted)
}

func TestEngineMatchesReplay(t *testing.T) {
	bars := randomWalk("AAPL", 400, 11)
	e, err := NewEngine(&fakeLoader{bars: map[string][]market.Bar{"AAPL": bars}}, testDetection())
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}

	res, err := e.Run(context.Background(), Request{
		Symbols:    []string{"aapl"},
		Indicator:  "rsi",
		SignalType: "regular_bullish_divergence",
	})
	if err != nil {
		t.Fatalf("回测失败: %v", err)
	}
	if len(res.Symbols) != 1 || res.Symbols[0].Symbol != "AAPL" {
		t.Fatalf("结果结构不符: %+v", res.Symbols)
	}
	want := replayCount(bars, testDetection(), divergence.RegularBullish, indicator.KindRSI)
	if got := len(res.Symbols[0].Signals); got != want {
		t.Fatalf("信号数应与独立重放一致: got=%d want=%d", got, want)
	}
	if len(res.Horizons) != 3 || res.Horizons[0] != 5 || res.Horizons[2] != 60 {
		t.Fatalf("默认前瞻期应为 {5,15,60}: %v", res.Horizons)
	}
	if len(res.Symbols[0].Horizons) != 3 {
		t.Fatalf("每个 symbol 应有 3 组前瞻统计")
	}
}

func TestEngineRejectsBadRequest(t *testing.T) {
	e, _ := NewEngine(&fakeLoader{}, testDetection())
	if _, err := e.Run(context.Background(), Request{Symbols: []string{"AAPL"}, Indicator: "vwap", SignalType: "regular_bullish_divergence"}); err == nil {
		t.Fatalf("未知指标应报错")
	}
	if _, err := e.Run(context.Background(), Request{Indicator: "rsi", SignalType: "regular_bullish_divergence"}); err == nil {
		t.Fatalf("空 symbol 应报错")
	}
}

func TestHorizonStatsMath(t *testing.T) {
	bars := []market.Bar{
		{Time: 1, Close: 100},
		{Time: 2, Close: 110},
		{Time: 3, Close: 99},
		{Time: 4, Close: 120},
	}
	entries := []entry{{idx: 0}, {idx: 1}}

	// 看涨: idx0 -> idx1 收益 +10%, idx1 -> idx2 收益 -10%。
	st := horizonStats(bars, entries, 1, true)
	if st.Count != 2 || st.Wins != 1 {
		t.Fatalf("统计不符: %+v", st)
	}
	if st.WinRate != 0.5 {
		t.Fatalf("胜率应为 0.5: %v", st.WinRate)
	}
	wantAvg := (0.10 + (99.0-110.0)/110.0) / 2
	if math.Abs(st.AvgRet-wantAvg) > 1e-12 {
		t.Fatalf("平均收益不符: got=%v want=%v", st.AvgRet, wantAvg)
	}

	// 看跌信号收益取反。
	st = horizonStats(bars, entries, 1, false)
	if st.Wins != 1 || math.Abs(st.AvgRet+wantAvg) > 1e-12 {
		t.Fatalf("看跌方向调整不符: %+v", st)
	}

	// 前瞻越界的信号不计入。
	st = horizonStats(bars, entries, 3, true)
	if st.Count != 1 {
		t.Fatalf("越界信号应被剔除: %+v", st)
	}
	// 单样本没有夏普。
	if st.Sharpe != 0 {
		t.Fatalf("单样本夏普应为 0: %v", st.Sharpe)
	}
}

func TestRunnerLifecycle(t *testing.T) {
	bars := randomWalk("AAPL", 120, 3)
	e, _ := NewEngine(&fakeLoader{bars: map[string][]market.Bar{"AAPL": bars}}, testDetection())
	r := NewRunner(e)

	id := r.Submit(Request{Symbols: []string{"AAPL"}, Indicator: "macd", SignalType: "hidden_bearish_divergence"})
	if id == "" {
		t.Fatalf("Submit 应返回任务 id")
	}

	deadline := time.Now().Add(5 * time.Second)
	var job Job
	for time.Now().Before(deadline) {
		var err error
		job, err = r.Get(id)
		if err != nil {
			t.Fatalf("查询任务失败: %v", err)
		}
		if job.State != JobRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if job.State != JobDone {
		t.Fatalf("任务应完成: %+v", job)
	}
	if job.Result == nil || len(job.Result.Symbols) != 1 {
		t.Fatalf("任务结果缺失: %+v", job)
	}

	// 非法请求的任务以 failed 状态可查。
	bad := r.Submit(Request{Symbols: []string{"AAPL"}, Indicator: "vwap", SignalType: "hidden_bearish_divergence"})
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, _ = r.Get(bad)
		if job.State != JobRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if job.State != JobFailed || job.Error == "" {
		t.Fatalf("非法请求应为 failed: %+v", job)
	}

	if _, err := r.Get("missing"); err == nil {
		t.Fatalf("未知 id 应报错")
	}
	if got := r.List(); len(got) != 2 {
		t.Fatalf("List 应包含 2 个任务: %d", len(got))
	}
}
