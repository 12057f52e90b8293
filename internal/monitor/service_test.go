package monitor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"divalert/internal/analysis/divergence"
	"divalert/internal/analysis/indicator"
	"divalert/internal/config"
	"divalert/internal/loader"
	"divalert/internal/market"
)

// ---- 测试替身 ----

type fakeLoader struct {
	bars map[string][]market.Bar
}

func (f *fakeLoader) Load(_ context.Context, symbol string, _ loader.Purpose, _ loader.Options) (loader.Result, error) {
	return loader.Result{Bars: f.bars[symbol], Source: "database"}, nil
}

type fakeProvider struct {
	mu       sync.Mutex
	handlers []market.BarHandler
	started  bool
	subErr   error // 非空时 SubscribeBars 直接返回该错误
}

func (f *fakeProvider) HistoricalBars(context.Context, string, int64, int64, string) ([]market.Bar, error) {
	return nil, fmt.Errorf("测试替身不支持历史拉取")
}

func (f *fakeProvider) SubscribeBars(cb market.BarHandler, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.handlers = append(f.handlers, cb)
	return nil
}

func (f *fakeProvider) UnsubscribeBars([]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = nil
	return nil
}

func (f *fakeProvider) StartStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeProvider) StopStream() error { return nil }

func (f *fakeProvider) Stats() market.SourceStats { return market.SourceStats{} }

func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) push(b market.Bar) {
	f.mu.Lock()
	hs := append([]market.BarHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		h(b)
	}
}

// slowLoader 卡在装载直到 ctx 取消, 用于模拟预热中途被停止。
type slowLoader struct {
	loading chan struct{}
	once    sync.Once
}

func (s *slowLoader) Load(ctx context.Context, _ string, _ loader.Purpose, _ loader.Options) (loader.Result, error) {
	s.once.Do(func() { close(s.loading) })
	<-ctx.Done()
	return loader.Result{}, ctx.Err()
}

type fakeSignalStore struct {
	mu      sync.Mutex
	bars    []market.Bar
	signals []market.Signal
}

func (f *fakeSignalStore) InsertBars(_ context.Context, bars []market.Bar) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars = append(f.bars, bars...)
	return len(bars), nil
}

func (f *fakeSignalStore) InsertSignal(_ context.Context, sig *market.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig.ID = int64(len(f.signals) + 1)
	f.signals = append(f.signals, *sig)
	return nil
}

func (f *fakeSignalStore) signalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signals)
}

func (f *fakeSignalStore) signalCopy() []market.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]market.Signal(nil), f.signals...)
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

func testMonitorCfg() config.MonitorConfig {
	return config.MonitorConfig{
		HeartbeatSeconds: 600,
		IdleSeconds:      300,
		BufferCap:        3000,
		BufferRetain:     2200,
	}
}

// randomWalk 生成确定性的随机游走序列（固定种子）。
func randomWalk(symbol string, n int, seed int64) []market.Bar {
	r := rand.New(rand.NewSource(seed))
	out := make([]market.Bar, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		price += r.NormFloat64()
		if price < 1 {
			price = 1
		}
		out = append(out, market.Bar{
			Symbol: symbol,
			Time:   int64(i+1) * 60000,
			Open:   price,
			High:   price + 0.5,
			Low:    price - 0.5,
			Close:  price,
			Volume: 100,
		})
	}
	return out
}

// referenceSignals 用与服务相同的引擎逐根重放，得到期望的信号序列。
func referenceSignals(bars []market.Bar, det config.DetectionConfig, sigType divergence.Type, kind indicator.Kind) []market.Signal {
	return replaySignals(bars, 1, nil, det, sigType, kind)
}

// referenceLiveSignals 模拟带预热的服务: 预热窗口末尾的命中先记入去重,
// 然后只对实时段逐根重放。
func referenceLiveSignals(warm, live []market.Bar, det config.DetectionConfig, sigType divergence.Type, kind indicator.Kind) []market.Signal {
	seed := map[string]struct{}{}
	if hit, ok := detectWindow(warm, det, sigType, kind); ok {
		seed[fmt.Sprintf("%d|%d", hit.P1Time, hit.P2Time)] = struct{}{}
	}
	all := append(append([]market.Bar(nil), warm...), live...)
	return replaySignals(all, len(warm)+1, seed, det, sigType, kind)
}

func detectWindow(window []market.Bar, det config.DetectionConfig, sigType divergence.Type, kind indicator.Kind) (divergence.Hit, bool) {
	ind := indicator.Compute(kind, market.Closes(window), indicator.Params{
		RSIPeriod:  det.RSIPeriod,
		MACDFast:   det.MACDFast,
		MACDSlow:   det.MACDSlow,
		MACDSignal: det.MACDSignal,
		TSILong:    det.TSILong,
		TSIShort:   det.TSIShort,
	})
	return divergence.Detect(sigType, window, ind, divergence.Params{
		Lookback:    det.LookbackBars,
		PivotK:      det.PivotK,
		TrendPeriod: det.EMAPeriod,
		TrendFilter: !det.DisableTrendFilter,
	})
}

func replaySignals(bars []market.Bar, from int, seed map[string]struct{}, det config.DetectionConfig, sigType divergence.Type, kind indicator.Kind) []market.Signal {
	var out []market.Signal
	emitted := map[string]struct{}{}
	for k := range seed {
		emitted[k] = struct{}{}
	}
	for i := from; i <= len(bars); i++ {
		window := bars[:i]
		ind := indicator.Compute(kind, market.Closes(window), indicator.Params{
			RSIPeriod:  det.RSIPeriod,
			MACDFast:   det.MACDFast,
			MACDSlow:   det.MACDSlow,
			MACDSignal: det.MACDSignal,
			TSILong:    det.TSILong,
			TSIShort:   det.TSIShort,
		})
		hit, ok := divergence.Detect(sigType, window, ind, divergence.Params{
			Lookback:    det.LookbackBars,
			PivotK:      det.PivotK,
			TrendPeriod: det.EMAPeriod,
			TrendFilter: !det.DisableTrendFilter,
		})
		if !ok {
			continue
		}
		key := fmt.Sprintf("%d|%d", hit.P1Time, hit.P2Time)
		if _, dup := emitted[key]; dup {
			continue
		}
		emitted[key] = struct{}{}
		out = append(out, market.Signal{
			Symbol:         bars[0].Symbol,
			SignalType:     string(sigType),
			Indicator:      string(kind),
			Time:           hit.P2Time,
			Price:          hit.Price,
			IndicatorValue: hit.IndicatorValue,
			P1Time:         hit.P1Time,
			P2Time:         hit.P2Time,
		})
	}
	return out
}

// pushAll 带背压地投递: 每根 K 线都等服务消费完再推下一根,
// 避免测试把有界事件通道灌满导致丢弃。
func pushAll(t *testing.T, svc *Service, fp *fakeProvider, bars []market.Bar, base int) {
	t.Helper()
	for i, b := range bars {
		fp.push(b)
		want := base + i + 1
		waitFor(t, 2*time.Second, func() bool {
			return svc.Status().Bars >= want
		}, fmt.Sprintf("第 %d 根 K 线应被消费", want))
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", msg)
}

// 服务逐根处理实时推送后, 落盘的信号应与同一引擎的逐根重放完全一致,
// 且同一对枢轴只报一次。
func TestServiceSignalsMatchReferenceReplay(t *testing.T) {
	det := testDetection()
	mon := testMonitorCfg()
	bars := randomWalk("AAPL", 400, 42)
	expected := referenceSignals(bars, det, divergence.RegularBullish, indicator.KindRSI)

	spec, err := ParseSpec([]string{"AAPL"}, "rsi", "regular_bullish_divergence")
	if err != nil {
		t.Fatalf("解析 spec 失败: %v", err)
	}
	fp := &fakeProvider{}
	fs := &fakeSignalStore{}
	svc, err := NewService(spec, det, mon, &fakeLoader{}, fp, fs, nil)
	if err != nil {
		t.Fatalf("创建服务失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		return svc.Status().State == StateStreaming
	}, "服务应进入 streaming")

	pushAll(t, svc, fp, bars, 0)
	waitFor(t, 2*time.Second, func() bool {
		return fs.signalCount() >= len(expected)
	}, "信号数应追平重放结果")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("服务退出报错: %v", err)
	}

	got := fs.signalCopy()
	if len(got) != len(expected) {
		t.Fatalf("信号数不符: got=%d want=%d", len(got), len(expected))
	}
	for i := range expected {
		g, w := got[i], expected[i]
		if g.P1Time != w.P1Time || g.P2Time != w.P2Time || g.Price != w.Price ||
			g.IndicatorValue != w.IndicatorValue || g.SignalType != w.SignalType {
			t.Fatalf("第 %d 条信号不符:\n got=%+v\nwant=%+v", i, g, w)
		}
	}
	if svc.Status().State != StateStopped {
		t.Fatalf("退出后状态应为 stopped, 实际 %s", svc.Status().State)
	}
}

// 预热数据应进入缓冲并参与后续检测: 预热 + 实时推送 等价于一次性重放。
func TestServiceWarmStartThenStream(t *testing.T) {
	det := testDetection()
	mon := testMonitorCfg()
	all := randomWalk("MSFT", 300, 7)
	warm, live := all[:200], all[200:]
	// 服务只对实时段检测, 预热窗口末尾已成立的命中记入去重但不报警,
	// 期望序列按同样的规则重放得到。
	expectLive := referenceLiveSignals(warm, live, det, divergence.HiddenBearish, indicator.KindMACD)

	spec, err := ParseSpec([]string{"MSFT"}, "macd", "hidden_bearish_divergence")
	if err != nil {
		t.Fatalf("解析 spec 失败: %v", err)
	}
	fp := &fakeProvider{}
	fs := &fakeSignalStore{}
	svc, err := NewService(spec, det, mon, &fakeLoader{bars: map[string][]market.Bar{"MSFT": warm}}, fp, fs, nil)
	if err != nil {
		t.Fatalf("创建服务失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		return svc.Status().State == StateStreaming
	}, "服务应进入 streaming")
	if svc.Status().Bars != len(warm) {
		t.Fatalf("预热条数不符: %d", svc.Status().Bars)
	}

	pushAll(t, svc, fp, live, len(warm))
	waitFor(t, 2*time.Second, func() bool {
		return fs.signalCount() >= len(expectLive)
	}, "信号数应追平重放结果")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("服务退出报错: %v", err)
	}

	got := fs.signalCopy()
	if len(got) != len(expectLive) {
		t.Fatalf("信号数不符: got=%d want=%d", len(got), len(expectLive))
	}
	for i := range expectLive {
		if got[i].P1Time != expectLive[i].P1Time || got[i].P2Time != expectLive[i].P2Time {
			t.Fatalf("第 %d 条信号枢轴不符: got=%+v want=%+v", i, got[i], expectLive[i])
		}
	}
}

// 乱序与重复时间戳的推送应被丢弃, 不落盘也不触发检测。
func TestServiceDropsStaleBars(t *testing.T) {
	spec, err := ParseSpec([]string{"AAPL"}, "rsi", "regular_bullish_divergence")
	if err != nil {
		t.Fatalf("解析 spec 失败: %v", err)
	}
	fp := &fakeProvider{}
	fs := &fakeSignalStore{}
	svc, err := NewService(spec, testDetection(), testMonitorCfg(), &fakeLoader{}, fp, fs, nil)
	if err != nil {
		t.Fatalf("创建服务失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	defer func() { cancel(); <-done }()

	waitFor(t, 2*time.Second, func() bool {
		return svc.Status().State == StateStreaming
	}, "服务应进入 streaming")

	fp.push(bar(60000, 10))
	fp.push(bar(120000, 11))
	fp.push(bar(120000, 12)) // 重复
	fp.push(bar(60000, 13))  // 回退
	fp.push(bar(180000, 14))

	waitFor(t, 2*time.Second, func() bool {
		return svc.Status().Bars >= 3
	}, "有效 K 线应被处理")
	time.Sleep(50 * time.Millisecond)
	if got := svc.Status().Bars; got != 3 {
		t.Fatalf("应只接受 3 根, 实际 %d", got)
	}
}

// 预热期间取消是正常停止, 不是故障: Run 应返回 nil 且状态为 stopped。
func TestServiceCancelDuringWarmStart(t *testing.T) {
	spec, err := ParseSpec([]string{"AAPL"}, "rsi", "regular_bullish_divergence")
	if err != nil {
		t.Fatalf("解析 spec 失败: %v", err)
	}
	sl := &slowLoader{loading: make(chan struct{})}
	svc, err := NewService(spec, testDetection(), testMonitorCfg(), sl, &fakeProvider{}, &fakeSignalStore{}, nil)
	if err != nil {
		t.Fatalf("创建服务失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	<-sl.loading
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("预热中取消不应报错: %v", err)
	}
	st := svc.Status()
	if st.State != StateStopped {
		t.Fatalf("取消后状态应为 stopped, 实际 %s", st.State)
	}
	if st.Error != "" {
		t.Fatalf("取消不应留下故障原因: %q", st.Error)
	}
}
