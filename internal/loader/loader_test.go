package loader

import (
	"context"
	"fmt"
	"testing"

	"divalert/internal/config"
	"divalert/internal/market"
)

type fakeStore struct {
	bars     []market.Bar
	queryErr error
	inserted []market.Bar
}

func (f *fakeStore) QueryBars(_ context.Context, symbol string, start, end int64, limit int) ([]market.Bar, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	out := []market.Bar{}
	for _, b := range f.bars {
		if b.Symbol == symbol && b.Time >= start && b.Time <= end {
			out = append(out, b)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) InsertBars(_ context.Context, bars []market.Bar) (int, error) {
	f.inserted = append(f.inserted, bars...)
	return len(bars), nil
}

type fakeCache struct {
	bars    []market.Bar
	readErr error
	written []market.Bar
}

func (f *fakeCache) Read(_ string, start, end int64) ([]market.Bar, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := []market.Bar{}
	for _, b := range f.bars {
		if b.Time >= start && b.Time <= end {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeCache) Write(_ string, bars []market.Bar) error {
	f.written = append(f.written, bars...)
	return nil
}

type fakeFetcher struct {
	bars  []market.Bar
	err   error
	calls int
}

func (f *fakeFetcher) HistoricalBars(_ context.Context, _ string, _, _ int64, _ string) ([]market.Bar, error) {
	f.calls++
	return f.bars, f.err
}

func loaderCfg() config.LoaderConfig {
	return config.LoaderConfig{
		PreloadBars:  100,
		PreloadDays:  5,
		BackfillDays: 30,
		ResearchBars: 1000,
		ResearchDays: 30,
		SafetyMargin: 1.3,
		Sufficiency:  0.8,
		Timeframe:    "1m",
	}
}

func seriesFor(symbol string, n int, end int64) []market.Bar {
	out := make([]market.Bar, 0, n)
	for i := n - 1; i >= 0; i-- {
		ts := end - int64(i)*60000
		out = append(out, market.Bar{Symbol: symbol, Time: ts, Close: float64(100 + i)})
	}
	return out
}

func TestLoadHitsDatabaseWhenSufficient(t *testing.T) {
	end := int64(10_000_000_000)
	// 目标 100, 充足线 80: 85 条即可命中第一层。
	st := &fakeStore{bars: seriesFor("AAPL", 85, end)}
	fe := &fakeFetcher{}
	l, err := New(st, &fakeCache{}, fe, loaderCfg())
	if err != nil {
		t.Fatalf("创建 loader 失败: %v", err)
	}

	res, err := l.Load(context.Background(), "AAPL", PurposeMonitor, Options{EndTime: end})
	if err != nil {
		t.Fatalf("装载失败: %v", err)
	}
	if res.Source != "database" {
		t.Fatalf("应命中数据库, 实际 %s", res.Source)
	}
	if len(res.Bars) != 85 {
		t.Fatalf("应返回 85 条, 实际 %d", len(res.Bars))
	}
	if fe.calls != 0 {
		t.Fatalf("命中上层后不应触达远端")
	}
}

func TestLoadFallsThroughToCacheAndWritesBack(t *testing.T) {
	end := int64(10_000_000_000)
	// 数据库只有 50 条, 低于充足线, 缓存有 90 条。
	st := &fakeStore{bars: seriesFor("AAPL", 50, end)}
	ca := &fakeCache{bars: seriesFor("AAPL", 90, end)}
	l, err := New(st, ca, &fakeFetcher{}, loaderCfg())
	if err != nil {
		t.Fatalf("创建 loader 失败: %v", err)
	}

	res, err := l.Load(context.Background(), "AAPL", PurposeMonitor, Options{EndTime: end})
	if err != nil {
		t.Fatalf("装载失败: %v", err)
	}
	if res.Source != "cache" {
		t.Fatalf("应命中缓存, 实际 %s", res.Source)
	}
	if len(st.inserted) != 90 {
		t.Fatalf("缓存命中应回写数据库 90 条, 实际 %d", len(st.inserted))
	}
}

func TestLoadFallsThroughToProviderAndWritesThrough(t *testing.T) {
	end := int64(10_000_000_000)
	st := &fakeStore{}
	ca := &fakeCache{}
	fe := &fakeFetcher{bars: seriesFor("AAPL", 120, end)}
	l, err := New(st, ca, fe, loaderCfg())
	if err != nil {
		t.Fatalf("创建 loader 失败: %v", err)
	}

	res, err := l.Load(context.Background(), "aapl", PurposeMonitor, Options{EndTime: end})
	if err != nil {
		t.Fatalf("装载失败: %v", err)
	}
	if res.Source != "provider" {
		t.Fatalf("应命中远端, 实际 %s", res.Source)
	}
	// 目标 100 条: 截取最新 100。
	if len(res.Bars) != 100 {
		t.Fatalf("应截取到目标条数 100, 实际 %d", len(res.Bars))
	}
	if res.Bars[len(res.Bars)-1].Time != end {
		t.Fatalf("应保留最新的一段")
	}
	if len(ca.written) != 120 || len(st.inserted) != 120 {
		t.Fatalf("远端命中应整体回写: cache=%d store=%d", len(ca.written), len(st.inserted))
	}
}

func TestLoadTierErrorFallsThrough(t *testing.T) {
	end := int64(10_000_000_000)
	st := &fakeStore{queryErr: fmt.Errorf("库挂了")}
	ca := &fakeCache{readErr: fmt.Errorf("缓存坏了")}
	fe := &fakeFetcher{bars: seriesFor("AAPL", 100, end)}
	l, err := New(st, ca, fe, loaderCfg())
	if err != nil {
		t.Fatalf("创建 loader 失败: %v", err)
	}

	res, err := l.Load(context.Background(), "AAPL", PurposeMonitor, Options{EndTime: end})
	if err != nil {
		t.Fatalf("某层出错不应上抛: %v", err)
	}
	if res.Source != "provider" {
		t.Fatalf("出错层应被跳过, 实际 %s", res.Source)
	}
}

func TestLoadExhaustedReturnsEmptyNotError(t *testing.T) {
	st := &fakeStore{}
	l, err := New(st, nil, &fakeFetcher{err: fmt.Errorf("远端不可用")}, loaderCfg())
	if err != nil {
		t.Fatalf("创建 loader 失败: %v", err)
	}
	res, err := l.Load(context.Background(), "AAPL", PurposeResearch, Options{})
	if err != nil {
		t.Fatalf("全部落空应返回空结果而非错误: %v", err)
	}
	if res.Source != "empty" || len(res.Bars) != 0 {
		t.Fatalf("应为空结果: source=%s n=%d", res.Source, len(res.Bars))
	}
}
