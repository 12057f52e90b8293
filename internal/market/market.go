package market

import "context"

// Bar 表示一根 OHLCV K 线，Time 为毫秒时间戳。
// (symbol, Time) 是全局唯一键，持久层按它做冲突抑制。
type Bar struct {
	Symbol string  `json:"symbol"`
	Time   int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// BarHandler 是实时推送回调。注意：provider 在自己的读循环里调用它，
// 消费方必须自行把事件转交到自己的调度上下文，禁止在回调里做检测。
type BarHandler func(Bar)

// SourceStats 记录数据源运行期的一些指标。
type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	LastError       string
}

// Provider 统一对接外部行情供应商。一个进程只持有一个实例，
// 由入口显式构造后注入（不做包级单例）。
type Provider interface {
	// HistoricalBars 拉取 [start, end] 毫秒区间内的 K 线并按时间升序返回。
	HistoricalBars(ctx context.Context, symbol string, start, end int64, timeframe string) ([]Bar, error)
	// SubscribeBars 为一组 symbols 注册实时回调；重复订阅会叠加回调。
	SubscribeBars(cb BarHandler, symbols []string) error
	// UnsubscribeBars 移除这些 symbols 上的全部回调。
	UnsubscribeBars(symbols []string) error
	// StartStream / StopStream 幂等。
	StartStream() error
	StopStream() error
	// Stats 返回当前运行状态（不支持则返回零值）。
	Stats() SourceStats
	Close() error
}

// Closes 抽取收盘价序列。
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Highs 抽取最高价序列。
func Highs(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

// Lows 抽取最低价序列。
func Lows(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

// Volumes 抽取成交量序列。
func Volumes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}
