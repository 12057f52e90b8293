package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	gobinance "github.com/adshao/go-binance/v2"

	"divalert/internal/logger"
	"divalert/internal/market"
)

const historyPageLimit = 1000

// Config 是 Binance 接入参数。行情接口无需密钥也能用。
type Config struct {
	APIKey    string
	SecretKey string
	Interval  string
}

func (c Config) withDefaults() Config {
	out := c
	if out.Interval == "" {
		out.Interval = "1m"
	}
	return out
}

// Source 实现 market.Provider，通过官方 SDK 对接 Binance 现货行情。
// 实时流用 combined kline 连接，只转发已收盘(IsFinal)的 K 线。
type Source struct {
	cfg    Config
	client *gobinance.Client

	mu       sync.Mutex
	handlers map[string][]market.BarHandler
	stopC    chan struct{}
	started  bool
	stats    market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	return &Source{
		cfg:      final,
		client:   gobinance.NewClient(final.APIKey, final.SecretKey),
		handlers: make(map[string][]market.BarHandler),
	}, nil
}

// HistoricalBars 分页拉取 [start, end] 区间的 K 线并按时间升序返回。
func (s *Source) HistoricalBars(ctx context.Context, symbol string, start, end int64, timeframe string) ([]market.Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	interval := strings.ToLower(strings.TrimSpace(timeframe))
	if interval == "" {
		interval = s.cfg.Interval
	}

	out := make([]market.Bar, 0, 256)
	cursor := start
	for cursor < end {
		klines, err := s.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(cursor).
			EndTime(end).
			Limit(historyPageLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance history error: %w", err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			out = append(out, market.Bar{
				Symbol: symbol,
				Time:   k.OpenTime,
				Open:   toFloat(k.Open),
				High:   toFloat(k.High),
				Low:    toFloat(k.Low),
				Close:  toFloat(k.Close),
				Volume: toFloat(k.Volume),
			})
		}
		next := klines[len(klines)-1].CloseTime + 1
		if next <= cursor {
			break
		}
		cursor = next
		if len(klines) < historyPageLimit {
			break
		}
	}
	return out, nil
}

// SubscribeBars 注册回调；流已启动时重启连接使订阅生效。
func (s *Source) SubscribeBars(cb market.BarHandler, symbols []string) error {
	clean := normalizeSymbols(symbols)
	if cb == nil || len(clean) == 0 {
		return fmt.Errorf("回调与 symbols 均不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range clean {
		s.handlers[sym] = append(s.handlers[sym], cb)
	}
	if s.started {
		return s.restartLocked()
	}
	return nil
}

// UnsubscribeBars 移除回调；流运行中时同样通过重启收敛订阅集。
func (s *Source) UnsubscribeBars(symbols []string) error {
	clean := normalizeSymbols(symbols)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range clean {
		delete(s.handlers, sym)
	}
	if s.started {
		return s.restartLocked()
	}
	return nil
}

// StartStream 幂等启动 combined kline 流。
func (s *Source) StartStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	return s.restartLocked()
}

// StopStream 幂等停止。
func (s *Source) StopStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.stopLocked()
	return nil
}

func (s *Source) stopLocked() {
	if s.stopC != nil {
		close(s.stopC)
		s.stopC = nil
	}
}

// restartLocked 按当前订阅集重建 WS 连接，调用方持有 s.mu。
func (s *Source) restartLocked() error {
	s.stopLocked()
	if len(s.handlers) == 0 {
		return nil
	}
	pairs := make(map[string]string, len(s.handlers))
	for sym := range s.handlers {
		pairs[sym] = s.cfg.Interval
	}

	handler := func(ev *gobinance.WsKlineEvent) {
		if ev == nil || !ev.Kline.IsFinal {
			return
		}
		bar := market.Bar{
			Symbol: strings.ToUpper(ev.Symbol),
			Time:   ev.Kline.StartTime,
			Open:   toFloat(ev.Kline.Open),
			High:   toFloat(ev.Kline.High),
			Low:    toFloat(ev.Kline.Low),
			Close:  toFloat(ev.Kline.Close),
			Volume: toFloat(ev.Kline.Volume),
		}
		s.dispatch(bar)
	}
	errHandler := func(err error) {
		logger.Warnf("[binance] 流错误: %v", err)
		s.mu.Lock()
		s.stats.Reconnects++
		s.stats.LastError = err.Error()
		s.mu.Unlock()
	}

	_, stopC, err := gobinance.WsCombinedKlineServe(pairs, handler, errHandler)
	if err != nil {
		s.stats.SubscribeErrors++
		s.stats.LastError = err.Error()
		return fmt.Errorf("启动 kline 流失败: %w", err)
	}
	s.stopC = stopC
	return nil
}

func (s *Source) dispatch(b market.Bar) {
	s.mu.Lock()
	hs := append([]market.BarHandler(nil), s.handlers[b.Symbol]...)
	s.mu.Unlock()
	for _, h := range hs {
		h(b)
	}
}

func (s *Source) Stats() market.SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	return s.StopStream()
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
