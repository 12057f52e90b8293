package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"divalert/internal/logger"
	"divalert/internal/market"
)

const pageLimit = 10000

// Source 实现 market.Provider，对接 Alpaca 的行情 REST 与 WS。
type Source struct {
	cfg        Config
	httpClient *http.Client

	mu       sync.Mutex
	handlers map[string][]market.BarHandler
	ws       *streamClient
	started  bool
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	if final.APIKey == "" || final.SecretKey == "" {
		return nil, fmt.Errorf("alpaca api_key/secret_key 不能为空")
	}
	return &Source{
		cfg:        final,
		httpClient: &http.Client{Timeout: final.HTTPTimeout},
		handlers:   make(map[string][]market.BarHandler),
	}, nil
}

type restBar struct {
	Time   string  `json:"t"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

type barsResponse struct {
	Bars          []restBar `json:"bars"`
	NextPageToken string    `json:"next_page_token"`
}

// HistoricalBars 分页拉取 [start, end] 区间的 K 线并按时间升序返回。
func (s *Source) HistoricalBars(ctx context.Context, symbol string, start, end int64, timeframe string) ([]market.Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	tf, err := mapTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	out := make([]market.Bar, 0, 256)
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("timeframe", tf)
		q.Set("start", time.UnixMilli(start).UTC().Format(time.RFC3339))
		q.Set("end", time.UnixMilli(end).UTC().Format(time.RFC3339))
		q.Set("limit", fmt.Sprintf("%d", pageLimit))
		q.Set("feed", s.cfg.Feed)
		q.Set("adjustment", "raw")
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		u := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", s.cfg.RESTBaseURL, symbol, q.Encode())
		logger.Debugf("[alpaca] REST %s", u)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("APCA-API-KEY-ID", s.cfg.APIKey)
		req.Header.Set("APCA-API-SECRET-KEY", s.cfg.SecretKey)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		var body barsResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("alpaca history error: %s", resp.Status)
		}
		if decodeErr != nil {
			return nil, decodeErr
		}
		for _, rb := range body.Bars {
			ts, err := time.Parse(time.RFC3339, rb.Time)
			if err != nil {
				continue
			}
			out = append(out, market.Bar{
				Symbol: symbol,
				Time:   ts.UnixMilli(),
				Open:   rb.Open,
				High:   rb.High,
				Low:    rb.Low,
				Close:  rb.Close,
				Volume: rb.Volume,
			})
		}
		if body.NextPageToken == "" {
			return out, nil
		}
		pageToken = body.NextPageToken
	}
}

// SubscribeBars 注册回调；流已启动时立即补发订阅。
func (s *Source) SubscribeBars(cb market.BarHandler, symbols []string) error {
	clean := normalizeSymbols(symbols)
	if cb == nil || len(clean) == 0 {
		return fmt.Errorf("回调与 symbols 均不能为空")
	}
	s.mu.Lock()
	for _, sym := range clean {
		s.handlers[sym] = append(s.handlers[sym], cb)
	}
	ws := s.ws
	started := s.started
	s.mu.Unlock()
	if started && ws != nil {
		return ws.SubscribeBars(clean)
	}
	return nil
}

// UnsubscribeBars 移除这些 symbols 上的全部回调并退订。
func (s *Source) UnsubscribeBars(symbols []string) error {
	clean := normalizeSymbols(symbols)
	s.mu.Lock()
	for _, sym := range clean {
		delete(s.handlers, sym)
	}
	ws := s.ws
	s.mu.Unlock()
	if ws != nil {
		return ws.UnsubscribeBars(clean)
	}
	return nil
}

// StartStream 建立 WS 连接并订阅已注册的 symbols，重复调用无副作用。
func (s *Source) StartStream() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	ws := newStreamClient(s.cfg.WSBaseURL, s.cfg.APIKey, s.cfg.SecretKey, s.dispatch)
	s.ws = ws
	s.started = true
	symbols := make([]string, 0, len(s.handlers))
	for sym := range s.handlers {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	if err := ws.Connect(); err != nil {
		s.mu.Lock()
		s.started = false
		s.ws = nil
		s.mu.Unlock()
		return err
	}
	if len(symbols) > 0 {
		return ws.SubscribeBars(symbols)
	}
	return nil
}

func (s *Source) StopStream() error {
	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	s.started = false
	s.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
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
	if s.ws == nil {
		return market.SourceStats{}
	}
	return s.ws.Stats()
}

func (s *Source) Close() error {
	return s.StopStream()
}

func mapTimeframe(tf string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(tf)) {
	case "", "1m":
		return "1Min", nil
	case "5m":
		return "5Min", nil
	case "15m":
		return "15Min", nil
	case "1h":
		return "1Hour", nil
	case "1d":
		return "1Day", nil
	default:
		return "", fmt.Errorf("不支持的 timeframe: %q", tf)
	}
}
