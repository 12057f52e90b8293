package alpaca

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"divalert/internal/logger"
	"divalert/internal/market"
)

// streamClient 维护到 Alpaca 行情流的单条 WS 连接：
// 认证、订阅、断线重连并重放订阅。收到的分钟线经 onBar 派发。
type streamClient struct {
	url    string
	key    string
	secret string
	onBar  func(market.Bar)

	mu         sync.RWMutex
	conn       *websocket.Conn
	subscribed map[string]bool
	done       chan struct{}
	reconnect  bool

	stats market.SourceStats
}

func newStreamClient(url, key, secret string, onBar func(market.Bar)) *streamClient {
	return &streamClient{
		url:        strings.TrimSpace(url),
		key:        key,
		secret:     secret,
		onBar:      onBar,
		subscribed: make(map[string]bool),
		done:       make(chan struct{}),
		reconnect:  true,
	}
}

func (c *streamClient) Connect() error {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := d.Dial(c.url, nil)
	if err != nil {
		return err
	}
	auth := map[string]string{"action": "auth", "key": c.key, "secret": c.secret}
	if err := conn.WriteJSON(auth); err != nil {
		_ = conn.Close()
		return fmt.Errorf("认证发送失败: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.read()
	return nil
}

func (c *streamClient) Close() {
	c.mu.Lock()
	if !c.reconnect {
		c.mu.Unlock()
		return
	}
	c.reconnect = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	close(c.done)
}

// SubscribeBars 订阅一批 symbol 的分钟线。
func (c *streamClient) SubscribeBars(symbols []string) error {
	clean := normalizeSymbols(symbols)
	if len(clean) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, s := range clean {
		c.subscribed[s] = true
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("ws 未连接")
	}
	msg := map[string]any{"action": "subscribe", "bars": clean}
	if err := conn.WriteJSON(msg); err != nil {
		c.mu.Lock()
		c.stats.SubscribeErrors++
		c.stats.LastError = err.Error()
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *streamClient) UnsubscribeBars(symbols []string) error {
	clean := normalizeSymbols(symbols)
	if len(clean) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, s := range clean {
		delete(c.subscribed, s)
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg := map[string]any{"action": "unsubscribe", "bars": clean}
	return conn.WriteJSON(msg)
}

func (c *streamClient) read() {
	for {
		select {
		case <-c.done:
			return
		default:
		}
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			time.Sleep(time.Second)
			continue
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.stats.Reconnects++
			c.stats.LastError = err.Error()
			stop := !c.reconnect
			c.mu.Unlock()
			if stop {
				return
			}
			time.Sleep(2 * time.Second)
			if err := c.Connect(); err != nil {
				logger.Warnf("[alpaca] WS 重连失败: %v", err)
				continue
			}
			c.replaySubscriptions()
			return // 新连接自带 read goroutine, 本协程退出
		}
		c.dispatchFrame(message)
	}
}

// wsMessage 是流上的一条消息。Alpaca 把所有类型打平在一个数组帧里,
// 用 T 字段区分: b=分钟线, error=错误, success=握手确认。
type wsMessage struct {
	Type   string  `json:"T"`
	Symbol string  `json:"S"`
	Time   string  `json:"t"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
	Code   int     `json:"code"`
	Msg    string  `json:"msg"`
}

func (c *streamClient) dispatchFrame(b []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(b, &msgs); err != nil {
		logger.Warnf("[alpaca] 解码 WS 帧失败: %v", err)
		return
	}
	for _, m := range msgs {
		switch m.Type {
		case "b":
			ts, err := time.Parse(time.RFC3339, m.Time)
			if err != nil {
				logger.Warnf("[alpaca] 解析时间失败 %q: %v", m.Time, err)
				continue
			}
			if c.onBar != nil {
				c.onBar(market.Bar{
					Symbol: strings.ToUpper(m.Symbol),
					Time:   ts.UnixMilli(),
					Open:   m.Open,
					High:   m.High,
					Low:    m.Low,
					Close:  m.Close,
					Volume: m.Volume,
				})
			}
		case "error":
			c.mu.Lock()
			c.stats.SubscribeErrors++
			c.stats.LastError = fmt.Sprintf("code=%d msg=%s", m.Code, m.Msg)
			c.mu.Unlock()
			logger.Warnf("[alpaca] 流错误: code=%d msg=%s", m.Code, m.Msg)
		case "success", "subscription":
			// 握手/订阅确认, 无需处理。
		}
	}
}

func (c *streamClient) replaySubscriptions() {
	c.mu.RLock()
	symbols := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		symbols = append(symbols, s)
	}
	c.mu.RUnlock()
	if len(symbols) == 0 {
		return
	}
	if err := c.SubscribeBars(symbols); err != nil {
		logger.Warnf("[alpaca] 重放订阅失败: %v", err)
	}
}

func (c *streamClient) Stats() market.SourceStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
