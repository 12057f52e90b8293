package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"divalert/internal/logger"
	"divalert/internal/market"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 信号推送是只读广播, 不做跨域限制。
	CheckOrigin: func(*http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan market.Signal
}

// Hub 把检测到的信号广播给所有 WS 订阅方。
// 单个客户端阻塞或出错只影响它自己，不会拖慢广播与其他客户端。
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Broadcast 非阻塞投递；客户端队列满则丢弃该客户端的这条消息。
func (h *Hub) Broadcast(sig market.Signal) {
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- sig:
		default:
			logger.Debugf("ws: 客户端队列已满, 丢弃一条信号")
		}
	}
	h.mu.Unlock()
}

// ClientCount 返回在线客户端数。
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve 把一个 HTTP 请求升级为 WS 连接并纳入广播。
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("ws: 升级连接失败: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan market.Signal, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	logger.Infof("ws: 新客户端接入, 当前 %d 个", h.ClientCount())

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case sig, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(sig); err != nil {
				h.drop(c)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readLoop 只为感知客户端断开, 收到的内容一律忽略。
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// CloseAll 关闭全部客户端, 用于进程退出。
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		close(c.send)
		_ = c.conn.Close()
	}
}
