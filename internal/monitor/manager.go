package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"divalert/internal/config"
	"divalert/internal/logger"
	"divalert/internal/market"
)

// Outcome 是管理操作的结构化结果，直接用于 API 响应。
type Outcome struct {
	Key    string `json:"key"`
	Status string `json:"status"` // started / already_running / stopped / not_found / error
	Error  string `json:"error,omitempty"`
}

type handle struct {
	svc    *Service
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Manager 以规范化 key 为身份管理监控服务的生命周期。
// 同一 key 同时最多一个运行实例；已结束的实例允许同 key 重启。
type Manager struct {
	det       config.DetectionConfig
	mon       config.MonitorConfig
	loader    HistoryLoader
	provider  market.Provider
	store     SignalStore
	broadcast Broadcaster

	mu      sync.Mutex
	running map[string]*handle
}

func NewManager(det config.DetectionConfig, mon config.MonitorConfig,
	hl HistoryLoader, provider market.Provider, store SignalStore, broadcast Broadcaster) *Manager {
	return &Manager{
		det:       det,
		mon:       mon,
		loader:    hl,
		provider:  provider,
		store:     store,
		broadcast: broadcast,
		running:   make(map[string]*handle),
	}
}

// Start 校验参数并启动一个监控服务。校验失败与重复启动
// 都通过 Outcome 表达，不抛错误。
func (m *Manager) Start(symbols []string, indicatorName, signalType string) Outcome {
	spec, err := ParseSpec(symbols, indicatorName, signalType)
	if err != nil {
		return Outcome{Status: "error", Error: err.Error()}
	}
	key := spec.Key()

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.running[key]; ok {
		if !h.finished() {
			return Outcome{Key: key, Status: "already_running"}
		}
		delete(m.running, key)
	}

	svc, err := NewService(spec, m.det, m.mon, m.loader, m.provider, m.store, m.broadcast)
	if err != nil {
		return Outcome{Key: key, Status: "error", Error: err.Error()}
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{svc: svc, cancel: cancel, done: make(chan struct{})}
	m.running[key] = h

	go func() {
		err := svc.Run(ctx)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		if err != nil {
			logger.Errorf("monitor[%s]: 退出并报错: %v", key, err)
		}
		close(h.done)
	}()

	logger.Infof("monitor[%s]: 已启动", key)
	return Outcome{Key: key, Status: "started"}
}

// Stop 取消指定 key 的服务并等待其退出。
func (m *Manager) Stop(key string) Outcome {
	m.mu.Lock()
	h, ok := m.running[key]
	if ok {
		delete(m.running, key)
	}
	m.mu.Unlock()
	if !ok {
		return Outcome{Key: key, Status: "not_found"}
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
		logger.Warnf("monitor[%s]: 停止等待超时", key)
	}
	h.mu.Lock()
	err := h.err
	h.mu.Unlock()
	if err != nil {
		return Outcome{Key: key, Status: "stopped", Error: err.Error()}
	}
	return Outcome{Key: key, Status: "stopped"}
}

// List 返回全部监控服务的状态快照，按 key 排序。
func (m *Manager) List() []Status {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.running))
	for _, h := range m.running {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.svc.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// StopAll 并发停止全部服务，用于进程退出。
func (m *Manager) StopAll() []Outcome {
	m.mu.Lock()
	keys := make([]string, 0, len(m.running))
	for k := range m.running {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	outcomes := make([]Outcome, len(keys))
	var g errgroup.Group
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			outcomes[i] = m.Stop(k)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
