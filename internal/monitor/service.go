package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"divalert/internal/analysis/divergence"
	"divalert/internal/analysis/indicator"
	"divalert/internal/config"
	"divalert/internal/loader"
	"divalert/internal/logger"
	"divalert/internal/market"
)

// State 是监控服务的生命周期状态。
type State string

const (
	StateInitializing State = "initializing"
	StateStreaming    State = "streaming"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// HistoryLoader 是服务预热所需的装载能力。
type HistoryLoader interface {
	Load(ctx context.Context, symbol string, purpose loader.Purpose, opts loader.Options) (loader.Result, error)
}

// SignalStore 是服务落盘所需的持久化能力。
type SignalStore interface {
	InsertBars(ctx context.Context, bars []market.Bar) (int, error)
	InsertSignal(ctx context.Context, sig *market.Signal) error
}

// Broadcaster 在信号落盘后向外扇出（如 WebSocket 订阅方）。
type Broadcaster func(market.Signal)

// Status 是服务某一时刻的只读快照。
type Status struct {
	Key        string   `json:"key"`
	State      State    `json:"state"`
	Symbols    []string `json:"symbols"`
	Indicator  string   `json:"indicator"`
	SignalType string   `json:"signal_type"`
	StartedAt  int64    `json:"started_at"`
	LastBarAt  int64    `json:"last_bar_at"`
	Idle       bool     `json:"idle"`
	Bars       int      `json:"bars"`
	Signals    int64    `json:"signals"`
	Error      string   `json:"error,omitempty"`
}

// Service 执行一个监控任务：预热历史窗口，桥接实时推送，
// 每根新 K 线后做一次背离检测。检测只发生在 Run 的调度循环里，
// provider 回调仅负责把事件塞进有界通道（满则丢弃并告警）。
type Service struct {
	spec      Spec
	det       config.DetectionConfig
	mon       config.MonitorConfig
	loader    HistoryLoader
	provider  market.Provider
	store     SignalStore
	broadcast Broadcaster

	events chan market.Bar

	// buffers / emitted / lastSeen 只在 Run 的 goroutine 里访问。
	buffers  map[string]*RollingBuffer
	emitted  map[string]map[string]struct{}
	lastSeen map[string]int64

	mu        sync.Mutex
	state     State
	startedAt int64
	lastBarAt int64
	idle      bool
	signals   int64
	barsSeen  int
	lastErr   string
}

func NewService(spec Spec, det config.DetectionConfig, mon config.MonitorConfig,
	hl HistoryLoader, provider market.Provider, store SignalStore, broadcast Broadcaster) (*Service, error) {
	if hl == nil || provider == nil || store == nil {
		return nil, fmt.Errorf("loader/provider/store 均不能为空")
	}
	return &Service{
		spec:      spec,
		det:       det,
		mon:       mon,
		loader:    hl,
		provider:  provider,
		store:     store,
		broadcast: broadcast,
		events:    make(chan market.Bar, 256),
		buffers:   make(map[string]*RollingBuffer, len(spec.Symbols)),
		emitted:   make(map[string]map[string]struct{}, len(spec.Symbols)),
		lastSeen:  make(map[string]int64, len(spec.Symbols)),
		state:     StateInitializing,
	}, nil
}

// Run 阻塞执行直到 ctx 取消或发生不可恢复错误。
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = time.Now().UnixMilli()
	s.state = StateInitializing
	s.mu.Unlock()

	if err := s.warmStart(ctx); err != nil {
		// 预热期间被取消属于正常停止, 不算故障。
		if ctx.Err() != nil {
			s.setState(StateStopped)
			logger.Infof("monitor[%s]: 预热中被停止", s.spec.Key())
			return nil
		}
		s.failWith(err)
		return err
	}

	// 回调运行在 provider 的读循环里，只做投递，绝不检测。
	handler := func(b market.Bar) {
		select {
		case s.events <- b:
		default:
			logger.Warnf("monitor[%s]: 事件通道已满, 丢弃 %s@%d", s.spec.Key(), b.Symbol, b.Time)
		}
	}
	if err := s.provider.SubscribeBars(handler, s.spec.Symbols); err != nil {
		err = fmt.Errorf("订阅实时行情失败: %w", err)
		s.failWith(err)
		return err
	}
	defer func() {
		if err := s.provider.UnsubscribeBars(s.spec.Symbols); err != nil {
			logger.Warnf("monitor[%s]: 取消订阅失败: %v", s.spec.Key(), err)
		}
	}()
	if err := s.provider.StartStream(); err != nil {
		err = fmt.Errorf("启动行情流失败: %w", err)
		s.failWith(err)
		return err
	}

	s.setState(StateStreaming)
	logger.Infof("monitor[%s]: 进入实时检测", s.spec.Key())

	hb := s.mon.HeartbeatSeconds
	if hb <= 0 {
		hb = 600
	}
	heartbeat := time.NewTicker(time.Duration(hb) * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			logger.Infof("monitor[%s]: 已停止", s.spec.Key())
			return nil
		case b := <-s.events:
			s.onBar(b)
		case <-heartbeat.C:
			s.onHeartbeat()
		}
	}
}

// warmStart 并发装载各 symbol 的历史窗口并填充缓冲。
// 单个 symbol 装载失败只告警，服务带空窗口继续。
func (s *Service) warmStart(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	warm := make(map[string][]market.Bar, len(s.spec.Symbols))
	for _, sym := range s.spec.Symbols {
		sym := sym
		g.Go(func() error {
			res, err := s.loader.Load(gctx, sym, loader.PurposeMonitor, loader.Options{})
			if err != nil {
				logger.Warnf("monitor[%s]: 预热 %s 失败: %v", s.spec.Key(), sym, err)
				return nil
			}
			mu.Lock()
			warm[sym] = res.Bars
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	total := 0
	startAt := time.Now().UnixMilli()
	for _, sym := range s.spec.Symbols {
		buf := NewRollingBuffer(s.mon.BufferCap, s.mon.BufferRetain)
		total += buf.Preload(warm[sym])
		s.buffers[sym] = buf
		s.emitted[sym] = make(map[string]struct{})
		s.lastSeen[sym] = startAt
		// 预热窗口末尾已经成立的背离属于历史, 记入去重集但不发信号,
		// 避免服务一启动就对着旧行情报警。
		if hit, ok := s.detectOnce(buf.Snapshot()); ok {
			s.emitted[sym][fmt.Sprintf("%d|%d", hit.P1Time, hit.P2Time)] = struct{}{}
		}
		if buf.Len() < s.det.LookbackBars {
			logger.Warnf("monitor[%s]: %s 历史不足 %d/%d, 待实时补齐后才会出信号",
				s.spec.Key(), sym, buf.Len(), s.det.LookbackBars)
		} else {
			logger.Infof("monitor[%s]: %s 预热 %d 条, 满足回看窗口", s.spec.Key(), sym, buf.Len())
		}
	}
	s.mu.Lock()
	s.barsSeen = total
	s.mu.Unlock()
	logger.Infof("monitor[%s]: 预热完成, 共 %d 条历史", s.spec.Key(), total)
	return nil
}

func (s *Service) onBar(b market.Bar) {
	buf, ok := s.buffers[b.Symbol]
	if !ok {
		return
	}
	if !buf.Append(b) {
		logger.Debugf("monitor[%s]: 丢弃乱序 K 线 %s@%d", s.spec.Key(), b.Symbol, b.Time)
		return
	}

	s.lastSeen[b.Symbol] = time.Now().UnixMilli()

	s.mu.Lock()
	s.lastBarAt = time.Now().UnixMilli()
	s.idle = false
	s.barsSeen++
	s.mu.Unlock()

	// 落盘不阻塞检测循环，失败只记日志。
	go func(bar market.Bar) {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.store.InsertBars(pctx, []market.Bar{bar}); err != nil {
			logger.Warnf("monitor[%s]: K 线落盘失败 %s@%d: %v", s.spec.Key(), bar.Symbol, bar.Time, err)
		}
	}(b)

	s.detect(b.Symbol, buf)
}

// detectOnce 在给定窗口上做一次检测, 不触碰去重集与落盘。
func (s *Service) detectOnce(bars []market.Bar) (divergence.Hit, bool) {
	if len(bars) < 2*s.det.PivotK+1 {
		return divergence.Hit{}, false
	}
	closes := market.Closes(bars)
	ind := indicator.Compute(s.spec.Indicator, closes, indicator.Params{
		RSIPeriod:  s.det.RSIPeriod,
		MACDFast:   s.det.MACDFast,
		MACDSlow:   s.det.MACDSlow,
		MACDSignal: s.det.MACDSignal,
		TSILong:    s.det.TSILong,
		TSIShort:   s.det.TSIShort,
	})
	return divergence.Detect(s.spec.SignalType, bars, ind, divergence.Params{
		Lookback:    s.det.LookbackBars,
		PivotK:      s.det.PivotK,
		TrendPeriod: s.det.EMAPeriod,
		TrendFilter: !s.det.DisableTrendFilter,
	})
}

func (s *Service) detect(symbol string, buf *RollingBuffer) {
	hit, ok := s.detectOnce(buf.Snapshot())
	if !ok {
		return
	}

	// 同一对枢轴只报一次：后续 K 线再次命中同一 (p1, p2) 视为重复。
	pairKey := fmt.Sprintf("%d|%d", hit.P1Time, hit.P2Time)
	if _, dup := s.emitted[symbol][pairKey]; dup {
		return
	}
	s.emitted[symbol][pairKey] = struct{}{}

	sig := market.Signal{
		Symbol:         symbol,
		SignalType:     string(s.spec.SignalType),
		Indicator:      string(s.spec.Indicator),
		Time:           hit.P2Time,
		Price:          hit.Price,
		IndicatorValue: hit.IndicatorValue,
		P1Time:         hit.P1Time,
		P2Time:         hit.P2Time,
	}
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.InsertSignal(pctx, &sig); err != nil {
		logger.Errorf("monitor[%s]: 信号落盘失败 %s: %v", s.spec.Key(), symbol, err)
	}
	s.mu.Lock()
	s.signals++
	s.mu.Unlock()
	logger.Infof("monitor[%s]: %s %s 命中 p1=%d p2=%d price=%.4f",
		s.spec.Key(), symbol, sig.SignalType, sig.P1Time, sig.P2Time, sig.Price)

	if s.broadcast != nil {
		s.broadcast(sig)
	}
}

func (s *Service) onHeartbeat() {
	now := time.Now().UnixMilli()

	// 逐 symbol 汇报缓冲大小, 超过静默阈值的标记 idle。
	parts := make([]string, 0, len(s.spec.Symbols))
	allIdle := len(s.spec.Symbols) > 0
	for _, sym := range s.spec.Symbols {
		size := 0
		if buf := s.buffers[sym]; buf != nil {
			size = buf.Len()
		}
		stale := s.lastSeen[sym] == 0 || (now-s.lastSeen[sym])/1000 > int64(s.mon.IdleSeconds)
		if stale {
			parts = append(parts, fmt.Sprintf("%s=%d(idle)", sym, size))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%d", sym, size))
			allIdle = false
		}
	}

	s.mu.Lock()
	if allIdle {
		s.idle = true
	}
	st := s.state
	signals := s.signals
	idle := s.idle
	s.mu.Unlock()
	logger.Infof("monitor[%s]: heartbeat state=%s buffers[%s] signals=%d idle=%v",
		s.spec.Key(), st, strings.Join(parts, " "), signals, idle)
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// failWith 标记服务失败并保留故障原因, 供 Status 对外汇报。
func (s *Service) failWith(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// Status 返回当前快照。
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Key:        s.spec.Key(),
		State:      s.state,
		Symbols:    append([]string(nil), s.spec.Symbols...),
		Indicator:  string(s.spec.Indicator),
		SignalType: string(s.spec.SignalType),
		StartedAt:  s.startedAt,
		LastBarAt:  s.lastBarAt,
		Idle:       s.idle,
		Bars:       s.barsSeen,
		Signals:    s.signals,
		Error:      s.lastErr,
	}
}
