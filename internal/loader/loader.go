package loader

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"divalert/internal/config"
	"divalert/internal/logger"
	"divalert/internal/market"
)

// Purpose 区分三种装载场景，对应不同的目标条数与时间窗口。
type Purpose string

const (
	PurposeMonitor  Purpose = "monitor"
	PurposeBackfill Purpose = "backfill"
	PurposeResearch Purpose = "research"
)

// BarStore 是装载器需要的数据库能力子集。
type BarStore interface {
	QueryBars(ctx context.Context, symbol string, start, end int64, limit int) ([]market.Bar, error)
	InsertBars(ctx context.Context, bars []market.Bar) (int, error)
}

// BarCache 是装载器需要的本地缓存能力子集，可为 nil（缓存层关闭）。
type BarCache interface {
	Read(symbol string, start, end int64) ([]market.Bar, error)
	Write(symbol string, bars []market.Bar) error
}

// Fetcher 拉取远端历史行情，通常由 gateway 的 Provider 实现。
type Fetcher interface {
	HistoricalBars(ctx context.Context, symbol string, start, end int64, timeframe string) ([]market.Bar, error)
}

// Options 覆盖单次装载的目标；零值字段按 Purpose 取默认。
type Options struct {
	TargetBars int
	WindowDays int
	EndTime    int64
}

// Result 是一次装载的结果与来源说明。
type Result struct {
	Bars   []market.Bar
	Source string // database / cache / provider / empty
	Target int
}

// Loader 按 数据库 -> parquet 缓存 -> 远端行情 的顺序级联装载历史 K 线。
// 上层命中即止；下层命中会回写上层。任何一层出错只记日志继续向下，
// 三层全部落空时返回空结果而不是错误。
type Loader struct {
	store   BarStore
	cache   BarCache
	fetcher Fetcher
	cfg     config.LoaderConfig
}

func New(store BarStore, cache BarCache, fetcher Fetcher, cfg config.LoaderConfig) (*Loader, error) {
	if store == nil {
		return nil, fmt.Errorf("store 不能为空")
	}
	return &Loader{store: store, cache: cache, fetcher: fetcher, cfg: cfg}, nil
}

func (l *Loader) defaults(p Purpose) Options {
	switch p {
	case PurposeBackfill:
		// 回填以时间窗口为主，不设条数下限。
		return Options{TargetBars: 0, WindowDays: l.cfg.BackfillDays}
	case PurposeResearch:
		return Options{TargetBars: l.cfg.ResearchBars, WindowDays: l.cfg.ResearchDays}
	default:
		return Options{TargetBars: l.cfg.PreloadBars, WindowDays: l.cfg.PreloadDays}
	}
}

// Load 为 purpose 场景装载 symbol 的历史 K 线。
func (l *Loader) Load(ctx context.Context, symbol string, purpose Purpose, opts Options) (Result, error) {
	if symbol == "" {
		return Result{}, fmt.Errorf("symbol 不能为空")
	}
	symbol = strings.ToUpper(symbol)

	def := l.defaults(purpose)
	if opts.TargetBars <= 0 {
		opts.TargetBars = def.TargetBars
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = def.WindowDays
	}
	if opts.EndTime <= 0 {
		opts.EndTime = time.Now().UnixMilli()
	}
	start := opts.EndTime - int64(opts.WindowDays)*24*int64(time.Hour/time.Millisecond)
	// 充足性下限：目标条数的 80%（向上取整）即算命中。
	need := 0
	if opts.TargetBars > 0 {
		need = int(math.Ceil(float64(opts.TargetBars) * l.cfg.Sufficiency))
	}

	// 第一层：数据库。
	if bars, err := l.store.QueryBars(ctx, symbol, start, opts.EndTime, limitFor(opts.TargetBars)); err != nil {
		logger.Warnf("loader: 数据库查询失败 %s: %v", symbol, err)
	} else if sufficient(bars, need) {
		logger.Debugf("loader: %s 命中数据库, %d 条", symbol, len(bars))
		return Result{Bars: tail(bars, opts.TargetBars), Source: "database", Target: opts.TargetBars}, nil
	}

	// 第二层：parquet 缓存，命中则回写数据库。
	if l.cache != nil {
		if bars, err := l.cache.Read(symbol, start, opts.EndTime); err != nil {
			logger.Warnf("loader: 缓存读取失败 %s: %v", symbol, err)
		} else if sufficient(bars, need) {
			if n, err := l.store.InsertBars(ctx, bars); err != nil {
				logger.Warnf("loader: 缓存回写数据库失败 %s: %v", symbol, err)
			} else if n > 0 {
				logger.Debugf("loader: %s 缓存回写数据库 %d 条", symbol, n)
			}
			return Result{Bars: tail(bars, opts.TargetBars), Source: "cache", Target: opts.TargetBars}, nil
		}
	}

	// 第三层：远端行情，按安全系数放宽窗口，命中则回写缓存与数据库。
	if l.fetcher != nil {
		wideStart := opts.EndTime - int64(float64(opts.EndTime-start)*l.cfg.SafetyMargin)
		bars, err := l.fetcher.HistoricalBars(ctx, symbol, wideStart, opts.EndTime, l.cfg.Timeframe)
		if err != nil {
			logger.Warnf("loader: 远端拉取失败 %s: %v", symbol, err)
		} else if len(bars) > 0 {
			sort.Slice(bars, func(i, j int) bool { return bars[i].Time < bars[j].Time })
			if l.cache != nil {
				if err := l.cache.Write(symbol, bars); err != nil {
					logger.Warnf("loader: 回写缓存失败 %s: %v", symbol, err)
				}
			}
			if _, err := l.store.InsertBars(ctx, bars); err != nil {
				logger.Warnf("loader: 回写数据库失败 %s: %v", symbol, err)
			}
			return Result{Bars: tail(bars, opts.TargetBars), Source: "provider", Target: opts.TargetBars}, nil
		}
	}

	logger.Warnf("loader: %s 三层均未命中, 返回空结果", symbol)
	return Result{Source: "empty", Target: opts.TargetBars}, nil
}

func sufficient(bars []market.Bar, need int) bool {
	if need <= 0 {
		return len(bars) > 0
	}
	return len(bars) >= need
}

// tail 保留最新的 n 条；n<=0 表示全部。
func tail(bars []market.Bar, n int) []market.Bar {
	if n <= 0 || len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}

func limitFor(target int) int {
	if target <= 0 {
		return 0
	}
	return target
}
