package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"divalert/internal/backtest"
	"divalert/internal/cache"
	"divalert/internal/config"
	"divalert/internal/gateway"
	"divalert/internal/loader"
	"divalert/internal/logger"
	"divalert/internal/store"
)

var (
	configPath = flag.String("config", "divalert.toml", "配置文件路径")
	symbols    = flag.String("symbols", "", "逗号分隔的 symbol 列表")
	indicator  = flag.String("indicator", "rsi", "指标: rsi / macd / tsi")
	signalType = flag.String("type", "regular_bullish_divergence", "背离类型")
	horizons   = flag.String("horizons", "5,15,60", "前瞻期(根数), 逗号分隔")
	targetBars = flag.Int("bars", 0, "目标条数, 0 取配置默认")
	windowDays = flag.Int("days", 0, "时间窗口天数, 0 取配置默认")
)

func main() {
	flag.Parse()
	if *symbols == "" {
		fmt.Fprintln(os.Stderr, "用法: backtest -symbols AAPL,MSFT [-indicator rsi] [-type regular_bullish_divergence]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("加载配置失败: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		fatal("打开数据库失败: %v", err)
	}
	defer st.Close()

	var bc loader.BarCache
	if cfg.Cache.Enabled {
		c, err := cache.New(cfg.Cache.Dir, cfg.Loader.Timeframe)
		if err != nil {
			fatal("初始化缓存失败: %v", err)
		}
		bc = c
	}
	provider, err := gateway.New(cfg.Provider, cfg.Loader.Timeframe)
	if err != nil {
		fatal("初始化行情供应商失败: %v", err)
	}
	defer provider.Close()

	ld, err := loader.New(st, bc, provider, cfg.Loader)
	if err != nil {
		fatal("初始化装载器失败: %v", err)
	}
	engine, err := backtest.NewEngine(ld, cfg.Detection)
	if err != nil {
		fatal("初始化回测引擎失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	res, err := engine.Run(ctx, backtest.Request{
		Symbols:    strings.Split(*symbols, ","),
		Indicator:  *indicator,
		SignalType: *signalType,
		Horizons:   parseHorizons(*horizons),
		TargetBars: *targetBars,
		WindowDays: *windowDays,
	})
	if err != nil {
		fatal("回测失败: %v", err)
	}

	render(res)
}

func render(res backtest.Result) {
	fmt.Printf("indicator=%s type=%s\n", res.Indicator, res.SignalType)
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"symbol", "bars", "signals", "horizon", "count", "wins", "win rate", "avg ret", "sharpe"})
	for _, sym := range res.Symbols {
		for i, h := range sym.Horizons {
			row := table.Row{"", "", ""}
			if i == 0 {
				row = table.Row{sym.Symbol, sym.Bars, len(sym.Signals)}
			}
			row = append(row,
				h.Horizon, h.Count, h.Wins,
				fmt.Sprintf("%.1f%%", h.WinRate*100),
				fmt.Sprintf("%+.4f%%", h.AvgRet*100),
				fmt.Sprintf("%.3f", h.Sharpe),
			)
			t.AppendRow(row)
		}
		t.AppendSeparator()
	}
	t.Render()
}

func parseHorizons(s string) []int {
	out := make([]int, 0, 4)
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err == nil && n > 0 {
			out = append(out, n)
		}
	}
	return out
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
