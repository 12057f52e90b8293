package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"divalert/internal/backtest"
	"divalert/internal/cache"
	"divalert/internal/config"
	"divalert/internal/gateway"
	"divalert/internal/loader"
	"divalert/internal/logger"
	"divalert/internal/monitor"
	"divalert/internal/store"
	transport "divalert/internal/transport/http"
	"divalert/internal/transport/ws"
)

var configPath = flag.String("config", "divalert.toml", "配置文件路径")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Errorf("打开数据库失败: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	var bc loader.BarCache
	if cfg.Cache.Enabled {
		c, err := cache.New(cfg.Cache.Dir, cfg.Loader.Timeframe)
		if err != nil {
			logger.Errorf("初始化缓存失败: %v", err)
			os.Exit(1)
		}
		bc = c
	}

	provider, err := gateway.New(cfg.Provider, cfg.Loader.Timeframe)
	if err != nil {
		logger.Errorf("初始化行情供应商失败: %v", err)
		os.Exit(1)
	}
	defer provider.Close()

	ld, err := loader.New(st, bc, provider, cfg.Loader)
	if err != nil {
		logger.Errorf("初始化装载器失败: %v", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	manager := monitor.NewManager(cfg.Detection, cfg.Monitor, ld, provider, st, hub.Broadcast)
	engine, err := backtest.NewEngine(ld, cfg.Detection)
	if err != nil {
		logger.Errorf("初始化回测引擎失败: %v", err)
		os.Exit(1)
	}
	runner := backtest.NewRunner(engine)

	router := transport.NewRouter(transport.Deps{
		Store:     st,
		Loader:    ld,
		Manager:   manager,
		Runner:    runner,
		Hub:       hub,
		Provider:  provider,
		Detection: cfg.Detection,
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	go func() {
		logger.Infof("HTTP 服务监听 %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP 服务退出: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Infof("收到退出信号, 开始优雅停机")

	for _, out := range manager.StopAll() {
		logger.Infof("监控 %s: %s", out.Key, out.Status)
	}
	hub.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warnf("HTTP 停机失败: %v", err)
	}
	logger.Infof("已退出")
}
