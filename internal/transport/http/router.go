package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"divalert/internal/analysis/indicator"
	"divalert/internal/backtest"
	"divalert/internal/config"
	"divalert/internal/loader"
	"divalert/internal/logger"
	"divalert/internal/market"
	"divalert/internal/monitor"
	"divalert/internal/store"
	"divalert/internal/transport/ws"
)

// Deps 是 HTTP 层的全部依赖，由入口组装后注入。
type Deps struct {
	Store     *store.Store
	Loader    *loader.Loader
	Manager   *monitor.Manager
	Runner    *backtest.Runner
	Hub       *ws.Hub
	Provider  market.Provider
	Detection config.DetectionConfig
}

// NewRouter 组装全部路由。
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	h := &handlers{d: d}

	r.GET("/", h.root)
	r.GET("/stats", h.stats)

	r.GET("/monitors", h.listMonitors)
	r.POST("/monitors/start", h.startMonitor)
	r.POST("/monitors/stop", h.stopMonitor)

	api := r.Group("/api")
	{
		api.GET("/signals", h.listSignals)
		api.GET("/bars", h.listBars)
		api.POST("/backtest", h.submitBacktest)
		api.GET("/backtest", h.listBacktests)
		api.GET("/backtest/:id", h.getBacktest)
		api.GET("/snapshot/:symbol", h.snapshot)
		api.GET("/charts/:symbol", h.chart)
	}

	r.GET("/ws/signals", func(c *gin.Context) {
		h.d.Hub.Serve(c.Writer, c.Request)
	})
	return r
}

type handlers struct {
	d Deps
}

func (h *handlers) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "divalert",
		"status":  "ok",
	})
}

func (h *handlers) stats(c *gin.Context) {
	ctx := c.Request.Context()
	bars, err := h.d.Store.CountBars(ctx, c.Query("symbol"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	signals, err := h.d.Store.CountSignals(ctx, c.Query("symbol"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bars":       bars,
		"signals":    signals,
		"monitors":   len(h.d.Manager.List()),
		"ws_clients": h.d.Hub.ClientCount(),
		"provider":   h.d.Provider.Stats(),
	})
}

type startRequest struct {
	Symbols    []string `json:"symbols" binding:"required"`
	Indicator  string   `json:"indicator" binding:"required"`
	SignalType string   `json:"signal_type" binding:"required"`
}

func (h *handlers) startMonitor(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out := h.d.Manager.Start(req.Symbols, req.Indicator, req.SignalType)
	if out.Status == "error" {
		c.JSON(http.StatusBadRequest, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

type stopRequest struct {
	Key string `json:"key" binding:"required"`
}

func (h *handlers) stopMonitor(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out := h.d.Manager.Stop(req.Key)
	if out.Status == "not_found" {
		c.JSON(http.StatusNotFound, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) listMonitors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"monitors": h.d.Manager.List()})
}

func (h *handlers) listSignals(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	sigs, err := h.d.Store.ListSignals(c.Request.Context(), strings.ToUpper(c.Query("symbol")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": sigs})
}

func (h *handlers) listBars(c *gin.Context) {
	symbol := strings.ToUpper(c.Query("symbol"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 不能为空"})
		return
	}
	limit := intQuery(c, "limit", 200)
	bars, err := h.d.Store.RecentBars(c.Request.Context(), symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "bars": bars})
}

func (h *handlers) submitBacktest(c *gin.Context) {
	var req backtest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := h.d.Runner.Submit(req)
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (h *handlers) getBacktest(c *gin.Context) {
	job, err := h.d.Runner.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *handlers) listBacktests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.d.Runner.List()})
}

func (h *handlers) snapshot(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	res, err := h.d.Loader.Load(c.Request.Context(), symbol, loader.PurposeResearch, loader.Options{
		TargetBars: intQuery(c, "bars", 0),
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := indicator.ComputeSnapshot(symbol, res.Bars, h.d.Detection.EMAPeriod)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "source": res.Source})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "source": res.Source})
}

func (h *handlers) chart(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	limit := intQuery(c, "limit", 500)
	bars, err := h.d.Store.RecentBars(c.Request.Context(), symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(bars) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "没有可用的 K 线"})
		return
	}
	sigs, err := h.d.Store.ListSignals(c.Request.Context(), symbol, 200)
	if err != nil {
		logger.Warnf("charts: 查询信号失败 %s: %v", symbol, err)
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := renderKlineChart(c.Writer, symbol, bars, sigs); err != nil {
		logger.Warnf("charts: 渲染失败 %s: %v", symbol, err)
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
