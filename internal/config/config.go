package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config 是进程的全部可调参数，来源于 TOML 文件；缺省值见 withDefaults。
type Config struct {
	LogLevel  string          `toml:"log_level"`
	HTTP      HTTPConfig      `toml:"http"`
	Provider  ProviderConfig  `toml:"provider"`
	Database  DatabaseConfig  `toml:"database"`
	Cache     CacheConfig     `toml:"cache"`
	Loader    LoaderConfig    `toml:"loader"`
	Detection DetectionConfig `toml:"detection"`
	Monitor   MonitorConfig   `toml:"monitor"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// ProviderConfig 选择行情供应商；Name 决定走哪个 gateway。
type ProviderConfig struct {
	Name    string        `toml:"name"`
	Alpaca  AlpacaConfig  `toml:"alpaca"`
	Binance BinanceConfig `toml:"binance"`
}

type AlpacaConfig struct {
	APIKey      string `toml:"api_key"`
	SecretKey   string `toml:"secret_key"`
	Feed        string `toml:"feed"`
	RESTBaseURL string `toml:"rest_base_url"`
	WSBaseURL   string `toml:"ws_base_url"`
}

type BinanceConfig struct {
	APIKey    string `toml:"api_key"`
	SecretKey string `toml:"secret_key"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// CacheConfig 控制本地 parquet 缓存层。
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// LoaderConfig 控制历史数据装载的目标量与回退级联参数。
type LoaderConfig struct {
	PreloadBars  int     `toml:"preload_bars"`
	PreloadDays  int     `toml:"preload_days"`
	BackfillDays int     `toml:"backfill_days"`
	ResearchBars int     `toml:"research_bars"`
	ResearchDays int     `toml:"research_days"`
	SafetyMargin float64 `toml:"fetch_safety_margin"`
	Sufficiency  float64 `toml:"data_sufficiency_threshold"`
	Timeframe    string  `toml:"timeframe"`
}

// DetectionConfig 控制枢轴/背离检测与各指标参数。
type DetectionConfig struct {
	PivotK       int `toml:"pivot_k"`
	LookbackBars int `toml:"lookback_bars"`
	EMAPeriod    int `toml:"ema_period"`
	// 趋势过滤默认开启，零值即启用。
	DisableTrendFilter bool `toml:"disable_trend_filter"`
	RSIPeriod          int  `toml:"rsi_period"`
	MACDFast           int  `toml:"macd_fast"`
	MACDSlow           int  `toml:"macd_slow"`
	MACDSignal         int  `toml:"macd_signal"`
	TSILong            int  `toml:"tsi_long"`
	TSIShort           int  `toml:"tsi_short"`
}

type MonitorConfig struct {
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
	IdleSeconds      int `toml:"idle_seconds"`
	BufferCap        int `toml:"buffer_cap"`
	BufferRetain     int `toml:"buffer_retain"`
}

// Load 读取 TOML 配置；路径为空或文件不存在时返回纯默认值。
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			if err := toml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("解析配置失败: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("读取配置失败: %w", err)
		}
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	out := c
	if out.LogLevel == "" {
		out.LogLevel = "info"
	}
	if out.HTTP.Addr == "" {
		out.HTTP.Addr = ":8000"
	}
	if out.Provider.Name == "" {
		out.Provider.Name = "alpaca"
	}
	if out.Provider.Alpaca.Feed == "" {
		out.Provider.Alpaca.Feed = "iex"
	}
	if out.Database.Path == "" {
		out.Database.Path = "divalert.db"
	}
	if out.Cache.Dir == "" {
		out.Cache.Dir = "data/parquet"
	}
	if out.Loader.PreloadBars <= 0 {
		out.Loader.PreloadBars = 200
	}
	if out.Loader.PreloadDays <= 0 {
		out.Loader.PreloadDays = 5
	}
	if out.Loader.BackfillDays <= 0 {
		out.Loader.BackfillDays = 30
	}
	if out.Loader.ResearchBars <= 0 {
		out.Loader.ResearchBars = 1000
	}
	if out.Loader.ResearchDays <= 0 {
		out.Loader.ResearchDays = 30
	}
	if out.Loader.SafetyMargin <= 1 {
		out.Loader.SafetyMargin = 1.3
	}
	if out.Loader.Sufficiency <= 0 || out.Loader.Sufficiency > 1 {
		out.Loader.Sufficiency = 0.8
	}
	if out.Loader.Timeframe == "" {
		out.Loader.Timeframe = "1m"
	}
	if out.Detection.PivotK <= 0 {
		out.Detection.PivotK = 3
	}
	if out.Detection.LookbackBars <= 0 {
		out.Detection.LookbackBars = 60
	}
	if out.Detection.EMAPeriod <= 0 {
		out.Detection.EMAPeriod = 50
	}
	if out.Detection.RSIPeriod <= 0 {
		out.Detection.RSIPeriod = 14
	}
	if out.Detection.MACDFast <= 0 {
		out.Detection.MACDFast = 12
	}
	if out.Detection.MACDSlow <= 0 {
		out.Detection.MACDSlow = 26
	}
	if out.Detection.MACDSignal <= 0 {
		out.Detection.MACDSignal = 9
	}
	if out.Detection.TSILong <= 0 {
		out.Detection.TSILong = 25
	}
	if out.Detection.TSIShort <= 0 {
		out.Detection.TSIShort = 13
	}
	if out.Monitor.HeartbeatSeconds <= 0 {
		out.Monitor.HeartbeatSeconds = 600
	}
	if out.Monitor.IdleSeconds <= 0 {
		out.Monitor.IdleSeconds = 300
	}
	if out.Monitor.BufferCap <= 0 {
		out.Monitor.BufferCap = 3000
	}
	if out.Monitor.BufferRetain <= 0 {
		out.Monitor.BufferRetain = 2200
	}
	if out.Monitor.BufferRetain > out.Monitor.BufferCap {
		out.Monitor.BufferRetain = out.Monitor.BufferCap
	}
	return out
}
