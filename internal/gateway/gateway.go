package gateway

import (
	"fmt"
	"strings"

	"divalert/internal/config"
	"divalert/internal/gateway/alpaca"
	"divalert/internal/gateway/binance"
	"divalert/internal/market"
)

// New 根据配置构造行情供应商。
func New(cfg config.ProviderConfig, timeframe string) (market.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "", "alpaca":
		return alpaca.New(alpaca.Config{
			APIKey:      cfg.Alpaca.APIKey,
			SecretKey:   cfg.Alpaca.SecretKey,
			Feed:        cfg.Alpaca.Feed,
			RESTBaseURL: cfg.Alpaca.RESTBaseURL,
			WSBaseURL:   cfg.Alpaca.WSBaseURL,
		})
	case "binance":
		return binance.New(binance.Config{
			APIKey:    cfg.Binance.APIKey,
			SecretKey: cfg.Binance.SecretKey,
			Interval:  timeframe,
		})
	default:
		return nil, fmt.Errorf("未知的行情供应商: %q", cfg.Name)
	}
}
