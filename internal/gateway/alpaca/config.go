package alpaca

import "time"

// Config 是 Alpaca 接入参数。行情走 data/stream 两个域名，
// 与交易接口无关，这里只关心行情。
type Config struct {
	APIKey      string
	SecretKey   string
	Feed        string // iex 或 sip
	RESTBaseURL string
	WSBaseURL   string
	HTTPTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Feed == "" {
		out.Feed = "iex"
	}
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://data.alpaca.markets"
	}
	if out.WSBaseURL == "" {
		out.WSBaseURL = "wss://stream.data.alpaca.markets/v2/" + out.Feed
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	return out
}
