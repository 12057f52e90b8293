package market

// Signal 表示一次背离命中。Time 取第二个枢轴（触发）时间，
// P1Time/P2Time 保留两个枢轴的原始时间戳。
type Signal struct {
	ID             int64   `json:"id,omitempty"`
	Symbol         string  `json:"symbol"`
	SignalType     string  `json:"signal_type"`
	Indicator      string  `json:"indicator"`
	Time           int64   `json:"ts"`
	Price          float64 `json:"price"`
	IndicatorValue float64 `json:"indicator_value"`
	P1Time         int64   `json:"p1_ts"`
	P2Time         int64   `json:"p2_ts"`
}
