package monitor

import "testing"

func TestParseSpecNormalizes(t *testing.T) {
	a, err := ParseSpec([]string{" msft ", "AAPL", "aapl"}, "RSI", "regular_bullish_divergence")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	b, err := ParseSpec([]string{"AAPL", "MSFT"}, "rsi", "REGULAR_BULLISH_DIVERGENCE")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if a.Key() != b.Key() {
		t.Fatalf("等价输入应得到同一 key: %q vs %q", a.Key(), b.Key())
	}
	if len(a.Symbols) != 2 || a.Symbols[0] != "AAPL" || a.Symbols[1] != "MSFT" {
		t.Fatalf("symbol 应去重排序: %v", a.Symbols)
	}
}

func TestParseSpecRejectsUnknown(t *testing.T) {
	if _, err := ParseSpec([]string{"AAPL"}, "vwap", "regular_bullish_divergence"); err == nil {
		t.Fatalf("未知指标应报错")
	}
	if _, err := ParseSpec([]string{"AAPL"}, "rsi", "sideways_divergence"); err == nil {
		t.Fatalf("未知信号类型应报错")
	}
	if _, err := ParseSpec(nil, "rsi", "regular_bullish_divergence"); err == nil {
		t.Fatalf("空 symbol 列表应报错")
	}
}
