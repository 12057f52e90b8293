package monitor

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestManager() (*Manager, *fakeProvider, *fakeSignalStore) {
	fp := &fakeProvider{}
	fs := &fakeSignalStore{}
	m := NewManager(testDetection(), testMonitorCfg(), &fakeLoader{}, fp, fs, nil)
	return m, fp, fs
}

func TestManagerStartStopLifecycle(t *testing.T) {
	m, _, _ := newTestManager()

	out := m.Start([]string{"AAPL", "MSFT"}, "rsi", "regular_bullish_divergence")
	if out.Status != "started" {
		t.Fatalf("首次启动应为 started, 实际 %+v", out)
	}
	key := out.Key

	// 等价参数(乱序/大小写)重复启动应被拒绝。
	out = m.Start([]string{"msft", "aapl"}, "RSI", "regular_bullish_divergence")
	if out.Status != "already_running" || out.Key != key {
		t.Fatalf("重复启动应为 already_running, 实际 %+v", out)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ls := m.List()
		if len(ls) == 1 && ls[0].State == StateStreaming {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	ls := m.List()
	if len(ls) != 1 || ls[0].Key != key {
		t.Fatalf("List 应包含一个服务: %+v", ls)
	}

	out = m.Stop(key)
	if out.Status != "stopped" || out.Error != "" {
		t.Fatalf("停止应为 stopped, 实际 %+v", out)
	}
	if got := m.List(); len(got) != 0 {
		t.Fatalf("停止后列表应为空: %+v", got)
	}

	// 停止后同 key 可以重启。
	out = m.Start([]string{"AAPL", "MSFT"}, "rsi", "regular_bullish_divergence")
	if out.Status != "started" {
		t.Fatalf("停止后重启应为 started, 实际 %+v", out)
	}
	m.StopAll()
}

// 订阅失败的服务在 List 里不能只剩一个裸 failed,
// 故障原因必须随状态一起对外可见, Stop 也要回传同一原因。
func TestManagerListReportsFailureReason(t *testing.T) {
	m, fp, _ := newTestManager()
	fp.subErr = fmt.Errorf("行情连接被拒绝")

	out := m.Start([]string{"AAPL"}, "rsi", "regular_bullish_divergence")
	if out.Status != "started" {
		t.Fatalf("启动失败: %+v", out)
	}
	key := out.Key

	waitFor(t, 2*time.Second, func() bool {
		ls := m.List()
		return len(ls) == 1 && ls[0].State == StateFailed
	}, "服务应进入 failed")

	ls := m.List()
	if !strings.Contains(ls[0].Error, "行情连接被拒绝") {
		t.Fatalf("List 应携带故障原因, 实际 %+v", ls[0])
	}

	stop := m.Stop(key)
	if stop.Status != "stopped" || !strings.Contains(stop.Error, "行情连接被拒绝") {
		t.Fatalf("Stop 应回传故障原因, 实际 %+v", stop)
	}
}

func TestManagerStopUnknownKey(t *testing.T) {
	m, _, _ := newTestManager()
	out := m.Stop("AAPL|rsi|regular_bullish_divergence")
	if out.Status != "not_found" {
		t.Fatalf("未知 key 应为 not_found, 实际 %+v", out)
	}
}

func TestManagerRejectsInvalidSpec(t *testing.T) {
	m, _, _ := newTestManager()
	out := m.Start([]string{"AAPL"}, "vwap", "regular_bullish_divergence")
	if out.Status != "error" || out.Error == "" {
		t.Fatalf("未知指标应返回 error outcome, 实际 %+v", out)
	}
	out = m.Start(nil, "rsi", "regular_bullish_divergence")
	if out.Status != "error" {
		t.Fatalf("空 symbol 应返回 error outcome, 实际 %+v", out)
	}
	if got := m.List(); len(got) != 0 {
		t.Fatalf("校验失败不应注册服务: %+v", got)
	}
}

func TestManagerStopAll(t *testing.T) {
	m, _, _ := newTestManager()
	if out := m.Start([]string{"AAPL"}, "rsi", "regular_bullish_divergence"); out.Status != "started" {
		t.Fatalf("启动失败: %+v", out)
	}
	if out := m.Start([]string{"TSLA"}, "macd", "hidden_bearish_divergence"); out.Status != "started" {
		t.Fatalf("启动失败: %+v", out)
	}
	outs := m.StopAll()
	if len(outs) != 2 {
		t.Fatalf("应停止 2 个服务, 实际 %d", len(outs))
	}
	for _, o := range outs {
		if o.Status != "stopped" {
			t.Fatalf("应全部 stopped: %+v", o)
		}
	}
	if got := m.List(); len(got) != 0 {
		t.Fatalf("StopAll 后列表应为空: %+v", got)
	}
}
