package monitor

import "divalert/internal/market"

// RollingBuffer 为单个 symbol 维护有界的实时 K 线窗口。
// 时间戳必须严格递增，乱序与重复一律拒收；
// 触顶后裁剪到 retain 条，避免每根 K 线都搬一次内存。
type RollingBuffer struct {
	capacity int
	retain   int
	bars     []market.Bar
}

func NewRollingBuffer(capacity, retain int) *RollingBuffer {
	if capacity <= 0 {
		capacity = 3000
	}
	if retain <= 0 || retain > capacity {
		retain = capacity * 3 / 4
	}
	return &RollingBuffer{
		capacity: capacity,
		retain:   retain,
		bars:     make([]market.Bar, 0, capacity),
	}
}

// Preload 用历史数据初始化缓冲，只接受严格递增的部分。
func (r *RollingBuffer) Preload(bars []market.Bar) int {
	n := 0
	for _, b := range bars {
		if r.Append(b) {
			n++
		}
	}
	return n
}

// Append 追加一根 K 线；时间戳不大于当前最新一根时返回 false。
func (r *RollingBuffer) Append(b market.Bar) bool {
	if b.Time <= 0 {
		return false
	}
	if n := len(r.bars); n > 0 && b.Time <= r.bars[n-1].Time {
		return false
	}
	r.bars = append(r.bars, b)
	if len(r.bars) > r.capacity {
		keep := r.bars[len(r.bars)-r.retain:]
		next := make([]market.Bar, len(keep), r.capacity)
		copy(next, keep)
		r.bars = next
	}
	return true
}

func (r *RollingBuffer) Len() int { return len(r.bars) }

// Last 返回最新一根 K 线。
func (r *RollingBuffer) Last() (market.Bar, bool) {
	if len(r.bars) == 0 {
		return market.Bar{}, false
	}
	return r.bars[len(r.bars)-1], true
}

// Snapshot 返回当前窗口的副本，调用方可安全持有。
func (r *RollingBuffer) Snapshot() []market.Bar {
	out := make([]market.Bar, len(r.bars))
	copy(out, r.bars)
	return out
}
