package http

import (
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"divalert/internal/market"
)

// renderKlineChart 输出 K 线图页面, 信号以散点叠加在触发价位上。
func renderKlineChart(w io.Writer, symbol string, bars []market.Bar, sigs []market.Signal) error {
	x := make([]string, 0, len(bars))
	kd := make([]opts.KlineData, 0, len(bars))
	byTime := make(map[int64]int, len(bars))
	for i, b := range bars {
		label := time.UnixMilli(b.Time).UTC().Format("01-02 15:04")
		x = append(x, label)
		kd = append(kd, opts.KlineData{Value: [4]float64{b.Open, b.Close, b.Low, b.High}})
		byTime[b.Time] = i
	}

	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: symbol}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{SplitNumber: 20}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
	)
	kline.SetXAxis(x).AddSeries("kline", kd)

	// 只标注落在当前窗口里的信号。
	sd := make([]opts.ScatterData, 0, len(sigs))
	for _, s := range sigs {
		if _, ok := byTime[s.Time]; !ok {
			continue
		}
		label := time.UnixMilli(s.Time).UTC().Format("01-02 15:04")
		sd = append(sd, opts.ScatterData{
			Name:       s.SignalType,
			Value:      []any{label, s.Price},
			SymbolSize: 12,
		})
	}
	if len(sd) > 0 {
		scatter := charts.NewScatter()
		scatter.SetXAxis(x).AddSeries("signals", sd)
		kline.Overlap(scatter)
	}
	return kline.Render(w)
}
