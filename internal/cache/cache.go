package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"divalert/internal/logger"
	"divalert/internal/market"
)

// barRecord 是 K 线在 Parquet 文件中的落盘结构。
type barRecord struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
}

// BarCache 以每个 symbol 一个 Parquet 文件的形式缓存历史 K 线，
// 位于数据库与远端行情之间，重启后仍可用。
type BarCache struct {
	dir       string
	timeframe string
	mu        sync.Mutex
}

func New(dir, timeframe string) (*BarCache, error) {
	if dir == "" {
		return nil, fmt.Errorf("缓存目录不能为空")
	}
	if timeframe == "" {
		timeframe = "1m"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}
	return &BarCache{dir: dir, timeframe: timeframe}, nil
}

func (c *BarCache) path(symbol string) string {
	name := fmt.Sprintf("%s_%s.parquet", strings.ToUpper(symbol), c.timeframe)
	return filepath.Join(c.dir, name)
}

// Read 返回缓存中 [start, end] 区间内的 K 线，按时间升序。
// 缓存未命中（文件不存在）返回空切片而非错误。
func (c *BarCache) Read(symbol string, start, end int64) ([]market.Bar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.readAll(symbol)
	if err != nil {
		return nil, err
	}
	out := make([]market.Bar, 0, len(all))
	for _, b := range all {
		if b.Time >= start && b.Time <= end {
			out = append(out, b)
		}
	}
	return out, nil
}

// Write 将 bars 合并进缓存文件：与已有内容按时间戳去重、排序后整体重写。
func (c *BarCache) Write(symbol string, bars []market.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.readAll(symbol)
	if err != nil {
		// 损坏的缓存文件直接重建，不让一次坏读阻塞写入。
		logger.Warnf("缓存读取失败, 将重建 %s: %v", symbol, err)
		existing = nil
	}

	byTime := make(map[int64]market.Bar, len(existing)+len(bars))
	for _, b := range existing {
		byTime[b.Time] = b
	}
	for _, b := range bars {
		if b.Time <= 0 {
			continue
		}
		byTime[b.Time] = b
	}
	merged := make([]market.Bar, 0, len(byTime))
	for _, b := range byTime {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Time < merged[j].Time })

	return c.writeAll(symbol, merged)
}

func (c *BarCache) readAll(symbol string) ([]market.Bar, error) {
	p := c.path(symbol)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	fr, err := local.NewLocalFileReader(p)
	if err != nil {
		return nil, fmt.Errorf("打开缓存文件失败: %w", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(barRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("创建 parquet reader 失败: %w", err)
	}
	defer pr.ReadStop()

	total := int(pr.GetNumRows())
	out := make([]market.Bar, 0, total)
	const chunk = 1024
	for read := 0; read < total; {
		n := chunk
		if total-read < n {
			n = total - read
		}
		recs := make([]barRecord, n)
		if err := pr.Read(&recs); err != nil {
			return nil, fmt.Errorf("读取缓存记录失败: %w", err)
		}
		for _, r := range recs {
			out = append(out, market.Bar{
				Symbol: r.Symbol,
				Time:   r.Timestamp,
				Open:   r.Open,
				High:   r.High,
				Low:    r.Low,
				Close:  r.Close,
				Volume: r.Volume,
			})
		}
		read += n
	}
	return out, nil
}

func (c *BarCache) writeAll(symbol string, bars []market.Bar) error {
	p := c.path(symbol)
	tmp := p + ".tmp"
	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return fmt.Errorf("创建缓存临时文件失败: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(barRecord), 1)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("创建 parquet writer 失败: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	sym := strings.ToUpper(symbol)
	for _, b := range bars {
		rec := barRecord{
			Symbol:    sym,
			Timestamp: b.Time,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
		if err := pw.Write(rec); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("写入缓存记录失败: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("收尾 parquet 文件失败: %w", err)
	}
	if err := fw.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("关闭缓存文件失败: %w", err)
	}
	// 整体重写后原子替换，避免读到半截文件。
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("替换缓存文件失败: %w", err)
	}
	return nil
}
