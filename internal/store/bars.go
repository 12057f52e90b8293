package store

import (
	"context"
	"fmt"

	"divalert/internal/market"
)

// InsertBars 批量写入 K 线，(symbol, ts) 冲突时静默忽略，返回实际新增条数。
func (s *Store) InsertBars(ctx context.Context, bars []market.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("开启事务失败: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO bars
        (symbol, ts, open, high, low, close, volume)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("准备写入语句失败: %w", err)
	}
	inserted := 0
	for _, b := range bars {
		if b.Symbol == "" || b.Time <= 0 {
			continue
		}
		res, err := stmt.ExecContext(ctx, b.Symbol, b.Time, b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return 0, fmt.Errorf("写入 K 线失败 %s@%d: %w", b.Symbol, b.Time, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("提交事务失败: %w", err)
	}
	return inserted, nil
}

// QueryBars 按时间升序返回 [start, end] 区间内的 K 线。limit<=0 表示不限。
// limit 生效时保留区间内最新的 limit 条（仍按升序返回）。
func (s *Store) QueryBars(ctx context.Context, symbol string, start, end int64, limit int) ([]market.Bar, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	q := `SELECT symbol, ts, open, high, low, close, volume FROM bars
          WHERE symbol = ? AND ts >= ? AND ts <= ? ORDER BY ts DESC`
	args := []any{symbol, start, end}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("查询 K 线失败: %w", err)
	}
	defer rows.Close()
	out := make([]market.Bar, 0, 64)
	for rows.Next() {
		var b market.Bar
		if err := rows.Scan(&b.Symbol, &b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("扫描 K 线失败: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// 倒序查询便于 LIMIT 取最新，返回前翻转为升序。
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecentBars 返回最新 limit 条 K 线，按时间升序。
func (s *Store) RecentBars(ctx context.Context, symbol string, limit int) ([]market.Bar, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.QueryBars(ctx, symbol, 0, maxInt64, limit)
}

// CountBars 统计某 symbol（空串表示全部）的 K 线条数。
func (s *Store) CountBars(ctx context.Context, symbol string) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var n int64
	if symbol == "" {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bars`).Scan(&n)
	} else {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bars WHERE symbol = ?`, symbol).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("统计 K 线失败: %w", err)
	}
	return n, nil
}

const maxInt64 = int64(1<<63 - 1)
