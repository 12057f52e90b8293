package store

import (
	"context"
	"fmt"

	"divalert/internal/market"
)

// InsertSignal 落盘一条信号并回填自增 ID。
func (s *Store) InsertSignal(ctx context.Context, sig *market.Signal) error {
	if sig == nil {
		return fmt.Errorf("signal 不能为空")
	}
	if sig.Symbol == "" || sig.SignalType == "" {
		return fmt.Errorf("signal 缺少 symbol 或 signal_type")
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `INSERT INTO signals
        (symbol, signal_type, indicator, ts_signal, price_at_signal, indicator_value, p1_ts, p2_ts)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.Symbol, sig.SignalType, sig.Indicator, sig.Time,
		sig.Price, sig.IndicatorValue, sig.P1Time, sig.P2Time)
	if err != nil {
		return fmt.Errorf("写入信号失败: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		sig.ID = id
	}
	return nil
}

// ListSignals 按触发时间倒序返回信号。symbol 为空表示全部。
func (s *Store) ListSignals(ctx context.Context, symbol string, limit int) ([]market.Signal, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, symbol, signal_type, indicator, ts_signal, price_at_signal,
                 indicator_value, p1_ts, p2_ts FROM signals`
	args := []any{}
	if symbol != "" {
		q += " WHERE symbol = ?"
		args = append(args, symbol)
	}
	q += " ORDER BY ts_signal DESC, id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("查询信号失败: %w", err)
	}
	defer rows.Close()
	out := make([]market.Signal, 0, limit)
	for rows.Next() {
		var sig market.Signal
		if err := rows.Scan(&sig.ID, &sig.Symbol, &sig.SignalType, &sig.Indicator,
			&sig.Time, &sig.Price, &sig.IndicatorValue, &sig.P1Time, &sig.P2Time); err != nil {
			return nil, fmt.Errorf("扫描信号失败: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// CountSignals 统计信号条数，symbol 为空表示全部。
func (s *Store) CountSignals(ctx context.Context, symbol string) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var n int64
	if symbol == "" {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signals`).Scan(&n)
	} else {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signals WHERE symbol = ?`, symbol).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("统计信号失败: %w", err)
	}
	return n, nil
}
