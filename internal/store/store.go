package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store 基于 SQLite 持久化 K 线与信号。并发安全：内部串行化 db 句柄访问。
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open 打开（必要时创建）数据库并执行建表迁移。
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("数据库路径不能为空")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// modernc 驱动是进程内实现，串行访问即可，限制连接数避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bars (
            id       INTEGER PRIMARY KEY AUTOINCREMENT,
            symbol   TEXT NOT NULL,
            ts       INTEGER NOT NULL,
            open     REAL NOT NULL,
            high     REAL NOT NULL,
            low      REAL NOT NULL,
            close    REAL NOT NULL,
            volume   REAL NOT NULL DEFAULT 0,
            UNIQUE (symbol, ts)
        )`,
		`CREATE INDEX IF NOT EXISTS ix_bars_symbol_ts ON bars (symbol, ts)`,
		`CREATE TABLE IF NOT EXISTS signals (
            id              INTEGER PRIMARY KEY AUTOINCREMENT,
            symbol          TEXT NOT NULL,
            signal_type     TEXT NOT NULL,
            indicator       TEXT NOT NULL,
            ts_signal       INTEGER NOT NULL,
            price_at_signal REAL NOT NULL,
            indicator_value REAL NOT NULL,
            p1_ts           INTEGER NOT NULL,
            p2_ts           INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS ix_signals_symbol_ts ON signals (symbol, ts_signal)`,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("迁移失败: %w", err)
		}
	}
	return nil
}

func (s *Store) handle() (*sql.DB, error) {
	if s == nil {
		return nil, fmt.Errorf("store 未初始化")
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("store 已关闭")
	}
	return db, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}
