package inbox

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BetaCatPro/medlink-rt/pkg/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite 的通知存储，进程重启后保留
type SQLiteStore struct {
	db    *sql.DB
	limit int
	mu    sync.Mutex
}

// OpenSQLite 打开或创建数据库文件。path 为 ":memory:" 时使用内存库
func OpenSQLite(path string, limit int) (*SQLiteStore, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create inbox dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open inbox database: %w", err)
	}
	// 内存库每个连接是独立的数据库
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure inbox database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			id        TEXT NOT NULL UNIQUE,
			level     TEXT NOT NULL,
			source    TEXT NOT NULL DEFAULT '',
			title     TEXT NOT NULL DEFAULT '',
			message   TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			read      INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create notifications table: %w", err)
	}

	return &SQLiteStore{db: db, limit: limit}, nil
}

func (s *SQLiteStore) Add(n types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO notifications (id, level, source, title, message, timestamp, read) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Type, string(n.Source), n.Title, n.Message, n.Timestamp, boolToInt(n.Read),
	); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM notifications WHERE seq NOT IN (SELECT seq FROM notifications ORDER BY seq DESC LIMIT ?)`,
		s.limit,
	); err != nil {
		return fmt.Errorf("trim notifications: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) List() ([]types.Notification, error) {
	rows, err := s.db.Query(
		`SELECT id, level, source, title, message, timestamp, read FROM notifications ORDER BY seq DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []types.Notification
	for rows.Next() {
		var (
			n      types.Notification
			source string
			read   int
		)
		if err := rows.Scan(&n.ID, &n.Type, &source, &n.Title, &n.Message, &n.Timestamp, &read); err != nil {
			return nil, err
		}
		n.Source = types.MessageType(source)
		n.Read = read != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UnreadCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE read = 0`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) MarkAsRead(id string) error {
	_, err := s.db.Exec(`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) MarkAllAsRead() error {
	_, err := s.db.Exec(`UPDATE notifications SET read = 1`)
	return err
}

func (s *SQLiteStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM notifications`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
