package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "offline-hub.db"

//go:embed schema.sql
var sqliteSchema string

// sqliteStorage 把所有版本放在同一个数据库中，stores 表登记存储名称，entries 表保存响应。
type sqliteStorage struct {
	db *sql.DB
}

type sqliteCache struct {
	db   *sql.DB
	name string
}

// NewSQLiteStorage 打开（或创建）<dir>/offline-hub.db 并初始化表结构。
func NewSQLiteStorage(dir string) (Storage, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := filepath.Join(abs, SQLiteFileName) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写入，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stores (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &sqliteCache{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM stores WHERE name = ?`, name).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE store = ?`, name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM stores ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key Key) (*Response, error) {
	if err := key.validate(); err != nil {
		return nil, ErrNotFound
	}
	var (
		status      int
		headerJSON  string
		body        []byte
		responseURL string
		storedAt    int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT status, header, body, response_url, stored_at FROM entries WHERE store = ? AND method = ? AND url = ?`,
		c.name, key.Method, key.URL,
	).Scan(&status, &headerJSON, &body, &responseURL, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	header := http.Header{}
	if err := json.Unmarshal([]byte(headerJSON), &header); err != nil {
		return nil, fmt.Errorf("decode entry header %s: %w", key, err)
	}
	return &Response{
		Status:   status,
		Header:   header,
		Body:     body,
		URL:      responseURL,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}, nil
}

func (c *sqliteCache) Put(ctx context.Context, key Key, resp *Response) error {
	if err := key.validate(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return err
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	res, err := c.db.ExecContext(ctx, `
INSERT INTO entries (store, method, url, status, header, body, response_url, stored_at)
SELECT ?, ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM stores WHERE name = ?)
ON CONFLICT(store, method, url) DO UPDATE SET
    status = excluded.status,
    header = excluded.header,
    body = excluded.body,
    response_url = excluded.response_url,
    stored_at = excluded.stored_at`,
		c.name, key.Method, key.URL, resp.Status, string(headerJSON), body, resp.URL, storedAt.UnixMilli(), c.name,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, c.name)
	}
	return nil
}

func (c *sqliteCache) Delete(ctx context.Context, key Key) (bool, error) {
	if err := key.validate(); err != nil {
		return false, nil
	}
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM entries WHERE store = ? AND method = ? AND url = ?`,
		c.name, key.Method, key.URL,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]Key, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT method, url FROM entries WHERE store = ? ORDER BY url`, c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
