package cache

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const entrySuffix = ".entry"

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，布局为：
//
//	<basePath>/<store-name>/<sha1(key)>.entry    # 第一行 JSON 元数据，其后为正文
//
// 整个进程复用一份实例。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入；storeMu 保证整库删除与写入互斥。
type fileStorage struct {
	basePath string

	storeMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileCache struct {
	storage *fileStorage
	name    string
	dir     string
}

// entryMeta 是条目文件首行的 JSON 元数据。
type entryMeta struct {
	Key      Key                 `json:"key"`
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header"`
	URL      string              `json:"url"`
	StoredAt time.Time           `json:"stored_at"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}

	s.storeMu.RLock()
	defer s.storeMu.RUnlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &fileCache{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}

	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) storeDir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.validate(); err != nil {
		return nil, ErrNotFound
	}

	f, err := os.Open(c.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	meta, err := readMeta(reader)
	if err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		URL:      meta.URL,
		StoredAt: meta.StoredAt,
	}, nil
}

func (c *fileCache) Put(ctx context.Context, key Key, resp *Response) error {
	if err := key.validate(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.storage.storeMu.RLock()
	defer c.storage.storeMu.RUnlock()

	unlock := c.storage.lockEntry(c.name + "::" + key.String())
	defer unlock()

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	metaLine, err := json.Marshal(entryMeta{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		URL:      resp.URL,
		StoredAt: storedAt,
	})
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(c.dir, ".entry-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrStoreNotFound, c.name)
		}
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(append(metaLine, '\n'))
	if err == nil {
		_, err = tempFile.Write(resp.Body)
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, c.entryPath(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (c *fileCache) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := key.validate(); err != nil {
		return false, nil
	}
	unlock := c.storage.lockEntry(c.name + "::" + key.String())
	defer unlock()

	if err := os.Remove(c.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *fileCache) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		meta, err := readMetaFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			// 并发删除或损坏的条目直接跳过
			continue
		}
		keys = append(keys, meta.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (c *fileCache) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func readMetaFile(path string) (entryMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return entryMeta{}, err
	}
	defer f.Close()
	return readMeta(bufio.NewReader(f))
}

func readMeta(reader *bufio.Reader) (entryMeta, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, err
	}
	return meta, nil
}
