package cache

import "fmt"

// 后端名称与 config.StoreBackend 取值一致。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// NewStorage 根据后端名称构建 Storage，启动阶段调用一次。
func NewStorage(backend, basePath string) (Storage, error) {
	switch backend {
	case "", BackendFS:
		return NewFileStorage(basePath)
	case BackendSQLite:
		return NewSQLiteStorage(basePath)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}
