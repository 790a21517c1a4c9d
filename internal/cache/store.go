package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Backend 管理一组具名缓存（CacheStore）。同一进程只持有一个 Backend 实例，
// 引擎激活时通过 Names + Delete 清理不在 allow-list 中的旧版本缓存。
type Backend interface {
	// Open 返回指定名字的缓存句柄。缓存在首次写入时才真正落盘。
	Open(name string) (Store, error)

	// Delete 整体删除一个缓存（而非逐条删除），缓存不存在时返回 nil。
	Delete(ctx context.Context, name string) error

	// Names 列出当前存在的缓存名，按字典序排列。
	Names(ctx context.Context) ([]string, error)

	// Close 释放后端持有的连接等资源。
	Close() error
}

// Store 是单个具名缓存，Key 到 Entry 一对一；写入需保证原子替换，读者永远看不到半条记录。
type Store interface {
	Name() string

	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, key Key) (*ReadResult, error)

	// Put 写入条目并产出新的 Entry 描述；失败时不得留下部分写入的数据。
	Put(ctx context.Context, key Key, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，条目不存在时返回 nil。
	Remove(ctx context.Context, key Key) error

	// List 返回所有条目的元数据（不含正文）。
	List(ctx context.Context) ([]Entry, error)
}

// PutOptions 携带与正文一起保存的响应元数据。
type PutOptions struct {
	Status   int
	Header   http.Header
	StoredAt time.Time
}

// Key 是请求的规范化标识：METHOD + 完整 URL。
type Key struct {
	Method string
	URL    string
}

// NewKey 构造 Key，method 为空时视为 GET。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: rawURL}
}

// String 输出 "GET https://host/path" 形式，同时作为持久化时的键文本。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ParseKey 是 String 的逆操作。
func ParseKey(raw string) (Key, error) {
	method, rawURL, ok := strings.Cut(raw, " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, fmt.Errorf("invalid cache key %q", raw)
	}
	return Key{Method: method, URL: rawURL}, nil
}

// Entry 表示一条缓存记录的元数据。
type Entry struct {
	Store     string      `json:"store"`
	Key       Key         `json:"key"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	SizeBytes int64       `json:"size_bytes"`
	StoredAt  time.Time   `json:"stored_at"`
}

// ReadResult 组合 Entry 与正文 Reader，便于上层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidStoreName 表示缓存名为空或包含路径字符。
var ErrInvalidStoreName = errors.New("invalid cache store name")

func validateStoreName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return nil
}

// keyHash 把任意长度的 Key 映射为定长文件名/Redis 字段名。
func keyHash(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(sum[:])
}
