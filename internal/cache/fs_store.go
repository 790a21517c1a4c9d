package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewFileBackend 以 basePath 为根目录构建磁盘缓存，每个具名缓存对应一个子目录。
func NewFileBackend(basePath string) (Backend, error) {
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

	return &fileBackend{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileBackend 通过 entryLock 避免同一条目并发写入，所有缓存共享 basePath。
type fileBackend struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (b *fileBackend) Open(name string) (Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	return &fileStore{
		backend: b,
		name:    name,
		dir:     filepath.Join(b.basePath, name),
	}, nil
}

func (b *fileBackend) Delete(ctx context.Context, name string) error {
	if err := validateStoreName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(b.basePath, name))
}

func (b *fileBackend) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(b.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (b *fileBackend) Close() error {
	return nil
}

func (b *fileBackend) lockEntry(key string) func() {
	b.mu.Lock()
	lock := b.locks[key]
	if lock == nil {
		lock = &entryLock{}
		b.locks[key] = lock
	}
	lock.refs++
	b.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		b.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}

type fileStore struct {
	backend *fileBackend
	name    string
	dir     string
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Get(ctx context.Context, key Key) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath := s.entryPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	meta, offset, err := readEntryHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size() - offset
	entry, err := meta.entry(s.name, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	if entry.Key != key {
		// sha256 碰撞或被篡改的文件都按未命中处理。
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry:  entry,
		Reader: &sectionReadCloser{SectionReader: io.NewSectionReader(f, offset, size), closer: f},
	}, nil
}

func (s *fileStore) Put(ctx context.Context, key Key, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock := s.backend.lockEntry(s.lockKey(key))
	defer unlock()

	filePath := s.entryPath(key)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(s.dir, ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	meta := newEntryMeta(key, opts)
	_, err = writeEntryHeader(tempFile, meta)
	var written int64
	if err == nil {
		written, err = copyWithContext(ctx, tempFile, body)
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}
	_ = os.Chtimes(filePath, meta.StoredAt, meta.StoredAt)

	entry := Entry{
		Store:     s.name,
		Key:       key,
		Status:    meta.Status,
		Header:    meta.Header,
		SizeBytes: written,
		StoredAt:  meta.StoredAt,
	}
	return &entry, nil
}

func (s *fileStore) Remove(ctx context.Context, key Key) error {
	unlock := s.backend.lockEntry(s.lockKey(key))
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]Entry, error) {
	items, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		entry, err := s.stat(filepath.Join(s.dir, item.Name()))
		if err != nil {
			// 并发删除或损坏的条目直接跳过。
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.String() < entries[j].Key.String()
	})
	return entries, nil
}

func (s *fileStore) stat(filePath string) (Entry, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Entry{}, err
	}
	meta, offset, err := readEntryHeader(f)
	if err != nil {
		return Entry{}, err
	}
	return meta.entry(s.name, info.Size()-offset)
}

func (s *fileStore) entryPath(key Key) string {
	return filepath.Join(s.dir, keyHash(key)+entrySuffix)
}

func (s *fileStore) lockKey(key Key) string {
	return s.name + "::" + key.String()
}

type sectionReadCloser struct {
	*io.SectionReader
	closer io.Closer
}

func (r *sectionReadCloser) Close() error {
	return r.closer.Close()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
