package cache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// 单文件条目布局：
//
//	"OCE1" | uint32 元数据长度 | 元数据 JSON | 正文
//
// 元数据与正文同处一个文件，rename 一次即可原子替换整条记录。
var entryMagic = [4]byte{'O', 'C', 'E', '1'}

const maxMetaBytes = 1 << 20

type entryMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

var errCorruptEntry = errors.New("corrupt cache entry")

func newEntryMeta(key Key, opts PutOptions) entryMeta {
	status := opts.Status
	if status == 0 {
		status = http.StatusOK
	}
	storedAt := opts.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return entryMeta{
		Key:      key.String(),
		Status:   status,
		Header:   opts.Header.Clone(),
		StoredAt: storedAt,
	}
}

// writeEntryHeader 写入魔数与元数据，返回写入的字节数（即正文偏移）。
func writeEntryHeader(w io.Writer, meta entryMeta) (int64, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return 0, err
	}
	var prefix [8]byte
	copy(prefix[:4], entryMagic[:])
	binary.BigEndian.PutUint32(prefix[4:], uint32(len(raw)))
	if _, err := w.Write(prefix[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(raw); err != nil {
		return 0, err
	}
	return int64(len(prefix) + len(raw)), nil
}

// readEntryHeader 解析元数据并返回正文偏移。
func readEntryHeader(r io.Reader) (entryMeta, int64, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return entryMeta{}, 0, fmt.Errorf("%w: %v", errCorruptEntry, err)
	}
	if [4]byte(prefix[:4]) != entryMagic {
		return entryMeta{}, 0, fmt.Errorf("%w: bad magic", errCorruptEntry)
	}
	size := binary.BigEndian.Uint32(prefix[4:])
	if size > maxMetaBytes {
		return entryMeta{}, 0, fmt.Errorf("%w: metadata too large", errCorruptEntry)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return entryMeta{}, 0, fmt.Errorf("%w: %v", errCorruptEntry, err)
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, 0, fmt.Errorf("%w: %v", errCorruptEntry, err)
	}
	return meta, int64(len(prefix)) + int64(size), nil
}

func (m entryMeta) entry(store string, size int64) (Entry, error) {
	key, err := ParseKey(m.Key)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Store:     store,
		Key:       key,
		Status:    m.Status,
		Header:    m.Header,
		SizeBytes: size,
		StoredAt:  m.StoredAt,
	}, nil
}
