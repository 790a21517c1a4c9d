package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sabeel/offline-cache/internal/cache"
	"github.com/sabeel/offline-cache/internal/download"
	"github.com/sabeel/offline-cache/internal/lifecycle"
)

// Status 是 /-/status 返回的引擎快照。
type Status struct {
	State     lifecycle.State     `json:"state"`
	Version   string              `json:"version"`
	Origin    string              `json:"origin"`
	Backend   string              `json:"backend"`
	Stores    []string            `json:"stores"`
	Downloads []download.TaskInfo `json:"downloads"`
	Error     string              `json:"error,omitempty"`
}

// ContentItem 描述一条已下载的内容。
type ContentItem struct {
	ContentID string    `json:"contentId"`
	Key       cache.Key `json:"key"`
	SizeBytes int64     `json:"sizeBytes"`
	StoredAt  time.Time `json:"storedAt"`
}

// ContentUsage 汇总内容缓存的占用情况。
type ContentUsage struct {
	Items      []ContentItem `json:"items"`
	TotalBytes int64         `json:"totalBytes"`
}

// Status 汇总生命周期、缓存与进行中的下载。
func (e *Engine) Status(ctx context.Context) (Status, error) {
	status := Status{
		State:     e.State(),
		Version:   e.cfg.Engine.Version,
		Origin:    e.cfg.Global.Origin,
		Backend:   e.cfg.Global.BackendMode(),
		Downloads: e.downloads.Active(),
	}
	if err := e.lifecycle.Err(); err != nil {
		status.Error = err.Error()
	}
	names, err := e.backend.Names(ctx)
	if err != nil {
		return status, fmt.Errorf("list stores: %w", err)
	}
	status.Stores = names
	return status, nil
}

// DownloadedContent 列出内容缓存中的条目，按 contentId 排序。
func (e *Engine) DownloadedContent(ctx context.Context) (ContentUsage, error) {
	usage := ContentUsage{Items: []ContentItem{}}
	entries, err := e.stores.Content.List(ctx)
	if err != nil {
		return usage, fmt.Errorf("list content store: %w", err)
	}
	for _, entry := range entries {
		usage.Items = append(usage.Items, ContentItem{
			ContentID: e.contentIDFromURL(entry.Key.URL),
			Key:       entry.Key,
			SizeBytes: entry.SizeBytes,
			StoredAt:  entry.StoredAt,
		})
		usage.TotalBytes += entry.SizeBytes
	}
	sort.SliceStable(usage.Items, func(i, j int) bool {
		return usage.Items[i].ContentID < usage.Items[j].ContentID
	})
	return usage, nil
}

// IsContentDownloaded 报告内容是否已完整写入内容缓存。
func (e *Engine) IsContentDownloaded(ctx context.Context, contentID string) (bool, error) {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return false, fmt.Errorf("%w: contentId required", ErrInvalidMessage)
	}
	hit, err := e.stores.Content.Get(ctx, e.contentKey(contentID))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	hit.Reader.Close()
	return true, nil
}

// contentIDFromURL 从内容键还原 contentId，无法识别时返回原始 URL。
func (e *Engine) contentIDFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	rest, ok := strings.CutPrefix(u.EscapedPath(), e.cfg.Engine.OfflinePrefix)
	if !ok || rest == "" {
		return rawURL
	}
	if id, err := url.PathUnescape(rest); err == nil {
		return id
	}
	return rest
}
