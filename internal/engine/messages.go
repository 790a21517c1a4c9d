package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sabeel/offline-cache/internal/cache"
	"github.com/sabeel/offline-cache/internal/download"
	"github.com/sabeel/offline-cache/internal/fetch"
	"github.com/sabeel/offline-cache/internal/notify"
)

// 前台可以发送的消息类型。
const (
	MessageCacheContent    = "cache_content"
	MessageRemoveContent   = "remove_content"
	MessageClearAllContent = "clear_all_content"
	MessageCancelContent   = "cancel_content"

	// MessageDownloadProgress 是引擎广播的进度通知。
	MessageDownloadProgress = "download_progress"
)

// Message 是前台发往引擎的控制消息。
type Message struct {
	Type       string `json:"type"`
	ContentID  string `json:"contentId,omitempty"`
	ContentURL string `json:"contentUrl,omitempty"`
}

// HandleMessage 按类型分发消息。引擎未激活时返回 ErrNotActive。
func (e *Engine) HandleMessage(ctx context.Context, msg Message) error {
	if !e.Active() {
		return ErrNotActive
	}
	switch msg.Type {
	case MessageCacheContent:
		_, err := e.CacheContent(msg.ContentID, msg.ContentURL)
		return err
	case MessageRemoveContent:
		_, err := e.RemoveContent(ctx, msg.ContentID)
		return err
	case MessageClearAllContent:
		return e.ClearAllContent(ctx)
	case MessageCancelContent:
		if strings.TrimSpace(msg.ContentID) == "" {
			return fmt.Errorf("%w: contentId required", ErrInvalidMessage)
		}
		e.CancelContent(msg.ContentID)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// CacheContent 启动下载并把进度转发到通知总线。同一 contentId 正在下载时复用已有任务，
// 不会重复广播。
func (e *Engine) CacheContent(contentID, contentURL string) (*download.Handle, error) {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return nil, fmt.Errorf("%w: contentId required", ErrInvalidMessage)
	}
	source, err := fetch.ResolveURL(e.origin, contentURL)
	if err != nil {
		return nil, fmt.Errorf("%w: contentUrl: %v", ErrInvalidMessage, err)
	}

	handle, err := e.downloads.Start(download.Request{
		ContentID: contentID,
		SourceURL: source,
		Key:       e.contentKey(contentID),
	})
	if err != nil {
		if errors.Is(err, download.ErrInvalidRequest) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return nil, err
	}

	e.relays.Add(1)
	go e.relay(handle)
	return handle, nil
}

// relay 读完任务事件流；只有发起任务的一方负责广播。
func (e *Engine) relay(handle *download.Handle) {
	defer e.relays.Done()
	for ev := range handle.Events {
		if handle.Joined {
			continue
		}
		e.bus.Broadcast(notify.Message{Type: MessageDownloadProgress, Data: ev})
	}
}

// RemoveContent 先取消进行中的下载并等待其结束，再删除该内容在内容缓存中的所有条目，返回删除条数。
// 只匹配路径恰好为该内容或位于其下的键，q1 不会误删 q10。
func (e *Engine) RemoveContent(ctx context.Context, contentID string) (int, error) {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return 0, fmt.Errorf("%w: contentId required", ErrInvalidMessage)
	}
	if _, err := e.downloads.CancelAndWait(ctx, contentID); err != nil {
		return 0, fmt.Errorf("cancel download %s: %w", contentID, err)
	}

	entries, err := e.stores.Content.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list content store: %w", err)
	}
	target := e.contentPath(contentID)
	removed := 0
	for _, entry := range entries {
		if !matchesContentPath(entry.Key.URL, target) {
			continue
		}
		if err := e.stores.Content.Remove(ctx, entry.Key); err != nil && !errors.Is(err, cache.ErrNotFound) {
			return removed, fmt.Errorf("remove %s: %w", entry.Key, err)
		}
		removed++
	}
	e.logger.WithFields(logrus.Fields{
		"action":     "remove_content",
		"content_id": contentID,
		"removed":    removed,
	}).Info("content_removed")
	return removed, nil
}

// ClearAllContent 删除整个内容缓存，重复调用不会报错。
func (e *Engine) ClearAllContent(ctx context.Context) error {
	if err := e.backend.Delete(ctx, e.cfg.Engine.ContentStore); err != nil {
		return fmt.Errorf("clear content store: %w", err)
	}
	e.logger.WithField("action", "clear_all_content").Info("content_cleared")
	return nil
}

// CancelContent 取消进行中的下载，返回是否存在该任务。
func (e *Engine) CancelContent(contentID string) bool {
	return e.downloads.Cancel(strings.TrimSpace(contentID))
}

// contentKey 是已下载内容在内容缓存中的键，与 CacheOnlyPlaceholder 读取的键一致。
func (e *Engine) contentKey(contentID string) cache.Key {
	return cache.NewKey(http.MethodGet, e.RequestURL(e.contentPath(contentID), ""))
}

func (e *Engine) contentPath(contentID string) string {
	return e.cfg.Engine.OfflinePrefix + url.PathEscape(contentID)
}

func matchesContentPath(rawURL, target string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := u.EscapedPath()
	return p == target || strings.HasPrefix(p, target+"/")
}
