package download

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sabeel/offline-cache/internal/cache"
)

// Status 是下载任务的状态，也是 download_progress 消息中的 status 字段。
// queued 只出现在 TaskInfo 中，排队任务对外的事件是 downloading 且进度为 0。
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Event 是一次进度快照，创建后不再修改。Progress 为 nil 表示总长度未知。
type Event struct {
	ContentID       string `json:"contentId"`
	Progress        *int   `json:"progress,omitempty"`
	BytesDownloaded int64  `json:"bytesDownloaded"`
	TotalBytes      int64  `json:"totalBytes"`
	Status          Status `json:"status"`
	Error           string `json:"error,omitempty"`
}

// TaskInfo 是任务的只读视图。
type TaskInfo struct {
	ID              string    `json:"id"`
	ContentID       string    `json:"contentId"`
	SourceURL       string    `json:"sourceUrl"`
	Key             cache.Key `json:"key"`
	Status          Status    `json:"status"`
	TotalBytes      int64     `json:"totalBytes"`
	BytesDownloaded int64     `json:"bytesDownloaded"`
	StartedAt       time.Time `json:"startedAt"`
}

// task 只由 Coordinator 修改；watchers 在终态事件后全部关闭。
type task struct {
	mu       sync.Mutex
	info     TaskInfo
	watchers []*watcher
	finished bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	// done 在终态事件发出、缓存写入结束之后关闭。
	done chan struct{}
}

func (t *task) snapshot() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// watch 注册新的事件流；任务已结束时返回 nil。
func (t *task) watch() *watcher {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil
	}
	w := newWatcher()
	t.watchers = append(t.watchers, w)
	return w
}

// joinWatch 为重复请求注册事件流，并先推送一份当前进度。
func (t *task) joinWatch() *watcher {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil
	}
	w := newWatcher()
	w.push(t.eventLocked(""))
	t.watchers = append(t.watchers, w)
	return w
}

// transition 更新状态与计数并广播事件，终态后关闭所有 watcher。
func (t *task) transition(status Status, received, total int64, errMsg string) Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.info.Status = status
	t.info.BytesDownloaded = received
	t.info.TotalBytes = total
	ev := t.eventLocked(errMsg)
	for _, w := range t.watchers {
		w.push(ev)
	}
	if status.Terminal() {
		t.finished = true
		for _, w := range t.watchers {
			w.close()
		}
		t.watchers = nil
	}
	return ev
}

// markDownloading 在排队任务拿到并发名额时调用，不产生事件。
func (t *task) markDownloading() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info.Status = StatusDownloading
}

func (t *task) eventLocked(errMsg string) Event {
	status := t.info.Status
	if status == StatusQueued {
		status = StatusDownloading
	}
	ev := Event{
		ContentID:       t.info.ContentID,
		BytesDownloaded: t.info.BytesDownloaded,
		TotalBytes:      t.info.TotalBytes,
		Status:          status,
		Error:           errMsg,
	}
	switch {
	case t.info.Status == StatusCompleted:
		ev.Progress = intPtr(100)
	case t.info.Status == StatusError || t.info.Status == StatusCancelled:
	case t.info.TotalBytes > 0:
		ev.Progress = intPtr(percent(t.info.BytesDownloaded, t.info.TotalBytes))
	case t.info.BytesDownloaded == 0:
		ev.Progress = intPtr(0)
	}
	return ev
}

func percent(received, total int64) int {
	p := int(math.Round(float64(received) / float64(total) * 100))
	if p > 100 {
		return 100
	}
	return p
}

func intPtr(v int) *int {
	return &v
}

// watcher 是无界队列：推送方从不阻塞，消费方按顺序读取。
// 终态事件之后 channel 被关闭，消费方需要读到关闭为止。
type watcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	out    chan Event
}

func newWatcher() *watcher {
	w := &watcher{out: make(chan Event)}
	w.cond = sync.NewCond(&w.mu)
	go w.pump()
	return w
}

func (w *watcher) push(ev Event) {
	w.mu.Lock()
	if !w.closed {
		w.queue = append(w.queue, ev)
	}
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *watcher) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *watcher) pump() {
	defer close(w.out)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()
		w.out <- ev
	}
}
