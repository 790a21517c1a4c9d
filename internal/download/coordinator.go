// Package download runs streamed content downloads into the content store.
//
// Each DownloadTask is an explicit state machine
// (queued → downloading → completed | error | cancelled) owned by the
// Coordinator. Queued is visible in TaskInfo only: a queued task's first
// event already reports downloading with progress 0. Progress events are emitted once per body read, in
// non-decreasing byte order, and the completed event is only emitted after the
// store write succeeded. A failed or cancelled task never leaves an entry in
// the store and is never retried automatically.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/sabeel/offline-cache/internal/cache"
	"github.com/sabeel/offline-cache/internal/fetch"
	"github.com/sabeel/offline-cache/internal/logging"
	"github.com/sabeel/offline-cache/internal/metrics"
)

const (
	// DefaultTimeout 是单个任务的默认截止时间。
	DefaultTimeout = 30 * time.Minute
	// DefaultMaxConcurrent 是默认同时运行的任务数。
	DefaultMaxConcurrent = 4
	// DefaultReadBufferSize 每次 Read 使用的缓冲区大小，每次 Read 对应一个进度事件。
	DefaultReadBufferSize = 256 * 1024
)

var (
	// ErrInvalidRequest 表示缺少 contentId 或来源地址。
	ErrInvalidRequest = errors.New("invalid download request")
	// ErrClosed 表示 Coordinator 已关停。
	ErrClosed = errors.New("download coordinator closed")

	errCancelled = errors.New("download cancelled")
	errTimeout   = errors.New("download timed out")
)

// Request 描述一次下载：从 SourceURL 取回内容，写入内容缓存的 Key。
type Request struct {
	ContentID string
	SourceURL string
	Key       cache.Key
}

// Handle 是 Start 的返回值。Events 在终态事件之后关闭，调用方必须读到关闭为止。
type Handle struct {
	Task   TaskInfo
	Events <-chan Event
	// Joined 为 true 表示同一 contentId 已有任务在进行，本次调用复用了它。
	Joined bool
}

// Options 控制下载行为。
type Options struct {
	Timeout        time.Duration
	MaxConcurrent  int
	ReadBufferSize int
}

// Coordinator 管理所有进行中的下载任务，按 contentId 去重。
type Coordinator struct {
	fetcher fetch.Fetcher
	store   cache.Store
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Collector
	slots   *semaphore.Weighted

	baseCtx   context.Context
	cancelAll context.CancelCauseFunc

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator 构造 Coordinator，store 为内容缓存。
func NewCoordinator(fetcher fetch.Fetcher, store cache.Store, opts Options, logger *logrus.Logger, collector *metrics.Collector) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Coordinator{
		fetcher:   fetcher,
		store:     store,
		opts:      opts,
		logger:    logger,
		metrics:   collector,
		slots:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		baseCtx:   ctx,
		cancelAll: cancel,
		tasks:     make(map[string]*task),
	}
}

// Start 启动下载；同一 contentId 已在进行时返回该任务的新事件流（Joined=true）。
func (c *Coordinator) Start(req Request) (*Handle, error) {
	req.ContentID = strings.TrimSpace(req.ContentID)
	req.SourceURL = strings.TrimSpace(req.SourceURL)
	if req.ContentID == "" || req.SourceURL == "" {
		return nil, ErrInvalidRequest
	}
	if req.Key.URL == "" {
		req.Key = cache.NewKey(http.MethodGet, req.SourceURL)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := c.tasks[req.ContentID]; ok {
		if w := existing.joinWatch(); w != nil {
			c.mu.Unlock()
			return &Handle{Task: existing.snapshot(), Events: w.out, Joined: true}, nil
		}
	}

	ctx, cancel := context.WithCancelCause(c.baseCtx)
	t := &task{
		info: TaskInfo{
			ID:        uuid.NewString(),
			ContentID: req.ContentID,
			SourceURL: req.SourceURL,
			Key:       req.Key,
			Status:    StatusQueued,
			StartedAt: time.Now().UTC(),
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w := t.watch()
	c.tasks[req.ContentID] = t
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.DownloadStarted()
	if c.slots.TryAcquire(1) {
		t.transition(StatusDownloading, 0, 0, "")
		go c.run(t, true)
	} else {
		t.transition(StatusQueued, 0, 0, "")
		go c.run(t, false)
	}
	return &Handle{Task: t.snapshot(), Events: w.out}, nil
}

// Cancel 取消指定 contentId 的进行中任务，返回是否找到任务。
func (c *Coordinator) Cancel(contentID string) bool {
	c.mu.Lock()
	t, ok := c.tasks[contentID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel(errCancelled)
	return true
}

// CancelAndWait 取消任务并等待其进入终态。返回 nil 后该任务不会再写入内容缓存；
// ctx 结束时返回 ctx.Err()。
func (c *Coordinator) CancelAndWait(ctx context.Context, contentID string) (bool, error) {
	c.mu.Lock()
	t, ok := c.tasks[contentID]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	t.cancel(errCancelled)
	select {
	case <-t.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Active 返回进行中的任务快照，按 contentId 排序。
func (c *Coordinator) Active() []TaskInfo {
	c.mu.Lock()
	tasks := make([]*task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()

	result := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		result = append(result, t.snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ContentID < result[j].ContentID
	})
	return result
}

// Shutdown 拒绝新任务、取消所有进行中的任务并等待其结束。
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancelAll(errCancelled)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(t *task, acquired bool) {
	defer c.wg.Done()
	info := t.snapshot()
	logger := c.logger.WithFields(logging.DownloadFields(info.ID, info.ContentID, info.SourceURL))

	ctx, cancel := context.WithTimeoutCause(t.ctx, c.opts.Timeout, errTimeout)
	defer cancel()
	defer t.cancel(nil)

	if !acquired {
		if err := c.slots.Acquire(ctx, 1); err != nil {
			c.finish(t, logger, 0, 0, context.Cause(ctx))
			return
		}
		t.markDownloading()
	}
	defer c.slots.Release(1)

	logger.Info("download_started")
	received, total, err := c.download(ctx, t)
	c.finish(t, logger, received, total, err)
}

// download 逐块读取正文并在结束后一次性写入缓存，返回已接收与声明的字节数。
func (c *Coordinator) download(ctx context.Context, t *task) (int64, int64, error) {
	info := t.snapshot()
	resp, err := c.fetcher.Fetch(ctx, &fetch.Request{Method: http.MethodGet, URL: info.SourceURL})
	if err != nil {
		return 0, 0, c.cause(ctx, err)
	}
	defer resp.Body.Close()

	if resp.Status != http.StatusOK {
		return 0, 0, fmt.Errorf("unexpected status %d", resp.Status)
	}
	total := declaredLength(resp)

	var body bytes.Buffer
	buf := make([]byte, c.opts.ReadBufferSize)
	var received int64
	for {
		if ctx.Err() != nil {
			return received, total, context.Cause(ctx)
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			body.Write(buf[:n])
			received += int64(n)
			c.metrics.AddDownloadBytes(n)
			t.transition(StatusDownloading, received, total, "")
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return received, total, c.cause(ctx, readErr)
		}
	}

	if _, err := c.store.Put(ctx, info.Key, &body, cache.PutOptions{
		Status: http.StatusOK,
		Header: resp.Header,
	}); err != nil {
		c.metrics.ObserveStoreWrite(c.store.Name(), err)
		return received, total, c.cause(ctx, fmt.Errorf("cache write failed: %w", err))
	}
	c.metrics.ObserveStoreWrite(c.store.Name(), nil)
	return received, total, nil
}

// cause 优先返回 context 的取消原因，便于区分主动取消与超时。
func (c *Coordinator) cause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
	}
	return err
}

func (c *Coordinator) finish(t *task, logger *logrus.Entry, received, total int64, err error) {
	c.mu.Lock()
	if c.tasks[t.info.ContentID] == t {
		delete(c.tasks, t.info.ContentID)
	}
	c.mu.Unlock()

	var status Status
	switch {
	case err == nil:
		status = StatusCompleted
		if total == 0 {
			total = received
		}
		t.transition(status, received, total, "")
		logger.WithField("bytes", received).Info("download_completed")
	case errors.Is(err, errCancelled):
		status = StatusCancelled
		t.transition(status, received, total, "")
		logger.Info("download_cancelled")
	default:
		status = StatusError
		t.transition(status, received, total, err.Error())
		logger.WithError(err).Warn("download_failed")
	}
	c.metrics.DownloadFinished(string(status))
	close(t.done)
}

func declaredLength(resp *fetch.Response) int64 {
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	if raw := resp.Header.Get("Content-Length"); raw != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
