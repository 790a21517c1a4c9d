// Package strategy serves one classified request against the cache stores and
// the network. Each policy is a short state machine: try the primary source,
// fall back, return a Result tagged with where the bytes came from.
package strategy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sabeel/offline-cache/internal/cache"
	"github.com/sabeel/offline-cache/internal/fetch"
	"github.com/sabeel/offline-cache/internal/logging"
	"github.com/sabeel/offline-cache/internal/metrics"
	"github.com/sabeel/offline-cache/internal/policy"
)

// Source 标记响应来源，写入 X-Offline-Source 头。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourcePlaceholder Source = "placeholder"
	SourceFallback    Source = "fallback"
)

// DefaultLargeResourceThreshold 超过该长度的响应不会自动写入 shell 缓存。
const DefaultLargeResourceThreshold int64 = 10 * 1024 * 1024

const defaultCacheWriteTimeout = 10 * time.Second

// PlaceholderBody 是内容缓存未命中时返回的固定 JSON。
var PlaceholderBody = []byte(`{"error":"Offline content not available","message":"This content has not been downloaded for offline use"}`)

// Result 是策略执行结果，调用方负责关闭 Body。
type Result struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	// ContentLength 为 -1 表示未知。
	ContentLength int64
	Source        Source
}

// Stores 是策略读写的三个具名缓存。
type Stores struct {
	Shell   cache.Store
	API     cache.Store
	Content cache.Store
}

// Options 控制策略细节。
type Options struct {
	Origin                 *url.URL
	OfflinePage            string
	LargeResourceThreshold int64
	CacheWriteTimeout      time.Duration
}

// Executor 按策略处理请求。API 缓存的后台写入通过 Wait 等待。
type Executor struct {
	fetcher fetch.Fetcher
	stores  Stores
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Collector

	pending sync.WaitGroup
}

// NewExecutor 构造 Executor，logger 为 nil 时丢弃日志。
func NewExecutor(fetcher fetch.Fetcher, stores Stores, opts Options, logger *logrus.Logger, collector *metrics.Collector) *Executor {
	if opts.LargeResourceThreshold <= 0 {
		opts.LargeResourceThreshold = DefaultLargeResourceThreshold
	}
	if opts.CacheWriteTimeout <= 0 {
		opts.CacheWriteTimeout = defaultCacheWriteTimeout
	}
	if opts.OfflinePage == "" {
		opts.OfflinePage = "/offline.html"
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Executor{
		fetcher: fetcher,
		stores:  stores,
		opts:    opts,
		logger:  logger,
		metrics: collector,
	}
}

// Execute 按策略处理请求。非 GET 请求一律直连网络，既不读也不写缓存。
func (e *Executor) Execute(ctx context.Context, p policy.Policy, req *fetch.Request) (*Result, error) {
	if req == nil {
		return nil, fetch.ErrInvalidRequest
	}
	if !isGet(req.Method) {
		return e.PassThrough(ctx, req)
	}
	key := cache.NewKey(req.Method, req.URL)
	switch p {
	case policy.NetworkFirst:
		return e.networkFirst(ctx, req, key)
	case policy.CacheOnlyPlaceholder:
		return e.cacheOnly(ctx, key), nil
	default:
		return e.cacheFirst(ctx, req, key)
	}
}

// Wait 阻塞直到所有后台缓存写入结束，关停时调用。
func (e *Executor) Wait() {
	e.pending.Wait()
}

// PassThrough 直接访问网络，不读写任何缓存。
func (e *Executor) PassThrough(ctx context.Context, req *fetch.Request) (*Result, error) {
	if req == nil {
		return nil, fetch.ErrInvalidRequest
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return networkResult(resp), nil
}

func (e *Executor) networkFirst(ctx context.Context, req *fetch.Request, key cache.Key) (*Result, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil && resp.Status != http.StatusOK {
		return networkResult(resp), nil
	}
	var body []byte
	if err == nil {
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	if err != nil {
		if cached := e.lookup(ctx, e.stores.API, key); cached != nil {
			return cached, nil
		}
		return nil, err
	}

	e.writeInBackground(ctx, e.stores.API, key, resp, body)
	return bufferedResult(resp.Status, resp.Header, body, SourceNetwork), nil
}

func (e *Executor) cacheFirst(ctx context.Context, req *fetch.Request, key cache.Key) (*Result, error) {
	if cached := e.lookup(ctx, e.stores.Shell, key); cached != nil {
		return cached, nil
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return e.navigationFallback(ctx, req, err)
	}
	if resp.Status != http.StatusOK || resp.Type != fetch.TypeBasic || e.isLarge(resp) {
		return networkResult(resp), nil
	}

	// 长度未知的响应最多读取 threshold+1 字节，超出即视为大资源，直接透传。
	limit := e.opts.LargeResourceThreshold
	head, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		resp.Body.Close()
		return e.navigationFallback(ctx, req, err)
	}
	if int64(len(head)) > limit {
		return &Result{
			Status:        resp.Status,
			Header:        resp.Header,
			Body:          &joinedBody{Reader: io.MultiReader(bytes.NewReader(head), resp.Body), closer: resp.Body},
			ContentLength: resp.ContentLength,
			Source:        SourceNetwork,
		}, nil
	}
	resp.Body.Close()

	writeCtx, cancel := e.writeContext(ctx)
	e.put(writeCtx, e.stores.Shell, key, resp, head)
	cancel()
	return bufferedResult(resp.Status, resp.Header, head, SourceNetwork), nil
}

func (e *Executor) cacheOnly(ctx context.Context, key cache.Key) *Result {
	if cached := e.lookup(ctx, e.stores.Content, key); cached != nil {
		return cached
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return bufferedResult(http.StatusOK, header, PlaceholderBody, SourcePlaceholder)
}

func (e *Executor) navigationFallback(ctx context.Context, req *fetch.Request, cause error) (*Result, error) {
	if !req.Navigate {
		return nil, cause
	}
	fallbackKey := cache.NewKey(http.MethodGet, e.offlinePageURL(req.URL))
	cached := e.lookup(ctx, e.stores.Shell, fallbackKey)
	if cached == nil {
		return nil, cause
	}
	cached.Source = SourceFallback
	return cached, nil
}

func (e *Executor) offlinePageURL(requestURL string) string {
	base := e.opts.Origin
	if base == nil {
		if parsed, err := url.Parse(requestURL); err == nil {
			base = parsed
		}
	}
	if base == nil {
		return e.opts.OfflinePage
	}
	ref := &url.URL{Path: e.opts.OfflinePage}
	return base.ResolveReference(ref).String()
}

// lookup 读取缓存；任何读取错误都按未命中处理。
func (e *Executor) lookup(ctx context.Context, store cache.Store, key cache.Key) *Result {
	if store == nil {
		return nil
	}
	hit, err := store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.WithFields(logging.StoreFields(store.Name(), key.String())).
				WithError(err).Warn("cache_read_failed")
		}
		return nil
	}
	header := hit.Entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Result{
		Status:        hit.Entry.Status,
		Header:        header,
		Body:          hit.Reader,
		ContentLength: hit.Entry.SizeBytes,
		Source:        SourceCache,
	}
}

func (e *Executor) writeInBackground(ctx context.Context, store cache.Store, key cache.Key, resp *fetch.Response, body []byte) {
	if store == nil {
		return
	}
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		writeCtx, cancel := e.writeContext(ctx)
		defer cancel()
		e.put(writeCtx, store, key, resp, body)
	}()
}

// writeContext 与请求生命周期解耦，客户端断开不影响缓存写入。
func (e *Executor) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.opts.CacheWriteTimeout)
}

// put 写入失败只记录日志，不影响请求结果。
func (e *Executor) put(ctx context.Context, store cache.Store, key cache.Key, resp *fetch.Response, body []byte) {
	if store == nil {
		return
	}
	_, err := store.Put(ctx, key, bytes.NewReader(body), cache.PutOptions{
		Status: resp.Status,
		Header: resp.Header,
	})
	e.metrics.ObserveStoreWrite(store.Name(), err)
	if err != nil {
		e.logger.WithFields(logging.StoreFields(store.Name(), key.String())).
			WithError(err).Warn("cache_write_failed")
	}
}

func (e *Executor) isLarge(resp *fetch.Response) bool {
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "video") {
		return true
	}
	return contentLength(resp) > e.opts.LargeResourceThreshold
}

func contentLength(resp *fetch.Response) int64 {
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	if raw := resp.Header.Get("Content-Length"); raw != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			return n
		}
	}
	return resp.ContentLength
}

func networkResult(resp *fetch.Response) *Result {
	return &Result{
		Status:        resp.Status,
		Header:        resp.Header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		Source:        SourceNetwork,
	}
}

func bufferedResult(status int, header http.Header, body []byte, source Source) *Result {
	return &Result{
		Status:        status,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Source:        source,
	}
}

func isGet(method string) bool {
	return method == "" || strings.EqualFold(method, http.MethodGet)
}

type joinedBody struct {
	io.Reader
	closer io.Closer
}

func (b *joinedBody) Close() error {
	return b.closer.Close()
}
