// Package engine wires the offline caching components into one object with an
// explicit Init/Shutdown contract.
//
// One Engine exists per process. Init installs the versioned application shell
// and activates the engine, purging the stores of previous versions. Until the
// engine is active, intercepted requests go straight to the network and
// control messages are rejected with ErrNotActive. Foreground clients never
// hold references into the engine: they send Messages and subscribe to the
// notification bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sabeel/offline-cache/internal/cache"
	"github.com/sabeel/offline-cache/internal/config"
	"github.com/sabeel/offline-cache/internal/download"
	"github.com/sabeel/offline-cache/internal/fetch"
	"github.com/sabeel/offline-cache/internal/lifecycle"
	"github.com/sabeel/offline-cache/internal/metrics"
	"github.com/sabeel/offline-cache/internal/notify"
	"github.com/sabeel/offline-cache/internal/policy"
	"github.com/sabeel/offline-cache/internal/strategy"
)

var (
	// ErrNotActive 表示引擎尚未进入 active 状态。
	ErrNotActive = errors.New("engine not active")
	// ErrUnknownMessage 表示消息类型无法识别。
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrInvalidMessage 表示消息缺少必填字段。
	ErrInvalidMessage = errors.New("invalid message")
)

// Deps 是构造 Engine 所需的外部依赖。
type Deps struct {
	Config  *config.Config
	Backend cache.Backend
	// Upstream 服务拦截请求与安装阶段。
	Upstream fetch.Fetcher
	// Downloads 服务内容下载，通常不设整体超时。
	Downloads fetch.Fetcher
	Logger    *logrus.Logger
	Metrics   *metrics.Collector
	// BusBuffer 是每个订阅者的缓冲长度，<= 0 时使用默认值。
	BusBuffer int
}

// Engine 独占所有缓存与进行中的下载任务。
type Engine struct {
	cfg        *config.Config
	origin     *url.URL
	backend    cache.Backend
	stores     strategy.Stores
	classifier policy.Classifier
	lifecycle  *lifecycle.Manager
	executor   *strategy.Executor
	downloads  *download.Coordinator
	bus        *notify.Bus
	logger     *logrus.Logger
	metrics    *metrics.Collector

	relays       sync.WaitGroup
	shutdownOnce sync.Once
}

// New 构造处于 new 状态的 Engine，不做任何 I/O。
func New(deps Deps) (*Engine, error) {
	if deps.Config == nil {
		return nil, errors.New("engine: config required")
	}
	if deps.Backend == nil {
		return nil, errors.New("engine: cache backend required")
	}
	if deps.Upstream == nil {
		return nil, errors.New("engine: upstream fetcher required")
	}
	if deps.Downloads == nil {
		deps.Downloads = deps.Upstream
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}

	cfg := deps.Config
	origin, err := url.Parse(cfg.Global.Origin)
	if err != nil {
		return nil, fmt.Errorf("engine: parse origin: %w", err)
	}

	stores, err := openStores(deps.Backend, cfg.Engine)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		origin:     origin,
		backend:    deps.Backend,
		stores:     stores,
		classifier: policy.NewClassifier(cfg.Engine.APIPrefix, cfg.Engine.OfflinePrefix),
		bus:        notify.NewBus(deps.BusBuffer, deps.Metrics),
		logger:     deps.Logger,
		metrics:    deps.Metrics,
	}
	e.executor = strategy.NewExecutor(deps.Upstream, stores, strategy.Options{
		Origin:                 origin,
		OfflinePage:            cfg.Engine.OfflinePage,
		LargeResourceThreshold: cfg.Engine.LargeResourceThreshold,
		CacheWriteTimeout:      cfg.Engine.CacheWriteTimeout.DurationValue(),
	}, deps.Logger, deps.Metrics)
	e.downloads = download.NewCoordinator(deps.Downloads, stores.Content, download.Options{
		Timeout:       cfg.Global.DownloadTimeout.DurationValue(),
		MaxConcurrent: cfg.Global.MaxConcurrentDownloads,
	}, deps.Logger, deps.Metrics)
	e.lifecycle = lifecycle.NewManager(deps.Backend, deps.Upstream, lifecycle.Options{
		ShellStore:  cfg.Engine.ShellStoreName(),
		AllowList:   cfg.Engine.AllowList(),
		Manifest:    e.manifestURLs(),
		Concurrency: cfg.Engine.InstallConcurrency,
	}, deps.Logger, deps.Metrics)
	return e, nil
}

func openStores(backend cache.Backend, cfg config.EngineConfig) (strategy.Stores, error) {
	var stores strategy.Stores
	var err error
	if stores.Shell, err = backend.Open(cfg.ShellStoreName()); err != nil {
		return stores, fmt.Errorf("engine: open shell store: %w", err)
	}
	if stores.API, err = backend.Open(cfg.APIStoreName()); err != nil {
		return stores, fmt.Errorf("engine: open api store: %w", err)
	}
	if stores.Content, err = backend.Open(cfg.ContentStore); err != nil {
		return stores, fmt.Errorf("engine: open content store: %w", err)
	}
	return stores, nil
}

// Init 依次执行 install 与 activate；任一失败都会让引擎停留在 failed。
func (e *Engine) Init(ctx context.Context) error {
	if err := e.lifecycle.Install(ctx); err != nil {
		return err
	}
	if _, err := e.lifecycle.Activate(ctx); err != nil {
		return err
	}
	return nil
}

// Shutdown 停止拦截、取消所有下载、等待后台写入并关闭订阅与缓存后端。
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.shutdownOnce.Do(func() {
		e.lifecycle.Retire()
		err = e.downloads.Shutdown(ctx)
		e.relays.Wait()
		e.executor.Wait()
		e.bus.Close()
		if closeErr := e.backend.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

// CloseSubscriptions 关闭所有通知订阅，SSE 连接随之结束；之后的进度通知不再投递。
// HTTP 服务停止前调用，Shutdown 也会调用。
func (e *Engine) CloseSubscriptions() {
	e.bus.Close()
}

// State 返回生命周期状态。
func (e *Engine) State() lifecycle.State {
	return e.lifecycle.State()
}

// Active 报告引擎是否在拦截请求。
func (e *Engine) Active() bool {
	return e.lifecycle.Active()
}

// Classifier 返回当前版本使用的分类规则。
func (e *Engine) Classifier() policy.Classifier {
	return e.classifier
}

// Serve 处理一次拦截请求。引擎未激活时直接访问网络。
func (e *Engine) Serve(ctx context.Context, req *fetch.Request) (*strategy.Result, policy.Policy, error) {
	started := time.Now()
	p := e.classifier.Classify(requestPath(req))

	var (
		result *strategy.Result
		err    error
	)
	if e.Active() {
		result, err = e.executor.Execute(ctx, p, req)
	} else {
		result, err = e.executor.PassThrough(ctx, req)
	}

	source := "error"
	if err == nil {
		source = string(result.Source)
	}
	e.metrics.ObserveRequest(string(p), source, time.Since(started))
	return result, p, err
}

// RequestURL 把拦截到的路径与查询串映射到源站的绝对地址。
func (e *Engine) RequestURL(path, rawQuery string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := e.cfg.Global.Origin + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Subscribe 订阅 download_progress 等通知。
func (e *Engine) Subscribe() *notify.Subscription {
	return e.bus.Subscribe()
}

// Downloads 返回进行中的下载任务。
func (e *Engine) Downloads() []download.TaskInfo {
	return e.downloads.Active()
}

func (e *Engine) manifestURLs() []string {
	urls := make([]string, 0, len(e.cfg.Engine.ShellManifest))
	for _, p := range e.cfg.Engine.ShellManifest {
		urls = append(urls, e.RequestURL(p, ""))
	}
	return urls
}

func requestPath(req *fetch.Request) string {
	if req == nil {
		return ""
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return ""
	}
	return u.EscapedPath()
}
