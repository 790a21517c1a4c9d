// Package metrics exposes the engine's Prometheus instruments on a private
// registry. A nil *Collector is valid and records nothing, so components can be
// constructed without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offline_cache"

// Collector 汇总拦截、缓存写入、下载与广播相关的指标。
type Collector struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	storeWrites       *prometheus.CounterVec
	downloads         *prometheus.CounterVec
	downloadBytes     prometheus.Counter
	downloadsInFlight prometheus.Gauge
	droppedBroadcasts prometheus.Counter
	purgedStores      prometheus.Counter
}

// NewCollector 创建独立 registry 并注册全部指标。
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Intercepted requests by caching policy and response source",
		}, []string{"policy", "source"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of intercepted requests in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"policy"}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Cache store writes by store and result",
		}, []string{"store", "result"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Finished download tasks by terminal status",
		}, []string{"status"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes received by download tasks",
		}),
		downloadsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downloads_in_flight",
			Help:      "Download tasks that have not reached a terminal status",
		}),
		droppedBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_dropped_total",
			Help:      "Notifications dropped because a subscriber buffer was full",
		}),
		purgedStores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stores_purged_total",
			Help:      "Cache stores deleted on activation",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.requests,
		c.requestDuration,
		c.storeWrites,
		c.downloads,
		c.downloadBytes,
		c.downloadsInFlight,
		c.droppedBroadcasts,
		c.purgedStores,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Registry 返回底层 registry，测试中可配合 testutil 使用。
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 Prometheus exposition handler。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveRequest 记录一次拦截请求。
func (c *Collector) ObserveRequest(policy, source string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(policy, source).Inc()
	c.requestDuration.WithLabelValues(policy).Observe(elapsed.Seconds())
}

// ObserveStoreWrite 记录一次缓存写入结果。
func (c *Collector) ObserveStoreWrite(store string, err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	c.storeWrites.WithLabelValues(store, result).Inc()
}

// DownloadStarted 在任务进入 queued 时调用。
func (c *Collector) DownloadStarted() {
	if c == nil {
		return
	}
	c.downloadsInFlight.Inc()
}

// DownloadFinished 在任务到达终态时调用。
func (c *Collector) DownloadFinished(status string) {
	if c == nil {
		return
	}
	c.downloadsInFlight.Dec()
	c.downloads.WithLabelValues(status).Inc()
}

// AddDownloadBytes 累加下载字节数。
func (c *Collector) AddDownloadBytes(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.downloadBytes.Add(float64(n))
}

// BroadcastDropped 记录一次因订阅方缓冲已满而丢弃的通知。
func (c *Collector) BroadcastDropped() {
	if c == nil {
		return
	}
	c.droppedBroadcasts.Inc()
}

// StorePurged 记录激活阶段删除的旧缓存。
func (c *Collector) StorePurged() {
	if c == nil {
		return
	}
	c.purgedStores.Inc()
}
