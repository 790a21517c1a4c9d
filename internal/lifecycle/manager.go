// Package lifecycle drives the engine from installation to serving traffic.
//
//	new → installing → installed → activating → active
//	                ↘ failed              ↘ failed
//	any → redundant (after shutdown)
//
// Install downloads the versioned application-shell manifest and writes it into
// the shell store only when every resource was fetched, so a failed install
// never leaves a partial shell behind. Activate deletes every store that is not
// in the current version's allow-list.
package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sabeel/offline-cache/internal/cache"
	"github.com/sabeel/offline-cache/internal/fetch"
	"github.com/sabeel/offline-cache/internal/logging"
	"github.com/sabeel/offline-cache/internal/metrics"
)

// State 是引擎的生命周期状态。
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateFailed     State = "failed"
	StateRedundant  State = "redundant"
)

// ErrInvalidTransition 表示当前状态不允许该操作。
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

const defaultInstallConcurrency = 4

// Options 描述当前版本的缓存布局。
type Options struct {
	// ShellStore 是带版本号的 shell 缓存名。
	ShellStore string
	// AllowList 是激活后保留的缓存名集合。
	AllowList []string
	// Manifest 是安装阶段必须取回的绝对 URL 列表。
	Manifest    []string
	Concurrency int
}

// Manager 持有生命周期状态，所有状态变更串行执行。
type Manager struct {
	backend cache.Backend
	fetcher fetch.Fetcher
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Collector

	mu      sync.RWMutex
	state   State
	lastErr error
}

// NewManager 构造处于 new 状态的 Manager。
func NewManager(backend cache.Backend, fetcher fetch.Fetcher, opts Options, logger *logrus.Logger, collector *metrics.Collector) *Manager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultInstallConcurrency
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Manager{
		backend: backend,
		fetcher: fetcher,
		opts:    opts,
		logger:  logger,
		metrics: collector,
		state:   StateNew,
	}
}

// State 返回当前状态。
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err 返回导致 failed 的错误。
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Active 报告引擎是否可以拦截请求与接收消息。
func (m *Manager) Active() bool {
	return m.State() == StateActive
}

// Install 取回 shell 清单并写入 shell 缓存，要么全部成功，要么什么都不留。
// 允许从 new 或 failed 状态重试。
func (m *Manager) Install(ctx context.Context) error {
	if err := m.advance(StateInstalling, StateNew, StateFailed); err != nil {
		return err
	}
	logger := m.logger.WithFields(logrus.Fields{"action": "install", "store": m.opts.ShellStore})

	resources, err := m.fetchManifest(ctx)
	if err != nil {
		return m.fail(logger, fmt.Errorf("install: %w", err))
	}
	if err := m.writeShell(ctx, resources); err != nil {
		if delErr := m.backend.Delete(context.WithoutCancel(ctx), m.opts.ShellStore); delErr != nil {
			logger.WithError(delErr).Warn("shell_cleanup_failed")
		}
		return m.fail(logger, fmt.Errorf("install: %w", err))
	}

	m.set(StateInstalled, nil)
	logger.WithField("resources", len(resources)).Info("install_complete")
	return nil
}

// Activate 删除不在 allow-list 中的缓存，返回被删除的缓存名。
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	if err := m.advance(StateActivating, StateInstalled); err != nil {
		return nil, err
	}
	logger := m.logger.WithField("action", "activate")

	names, err := m.backend.Names(ctx)
	if err != nil {
		return nil, m.fail(logger, fmt.Errorf("activate: list stores: %w", err))
	}
	allowed := make(map[string]struct{}, len(m.opts.AllowList))
	for _, name := range m.opts.AllowList {
		allowed[name] = struct{}{}
	}

	var purged []string
	for _, name := range names {
		if _, ok := allowed[name]; ok {
			continue
		}
		if err := m.backend.Delete(ctx, name); err != nil {
			return purged, m.fail(logger, fmt.Errorf("activate: delete store %s: %w", name, err))
		}
		m.metrics.StorePurged()
		logger.WithField("store", name).Info("store_purged")
		purged = append(purged, name)
	}

	m.set(StateActive, nil)
	logger.WithField("purged", len(purged)).Info("engine_active")
	return purged, nil
}

// Retire 将引擎标记为 redundant，之后不再拦截请求。
func (m *Manager) Retire() {
	m.set(StateRedundant, nil)
}

type resource struct {
	url    string
	header http.Header
	body   []byte
}

func (m *Manager) fetchManifest(ctx context.Context) ([]resource, error) {
	resources := make([]resource, len(m.opts.Manifest))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.opts.Concurrency)
	for i, target := range m.opts.Manifest {
		eg.Go(func() error {
			resp, err := m.fetcher.Fetch(egCtx, &fetch.Request{Method: http.MethodGet, URL: target})
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.Status != http.StatusOK {
				return fmt.Errorf("fetch %s: unexpected status %d", target, resp.Status)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read %s: %w", target, err)
			}
			resources[i] = resource{url: target, header: resp.Header, body: body}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return resources, nil
}

func (m *Manager) writeShell(ctx context.Context, resources []resource) error {
	store, err := m.backend.Open(m.opts.ShellStore)
	if err != nil {
		return err
	}
	for _, res := range resources {
		key := cache.NewKey(http.MethodGet, res.url)
		_, err := store.Put(ctx, key, bytes.NewReader(res.body), cache.PutOptions{
			Status: http.StatusOK,
			Header: res.header,
		})
		m.metrics.ObserveStoreWrite(store.Name(), err)
		if err != nil {
			m.logger.WithFields(logging.StoreFields(store.Name(), key.String())).WithError(err).Warn("cache_write_failed")
			return fmt.Errorf("write %s: %w", res.url, err)
		}
	}
	return nil
}

func (m *Manager) advance(next State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range from {
		if m.state == allowed {
			m.state = next
			m.lastErr = nil
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, m.state, next)
}

func (m *Manager) set(state State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.lastErr = err
}

func (m *Manager) fail(logger *logrus.Entry, err error) error {
	m.set(StateFailed, err)
	logger.WithError(err).Error("lifecycle_failed")
	return err
}
