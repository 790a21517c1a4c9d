// Package notify fans engine events out to connected foreground clients.
//
// Delivery is best effort: Broadcast never blocks, a subscriber whose buffer is
// full misses the message, and a subscriber that connects later receives
// nothing that was sent before it subscribed. Clients are expected to re-query
// state (GET /-/content) after reconnecting.
package notify

import (
	"sync"

	"github.com/sabeel/offline-cache/internal/metrics"
)

// DefaultBuffer 是每个订阅者的默认缓冲长度。
const DefaultBuffer = 64

// Message 是一条推送给前台的通知，Type 对应 SSE 的 event 名。
type Message struct {
	Type string
	Data any
}

// Bus 维护当前订阅者集合。
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	metrics *metrics.Collector
}

// Subscription 是单个前台连接的接收端。
type Subscription struct {
	id   uint64
	ch   chan Message
	bus  *Bus
	once sync.Once
}

// NewBus 创建通知总线，buffer <= 0 时使用 DefaultBuffer。
func NewBus(buffer int, collector *metrics.Collector) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		buffer:  buffer,
		metrics: collector,
	}
}

// Subscribe 注册新的订阅者；总线关闭后返回的订阅 channel 已关闭。
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{ch: make(chan Message, b.buffer), bus: b}
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Broadcast 以非阻塞方式投递给所有订阅者，返回成功投递的数量。
func (b *Bus) Broadcast(msg Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	delivered := 0
	for _, sub := range b.subs {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			b.metrics.BroadcastDropped()
		}
	}
	return delivered
}

// Subscribers 返回当前订阅者数量。
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭所有订阅；之后的 Broadcast 不再投递。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Messages 返回接收 channel，总线关闭或订阅取消后 channel 被关闭。
func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

// Close 取消订阅，可重复调用。
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
