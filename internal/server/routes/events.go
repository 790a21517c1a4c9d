package routes

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/sabeel/offline-cache/internal/notify"
)

// DefaultKeepAlive 是 SSE 连接空闲时发送注释行的间隔。
const DefaultKeepAlive = 15 * time.Second

// Subscriber 提供通知订阅，engine.Engine 与 notify.Bus 均满足该接口。
type Subscriber interface {
	Subscribe() *notify.Subscription
}

// RegisterEventRoutes 以 Server-Sent Events 推送 download_progress 等通知。
// 连接建立前的通知不会补发，客户端重连后应重新查询 /-/content。
func RegisterEventRoutes(app *fiber.App, source Subscriber, keepAlive time.Duration) {
	if app == nil || source == nil {
		return
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	app.Get("/-/events", func(c fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")

		sub := source.Subscribe()
		return c.SendStreamWriter(func(w *bufio.Writer) {
			defer sub.Close()
			streamEvents(w, sub, keepAlive)
		})
	})
}

// streamEvents 持续写出通知，直到订阅关闭或客户端断开（Flush 失败）。
func streamEvents(w *bufio.Writer, sub *notify.Subscription, keepAlive time.Duration) {
	if !writeComment(w, "connected") {
		return
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if !writeEvent(w, msg) {
				return
			}
		case <-ticker.C:
			if !writeComment(w, "ping") {
				return
			}
		}
	}
}

func writeEvent(w *bufio.Writer, msg notify.Message) bool {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
		return false
	}
	return w.Flush() == nil
}

func writeComment(w *bufio.Writer, text string) bool {
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return false
	}
	return w.Flush() == nil
}
