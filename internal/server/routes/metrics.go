package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/sabeel/offline-cache/internal/metrics"
)

// RegisterMetricsRoutes 以 Prometheus 文本格式暴露 /-/metrics。
func RegisterMetricsRoutes(app *fiber.App, collector *metrics.Collector) {
	if app == nil || collector == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(collector.Handler()))
}
