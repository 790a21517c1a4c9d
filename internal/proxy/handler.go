package proxy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/sabeel/offline-cache/internal/fetch"
	"github.com/sabeel/offline-cache/internal/logging"
	"github.com/sabeel/offline-cache/internal/policy"
	"github.com/sabeel/offline-cache/internal/server"
	"github.com/sabeel/offline-cache/internal/strategy"
)

// Interceptor 是 Handler 依赖的引擎能力，测试中可替换为假实现。
type Interceptor interface {
	Serve(ctx context.Context, req *fetch.Request) (*strategy.Result, policy.Policy, error)
	RequestURL(path, rawQuery string) string
}

// Handler 把 Fiber 请求转换为 fetch.Request 交给引擎，再把结果原样写回客户端。
// 网络来源的响应保持原状态码，只追加 X-Offline-Source 与 X-Request-ID。
type Handler struct {
	engine Interceptor
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler around the engine.
func NewHandler(engine Interceptor, logger *logrus.Logger) *Handler {
	return &Handler{
		engine: engine,
		logger: logger,
	}
}

// Handle 执行一次拦截请求，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	path := requestPath(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := h.buildRequest(c, path)
	result, p, err := h.engine.Serve(ctx, req)
	if err != nil {
		h.logResult(c.Method(), path, p, "", requestID, 0, started, err)
		if requestID != "" {
			c.Set("X-Request-ID", requestID)
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	copyResponseHeaders(c, result.Header)
	c.Set("X-Offline-Source", string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(result.Status)

	if c.Method() == http.MethodHead {
		result.Body.Close()
		h.logResult(c.Method(), path, p, result.Source, requestID, result.Status, started, nil)
		return nil
	}

	// fasthttp 在写完响应后关闭 Body。
	size := -1
	if result.ContentLength >= 0 {
		size = int(result.ContentLength)
	}
	err = c.SendStream(result.Body, size)
	h.logResult(c.Method(), path, p, result.Source, requestID, result.Status, started, err)
	return err
}

func (h *Handler) buildRequest(c fiber.Ctx, path string) *fetch.Request {
	method := c.Method()
	req := &fetch.Request{
		Method:   method,
		URL:      h.engine.RequestURL(path, string(c.Request().URI().QueryString())),
		Header:   fiberHeadersAsHTTP(c),
		Navigate: isNavigation(c),
	}
	if method != http.MethodGet && method != http.MethodHead {
		req.Body = append([]byte(nil), c.Body()...)
	}
	return req
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	method string,
	path string,
	p policy.Policy,
	source strategy.Source,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(method, path, string(p), string(source), source == strategy.SourceCache)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// isNavigation 判断是否为页面导航：优先使用 Sec-Fetch-Mode，否则以接受 HTML 的 GET 近似。
func isNavigation(c fiber.Ctx) bool {
	if mode := c.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return c.Method() == http.MethodGet && strings.Contains(c.Get(fiber.HeaderAccept), "text/html")
}

// requestPath 返回未解码的原始路径，保证缓存键与下载时写入的键一致。
func requestPath(c fiber.Ctx) string {
	raw := string(c.Request().URI().PathOriginal())
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		raw = raw[:idx]
	}
	if raw == "" {
		return "/"
	}
	return raw
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
