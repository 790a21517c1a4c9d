package proxy

import (
	"bytes"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/sabeel/offline-cache/internal/server"
)

// acquireCtx 返回绑定了请求 ID 的 fiber.Ctx，测试结束时释放。
func acquireCtx(t *testing.T, requestID string) fiber.CustomCtx {
	t.Helper()
	app := fiber.New()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	t.Cleanup(func() {
		app.ReleaseCtx(ctx)
		_ = app.Shutdown()
	})
	if requestID != "" {
		server.SetRequestID(ctx, requestID)
	}
	return ctx
}

func bufferLogger() (*logrus.Logger, *bytes.Buffer) {
	logger := logrus.New()
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	return logger, buf
}

func TestForwarderMissingHandler(t *testing.T) {
	ctx := acquireCtx(t, "missing-req")
	logger, logBuf := bufferLogger()

	require.NoError(t, NewForwarder(nil, logger).Handle(ctx))

	assert.Equal(t, fiber.StatusInternalServerError, ctx.Response().StatusCode())
	assert.Contains(t, string(ctx.Response().Body()), "proxy_handler_missing")
	assert.Equal(t, "missing-req", string(ctx.Response().Header.Peek("X-Request-ID")))
	assert.Contains(t, logBuf.String(), "proxy_handler_missing")
	assert.Contains(t, logBuf.String(), "missing-req")
}

func TestForwarderHandlerPanic(t *testing.T) {
	ctx := acquireCtx(t, "panic-req")
	logger, logBuf := bufferLogger()

	forwarder := NewForwarder(server.ProxyHandlerFunc(func(fiber.Ctx) error {
		panic("boom")
	}), logger)
	require.NoError(t, forwarder.Handle(ctx))

	assert.Equal(t, fiber.StatusInternalServerError, ctx.Response().StatusCode())
	assert.Contains(t, string(ctx.Response().Body()), "proxy_handler_panic")
	assert.Equal(t, "panic-req", string(ctx.Response().Header.Peek("X-Request-ID")))
	assert.Contains(t, logBuf.String(), "proxy_handler_panic")
	assert.Contains(t, logBuf.String(), "panic-req")
}

func TestForwarderDelegates(t *testing.T) {
	ctx := acquireCtx(t, "")

	called := false
	forwarder := NewForwarder(server.ProxyHandlerFunc(func(c fiber.Ctx) error {
		called = true
		return c.SendStatus(fiber.StatusNoContent)
	}), nil)

	require.NoError(t, forwarder.Handle(ctx))
	assert.True(t, called, "wrapped handler must run")
	assert.Equal(t, fiber.StatusNoContent, ctx.Response().StatusCode())
}
