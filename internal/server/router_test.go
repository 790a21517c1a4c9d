package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterSendsInterceptedPathsToProxy(t *testing.T) {
	app := newTestApp(t, 5000)

	resp, body := app.do(t, httptest.NewRequest("GET", "http://app.local/offline-content/q1?x=1", nil))
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode, body)
	assert.Equal(t, "/offline-content/q1", app.recorder.path)

	reqID := resp.Header.Get("X-Request-ID")
	require.NotEmpty(t, reqID)
	assert.Equal(t, reqID, app.recorder.requestID, "proxy sees the same request id as the response")
}

func TestRouterLeavesControlPathsToRoutes(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	_, body := app.do(t, httptest.NewRequest("GET", "/-/ping", nil))
	assert.Equal(t, "pong", body)
	assert.Zero(t, app.recorder.calls, "control paths must not reach the proxy")
}

func TestRouterReturns404ForUnknownControlPath(t *testing.T) {
	app := newTestApp(t, 5000)

	resp, body := app.do(t, httptest.NewRequest("GET", "/-/missing", nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, `"not_found"`)
}

func TestRouterRecoversFromPanics(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app, err := NewApp(AppOptions{
		Logger: logger,
		Proxy: ProxyHandlerFunc(func(fiber.Ctx) error {
			panic("boom")
		}),
		ListenPort: 5000,
	})
	require.NoError(t, err)

	resp, err := app.Test(httptest.NewRequest("GET", "/index.html", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	proxy := ProxyHandlerFunc(func(fiber.Ctx) error { return nil })

	cases := map[string]AppOptions{
		"missing logger": {Proxy: proxy, ListenPort: 5000},
		"missing proxy":  {Logger: logger, ListenPort: 5000},
		"missing port":   {Logger: logger, Proxy: proxy},
	}
	for name, opts := range cases {
		_, err := NewApp(opts)
		assert.Error(t, err, name)
	}
}

type testApp struct {
	*fiber.App
	recorder *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Proxy:      recorder,
		ListenPort: port,
	})
	require.NoError(t, err)
	return &testApp{App: app, recorder: recorder}
}

func (a *testApp) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := a.Test(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

type proxyRecorder struct {
	calls     int
	path      string
	requestID string
}

func (p *proxyRecorder) Handle(c fiber.Ctx) error {
	p.calls++
	p.path = c.Path()
	p.requestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
