// Package fetch is the engine's view of the content source: a Fetcher turns a
// request into a streamed response and classifies it as same-origin (basic) or
// cross-origin (cors).
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sabeel/offline-cache/internal/version"
)

// ResponseType 对应响应来源：与配置的 Origin 同源为 basic，否则为 cors。
type ResponseType string

const (
	TypeBasic ResponseType = "basic"
	TypeCORS  ResponseType = "cors"
)

// Request 是一次拦截请求或下载请求的最小描述。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Navigate 标记页面导航请求，CacheFirst 失败时据此返回离线页。
	Navigate bool
}

// Response 是上游返回的流式响应，调用方负责关闭 Body。
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	// ContentLength 为 -1 表示长度未知。
	ContentLength int64
	Type          ResponseType
	URL           string
}

// Fetcher 抽象内容源，便于测试替换。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// ErrInvalidRequest 表示请求缺少方法或 URL。
var ErrInvalidRequest = errors.New("invalid fetch request")

// HTTPFetcher 基于共享 http.Client 访问上游。
type HTTPFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPFetcher 构造 Fetcher；origin 用于判定响应是否同源，可为 nil（此时一律视为 cors）。
func NewHTTPFetcher(client *http.Client, origin *url.URL) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, origin: origin}
}

// Fetch 发起请求；只有传输层失败才返回 error，任何 HTTP 状态码都视为成功取回。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || strings.TrimSpace(req.URL) == "" {
		return nil, ErrInvalidRequest
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Host")
	httpReq.Header.Del("Accept-Encoding")
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}

	finalURL := httpReq.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)

	return &Response{
		Status:        resp.StatusCode,
		Header:        header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		Type:          f.responseType(finalURL),
		URL:           finalURL.String(),
	}, nil
}

func (f *HTTPFetcher) responseType(u *url.URL) ResponseType {
	if f.origin == nil || u == nil {
		return TypeCORS
	}
	if strings.EqualFold(u.Scheme, f.origin.Scheme) && strings.EqualFold(u.Host, f.origin.Host) {
		return TypeBasic
	}
	return TypeCORS
}

// ResolveURL 将相对地址解析为基于 origin 的绝对地址，绝对地址原样返回。
func ResolveURL(origin *url.URL, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty url", ErrInvalidRequest)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequest, ref.Scheme)
		}
		return ref.String(), nil
	}
	if origin == nil {
		return "", fmt.Errorf("%w: relative url %q without origin", ErrInvalidRequest, raw)
	}
	return origin.ResolveReference(ref).String(), nil
}
