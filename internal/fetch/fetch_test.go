package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabeel/offline-cache/internal/config"
	"github.com/sabeel/offline-cache/internal/version"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	assert.Equal(t, 45*time.Second, NewUpstreamClient(cfg).Timeout)
	assert.Zero(t, NewDownloadClient().Timeout, "download client must rely on context deadlines")
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	assert.NotContains(t, dst, "Connection")
	assert.NotContains(t, dst, "Keep-Alive")
	assert.Equal(t, []string{"1", "2"}, dst.Values("X-Test-Header"))
}

func TestHTTPFetcherSameOriginIsBasic(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get("X-Trace"), "request header not forwarded")
		assert.Equal(t, version.UserAgent(), r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer origin.Close()

	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)
	fetcher := NewHTTPFetcher(origin.Client(), originURL)
	resp, err := fetcher.Fetch(context.Background(), &Request{
		URL:    origin.URL + "/index.html",
		Header: http.Header{"X-Trace": []string{"1"}, "Connection": []string{"close"}},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, TypeBasic, resp.Type)
	assert.Equal(t, http.StatusOK, resp.Status)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(body))
	assert.Equal(t, int64(len(body)), resp.ContentLength)
}

func TestHTTPFetcherRedirectToOtherOriginIsCORS(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("asset"))
	}))
	defer cdn.Close()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, cdn.URL+"/asset.js", http.StatusFound)
	}))
	defer origin.Close()

	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)
	resp, err := NewHTTPFetcher(nil, originURL).Fetch(context.Background(), &Request{URL: origin.URL + "/asset.js"})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, TypeCORS, resp.Type, "cross-origin redirect yields a cors response")
}

func TestHTTPFetcherKeepsErrorStatuses(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer origin.Close()

	resp, err := NewHTTPFetcher(nil, nil).Fetch(context.Background(), &Request{URL: origin.URL})
	require.NoError(t, err, "non-2xx status must not be a transport error")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestHTTPFetcherTransportError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := origin.URL
	origin.Close()

	_, err := NewHTTPFetcher(nil, nil).Fetch(context.Background(), &Request{URL: target})
	assert.Error(t, err)
	_, err = NewHTTPFetcher(nil, nil).Fetch(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestResolveURL(t *testing.T) {
	origin, err := url.Parse("https://sabeel.example")
	require.NoError(t, err)

	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "/media/a.mp3", want: "https://sabeel.example/media/a.mp3"},
		{raw: "https://x/a.mp3", want: "https://x/a.mp3"},
		{raw: "", wantErr: true},
		{raw: "ftp://x/a.mp3", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ResolveURL(origin, tc.raw)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidRequest, tc.raw)
			continue
		}
		if assert.NoError(t, err, tc.raw) {
			assert.Equal(t, tc.want, got)
		}
	}
	_, err = ResolveURL(nil, "/relative")
	assert.Error(t, err, "relative url without origin should fail")
}
