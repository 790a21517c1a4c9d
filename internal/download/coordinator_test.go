package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabeel/offline-cache/internal/cache"
	"github.com/sabeel/offline-cache/internal/fetch"
)

const sourceURL = "https://x/a.mp3"

var targetKey = cache.NewKey(http.MethodGet, "https://sabeel.example/offline-content/q1")

// chunkedBody 每次 Read 恰好返回 chunk 字节，共 chunks 次。
type chunkedBody struct {
	chunk  int
	chunks int
	sent   int
	gate   chan struct{}
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if b.sent == b.chunks {
		return 0, io.EOF
	}
	if b.gate != nil {
		<-b.gate
	}
	n := b.chunk
	if len(p) < n {
		n = len(p)
	}
	for i := 0; i < n; i++ {
		p[i] = byte('a' + b.sent)
	}
	b.sent++
	return n, nil
}

func (b *chunkedBody) Close() error { return nil }

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	respond func(ctx context.Context) (*fetch.Response, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ *fetch.Request) (*fetch.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.respond(ctx)
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func bodyResponse(body io.ReadCloser, length int64) func(context.Context) (*fetch.Response, error) {
	return func(context.Context) (*fetch.Response, error) {
		return &fetch.Response{
			Status:        http.StatusOK,
			Header:        http.Header{"Content-Type": []string{"audio/mpeg"}},
			Body:          body,
			ContentLength: length,
			Type:          fetch.TypeCORS,
		}, nil
	}
}

func newContentStore(t *testing.T) cache.Store {
	t.Helper()
	backend, err := cache.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	store, err := backend.Open("content-cache")
	require.NoError(t, err)
	return store
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not close, got %d events", len(out))
		}
	}
}

func progressOf(ev Event) int {
	if ev.Progress == nil {
		return -1
	}
	return *ev.Progress
}

func TestDownloadTenChunksScenario(t *testing.T) {
	store := newContentStore(t)
	fetcher := &fakeFetcher{respond: bodyResponse(&chunkedBody{chunk: 100000, chunks: 10}, 1000000)}
	coord := NewCoordinator(fetcher, store, Options{}, nil, nil)

	handle, err := coord.Start(Request{ContentID: "q1", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)
	assert.False(t, handle.Joined)
	assert.NotEmpty(t, handle.Task.ID)

	events := collect(t, handle.Events)
	require.Len(t, events, 12)

	assert.Equal(t, StatusDownloading, events[0].Status)
	assert.Equal(t, 0, progressOf(events[0]))
	assert.Equal(t, int64(0), events[0].BytesDownloaded)

	for i := 1; i <= 10; i++ {
		ev := events[i]
		assert.Equal(t, StatusDownloading, ev.Status)
		assert.Equal(t, int64(i*100000), ev.BytesDownloaded)
		assert.Equal(t, int64(1000000), ev.TotalBytes)
		assert.Equal(t, i*10, progressOf(ev))
		assert.Equal(t, "q1", ev.ContentID)
	}

	last := events[11]
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 100, progressOf(last))

	hit, err := store.Get(context.Background(), targetKey)
	require.NoError(t, err)
	defer hit.Reader.Close()
	body, _ := io.ReadAll(hit.Reader)
	assert.Len(t, body, 1000000)
	assert.Equal(t, byte('a'), body[0])
	assert.Equal(t, byte('j'), body[len(body)-1])
	assert.Empty(t, coord.Active())
}

func TestDownloadUnknownLengthOmitsProgress(t *testing.T) {
	store := newContentStore(t)
	fetcher := &fakeFetcher{respond: bodyResponse(&chunkedBody{chunk: 10, chunks: 3}, -1)}
	coord := NewCoordinator(fetcher, store, Options{}, nil, nil)

	handle, err := coord.Start(Request{ContentID: "q2", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)
	events := collect(t, handle.Events)
	require.Len(t, events, 5)

	for _, ev := range events[1:4] {
		assert.Nil(t, ev.Progress, "progress must be omitted when total is unknown")
		assert.Equal(t, int64(0), ev.TotalBytes)
	}
	assert.Equal(t, StatusCompleted, events[4].Status)
	assert.Equal(t, int64(30), events[4].TotalBytes)
}

func TestDownloadEventsAreMonotonic(t *testing.T) {
	store := newContentStore(t)
	fetcher := &fakeFetcher{respond: bodyResponse(&chunkedBody{chunk: 7, chunks: 50}, 350)}
	coord := NewCoordinator(fetcher, store, Options{ReadBufferSize: 7}, nil, nil)

	handle, err := coord.Start(Request{ContentID: "q3", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)
	events := collect(t, handle.Events)

	var prev int64
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.BytesDownloaded, prev)
		prev = ev.BytesDownloaded
	}
}

func TestDownloadFailureStatus(t *testing.T) {
	store := newContentStore(t)
	fetcher := &fakeFetcher{respond: func(context.Context) (*fetch.Response, error) {
		return &fetch.Response{Status: http.StatusNotFound, Header: http.Header{}, Body: io.NopCloser(bytes.NewReader(nil))}, nil
	}}
	coord := NewCoordinator(fetcher, store, Options{}, nil, nil)

	handle, err := coord.Start(Request{ContentID: "q1", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)
	events := collect(t, handle.Events)
	require.Len(t, events, 2)

	last := events[1]
	assert.Equal(t, StatusError, last.Status)
	assert.Contains(t, last.Error, "404")
	_, err = store.Get(context.Background(), targetKey)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

type failingBody struct {
	sent bool
}

func (b *failingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("connection reset")
}

func (b *failingBody) Close() error { return nil }

func TestDownloadReadErrorLeavesNoEntry(t *testing.T) {
	store := newContentStore(t)
	fetcher := &fakeFetcher{respond: bodyResponse(&failingBody{}, 100)}
	coord := NewCoordinator(fetcher, store, Options{}, nil, nil)

	handle, err := coord.Start(Request{ContentID: "q1", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)
	events := collect(t, handle.Events)

	last := events[len(events)-1]
	assert.Equal(t, StatusError, last.Status)
	assert.Equal(t, "connection reset", last.Error)
	terminal := 0
	for _, ev := range events {
		if ev.Status.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal event")
	_, err = store.Get(context.Background(), targetKey)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

type rejectingStore struct {
	cache.Store
}

func (rejectingStore) Name() string { return "content-cache" }

func (rejectingStore) Put(context.Context, cache.Key, io.Reader, cache.PutOptions) (*cache.Entry, error) {
	return nil, errors.New("quota exceeded")
}

func TestDownloadStoreFailureIsError(t *testing.T) {
	fetcher := &fakeFetcher{respond: bodyResponse(&chunkedBody{chunk: 4, chunks: 1}, 4)}
	coord := NewCoordinator(fetcher, rejectingStore{}, Options{}, nil, nil)

	handle, err := coord.Start(Request{ContentID: "q1", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)
	events := collect(t, handle.Events)

	last := events[len(events)-1]
	assert.Equal(t, StatusError, last.Status)
	assert.Contains(t, last.Error, "quota exceeded")
	for _, ev := range events {
		assert.NotEqual(t, StatusCompleted, ev.Status)
	}
}

func TestDownloadCancel(t *testing.T) {
	store := newContentStore(t)
	gate := make(chan struct{})
	fetcher := &fakeFetcher{respond: bodyResponse(&chunkedBody{chunk: 10, chunks: 100, gate: gate}, 1000)}
	coord := NewCoordinator(fetcher, store, Options{}, nil, nil)

	handle, err := coord.Start(Request{ContentID: "q1", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)

	first := <-handle.Events
	assert.Equal(t, StatusDownloading, first.Status)
	gate <- struct{}{}
	second := <-handle.Events
	assert.Equal(t, int64(10), second.BytesDownloaded)

	assert.True(t, coord.Cancel("q1"))
	close(gate)

	events := collect(t, handle.Events)
	last := events[len(events)-1]
	assert.Equal(t, StatusCancelled, last.Status)
	_, err = store.Get(context.Background(), targetKey)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assert.False(t, coord.Cancel("q1"))
}

func TestDownloadTimeout(t *testing.T) {
	store := newContentStore(t)
	fetcher := &fakeFetcher{respond: func(ctx context.Context) (*fetch.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	coord := NewCoordinator(fetcher, store, Options{Timeout: 20 * time.Millisecond}, nil, nil)

	handle, err := coord.Start(Request{ContentID: "q1", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)
	events := collect(t, handle.Events)

	last := events[len(events)-1]
	assert.Equal(t, StatusError, last.Status)
	assert.Equal(t, "download timed out", last.Error)
}

func TestDuplicateStartJoinsExistingTask(t *testing.T) {
	store := newContentStore(t)
	gate := make(chan struct{})
	fetcher := &fakeFetcher{respond: bodyResponse(&chunkedBody{chunk: 10, chunks: 2, gate: gate}, 20)}
	coord := NewCoordinator(fetcher, store, Options{}, nil, nil)

	first, err := coord.Start(Request{ContentID: "q1", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)
	second, err := coord.Start(Request{ContentID: "q1", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)

	assert.True(t, second.Joined)
	assert.Equal(t, first.Task.ID, second.Task.ID)
	require.Len(t, coord.Active(), 1)

	close(gate)
	a := collect(t, first.Events)
	b := collect(t, second.Events)
	assert.Equal(t, StatusCompleted, a[len(a)-1].Status)
	assert.Equal(t, StatusCompleted, b[len(b)-1].Status)
	assert.Equal(t, 1, fetcher.Calls(), "duplicate must not start a second fetch")

	third, err := coord.Start(Request{ContentID: "q1", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)
	assert.False(t, third.Joined, "a finished task is not joined")
	collect(t, third.Events)
}

func TestConcurrencyLimitQueuesTasks(t *testing.T) {
	store := newContentStore(t)
	gate := make(chan struct{})
	fetcher := &fakeFetcher{respond: func(context.Context) (*fetch.Response, error) {
		return bodyResponse(&chunkedBody{chunk: 1, chunks: 1, gate: gate}, 1)(context.Background())
	}}
	coord := NewCoordinator(fetcher, store, Options{MaxConcurrent: 1}, nil, nil)

	first, err := coord.Start(Request{ContentID: "a", SourceURL: sourceURL, Key: cache.NewKey("GET", "https://s/offline-content/a")})
	require.NoError(t, err)
	second, err := coord.Start(Request{ContentID: "b", SourceURL: sourceURL, Key: cache.NewKey("GET", "https://s/offline-content/b")})
	require.NoError(t, err)

	assert.Equal(t, StatusQueued, second.Task.Status)
	queued := <-second.Events
	assert.Equal(t, StatusDownloading, queued.Status, "queued is not a wire status")
	assert.Equal(t, 0, progressOf(queued))
	assert.Zero(t, queued.BytesDownloaded)

	close(gate)
	a := collect(t, first.Events)
	assert.Equal(t, StatusCompleted, a[len(a)-1].Status)
	b := collect(t, second.Events)
	for _, ev := range b {
		assert.NotEqual(t, StatusQueued, ev.Status)
	}
	assert.Equal(t, StatusCompleted, b[len(b)-1].Status)
}

// blockingStore 的 Put 在 release 关闭前阻塞，且不理会 ctx，模拟已越过最后一次取消检查的写入。
type blockingStore struct {
	cache.Store
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Put(_ context.Context, key cache.Key, body io.Reader, opts cache.PutOptions) (*cache.Entry, error) {
	close(s.entered)
	<-s.release
	return s.Store.Put(context.Background(), key, body, opts)
}

func TestCancelAndWaitBlocksUntilWriteSettles(t *testing.T) {
	store := &blockingStore{
		Store:   newContentStore(t),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	fetcher := &fakeFetcher{respond: bodyResponse(&chunkedBody{chunk: 4, chunks: 1}, 4)}
	coord := NewCoordinator(fetcher, store, Options{}, nil, nil)

	handle, err := coord.Start(Request{ContentID: "q1", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)
	<-store.entered

	type outcome struct {
		found bool
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		found, err := coord.CancelAndWait(context.Background(), "q1")
		done <- outcome{found: found, err: err}
	}()

	select {
	case <-done:
		t.Fatalf("CancelAndWait returned while the cache write was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.True(t, got.found)
	case <-time.After(5 * time.Second):
		t.Fatalf("CancelAndWait did not return after the write settled")
	}

	events := collect(t, handle.Events)
	assert.True(t, events[len(events)-1].Status.Terminal())
	assert.Empty(t, coord.Active())

	found, err := coord.CancelAndWait(context.Background(), "q1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCancelAndWaitHonoursContext(t *testing.T) {
	store := &blockingStore{
		Store:   newContentStore(t),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	defer close(store.release)
	fetcher := &fakeFetcher{respond: bodyResponse(&chunkedBody{chunk: 4, chunks: 1}, 4)}
	coord := NewCoordinator(fetcher, store, Options{}, nil, nil)

	_, err := coord.Start(Request{ContentID: "q1", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)
	<-store.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	found, err := coord.CancelAndWait(ctx, "q1")
	assert.True(t, found)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartValidatesRequest(t *testing.T) {
	coord := NewCoordinator(&fakeFetcher{}, newContentStore(t), Options{}, nil, nil)
	_, err := coord.Start(Request{ContentID: " ", SourceURL: sourceURL})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = coord.Start(Request{ContentID: "q1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestShutdownCancelsAndRejects(t *testing.T) {
	store := newContentStore(t)
	gate := make(chan struct{})
	fetcher := &fakeFetcher{respond: bodyResponse(&chunkedBody{chunk: 1, chunks: 5, gate: gate}, 5)}
	coord := NewCoordinator(fetcher, store, Options{}, nil, nil)

	handle, err := coord.Start(Request{ContentID: "q1", SourceURL: sourceURL, Key: targetKey})
	require.NoError(t, err)
	<-handle.Events

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- coord.Shutdown(ctx)
	}()
	close(gate)

	events := collect(t, handle.Events)
	assert.True(t, events[len(events)-1].Status.Terminal())
	require.NoError(t, <-done)

	_, err = coord.Start(Request{ContentID: "q2", SourceURL: sourceURL, Key: targetKey})
	assert.ErrorIs(t, err, ErrClosed)
}
