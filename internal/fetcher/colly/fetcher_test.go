package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace") != "yes" {
			http.Error(w, "missing header", http.StatusBadRequest)
			return
		}
		if r.UserAgent() != "test-agent" {
			http.Error(w, "wrong agent", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><title>ok</title></html>"))
	}))
	defer server.Close()

	f := New(Config{UserAgent: "test-agent", Timeout: time.Second})
	for i := 0; i < 2; i++ {
		resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
			URL:     server.URL,
			Headers: http.Header{"X-Trace": {"yes"}},
		})
		require.NoError(t, err, "fetch %d", i)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, string(resp.Body), "<title>ok</title>")
		require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
		require.False(t, resp.UsedHeadless)
	}
}

func TestFetchHTTPErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer server.Close()

	resp, err := New(Config{}).Fetch(context.Background(), crawler.FetchRequest{URL: server.URL + "/missing"})
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), crawler.FetchRequest{URL: addr})
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Zero(t, fetchErr.StatusCode)
}

func TestFetchHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := New(Config{Timeout: time.Minute}).Fetch(ctx, crawler.FetchRequest{URL: server.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	start := time.Unix(0, 0)
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, start, &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	if result.StatusCode != http.StatusCreated || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Headers.Get("X-Resp") != "ok" {
		t.Fatalf("expected headers copied, got %+v", result.Headers)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestCopyHeadersDefaultsAccept(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(crawler.FetchRequest{}, collyReq)
	require.Equal(t, defaultAccept, collyReq.Headers.Get("Accept"))

	collyReq = &colly.Request{Headers: &http.Header{"Accept": {"*/*"}}}
	f.copyHeaders(crawler.FetchRequest{Headers: http.Header{"Accept": {"application/json"}}}, collyReq)
	require.Equal(t, []string{"application/json"}, collyReq.Headers.Values("Accept"))
}

func TestFetchRedirectLimit(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/final" {
			_, _ = w.Write([]byte("<html><title>final</title></html>"))
			return
		}
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer server.Close()

	resp, err := New(Config{MaxRedirects: 3}).Fetch(context.Background(), crawler.FetchRequest{URL: server.URL + "/a"})
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Contains(t, err.Error(), "stopped after 3 redirects")
	require.Empty(t, resp.Body)

	redirectOnce := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/final" {
			_, _ = w.Write([]byte("<html><title>final</title></html>"))
			return
		}
		http.Redirect(w, r, "/final", http.StatusMovedPermanently)
	}))
	defer redirectOnce.Close()

	resp, err = New(Config{}).Fetch(context.Background(), crawler.FetchRequest{URL: redirectOnce.URL + "/start"})
	require.NoError(t, err)
	require.Contains(t, string(resp.Body), "<title>final</title>")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
