package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{MaxParallel: -1}); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer func() { _ = fetcher.Close() }()

	require.NotNil(t, fetcher.slots)
	require.Equal(t, defaultNavTimeout, fetcher.cfg.NavigationTimeout)
	require.Equal(t, defaultScrollPause, fetcher.cfg.ScrollPause)
	require.Equal(t, defaultMaxScrolls, fetcher.cfg.MaxScrolls)

	unlimited, err := NewChromedp(Config{})
	require.NoError(t, err)
	defer func() { _ = unlimited.Close() }()
	require.Nil(t, unlimited.slots)
}

func TestFetchWaitsForSlot(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer func() { _ = fetcher.Close() }()
	require.NoError(t, fetcher.slots.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = fetcher.Fetch(ctx, crawler.FetchRequest{URL: "https://example.com"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error while slot is held, got %v", err)
	}
}

func TestNetworkHeaderConversion(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "X-One": {"c"}, "X-None": nil})
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	require.Equal(t, "c", netHeaders["X-One"])
	require.NotContains(t, netHeaders, "X-None")

	back := fromNetworkHeaders(network.Headers{
		"X-Str":   "v",
		"X-List":  []any{"a", 2},
		"X-Other": 7,
	})
	require.Equal(t, "v", back.Get("X-Str"))
	require.Equal(t, []string{"a", "2"}, back.Values("X-List"))
	require.Equal(t, "7", back.Get("X-Other"))
}

func TestDocumentResponseKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	var doc documentResponse
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example/app.js"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://ads.example/frame"},
	})

	status, headers, url := doc.result("https://req", "https://final")
	if status != 204 || headers.Get("X-Request-ID") != "abc" || url != "https://example.com/rendered" {
		t.Fatalf("unexpected result: status=%d headers=%v url=%s", status, headers, url)
	}

	headers.Set("X-Request-ID", "changed")
	_, again, _ := doc.result("https://req", "")
	require.Equal(t, "abc", again.Get("X-Request-ID"))
}

func TestDocumentResponseFallbacks(t *testing.T) {
	t.Parallel()

	var doc documentResponse
	status, headers, url := doc.result("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, headers)
	require.Equal(t, "https://final", url)

	_, _, url = doc.result("https://req", "")
	require.Equal(t, "https://req", url)
}
