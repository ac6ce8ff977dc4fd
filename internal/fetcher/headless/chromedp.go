// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const (
	defaultNavTimeout  = 45 * time.Second
	defaultScrollPause = time.Second
	defaultMaxScrolls  = 20
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ScrollPause       time.Duration
	MaxScrolls        int
	NoSandbox         bool
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	slots       *semaphore.Weighted // nil means unlimited tabs
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. Chrome itself is
// started lazily by the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.ScrollPause <= 0 {
		cfg.ScrollPause = defaultScrollPause
	}
	if cfg.MaxScrolls <= 0 {
		cfg.MaxScrolls = defaultMaxScrolls
	}
	var slots *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, shutting Chrome down.
func (f *Fetcher) Close() error {
	f.allocCancel()
	return nil
}

// Fetch navigates with a headless browser and returns the fully rendered DOM.
// A document status >= 400 is reported as *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("wait for headless slot: %w", err)
		}
		defer f.slots.Release(1)
	}

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	// Tie the browser tab to the job deadline as well as the navigation budget.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	var doc documentResponse
	chromedp.ListenTarget(taskCtx, doc.observe)

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, request)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: err}
	}

	status, headers, responseURL := doc.result(request.URL, finalURL)
	resp := crawler.FetchResponse{
		URL:          responseURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}
	if status >= http.StatusBadRequest {
		return resp, &crawler.FetchError{
			URL:        request.URL,
			StatusCode: status,
			Err:        fmt.Errorf("%s", http.StatusText(status)),
		}
	}
	return resp, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, request crawler.FetchRequest) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if request.Scroll {
		actions = append(actions, f.scrollUntilStable())
	}
	if request.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(request.WaitSelector, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.Sleep(500*time.Millisecond))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

// scrollUntilStable scrolls to the bottom until the document height stops
// growing or MaxScrolls is reached.
func (f *Fetcher) scrollUntilStable() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var last int64
		if err := chromedp.Evaluate(`document.body.scrollHeight`, &last).Do(ctx); err != nil {
			return fmt.Errorf("read scroll height: %w", err)
		}
		for i := 0; i < f.cfg.MaxScrolls; i++ {
			if err := chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil).Do(ctx); err != nil {
				return fmt.Errorf("scroll: %w", err)
			}
			if err := chromedp.Sleep(f.cfg.ScrollPause).Do(ctx); err != nil {
				return fmt.Errorf("scroll pause: %w", err)
			}
			var height int64
			if err := chromedp.Evaluate(`document.body.scrollHeight`, &height).Do(ctx); err != nil {
				return fmt.Errorf("read scroll height: %w", err)
			}
			if height == last {
				return nil
			}
			last = height
		}
		return nil
	})
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// documentResponse records the status, headers and URL of the top-level
// document. Later document responses belong to frames and are ignored.
type documentResponse struct {
	mu      sync.Mutex
	seen    bool
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(event.Response.Status)
	d.headers = fromNetworkHeaders(event.Response.Headers)
	d.url = event.Response.URL
}

// result returns what was observed, falling back to the browser location and
// then the requested URL. A page with no observed response is treated as 200.
func (d *documentResponse) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requestURL
	}
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func fromNetworkHeaders(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []string:
			for _, entry := range v {
				out.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func toNetworkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
