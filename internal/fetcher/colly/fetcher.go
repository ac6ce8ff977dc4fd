// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	// MaxRedirects caps followed redirects; zero means 10.
	MaxRedirects int
}

const defaultAccept = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher sharing one pooled transport and client across
// fetches. Clones share that client, so its timeout and redirect policy are
// set once here.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	c.WithTransport(newHTTPTransport())
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c.SetRequestTimeout(cfg.Timeout)
	f := &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
	c.SetRedirectHandler(f.checkRedirect)
	return f
}

// Fetch executes a single HTTP GET using Colly. Transport failures and
// statuses >= 400 come back as *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(&result, &fetchErr, request, start)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	if result.StatusCode >= http.StatusBadRequest {
		return result, &crawler.FetchError{
			URL:        request.URL,
			StatusCode: result.StatusCode,
			Err:        fmt.Errorf("%s", http.StatusText(result.StatusCode)),
		}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	result *crawler.FetchResponse,
	fetchErr *error,
	request crawler.FetchRequest,
	start time.Time,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:          r.Request.URL.String(),
			StatusCode:   r.StatusCode,
			Headers:      headers,
			Body:         append([]byte(nil), r.Body...),
			Duration:     time.Since(start),
			UsedHeadless: false,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// runCollector races Visit against ctx so a stalled transfer cannot outlive the job deadline.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return &crawler.FetchError{URL: url, Err: fmt.Errorf("colly visit failed: %w", err)}
		}
		if *fetchErr != nil {
			return &crawler.FetchError{URL: url, Err: fmt.Errorf("colly response failed: %w", *fetchErr)}
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
	if r.Headers.Get("Accept") == "" {
		r.Headers.Set("Accept", defaultAccept)
	}
}

func (f *Fetcher) checkRedirect(_ *http.Request, via []*http.Request) error {
	limit := f.cfg.MaxRedirects
	if limit <= 0 {
		limit = 10
	}
	if len(via) >= limit {
		return fmt.Errorf("stopped after %d redirects", limit)
	}
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
