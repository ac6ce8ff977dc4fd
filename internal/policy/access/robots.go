package access

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const maxRobotsBytes = 1 << 20

// robots fetches and caches robots.txt per scheme and host.
type robots struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]robotsEntry
}

type robotsEntry struct {
	data    *robotstxt.RobotsData
	fetched time.Time
}

func newRobots(userAgent string, timeout, ttl time.Duration) *robots {
	return &robots{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[string]robotsEntry),
	}
}

// allowed reports whether the agent may fetch u.
func (r *robots) allowed(ctx context.Context, u *url.URL) (bool, error) {
	data, err := r.load(ctx, u)
	if err != nil {
		return false, err
	}
	agent := r.userAgent
	if agent == "" {
		agent = "*"
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return data.TestAgent(path, agent), nil
}

func (r *robots) load(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	key := strings.ToLower(u.Scheme + "://" + u.Host)
	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()
	if ok && r.now().Sub(entry.fetched) < r.ttl {
		return entry.data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	// 4xx allows everything and 5xx disallows everything.
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}

	r.mu.Lock()
	r.cache[key] = robotsEntry{data: data, fetched: r.now()}
	r.mu.Unlock()
	return data, nil
}
