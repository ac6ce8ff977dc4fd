// Package access decides whether a worker may fetch a URL at all. Denials are
// terminal: the job fails with a fetch_error instead of being retried.
package access

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Config controls the access checks.
type Config struct {
	// BlockedDomains lists hosts never fetched. "*.example.com" and
	// ".example.com" also block every subdomain.
	BlockedDomains []string
	RespectRobots  bool
	UserAgent      string
	RobotsTimeout  time.Duration
	RobotsCacheTTL time.Duration
}

// Policy implements crawler.AccessPolicy.
type Policy struct {
	blocked *blocklist
	robots  *robots
	logger  *zap.Logger
}

// New builds a Policy. It returns nil when no check is configured so callers
// can skip it entirely.
func New(cfg Config, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Policy{blocked: newBlocklist(cfg.BlockedDomains), logger: logger}
	if cfg.RespectRobots {
		if cfg.RobotsTimeout <= 0 {
			cfg.RobotsTimeout = 10 * time.Second
		}
		if cfg.RobotsCacheTTL <= 0 {
			cfg.RobotsCacheTTL = time.Hour
		}
		p.robots = newRobots(cfg.UserAgent, cfg.RobotsTimeout, cfg.RobotsCacheTTL)
	}
	if p.blocked == nil && p.robots == nil {
		return nil
	}
	return p
}

// Check returns an error wrapping crawler.ErrDisallowed when rawURL must not
// be fetched. A robots.txt that cannot be retrieved allows the fetch.
func (p *Policy) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse url: %v", crawler.ErrDisallowed, err)
	}
	if p.blocked.blocked(u.Hostname()) {
		return fmt.Errorf("%w: host %s is blocked", crawler.ErrDisallowed, u.Hostname())
	}
	if p.robots == nil {
		return nil
	}
	ok, err := p.robots.allowed(ctx, u)
	if err != nil {
		p.logger.Warn("robots fetch failed, allowing access",
			zap.String("host", u.Host),
			zap.Error(err),
		)
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: robots.txt disallows %s", crawler.ErrDisallowed, u.EscapedPath())
	}
	return nil
}
