// Package detector decides when a plain fetch should be retried in a headless browser.
package detector

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Heuristic flags pages whose markup is mostly a client-side application shell.
type Heuristic struct {
	// SmallBodyBytes is the size under which a script-heavy page is treated as a shell.
	SmallBodyBytes int
	// ScriptPercent is the share of the body covered by <script> elements that marks a shell.
	ScriptPercent int
}

// NewHeuristic creates a detector. Zero arguments select the defaults.
func NewHeuristic(smallBodyBytes int) *Heuristic {
	if smallBodyBytes <= 0 {
		smallBodyBytes = 2048
	}
	return &Heuristic{SmallBodyBytes: smallBodyBytes, ScriptPercent: 25}
}

var shellMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"></div>`),
	[]byte(`id="app"></div>`),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
	[]byte("data-v-app"),
}

var noscriptHints = [][]byte{
	[]byte("enable javascript"),
	[]byte("requires javascript"),
	[]byte("javascript is disabled"),
}

// ShouldRender reports whether resp looks like it needs JavaScript to show content.
func (h *Heuristic) ShouldRender(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if len(resp.Body) == 0 {
		return true
	}
	lower := bytes.ToLower(resp.Body)
	for _, marker := range shellMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}
	if bytes.Contains(lower, []byte("<noscript")) {
		for _, hint := range noscriptHints {
			if bytes.Contains(lower, hint) {
				return true
			}
		}
	}
	return len(lower) < h.SmallBodyBytes && scriptCoverage(lower)*100 >= h.ScriptPercent*len(lower)
}

// scriptCoverage counts bytes inside <script> elements. An unterminated element
// covers the rest of the body.
func scriptCoverage(lower []byte) int {
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	rest := lower
	for {
		start := bytes.Index(rest, []byte(openTag))
		if start < 0 {
			return covered
		}
		rest = rest[start:]
		end := bytes.Index(rest, []byte(closeTag))
		if end < 0 {
			return covered + len(rest)
		}
		covered += end + len(closeTag)
		rest = rest[end+len(closeTag):]
	}
}
