// Package extract turns fetched HTML into crawl results using goquery.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const (
	defaultMaxTextBytes = 64 * 1024
	defaultMaxLinks     = 500
	noiseSelector       = "script, style, noscript, template, svg"
)

// Config bounds the size of extracted payloads.
type Config struct {
	MaxTextBytes int
	MaxLinks     int
}

// HTML implements crawler.Extractor for HTML documents.
type HTML struct {
	cfg Config
}

// New builds an HTML extractor.
func New(cfg Config) *HTML {
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = defaultMaxTextBytes
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = defaultMaxLinks
	}
	return &HTML{cfg: cfg}
}

// Extract parses page and fills title, description, visible text and,
// when requested, links and selector fields.
func (e *HTML) Extract(ctx context.Context, page crawler.FetchResponse, opts crawler.Options) (crawler.Result, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Result{}, fmt.Errorf("extract canceled: %w", err)
	}
	if len(bytes.TrimSpace(page.Body)) == 0 {
		return crawler.Result{}, &crawler.ExtractionError{Message: "empty document"}
	}
	if ct := page.Headers.Get("Content-Type"); ct != "" && !isMarkup(ct) {
		return crawler.Result{}, &crawler.ExtractionError{Message: fmt.Sprintf("unsupported content type %q", ct)}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return crawler.Result{}, &crawler.ExtractionError{Message: "failed to parse HTML", Err: err}
	}
	doc.Find(noiseSelector).Remove()

	result := crawler.Result{
		URL:         page.URL,
		StatusCode:  page.StatusCode,
		Title:       title(doc),
		Description: description(doc),
		Text:        truncate(cleanWhitespace(doc.Find("body").Text()), e.cfg.MaxTextBytes),
		Rendered:    page.UsedHeadless,
		DurationMs:  page.Duration.Milliseconds(),
	}
	if opts.IncludeLinks {
		result.Links = e.links(doc, page.URL)
	}
	if len(opts.Selectors) > 0 {
		fields, err := selectFields(doc, opts.Selectors)
		if err != nil {
			return crawler.Result{}, err
		}
		result.Fields = fields
	}
	return result, nil
}

func isMarkup(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml" || strings.HasSuffix(mediaType, "/xml")
}

func title(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return cleanWhitespace(t)
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		return strings.TrimSpace(og)
	}
	return cleanWhitespace(doc.Find("h1").First().Text())
}

func description(doc *goquery.Document) string {
	if d, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok && strings.TrimSpace(d) != "" {
		return strings.TrimSpace(d)
	}
	if og, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
		return strings.TrimSpace(og)
	}
	return ""
}

// links resolves every http(s) anchor against the page URL, dropping
// fragments and duplicates.
func (e *HTML) links(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").Attr("href"); ok {
		if b, err := url.Parse(href); err == nil {
			base = base.ResolveReference(b)
		}
	}
	seen := make(map[string]struct{})
	links := make([]string, 0)
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		abs.Fragment = ""
		link := abs.String()
		if _, dup := seen[link]; dup {
			return true
		}
		seen[link] = struct{}{}
		links = append(links, link)
		return len(links) < e.cfg.MaxLinks
	})
	return links
}

func selectFields(doc *goquery.Document, selectors map[string]string) (map[string][]string, error) {
	fields := make(map[string][]string, len(selectors))
	for name, raw := range selectors {
		sel, err := cascadia.Compile(raw)
		if err != nil {
			return nil, &crawler.ExtractionError{Message: fmt.Sprintf("invalid selector %q for %s", raw, name), Err: err}
		}
		values := make([]string, 0)
		doc.FindMatcher(sel).Each(func(_ int, s *goquery.Selection) {
			if text := cleanWhitespace(s.Text()); text != "" {
				values = append(values, text)
			}
		})
		fields[name] = values
	}
	return fields, nil
}

func cleanWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}
