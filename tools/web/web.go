// Package web fetches and crawls public web pages with SSRF protection,
// retry, and content deduplication.
package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/pawelserkowski-lang/hydra"
)

const (
	userAgent      = "Mozilla/5.0 (compatible; HydraBot/1.0)"
	fetchAttempts  = 3
	fetchBaseDelay = 500 * time.Millisecond
	bodyLimit      = 2 << 20 // 2MB
	fetchCap       = 8_000   // chars per page returned to the model
	crawlPageCap   = 2_000   // chars per page in a crawl digest
	crawlWorkers   = 4
	crawlMaxPages  = 30
	cacheEntries   = 256
)

// Tool implements fetch_webpage and crawl_website.
type Tool struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]string // sha256(url) -> extracted text
}

// New creates a web tool with a 15-second per-request timeout.
func New() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
		cache:  make(map[string]string),
	}
}

func (t *Tool) Definitions() []hydra.ToolDefinition {
	return []hydra.ToolDefinition{
		{
			Name:        "fetch_webpage",
			Description: "Fetch a public URL and extract its readable text content. Use for articles, documentation, and reference pages.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"HTTP or HTTPS URL to fetch"}},"required":["url"]}`),
		},
		{
			Name:        "crawl_website",
			Description: "Crawl a website starting from a URL, following same-host links up to a page limit, honoring robots.txt. Returns a digest of the visited pages.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"Start URL"},"max_pages":{"type":"integer","description":"Page limit (default 10, max 30)"}},"required":["url"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (hydra.ToolOutput, error) {
	var params struct {
		URL      string `json:"url"`
		MaxPages int    `json:"max_pages"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("invalid args: %w", err)
	}
	if params.URL == "" {
		return hydra.ToolOutput{}, fmt.Errorf("url is required")
	}

	switch name {
	case "fetch_webpage":
		text, err := t.Fetch(ctx, params.URL)
		if err != nil {
			return hydra.ToolOutput{}, err
		}
		if len(text) > fetchCap {
			text = text[:fetchCap] + "\n... (truncated)"
		}
		return hydra.ToolOutput{Text: text}, nil
	case "crawl_website":
		return t.crawl(ctx, params.URL, params.MaxPages)
	default:
		return hydra.ToolOutput{}, fmt.Errorf("unknown web tool: %s", name)
	}
}

// Fetch downloads a URL and extracts readable text. Results are cached by
// the SHA-256 of the URL, so repeated fetches within one process are free.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	key := hashKey(rawURL)
	t.mu.Lock()
	if cached, ok := t.cache[key]; ok {
		t.mu.Unlock()
		return cached, nil
	}
	t.mu.Unlock()

	u, err := validateURL(rawURL)
	if err != nil {
		return "", err
	}

	html, err := t.get(ctx, u.String())
	if err != nil {
		return "", err
	}

	text := extractText(html, u)
	t.mu.Lock()
	if len(t.cache) >= cacheEntries {
		// Full cache resets wholesale; entries are cheap to refill.
		t.cache = make(map[string]string)
	}
	t.cache[key] = text
	t.mu.Unlock()
	return text, nil
}

// get performs the HTTP GET with retry: attempt k waits 500ms*2^k after a
// network error or 5xx.
func (t *Tool) get(ctx context.Context, u string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			delay := fetchBaseDelay * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return "", fmt.Errorf("invalid request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := t.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("fetch error: %w", err)
			continue
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, bodyLimit))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("HTTP %d from %s", resp.StatusCode, u)
			continue
		case resp.StatusCode >= 400:
			return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, u)
		case readErr != nil:
			lastErr = fmt.Errorf("read error: %w", readErr)
			continue
		}
		return string(body), nil
	}
	return "", lastErr
}

// extractText runs readability extraction with an HTML-strip fallback.
func extractText(html string, u *url.URL) string {
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return stripHTML(html)
}

// --- crawler ---

type crawlPage struct {
	url  string
	text string
}

// crawl walks same-host links breadth-first from the start URL with a
// bounded worker pool, skipping robots-disallowed paths and pages whose
// content hash was already seen.
func (t *Tool) crawl(ctx context.Context, rawURL string, maxPages int) (hydra.ToolOutput, error) {
	start, err := validateURL(rawURL)
	if err != nil {
		return hydra.ToolOutput{}, err
	}
	if maxPages <= 0 {
		maxPages = 10
	}
	if maxPages > crawlMaxPages {
		maxPages = crawlMaxPages
	}

	robots := t.loadRobots(ctx, start)

	frontier := []*url.URL{start}
	visited := map[string]bool{start.String(): true}
	contentSeen := map[string]bool{}
	var pages []crawlPage

	for len(frontier) > 0 && len(pages) < maxPages && ctx.Err() == nil {
		batch := frontier
		if len(batch) > crawlWorkers {
			batch = batch[:crawlWorkers]
		}
		frontier = frontier[len(batch):]

		results := make([]struct {
			html string
			err  error
		}, len(batch))
		var wg sync.WaitGroup
		wg.Add(len(batch))
		for i, u := range batch {
			go func() {
				defer wg.Done()
				results[i].html, results[i].err = t.get(ctx, u.String())
			}()
		}
		wg.Wait()

		for i, u := range batch {
			if results[i].err != nil {
				continue
			}
			html := results[i].html
			digest := hashKey(html)
			if contentSeen[digest] {
				continue
			}
			contentSeen[digest] = true

			text := extractText(html, u)
			if len(text) > crawlPageCap {
				text = text[:crawlPageCap] + "…"
			}
			pages = append(pages, crawlPage{url: u.String(), text: text})
			if len(pages) >= maxPages {
				break
			}

			for _, link := range extractLinks(html, u) {
				if visited[link.String()] || link.Host != start.Host {
					continue
				}
				if robots.disallowed(link.Path) {
					continue
				}
				visited[link.String()] = true
				frontier = append(frontier, link)
			}
		}
	}

	if len(pages) == 0 {
		return hydra.ToolOutput{}, fmt.Errorf("no pages fetched from %s", rawURL)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Crawled %d page(s) from %s\n\n", len(pages), start.Host)
	for _, p := range pages {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", p.url, p.text)
	}
	return hydra.ToolOutput{Text: strings.TrimRight(b.String(), "\n")}, nil
}

var hrefPattern = regexp.MustCompile(`href=["']([^"'#]+)["']`)

// extractLinks resolves href attributes against the base URL, keeping only
// http(s) targets.
func extractLinks(html string, base *url.URL) []*url.URL {
	var links []*url.URL
	for _, m := range hrefPattern.FindAllStringSubmatch(html, -1) {
		ref, err := url.Parse(strings.TrimSpace(m[1]))
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			continue
		}
		resolved.Fragment = ""
		links = append(links, resolved)
	}
	return links
}

// --- robots.txt ---

type robotsRules struct {
	disallow []string
}

// disallowed reports whether path matches a Disallow prefix for the
// wildcard agent. An unreadable robots.txt allows everything.
func (r robotsRules) disallowed(path string) bool {
	if path == "" {
		path = "/"
	}
	for _, prefix := range r.disallow {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (t *Tool) loadRobots(ctx context.Context, site *url.URL) robotsRules {
	robotsURL := site.Scheme + "://" + site.Host + "/robots.txt"
	body, err := t.get(ctx, robotsURL)
	if err != nil {
		return robotsRules{}
	}
	return parseRobots(body)
}

// parseRobots collects Disallow prefixes from User-agent: * groups.
func parseRobots(body string) robotsRules {
	var rules robotsRules
	applies := false
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "user-agent":
			applies = value == "*"
		case "disallow":
			if applies {
				rules.disallow = append(rules.disallow, value)
			}
		}
	}
	return rules
}

// --- helpers ---

var (
	tagPattern    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	anyTagPattern = regexp.MustCompile(`<[^>]+>`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// stripHTML is the last-resort extraction: drop script/style blocks, strip
// tags, collapse whitespace.
func stripHTML(html string) string {
	text := tagPattern.ReplaceAllString(html, " ")
	text = anyTagPattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(spacePattern.ReplaceAllString(text, " "))
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
