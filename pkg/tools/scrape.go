package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/jllopis/tradecrew/pkg/errors"
)

const (
	defaultMaxBytes  = 2 << 20
	defaultMaxChars  = 20000
	defaultUserAgent = "tradecrew/0.1 (+https://github.com/jllopis/tradecrew)"
)

// HTTPScraper implements Scraper by fetching a page and extracting its
// visible text.
type HTTPScraper struct {
	client    *http.Client
	maxBytes  int64
	maxChars  int
	userAgent string
}

// ScraperOption configures an HTTPScraper.
type ScraperOption func(*HTTPScraper)

// WithScraperHTTPClient replaces the HTTP client.
func WithScraperHTTPClient(c *http.Client) ScraperOption {
	return func(s *HTTPScraper) {
		if c != nil {
			s.client = c
		}
	}
}

// WithMaxBytes caps how much of the response body is read.
func WithMaxBytes(n int64) ScraperOption {
	return func(s *HTTPScraper) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithMaxChars caps the length of the returned text.
func WithMaxChars(n int) ScraperOption {
	return func(s *HTTPScraper) {
		if n > 0 {
			s.maxChars = n
		}
	}
}

// NewHTTPScraper creates a scraper.
func NewHTTPScraper(opts ...ScraperOption) *HTTPScraper {
	s := &HTTPScraper{
		client:    &http.Client{Timeout: 30 * time.Second},
		maxBytes:  defaultMaxBytes,
		maxChars:  defaultMaxChars,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the backend in records and spans.
func (s *HTTPScraper) Name() string { return "http" }

// Scrape implements Scraper.
func (s *HTTPScraper) Scrape(ctx context.Context, rawURL string) (string, error) {
	target, err := validateURL(rawURL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", errors.New(errors.CodeToolInvocation, "build scrape request", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.New(errors.CodeToolInvocation, "scrape request failed", err).
			WithContext("url", target).
			WithRecoverable(ctx.Err() == nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Newf(errors.CodeToolInvocation, "scrape returned status %d", resp.StatusCode).
			WithContext("url", target).
			WithContext("status", resp.StatusCode).
			WithRecoverable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500)
	}

	body := io.LimitReader(resp.Body, s.maxBytes)
	var text string
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", errors.New(errors.CodeToolInvocation, "read page", err).WithContext("url", target)
		}
		text = collapseSpace(string(raw))
	} else {
		text, err = extractText(body)
		if err != nil {
			return "", errors.New(errors.CodeToolInvocation, "parse page", err).WithContext("url", target)
		}
	}
	return truncateRunes(text, s.maxChars), nil
}

func validateURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errors.New(errors.CodeToolInvocation, "malformed url", err).WithContext("url", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Newf(errors.CodeToolInvocation, "unsupported url scheme %q", u.Scheme).WithContext("url", raw)
	}
	if u.Host == "" {
		return "", errors.New(errors.CodeToolInvocation, "url has no host", nil).WithContext("url", raw)
	}
	return u.String(), nil
}

var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Iframe:   true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true, atom.Table: true,
}

// extractText returns the page title followed by the visible body text, one
// block element per line.
func extractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var title string
	var lines []string
	var cur strings.Builder
	flush := func() {
		if line := collapseSpace(cur.String()); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Title {
				if title == "" && n.FirstChild != nil {
					title = collapseSpace(n.FirstChild.Data)
				}
				return
			}
			if skipped[n.DataAtom] {
				return
			}
			if blocks[n.DataAtom] {
				flush()
			}
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blocks[n.DataAtom] {
			flush()
		}
	}
	walk(doc)
	flush()

	text := strings.Join(lines, "\n")
	if title != "" {
		text = fmt.Sprintf("%s\n\n%s", title, text)
	}
	return text, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
