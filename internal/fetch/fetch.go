// Package fetch retrieves the readable text of a web page for the
// model. By default the request goes through a content extraction
// proxy (r.jina.ai style: the target URL is appended to the proxy URL
// and the proxy answers with clean text). Without a proxy the page is
// fetched directly and its HTML reduced to text locally.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/yaebot/internal/httpkit"
)

// Defaults used when an option is zero.
const (
	DefaultTimeout        = 20 * time.Second
	DefaultMaxBytes int64 = 5 * 1024 * 1024
	DefaultMaxChars       = 20000
)

// ErrInvalidURL is wrapped by every URL validation failure.
var ErrInvalidURL = errors.New("invalid url")

// Result is the extracted content of one page.
type Result struct {
	URL        string
	Title      string
	Content    string
	Truncated  bool
	StatusCode int
}

// Text renders the result the way the model receives it.
func (r *Result) Text() string {
	var b strings.Builder
	if r.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n\n", r.Title)
	}
	b.WriteString(r.Content)
	if r.Truncated {
		b.WriteString("\n\n[content truncated]")
	}
	return b.String()
}

// Fetcher downloads pages.
type Fetcher struct {
	client   *http.Client
	proxyURL string
	maxBytes int64
	maxChars int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithProxy routes requests through a content extraction proxy.
func WithProxy(proxyURL string) Option {
	return func(f *Fetcher) { f.proxyURL = proxyURL }
}

// WithMaxChars caps the characters returned per page.
func WithMaxChars(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxChars = n
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// New creates a Fetcher. With no options it fetches directly.
func New(timeout time.Duration, opts ...Option) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	f := &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(timeout)),
		maxBytes: DefaultMaxBytes,
		maxChars: DefaultMaxChars,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// ValidateURL accepts only absolute http and https URLs with a host.
func ValidateURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q is not http or https", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
	}
	return u, nil
}

// Fetch retrieves rawURL and returns its readable content.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	target, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	reqURL := target.String()
	if f.proxyURL != "" {
		reqURL = f.proxyURL + reqURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: status %d: %s", target.Host, resp.StatusCode,
			httpkit.ReadErrorBody(resp.Body, 512))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", target.Host, err)
	}

	res := &Result{URL: target.String(), StatusCode: resp.StatusCode}
	switch ct := strings.ToLower(resp.Header.Get("Content-Type")); {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		res.Title, res.Content = extractHTML(string(body))
	case utf8.Valid(body):
		res.Content = string(body)
	default:
		res.Content = fmt.Sprintf("Binary content (%s), %d bytes", ct, len(body))
	}

	if utf8.RuneCountInString(res.Content) > f.maxChars {
		res.Content = truncateRunes(res.Content, f.maxChars)
		res.Truncated = true
	}
	return res, nil
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
