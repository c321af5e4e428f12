// Package fetch downloads web pages and reduces them to readable text.
// HTML responses are stripped of scripts, chrome, and boilerplate; other
// text responses pass through. Output is truncated UTF-8-safely.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ranaroussi/muxi-sub001/internal/httpkit"
)

const (
	// DefaultTimeout is the HTTP request timeout for fetching pages.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBytes is the maximum response body size (5 MB).
	DefaultMaxBytes int64 = 5 * 1024 * 1024

	// DefaultMaxChars is the default character limit for extracted text.
	DefaultMaxChars = 50000
)

// Result is what a fetch produces: the extracted text plus response
// metadata.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`

	Truncated  bool `json:"truncated,omitempty"`
	Length     int  `json:"length"`
	StatusCode int  `json:"status_code"`
}

// Fetcher retrieves web pages and reduces them to readable text.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// Config configures a Fetcher. Zero values get defaults.
type Config struct {
	Timeout  time.Duration
	MaxBytes int64
	Logger   *slog.Logger
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
		maxBytes: cfg.MaxBytes,
		logger:   cfg.Logger,
	}
}

// Fetch retrieves rawURL and extracts its readable text. maxChars caps
// the content length, with 0 meaning DefaultMaxChars.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("web_fetch: url is required")
	}
	rawURL = normalizeURL(rawURL)
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	body, contentType, status, err := f.download(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	res := &Result{URL: rawURL, ContentType: contentType, StatusCode: status}

	switch classify(contentType) {
	case pageHTML:
		res.Title, res.Content = extractReadable(string(body))
	case pageText:
		res.Content = string(body)
	default:
		if !utf8.Valid(body) {
			res.Content = fmt.Sprintf("Binary content (%s), %d bytes", contentType, len(body))
			res.Length = len(body)
			return res, nil
		}
		res.Content = string(body)
	}

	if len(res.Content) > maxChars {
		res.Content = truncateUTF8(res.Content, maxChars)
		res.Truncated = true
	}
	res.Length = len(res.Content)

	f.logger.Debug("page fetched",
		"url", rawURL,
		"status", status,
		"chars", res.Length,
		"truncated", res.Truncated,
	)
	return res, nil
}

// download performs the GET and reads at most maxBytes of the body.
func (f *Fetcher) download(ctx context.Context, url string) (body []byte, contentType string, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("web_fetch: invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("web_fetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, "", 0, fmt.Errorf("web_fetch: read response: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

// normalizeURL defaults a bare host to https.
func normalizeURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "https://" + raw
}

type pageKind int

const (
	pageOther pageKind = iota
	pageHTML
	pageText
)

// classify buckets a Content-Type header for extraction.
func classify(ct string) pageKind {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		return pageHTML
	case strings.Contains(ct, "text/plain"):
		return pageText
	}
	return pageOther
}

// truncateUTF8 cuts s to at most maxChars runes without splitting a
// multi-byte character.
func truncateUTF8(s string, maxChars int) string {
	runes := 0
	for i := range s {
		if runes == maxChars {
			return s[:i]
		}
		runes++
	}
	return s
}
