// Package httpkit builds the HTTP clients used for every outbound call
// muxi makes: the SSE transport handshake and message POSTs, the model
// provider API, and the web fetcher. Centralizing construction keeps
// timeouts, pooling limits, and the User-Agent header uniform instead of
// scattering ad-hoc http.Client literals across packages.
package httpkit

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/ranaroussi/muxi-sub001/internal/buildinfo"
)

// Transport and client defaults. NewTransport applies the transport
// values; NewClient applies DefaultClientTimeout unless WithTimeout
// overrides it.
const (
	DefaultDialTimeout         = 10 * time.Second // TCP connect
	DefaultKeepAlive           = 30 * time.Second // TCP keep-alive probe interval
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second // request written -> first header byte
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
	DefaultClientTimeout       = 30 * time.Second
)

// ClientOption adjusts how NewClient assembles a client.
type ClientOption func(*builder)

// builder accumulates option state before the client is assembled.
type builder struct {
	timeout     time.Duration
	agent       string
	noAgent     bool
	base        *http.Transport
	noKeepAlive bool
	insecureTLS bool
	retries     int
	retryWait   time.Duration
	log         *slog.Logger
}

// WithTimeout sets the whole-request timeout. Zero disables it, which
// the SSE transport relies on for its long-lived handshake stream.
func WithTimeout(d time.Duration) ClientOption {
	return func(b *builder) { b.timeout = d }
}

// WithUserAgent replaces the default muxi User-Agent value.
func WithUserAgent(ua string) ClientOption {
	return func(b *builder) { b.agent = ua }
}

// WithoutUserAgent leaves the User-Agent header entirely to the caller.
func WithoutUserAgent() ClientOption {
	return func(b *builder) { b.noAgent = true }
}

// WithTransport substitutes a caller-owned transport for the shared one.
func WithTransport(t *http.Transport) ClientOption {
	return func(b *builder) { b.base = t }
}

// WithDisableKeepAlives turns off connection reuse for this client.
func WithDisableKeepAlives() ClientOption {
	return func(b *builder) { b.noKeepAlive = true }
}

// WithTLSInsecureSkipVerify accepts any server certificate. Only for
// local or lab targets with self-signed certs.
func WithTLSInsecureSkipVerify() ClientOption {
	return func(b *builder) { b.insecureTLS = true }
}

// WithRetry re-sends a request up to count extra times after a
// dial-level failure (host/net unreachable, connection refused),
// waiting wait between attempts. Only requests whose body can be
// replayed are retried; the retryable errors all occur before any
// bytes reach the server.
func WithRetry(count int, wait time.Duration) ClientOption {
	return func(b *builder) {
		b.retries = count
		b.retryWait = wait
	}
}

// WithLogger receives retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(b *builder) { b.log = l }
}

// NewTransport returns an http.Transport carrying the package's dial,
// TLS, and pooling defaults.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAlive,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient assembles an *http.Client from the shared transport, the
// default timeout and User-Agent, and any options.
func NewClient(opts ...ClientOption) *http.Client {
	b := builder{
		timeout: DefaultClientTimeout,
		agent:   buildinfo.UserAgent(),
	}
	for _, opt := range opts {
		opt(&b)
	}

	tr := b.base
	if tr == nil {
		tr = NewTransport()
	}
	tr.DisableKeepAlives = tr.DisableKeepAlives || b.noKeepAlive
	if b.insecureTLS {
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		}
		tr.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // explicit opt-in
	}

	// Wrap inside-out: retry sits outermost so retried attempts pass
	// back through the User-Agent layer.
	var rt http.RoundTripper = tr
	if !b.noAgent {
		rt = &headerTransport{next: rt, agent: b.agent}
	}
	if b.retries > 0 {
		rt = &retryTransport{next: rt, attempts: b.retries, wait: b.retryWait, log: b.log}
	}

	return &http.Client{Timeout: b.timeout, Transport: rt}
}

// headerTransport fills in the User-Agent header when the request left
// it empty. A caller-provided value always stands.
type headerTransport struct {
	next  http.RoundTripper
	agent string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	// RoundTrippers must not mutate the caller's request.
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(clone)
}

// retryTransport re-sends requests that failed with a retryable dial
// error. attempts counts the extra sends after the first.
type retryTransport struct {
	next     http.RoundTripper
	attempts int
	wait     time.Duration
	log      *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)

	for try := 1; try <= t.attempts; try++ {
		if err == nil || !isRetryable(err) {
			return resp, err
		}
		if !canReplay(req) {
			return resp, err
		}

		if t.log != nil {
			t.log.Debug("retrying after transient dial error",
				"method", req.Method,
				"url", req.URL.String(),
				"try", try,
				"of", t.attempts,
				"error", err,
			)
		}

		timer := time.NewTimer(t.wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			next.Body = body
		}

		prev := err
		resp, err = t.next.RoundTrip(next)
		if err == nil && t.log != nil {
			t.log.Info("request recovered after retry",
				"method", req.Method,
				"url", req.URL.String(),
				"tries", try+1,
				"last_error", prev.Error(),
			)
		}
	}

	return resp, err
}

// canReplay reports whether the request can be safely sent again. A
// bodyless request always can; one with a body needs GetBody to rewind.
func canReplay(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	return req.GetBody != nil
}

// isRetryable reports whether err is a dial-level failure worth another
// attempt. ECONNRESET is deliberately absent: it can arrive after the
// server already acted on the request. errors.As walks net.OpError
// chains, so wrapped errnos are found without special-casing.
func isRetryable(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose consumes up to limit bytes of rc and closes it, so the
// underlying connection can go back to the pool. nil rc is a no-op.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc as a string for error
// reporting, draining and closing the rest. nil rc yields "".
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
