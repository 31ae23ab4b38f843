// Package fetch performs the outbound HTTP requests issued by scripts.
package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/time/rate"

	"github.com/cryguy/openworker/internal/core"
)

// forbiddenHeaders are request headers scripts may not set.
var forbiddenHeaders = map[string]bool{
	"host":                true,
	"connection":          true,
	"keep-alive":          true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"x-forwarded-for":     true,
	"x-forwarded-host":    true,
	"x-forwarded-proto":   true,
	"x-real-ip":           true,
}

// Options configures a Client.
type Options struct {
	// AllowPrivate disables the private address guard. Tests turn it on to
	// reach httptest servers on loopback.
	AllowPrivate bool
	// Timeout bounds a whole exchange, body included.
	Timeout time.Duration
	// RequestsPerSecond limits outbound requests. Zero means unlimited.
	RequestsPerSecond int
	// MaxRedirects bounds redirect chains. Zero means 20.
	MaxRedirects int
	// Transport overrides the round tripper.
	Transport http.RoundTripper
}

// Response is an outbound response whose headers have arrived. Body is
// already decoded and must be closed by the caller.
type Response struct {
	Meta core.ResponseMeta
	URL  string
	Body io.ReadCloser
}

// Client issues script fetches. It is safe for concurrent use.
type Client struct {
	opts     Options
	http     *http.Client
	limiter  *rate.Limiter
	tracer   trace.Tracer
	requests metric.Int64Counter
}

// New returns a Client for opts.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 20
	}
	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if !opts.AllowPrivate {
			t.DialContext = guardedDial
		}
		transport = t
	}
	c := &Client{
		opts:   opts,
		tracer: otel.Tracer("github.com/cryguy/openworker/internal/fetch"),
	}
	c.http = &http.Client{
		Timeout:       opts.Timeout,
		Transport:     transport,
		CheckRedirect: c.checkRedirect,
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.RequestsPerSecond)
	}
	c.requests, _ = otel.Meter("github.com/cryguy/openworker/internal/fetch").Int64Counter(
		"openworker.fetch.requests",
		metric.WithDescription("Outbound fetch requests issued by scripts"),
	)
	return c
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= c.opts.MaxRedirects {
		return fmt.Errorf("too many redirects")
	}
	if !c.opts.AllowPrivate && IsPrivateHost(req.URL.String()) {
		return fmt.Errorf("redirect to private IP address is not allowed")
	}
	return nil
}

// Do sends req and returns once the status line and headers are known.
func (c *Client) Do(ctx context.Context, req core.Request) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "fetch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	resp, err := c.do(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("http.status_code", resp.Meta.Status))
	}
	if c.requests != nil {
		c.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", req.Method),
			attribute.String("outcome", outcome),
		))
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, req core.Request) (*Response, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("fetch requires a URL")
	}
	if !c.opts.AllowPrivate && IsPrivateHost(req.URL) {
		return nil, ErrPrivateAddress
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch rate limit: %w", err)
		}
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for name, value := range req.Headers {
		if forbiddenHeaders[strings.ToLower(name)] {
			continue
		}
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("invalid header %q", name)
		}
		httpReq.Header.Set(name, value)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}

	decoded, encoding, err := decode(httpResp)
	if err != nil {
		_ = httpResp.Body.Close()
		return nil, err
	}

	meta := core.ResponseMeta{
		Status:     httpResp.StatusCode,
		StatusText: http.StatusText(httpResp.StatusCode),
	}
	for name, values := range httpResp.Header {
		lower := strings.ToLower(name)
		if encoding != "" && (lower == "content-encoding" || lower == "content-length") {
			continue
		}
		for _, v := range values {
			meta.Headers = append(meta.Headers, core.Header{Name: lower, Value: v})
		}
	}
	finalURL := req.URL
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		finalURL = httpResp.Request.URL.String()
	}
	return &Response{Meta: meta, URL: finalURL, Body: decoded}, nil
}

// decode unwraps br and gzip bodies the transport left encoded. It returns
// the encoding it removed.
func decode(resp *http.Response) (io.ReadCloser, string, error) {
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified ||
		(resp.Request != nil && resp.Request.Method == http.MethodHead) {
		return resp.Body, "", nil
	}
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "br":
		return readCloser{Reader: brotli.NewReader(resp.Body), Closer: resp.Body}, enc, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, "", fmt.Errorf("decoding gzip body: %w", err)
		}
		return readCloser{Reader: zr, Closer: resp.Body}, enc, nil
	default:
		return resp.Body, "", nil
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
