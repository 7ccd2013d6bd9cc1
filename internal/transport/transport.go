// Package transport performs byte-range requests against a single media resource.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agleyzer/rangefeed/pkg/segment"
)

// Transport fetches byte ranges of one fixed resource.
type Transport interface {
	// ProbeLength returns the total length of the resource in bytes.
	ProbeLength(ctx context.Context) (int64, error)

	// FetchRange returns exactly the bytes in r.
	FetchRange(ctx context.Context, r segment.Range) ([]byte, error)
}

// TransportError describes a failed probe or range fetch.
type TransportError struct {
	// Op is "probe", "fetch" or "fetch-all"
	Op string

	URL string

	// Range is the requested range (zero for probes)
	Range segment.Range

	// StatusCode is the HTTP status, or zero if no response was received
	StatusCode int

	Err error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Op, e.URL)
	if e.Op == "fetch" {
		fmt.Fprintf(&b, " [%s]", e.Range)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Options configures an HTTPTransport.
type Options struct {
	// UserAgent is sent with every request when non-empty
	UserAgent string

	// Timeout bounds each request. Zero means no timeout.
	Timeout time.Duration

	// Client overrides the HTTP client (tests)
	Client *http.Client
}

// HTTPTransport implements Transport over HTTP range requests.
type HTTPTransport struct {
	url       string
	userAgent string
	client    *http.Client
	logger    *slog.Logger

	// total is the probed resource length, 0 until ProbeLength succeeds
	total atomic.Int64
}

// NewHTTP creates a transport for the resource at url.
func NewHTTP(url string, opts Options, logger *slog.Logger) *HTTPTransport {
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
		}
	}

	return &HTTPTransport{
		url:       url,
		userAgent: opts.UserAgent,
		client:    client,
		logger:    logger,
	}
}

// URL returns the resource URL.
func (t *HTTPTransport) URL() string {
	return t.url
}

// ProbeLength issues a plain GET and reads the length from the response
// headers. The body is never read; the request is cancelled as soon as the
// headers arrive.
func (t *HTTPTransport) ProbeLength(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := t.do(ctx, "")
	if err != nil {
		return 0, &TransportError{Op: "probe", URL: t.url, Err: err}
	}
	// Abort the transfer before closing so the body is not drained.
	cancel()
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &TransportError{Op: "probe", URL: t.url, StatusCode: resp.StatusCode}
	}

	length := resp.ContentLength
	if length <= 0 {
		if total, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok {
			length = total
		}
	}
	if length <= 0 {
		return 0, &TransportError{
			Op:         "probe",
			URL:        t.url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("response does not report a computable length"),
		}
	}

	t.total.Store(length)
	t.logger.Debug("probed resource length", "url", t.url, "length", length)
	return length, nil
}

// FetchRange requests r and returns its bytes. A 206 response must carry a
// Content-Range naming exactly r and exactly r.Len() bytes. A 200 response
// (server ignored the Range header) must carry either exactly the range or
// the whole probed resource; in the latter case the requested window is cut
// out of it.
func (t *HTTPTransport) FetchRange(ctx context.Context, r segment.Range) ([]byte, error) {
	start := time.Now()

	resp, err := t.do(ctx, r.Header())
	if err != nil {
		return nil, &TransportError{Op: "fetch", URL: t.url, Range: r, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &TransportError{Op: "fetch", URL: t.url, Range: r, StatusCode: resp.StatusCode}
	}

	malformed := func(err error) error {
		return &TransportError{
			Op:         "fetch",
			URL:        t.url,
			Range:      r,
			StatusCode: resp.StatusCode,
			Err:        err,
		}
	}

	if resp.StatusCode == http.StatusPartialContent {
		served, err := contentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, malformed(err)
		}
		if served != r {
			return nil, malformed(fmt.Errorf("server sent range %s", served))
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, malformed(fmt.Errorf("failed to read body: %w", err))
	}

	want := r.Len()
	got := int64(len(data))
	total := t.total.Load()
	switch {
	case got == want:
	case resp.StatusCode == http.StatusOK && total > 0 && got == total && r.End < total:
		t.logger.Warn("server ignored range header, slicing full response",
			"url", t.url,
			"range", r.String(),
			"bodyBytes", got,
		)
		data = data[r.Start : r.End+1]
	default:
		return nil, malformed(fmt.Errorf("expected %d bytes, got %d", want, got))
	}

	t.logger.Debug("fetched range",
		"range", r.String(),
		"status", resp.StatusCode,
		"bytes", len(data),
		"duration", time.Since(start),
	)
	return data, nil
}

// FetchAll copies the whole resource to w in a single request.
func (t *HTTPTransport) FetchAll(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := t.do(ctx, "")
	if err != nil {
		return 0, &TransportError{Op: "fetch-all", URL: t.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &TransportError{Op: "fetch-all", URL: t.url, StatusCode: resp.StatusCode}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &TransportError{
			Op:         "fetch-all",
			URL:        t.url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to copy body: %w", err),
		}
	}

	return n, nil
}

func (t *HTTPTransport) do(ctx context.Context, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	return t.client.Do(req)
}

// contentRange extracts the served window from "bytes 0-99/1234".
func contentRange(header string) (segment.Range, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return segment.Range{}, fmt.Errorf("missing or malformed Content-Range %q", header)
	}
	window, _, _ := strings.Cut(spec, "/")

	served, err := segment.ParseRange(window)
	if err != nil {
		return segment.Range{}, fmt.Errorf("malformed Content-Range %q: %w", header, err)
	}
	return served, nil
}

// contentRangeTotal extracts the complete length from "bytes 0-99/1234".
func contentRangeTotal(header string) (int64, bool) {
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return 0, false
	}

	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
