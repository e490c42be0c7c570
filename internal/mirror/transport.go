// Package mirror downloads repository files from ranked, falling-back
// mirrors and verifies what it receives.
package mirror

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// Transport opens a byte stream for a URL. Implementations must honour ctx
// for the whole lifetime of the returned stream.
type Transport interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// HTTPTransport fetches http:// and https:// URLs
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport creates an HTTP transport. A nil client means
// http.DefaultClient.
func NewHTTPTransport(client *http.Client, userAgent string) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client, userAgent: userAgent}
}

// Open issues a GET request and returns the response body
func (t *HTTPTransport) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", rawURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading %s: HTTP %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

// FileTransport reads file:// URLs from the local filesystem
type FileTransport struct{}

// Open opens the file named by a file:// URL
func (FileTransport) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("not a file url: %s", rawURL)
	}
	f, err := os.Open(u.Path)
	if err != nil {
		return nil, err
	}
	return &contextReader{ctx: ctx, rc: f}, nil
}

// contextReader stops a local read once ctx is done
type contextReader struct {
	ctx context.Context
	rc  io.ReadCloser
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.rc.Read(p)
}

func (r *contextReader) Close() error {
	return r.rc.Close()
}

// SchemeTransport dispatches on the URL scheme
type SchemeTransport struct {
	transports map[string]Transport
}

// NewSchemeTransport serves file:// locally and http(s):// through httpT
func NewSchemeTransport(httpT Transport) *SchemeTransport {
	return &SchemeTransport{transports: map[string]Transport{
		"file":  FileTransport{},
		"http":  httpT,
		"https": httpT,
	}}
}

// Open picks the transport registered for the URL scheme
func (t *SchemeTransport) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	scheme, _, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, fmt.Errorf("url %q has no scheme", rawURL)
	}
	tr, ok := t.transports[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("unsupported url scheme %q", scheme)
	}
	return tr.Open(ctx, rawURL)
}
