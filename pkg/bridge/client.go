// Package bridge performs outbound calls to the reasoning bridge service and
// classifies their outcome.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"astrograph/pkg/httpx"
)

const DefaultTimeout = 30 * time.Second

// Result is any HTTP answer from the bridge, 2xx or not.
type Result struct {
	StatusCode int
	Body       []byte
}

// FilePart names a local file sent as a single multipart form field.
type FilePart struct {
	Field string
	Name  string
	Path  string
}

type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout bounds every call. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bridge url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("bridge url %q must be absolute http(s)", baseURL)
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Timeout() time.Duration { return c.timeout }

func (c *Client) endpoint(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// CallJSON sends body (nil for none) to path and returns the bridge's answer.
func (c *Client) CallJSON(ctx context.Context, path, method string, body []byte) (Result, *Error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	status, respBody, err := httpx.RequestJSON(ctx, c.http, method, c.endpoint(path), body, requestHeaders(ctx))
	if err != nil {
		return Result{}, classify(err, c.timeout)
	}
	return Result{StatusCode: status, Body: respBody}, nil
}

// CallMultipart streams the file at part.Path to path as multipart/form-data.
// The file handle is closed before CallMultipart returns.
func (c *Client) CallMultipart(ctx context.Context, path, method string, part FilePart) (Result, *Error) {
	f, err := os.Open(part.Path)
	if err != nil {
		return Result{}, &Error{Kind: KindTransportOther, Message: "open staged file: " + err.Error(), Err: err}
	}
	field := part.Field
	if field == "" {
		field = "file"
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer f.Close()
		w, err := mw.CreateFormFile(field, part.Name)
		if err == nil {
			_, err = io.Copy(w, f)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()
	// unblocks the writer goroutine on any early return, then waits so the
	// staged file is closed before the caller releases it
	defer func() {
		_ = pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), pr)
	if err != nil {
		return Result{}, &Error{Kind: KindTransportOther, Message: "bridge request failed: " + err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	for k, v := range requestHeaders(ctx) {
		req.Header.Set(k, v)
	}
	status, body, err := httpx.Do(c.http, req)
	if err != nil {
		return Result{}, classify(err, c.timeout)
	}
	return Result{StatusCode: status, Body: body}, nil
}

// requestHeaders carries the inbound request id to the bridge for log
// correlation.
func requestHeaders(ctx context.Context) map[string]string {
	if id := httpx.RequestIDFrom(ctx); id != "" {
		return map[string]string{httpx.RequestIDHeader: id}
	}
	return nil
}

// Ping checks that the bridge answers its root endpoint with a 2xx.
func (c *Client) Ping(ctx context.Context) *Error {
	res, berr := c.CallJSON(ctx, "/", http.MethodGet, nil)
	if berr != nil {
		return berr
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &Error{
			Kind:           KindNonSuccessStatus,
			Message:        fmt.Sprintf("bridge answered %d", res.StatusCode),
			UpstreamStatus: res.StatusCode,
			Err:            errors.New(http.StatusText(res.StatusCode)),
		}
	}
	return nil
}
