// Package sdk is a small Go client for the gateway's /api routes.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"astrograph/pkg/httpx"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	RequestID  string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// StatusError is returned for any gateway answer outside 2xx. Body is the
// relayed payload unchanged.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway status=%d body=%s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// Message extracts the "error" field the gateway uses for its own failures.
func (e *StatusError) Message() string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(e.Body, &body) == nil && body.Error != "" {
		return body.Error
	}
	return ""
}

type Status struct {
	Status  string `json:"status,omitempty"`
	Version string `json:"version,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *Client) Root(ctx context.Context) (Status, error) {
	var out Status
	err := c.doJSON(ctx, http.MethodGet, "/", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.doJSON(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Chat, Query and SPARQL send body as-is; a nil body is sent as {}.
func (c *Client) Chat(ctx context.Context, body any) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodPost, "/api/chat", body)
}

func (c *Client) Query(ctx context.Context, body any) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodPost, "/api/krr/query", body)
}

func (c *Client) SPARQL(ctx context.Context, body any) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodPost, "/api/sparql", body)
}

func (c *Client) Graph(ctx context.Context) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodGet, "/api/krr/graph", nil)
}

func (c *Client) SPARQLQueries(ctx context.Context) (json.RawMessage, error) {
	return c.raw(ctx, http.MethodGet, "/api/sparql/queries", nil)
}

func (c *Client) RunSPARQLQuery(ctx context.Context, queryID string) (json.RawMessage, error) {
	if strings.TrimSpace(queryID) == "" {
		return nil, fmt.Errorf("query id is required")
	}
	return c.raw(ctx, http.MethodGet, "/api/sparql/query/"+url.PathEscape(queryID), nil)
}

// Upload streams the file at path as the "file" multipart field.
func (c *Client) Upload(ctx context.Context, path string) (json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/upload", pr)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req)
}

func (c *Client) raw(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if method != http.MethodGet {
		payload := []byte("{}")
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			payload = b
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	raw, err := c.raw(ctx, method, path, body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) send(req *http.Request) (json.RawMessage, error) {
	if id := strings.TrimSpace(c.RequestID); id != "" {
		req.Header.Set(httpx.RequestIDHeader, id)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(respBody), nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}
