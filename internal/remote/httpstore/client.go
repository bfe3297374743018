// Package httpstore talks to a remote board store over HTTP, with live
// subscriptions over websockets.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/postbills/backend/internal/errors"
	"github.com/kimhsiao/postbills/backend/internal/remote"
)

// Client implements remote.DocumentStore against a store server.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer

	// Reconnect backoff of a dropped subscription.
	retryMin time.Duration
	retryMax time.Duration
}

// New creates a client for the server at baseURL. A nil httpClient uses a
// client with a 30 second timeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "invalid remote url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New(errors.ErrConfigInvalid, fmt.Sprintf("unsupported remote url scheme %q", u.Scheme))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base:       u,
		httpClient: httpClient,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		retryMin: 500 * time.Millisecond,
		retryMax: 30 * time.Second,
	}, nil
}

// endpoint joins escaped path segments onto the base URL.
func (c *Client) endpoint(segments ...string) string {
	var b strings.Builder
	b.WriteString(c.base.String())
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// do sends a request and maps failures to remote error codes. When out is
// non-nil the JSON response body is decoded into it.
func (c *Client) do(ctx context.Context, op, method, endpoint string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "failed to encode "+op+" request", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to create "+op+" request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.send(req, op, out)
}

func (c *Client) send(req *http.Request, op string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return remote.TransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(op, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return remote.TransportError(op+" decode", err)
	}
	return nil
}

// responseError reads the server's error body, if any, into the error message.
func responseError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb remote.ErrorBody
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
		msg = eb.Error
	}
	return remote.StatusError(op, resp.StatusCode, msg)
}

// Set implements remote.DocumentStore.
func (c *Client) Set(ctx context.Context, boardID string, doc remote.Document) error {
	if doc.ID == "" {
		return errors.New(errors.ErrRemoteRejected, "document id is required")
	}
	return c.do(ctx, "set", http.MethodPut, c.endpoint("boards", boardID, "items", doc.ID), doc, nil)
}

// Merge implements remote.DocumentStore.
func (c *Client) Merge(ctx context.Context, boardID, id string, p remote.Patch) error {
	return c.do(ctx, "merge", http.MethodPatch, c.endpoint("boards", boardID, "items", id), p, nil)
}

// Delete implements remote.DocumentStore.
func (c *Client) Delete(ctx context.Context, boardID, id string) error {
	return c.do(ctx, "delete", http.MethodDelete, c.endpoint("boards", boardID, "items", id), nil, nil)
}

// Batch implements remote.DocumentStore.
func (c *Client) Batch(ctx context.Context, boardID string, writes []remote.Write) error {
	if writes == nil {
		writes = []remote.Write{}
	}
	return c.do(ctx, "batch", http.MethodPost, c.endpoint("boards", boardID, "batch"), writes, nil)
}

// List implements remote.DocumentStore.
func (c *Client) List(ctx context.Context, boardID string) ([]remote.Document, error) {
	var docs []remote.Document
	if err := c.do(ctx, "list", http.MethodGet, c.endpoint("boards", boardID, "items"), nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

var _ remote.DocumentStore = (*Client)(nil)
