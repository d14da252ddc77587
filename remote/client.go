package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goydb/syncd/logger"
	"github.com/goydb/syncd/syncerr"
)

// ErrNotFound mirrors the teacher's client.ErrNotFound sentinel (client.go)
// — kept as a plain errors.New sentinel, checked with errors.Is, alongside
// the richer syncerr.Error used at the router boundary.
var ErrNotFound = errors.New("not found")

// Client is an HTTP client bound to one remote CouchDB-compatible root,
// generalizing the teacher's client.Client (headers-per-remote, a
// request() helper that logs method/URL/status, JSON decode helpers).
type Client struct {
	Base       *url.URL
	HTTPClient *http.Client
	Headers    map[string]string
	Authorizer Authorizer
	Logger     logger.Logger
	Pool       *Pool
}

// NewClient constructs a Client for remote, defaulting HTTPClient to
// http.DefaultClient and Logger to logger.Noop, matching client.NewClient.
func NewClient(remoteURL string, headers map[string]string) (*Client, error) {
	base, err := url.Parse(remoteURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		Base:       base,
		HTTPClient: http.DefaultClient,
		Headers:    headers,
		Logger:     new(logger.Noop),
		Pool:       NewPool(),
	}, nil
}

func (c *Client) SetLogger(l logger.Logger) { c.Logger = l }

// JoinPath joins c.Base with the given path segments, matching the
// teacher's urlJoin helper (client/client.go).
func (c *Client) JoinPath(parts ...string) string {
	base := strings.TrimRight(c.Base.String(), "/")
	return strings.Join(append([]string{base}, parts...), "/")
}

// Do issues req, attaching per-remote headers and the Authorizer, logging
// the outcome, and registering/deregistering the call with the Pool so
// StopAll can cancel it (spec §4.2).
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader, opts ...func(*Request)) (*http.Response, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		cancel()
		return nil, err
	}

	for key, value := range c.Headers {
		req.Header.Set(key, value)
	}
	if body != nil {
		if _, isJSON := body.(*bytes.Buffer); isJSON {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if c.Authorizer != nil {
		c.Authorizer.AuthorizeRequest(req)
	}

	rr := &Request{Method: method, Path: path, Authorizer: c.Authorizer, cancel: cancel}
	for _, opt := range opts {
		opt(rr)
	}
	deregister := c.Pool.Register(rr)
	defer deregister()

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			c.Logger.Debugf("HTTP [%s] %s -> cancelled", method, path)
			return nil, syncerr.ErrCancelled
		}
		c.Logger.Debugf("HTTP [%s] %s -> %s", method, path, err)
		return nil, syncerr.Wrap(syncerr.Network, err)
	}

	if resp.StatusCode == http.StatusNotFound && rr.NoLog404 {
		// used by fetchRemoteCheckpointDoc: a 404 there is an expected,
		// not-yet-created checkpoint, not worth a log line.
	} else {
		c.Logger.Debugf("HTTP [%s] %s -> %d", method, path, resp.StatusCode)
	}

	return resp, nil
}

// NoLog404 marks the request so a 404 response is not logged (spec §4.2).
func NoLog404(r *Request) { r.NoLog404 = true }

// DoJSON issues a JSON request (method/path/body marshalled as JSON) and
// decodes a JSON response into out. A nil out skips decoding (e.g. 204
// responses). Non-2xx responses that are not 404 return a syncerr.Error;
// 404 returns ErrNotFound so callers can errors.Is(err, remote.ErrNotFound).
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out interface{}, opts ...func(*Request)) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return nil, err
		}
		body = buf
	}

	resp, err := c.Do(ctx, method, path, body, opts...)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return resp, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return resp, syncerr.Wrap(syncerr.ServerError, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}
