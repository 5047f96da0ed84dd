// Package arcgis is a small REST client for an ArcGIS-style portal: token
// sessions, item search with pagination, content management, hosted feature
// services and sharing.
package arcgis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"

	"portalflow/internal/fault"
)

const maxResponseBytes = 32 << 20

type Client struct {
	portal  string
	http    *http.Client
	logger  *log.Logger
	timeout time.Duration
	retries uint
	backoff func() backoff.BackOff

	token   string
	session *Session
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRequestTimeout bounds each HTTP request. Every retry attempt gets its
// own deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithReadRetries sets the number of attempts for idempotent reads.
func WithReadRetries(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

// WithRetryBackOff replaces the backoff policy used between read attempts.
func WithRetryBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.backoff = f }
}

// New creates an anonymous client for the portal REST root, e.g.
// https://www.arcgis.com/sharing/rest.
func New(portalURL string, opts ...Option) *Client {
	c := &Client{
		portal:  strings.TrimRight(portalURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  log.New(io.Discard),
		timeout: 30 * time.Second,
		retries: 3,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Portal returns the REST root the client talks to.
func (c *Client) Portal() string { return c.portal }

// Session returns the session bound with WithSession, or nil.
func (c *Client) Session() *Session { return c.session }

// WithSession returns a copy of c that authenticates every request with s.
func (c *Client) WithSession(s *Session) *Client {
	cp := *c
	cp.session = s
	cp.token = ""
	if s != nil {
		cp.token = s.Token
	}
	return &cp
}

func (c *Client) withToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// errorEnvelope is the error shape the portal returns, usually with HTTP 200.
type errorEnvelope struct {
	Error *struct {
		Code    int      `json:"code"`
		Message string   `json:"message"`
		Details []string `json:"details"`
	} `json:"error"`
}

// read performs an idempotent GET, retrying transport and server errors.
func (c *Client) read(ctx context.Context, op, endpoint string, params url.Values, out any) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.do(ctx, op, http.MethodGet, endpoint, params, out)
		if err != nil && !fault.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			c.logger.Debug("retrying read", "op", op, "err", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(c.backoff()), backoff.WithMaxTries(c.retries))
	// The last attempt comes back still marked permanent.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

// write performs a POST with form-encoded params. Writes are never retried.
func (c *Client) write(ctx context.Context, op, endpoint string, params url.Values, out any) error {
	return c.do(ctx, op, http.MethodPost, endpoint, params, out)
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("f", "json")
	if c.token != "" {
		params.Set("token", c.token)
	}

	var body io.Reader
	target := endpoint
	if method == http.MethodGet {
		target = endpoint + "?" + params.Encode()
	} else {
		body = strings.NewReader(params.Encode())
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return c.send(op, req, out)
}

// upload posts a multipart form with a single file part.
func (c *Client) upload(ctx context.Context, op, endpoint string, params url.Values, field, filename string, content []byte, out any) error {
	params.Set("f", "json")
	if c.token != "" {
		params.Set("token", c.token)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, vs := range params {
		for _, v := range vs {
			if err := mw.WriteField(k, v); err != nil {
				return fmt.Errorf("%s: write field %s: %w", op, k, err)
			}
		}
	}
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("%s: create file part: %w", op, err)
	}
	if _, err := fw.Write(content); err != nil {
		return fmt.Errorf("%s: write file part: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("%s: close multipart: %w", op, err)
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(op, req, out)
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) send(op string, req *http.Request, out any) error {
	c.logger.Debug("request", "op", op, "method", req.Method, "url", redactURL(req.URL))
	res, err := c.http.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = redactURL(req.URL)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	var env errorEnvelope
	_ = json.Unmarshal(b, &env)
	if env.Error != nil {
		msg := env.Error.Message
		if len(env.Error.Details) > 0 {
			msg = msg + " " + strings.Join(env.Error.Details, "; ")
		}
		return fault.Remote(op, res.StatusCode, env.Error.Code, strings.TrimSpace(msg))
	}
	if res.StatusCode/100 != 2 {
		return fault.Remote(op, res.StatusCode, 0, http.StatusText(res.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// redactURL renders u with the token query parameter masked.
func redactURL(u *url.URL) string {
	q := u.Query()
	if !q.Has("token") {
		return u.Redacted()
	}
	q.Set("token", "xxxxx")
	cp := *u
	cp.RawQuery = q.Encode()
	return cp.Redacted()
}

func (c *Client) userContentURL(owner string, parts ...string) string {
	u := c.portal + "/content/users/" + url.PathEscape(owner)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func marshalParam(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
