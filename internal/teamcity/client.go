// Package teamcity is a client for the personal-build endpoints of a
// TeamCity-compatible build server: patch upload, build queueing and build
// status.
package teamcity

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const maxErrorBody = 4 * 1024

// Client talks to one server with one set of credentials. It holds no
// mutable state and is safe for concurrent use.
type Client struct {
	creds   Credentials
	baseURL *url.URL
	http    *http.Client
	log     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// NewClient creates a client for creds.ServerURL.
func NewClient(creds Credentials, opts ...Option) (*Client, error) {
	if strings.TrimSpace(creds.ServerURL) == "" {
		return nil, errors.New("server URL is required")
	}
	u, err := url.Parse(strings.TrimSuffix(creds.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL %q must be http or https", creds.ServerURL)
	}

	c := &Client{
		creds:   creds,
		baseURL: u,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     slog.With("component", "teamcity", "server", u.Host),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upload sends the patch at patchPath and creates a personal change list
// described by message.
func (c *Client) Upload(ctx context.Context, patchPath, message string) (ChangeListID, error) {
	if err := ctx.Err(); err != nil {
		return "", &UploadError{Err: err}
	}

	f, err := os.Open(patchPath)
	if err != nil {
		return "", &UploadError{Err: fmt.Errorf("open patch: %w", err)}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", &UploadError{Err: fmt.Errorf("stat patch: %w", err)}
	}

	userID := c.creds.UserID
	if userID == "" {
		userID = c.creds.User
	}
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("description", message)
	q.Set("commitType", "0")

	req, err := c.newRequest(ctx, http.MethodPost, "/uploadChanges.html", q, f)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	body, err := c.do(req)
	if err != nil {
		var se *httpStatusError
		if errors.As(err, &se) {
			return "", &UploadError{StatusCode: se.Code, Err: err}
		}
		return "", &UploadError{Err: err}
	}

	id := strings.TrimSpace(string(body))
	if id == "" {
		return "", &UploadError{Err: errors.New("server returned an empty change list id")}
	}
	c.log.Debug("uploaded patch", "change_list", id, "bytes", info.Size())
	return ChangeListID(id), nil
}

// Trigger queues one personal build per config against change list id,
// sequentially and in input order. The first failure aborts the remaining
// requests.
func (c *Client) Trigger(ctx context.Context, id ChangeListID, configs []BuildConfigRef) ([]QueuedBuild, error) {
	if len(configs) == 0 {
		return []QueuedBuild{}, nil
	}

	queued := make([]QueuedBuild, 0, len(configs))
	for i, cfg := range configs {
		qb, err := c.queueBuild(ctx, id, cfg)
		if err != nil {
			return nil, &TriggerError{Index: i, ConfigID: cfg.ID, Err: err}
		}
		c.log.Debug("queued build", "change_list", id, "config", cfg.ID, "build_id", qb.ID)
		queued = append(queued, qb)
	}
	return queued, nil
}

func (c *Client) queueBuild(ctx context.Context, id ChangeListID, cfg BuildConfigRef) (QueuedBuild, error) {
	if err := ctx.Err(); err != nil {
		return QueuedBuild{}, err
	}
	payload, err := xml.Marshal(newBuildRequest(id, cfg))
	if err != nil {
		return QueuedBuild{}, fmt.Errorf("marshal build request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/app/rest/buildQueue", nil, bytes.NewReader(payload))
	if err != nil {
		return QueuedBuild{}, err
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/xml")

	body, err := c.do(req)
	if err != nil {
		return QueuedBuild{}, err
	}

	var resp buildResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return QueuedBuild{}, fmt.Errorf("parse queued build: %w", err)
	}
	if resp.ID == "" {
		return QueuedBuild{}, errors.New("queued build response has no id")
	}
	return QueuedBuild{ID: resp.ID, Config: cfg}, nil
}

// BuildStatus fetches the current status of a queued build. Only transport
// and HTTP failures are returned as errors.
func (c *Client) BuildStatus(ctx context.Context, qb QueuedBuild) (StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return StatusResult{}, &PollError{BuildID: qb.ID, Err: err}
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/app/rest/builds/id:"+url.PathEscape(qb.ID), nil, nil)
	if err != nil {
		return StatusResult{}, &PollError{BuildID: qb.ID, Err: err}
	}
	req.Header.Set("Accept", "application/xml")

	body, err := c.do(req)
	if err != nil {
		return StatusResult{}, &PollError{BuildID: qb.ID, Err: err}
	}
	return ParseBuildStatus(body), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.creds.Token)
	} else if c.creds.User != "" {
		req.SetBasicAuth(c.creds.User, c.creds.Password)
	}
	return req, nil
}

// do sends req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Debug("request failed", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode)
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.log.Debug("request ok", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode)
	return body, nil
}
