package ipam

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/clickcluster/segmentd/pkg/types"
)

const (
	defaultReadWorkers  = 30
	defaultWriteWorkers = 20

	// NetBox pages at 50 by default; ask for bigger pages up front.
	pageLimit = "200"
)

// Config carries what the client needs to reach the remote IPAM.
type Config struct {
	URL          string
	Token        string
	SSLVerify    bool
	ReadWorkers  int
	WriteWorkers int
}

// Client is the only way the rest of the system talks to the remote IPAM.
// Reads and writes run on separate bounded pools so slow writes cannot
// starve latency-sensitive reads.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	readPool   *semaphore.Weighted
	writePool  *semaphore.Weighted
}

// NewClient builds a client; it performs no I/O.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid IPAM URL %q", cfg.URL)
	}
	readWorkers := cfg.ReadWorkers
	if readWorkers <= 0 {
		readWorkers = defaultReadWorkers
	}
	writeWorkers := cfg.WriteWorkers
	if writeWorkers <= 0 {
		writeWorkers = defaultWriteWorkers
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.SSLVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL:    u,
		token:      cfg.Token,
		httpClient: &http.Client{Transport: transport},
		readPool:   semaphore.NewWeighted(int64(readWorkers)),
		writePool:  semaphore.NewWeighted(int64(writeWorkers)),
	}, nil
}

// temporaryError marks transport-class failures as retryable. Semantic
// failures (4xx/5xx) never wear it.
type temporaryError struct {
	error
}

func (t *temporaryError) Temporary() bool { return true }

func (t *temporaryError) Unwrap() error { return t.error }

// IsTemporary reports whether err is a retryable transport failure.
func IsTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// get runs an idempotent read with retry.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.withRetry(ctx, "GET "+path, func() error {
		return c.roundTrip(ctx, http.MethodGet, path, query, nil, out, c.readPool)
	})
}

// post runs a state-changing create. Never retried: a replayed create
// that succeeded on the wire would duplicate the object.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.roundTrip(ctx, http.MethodPost, path, nil, body, out, c.writePool)
}

// postIdempotent is for the exists-checked creates (VLAN, VLAN-group):
// a retried duplicate create either succeeds or fails the remote
// uniqueness check, both of which the caller handles.
func (c *Client) postIdempotent(ctx context.Context, path string, body, out interface{}) error {
	return c.withRetry(ctx, "POST "+path, func() error {
		return c.roundTrip(ctx, http.MethodPost, path, nil, body, out, c.writePool)
	})
}

func (c *Client) patch(ctx context.Context, path string, body, out interface{}) error {
	return c.roundTrip(ctx, http.MethodPatch, path, nil, body, out, c.writePool)
}

func (c *Client) del(ctx context.Context, path string) error {
	return c.roundTrip(ctx, http.MethodDelete, path, nil, nil, nil, c.writePool)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body, out interface{}, pool *semaphore.Weighted) error {
	op := method + " " + path
	if err := pool.Acquire(ctx, 1); err != nil {
		return c.classifyTransport(op, err)
	}
	defer pool.Release(1)
	defer withTiming(op)()

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return types.WrapKind(types.ErrInternal, op, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return types.WrapKind(types.ErrInternal, op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return types.WrapKind(types.ErrInternal, op, errors.Wrap(err, "decoding IPAM response"))
		}
		return nil
	}
	return classifyStatus(op, resp.StatusCode, resp.Body)
}

// classifyTransport maps network-class failures (connect, timeout,
// generic transport) onto the taxonomy and marks them retryable.
func (c *Client) classifyTransport(op string, err error) error {
	kind := types.ErrUnavailable
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		err = errors.Wrap(err, "IPAM call timed out")
	} else if errors.Is(err, context.DeadlineExceeded) {
		err = errors.Wrap(err, "IPAM call timed out")
	}
	return &temporaryError{types.WrapKind(kind, op, err)}
}

// classifyStatus maps semantic failures onto the taxonomy. These are
// never retried.
func classifyStatus(op string, status int, body io.Reader) error {
	detail := decodeErrorBody(body)
	switch {
	case status == http.StatusNotFound:
		return &types.Error{Kind: types.ErrNotFound, Op: op, Detail: detail}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &types.Error{Kind: types.ErrUnauthorized, Op: op, Detail: detail}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &types.Error{Kind: types.ErrBadRequest, Op: op, Detail: detail}
	case status >= 500:
		return &types.Error{Kind: types.ErrInternal, Op: op, Detail: fmt.Sprintf("IPAM server error (HTTP %d): %s", status, detail)}
	default:
		return &types.Error{Kind: types.ErrInternal, Op: op, Detail: fmt.Sprintf("unexpected IPAM response (HTTP %d): %s", status, detail)}
	}
}

// decodeErrorBody flattens NetBox error bodies: either {"detail": "..."}
// or a per-field map like {"prefix": ["Duplicate prefix ..."]}.
func decodeErrorBody(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 8<<10))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return strings.TrimSpace(string(raw))
	}
	if detail, ok := fields["detail"].(string); ok {
		return detail
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, fields[k]))
	}
	return strings.Join(parts, "; ")
}

// page is the NetBox-style list envelope.
type page[T any] struct {
	Count    int    `json:"count"`
	Next     string `json:"next"`
	Previous string `json:"previous"`
	Results  []T    `json:"results"`
}

// listAll follows pagination until the result set is exhausted.
func listAll[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("limit", pageLimit)

	var all []T
	for {
		var pg page[T]
		if err := c.get(ctx, path, query, &pg); err != nil {
			return nil, err
		}
		all = append(all, pg.Results...)
		if pg.Next == "" {
			return all, nil
		}
		next, err := url.Parse(pg.Next)
		if err != nil {
			return nil, types.WrapKind(types.ErrInternal, "GET "+path, errors.Wrap(err, "bad pagination link"))
		}
		path = strings.TrimPrefix(next.Path, strings.TrimRight(c.baseURL.Path, "/"))
		query = next.Query()
	}
}
