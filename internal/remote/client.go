// Package remote is the REST client for the hosted relational data
// service. It speaks the PostgREST dialect: one route per table, row
// filters as query parameters such as id=eq.42.
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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/internal/logging"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

var _ types.Remote = (*Client)(nil)

// ErrURLEmpty reports a client configured without a service URL.
var ErrURLEmpty = errors.New("remote url must not be empty")

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client implements types.Remote over HTTP.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
	logger *zap.Logger
}

// New creates a client for cfg. RESTPath defaults to types.DefaultRESTPath.
func New(cfg types.RemoteConfig, opts Options) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrURLEmpty
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parsing remote url: %w", err)
	}
	restPath := cfg.RESTPath
	if restPath == "" {
		restPath = types.DefaultRESTPath
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base:   strings.TrimRight(cfg.URL, "/") + "/" + strings.Trim(restPath, "/"),
		apiKey: cfg.APIKey,
		http:   hc,
		logger: logging.OrNop(opts.Logger).Named("remote"),
	}, nil
}

// Fetch returns every row of table matching query as a JSON array.
func (c *Client) Fetch(ctx context.Context, table string, query types.Query) (json.RawMessage, error) {
	params := url.Values{"select": {"*"}}
	for k, v := range query {
		params.Set(k, v)
	}
	body, err := c.do(ctx, "fetch", http.MethodGet, table, params, nil)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return json.RawMessage("[]"), nil
	}
	return body, nil
}

// Insert creates a row and returns it as stored.
func (c *Client) Insert(ctx context.Context, table string, record json.RawMessage) (json.RawMessage, error) {
	body, err := c.do(ctx, "insert", http.MethodPost, table, nil, record)
	if err != nil {
		return nil, err
	}
	return single(body)
}

// Update patches the row with the given id and returns it as stored.
func (c *Client) Update(ctx context.Context, table, id string, record json.RawMessage) (json.RawMessage, error) {
	body, err := c.do(ctx, "update", http.MethodPatch, table, idFilter(id), record)
	if err != nil {
		return nil, err
	}
	return single(body)
}

// Delete removes the row with the given id.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, table, idFilter(id), nil)
	return err
}

func idFilter(id string) url.Values {
	return url.Values{"id": {"eq." + id}}
}

func (c *Client) do(ctx context.Context, op, method, table string, params url.Values, body json.RawMessage) (json.RawMessage, error) {
	target := c.base + "/" + url.PathEscape(table)
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", types.ErrRemote, op, table, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	requestID := newRequestID()
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", types.ErrRemote, op, table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("remote request failed",
			zap.String("op", op),
			zap.String("table", table),
			zap.Int("status", resp.StatusCode),
			zap.String("request_id", requestID))
		return nil, &types.RemoteError{
			Op:     op,
			Table:  table,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: reading response: %w", types.ErrRemote, op, table, err)
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s %s: response is not JSON", types.ErrRemote, op, table)
	}
	return data, nil
}

// single unwraps the one-element array PostgREST returns for writes.
func single(body json.RawMessage) (json.RawMessage, error) {
	if len(body) == 0 || body[0] != '[' {
		return body, nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", types.ErrRemote, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
