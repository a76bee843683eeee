// Package client provides the ChainTrail Go SDK for appending to and
// querying a ledgerd instance over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a ledgerd HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the given base URL (e.g. http://localhost:8080).
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetHTTPClient replaces the underlying HTTP client (custom TLS, timeouts).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// BlockReceipt is returned for every appended entry.
type BlockReceipt struct {
	Index        int       `json:"index"`
	Hash         string    `json:"hash"`
	PreviousHash string    `json:"previousHash"`
	Timestamp    time.Time `json:"timestamp"`
}

// VerifyResult reports chain integrity. FirstBrokenIndex is -1 when valid.
type VerifyResult struct {
	Valid            bool `json:"valid"`
	FirstBrokenIndex int  `json:"firstBrokenIndex"`
	Checked          int  `json:"checked"`
}

// Entry mirrors the decoded audit record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Hostname  string         `json:"hostname"`
	PID       int            `json:"pid"`
}

// ReadResult carries entries (most recent first) plus the indices of blocks
// whose payload failed authentication.
type ReadResult struct {
	Entries    []Entry `json:"entries"`
	Unreadable []int   `json:"unreadable,omitempty"`
}

// Stats summarizes the ledger.
type Stats struct {
	TotalEntries int            `json:"totalEntries"`
	StorageSize  int64          `json:"storageSize"`
	ChainLength  int            `json:"chainLength"`
	Levels       map[string]int `json:"levels"`
	Verified     bool           `json:"verified"`
	Oldest       *time.Time     `json:"oldest,omitempty"`
	Newest       *time.Time     `json:"newest,omitempty"`
}

// ReplicationStatus reports remote-mirror progress.
type ReplicationStatus struct {
	LocalBlocks    int     `json:"localBlocks"`
	RemoteBlocks   int     `json:"remoteBlocks"`
	Missing        int     `json:"missing"`
	SyncPercentage float64 `json:"syncPercentage"`
}

// RestoreResult reports a full-chain restore.
type RestoreResult struct {
	Restored int  `json:"restored"`
	Valid    bool `json:"valid"`
}

// ReadOptions narrow Read and Search calls. Zero values are unfiltered.
type ReadOptions struct {
	Limit int
	Level string
	Start time.Time
	End   time.Time
}

func (o ReadOptions) query() url.Values {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Level != "" {
		q.Set("level", o.Level)
	}
	if !o.Start.IsZero() {
		q.Set("start", o.Start.Format(time.RFC3339))
	}
	if !o.End.IsZero() {
		q.Set("end", o.End.Format(time.RFC3339))
	}
	return q
}

// Log appends one entry and returns its sealed block receipt.
func (c *Client) Log(ctx context.Context, level, message string, metadata map[string]any) (*BlockReceipt, error) {
	body := map[string]any{"level": level, "message": message}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var receipt BlockReceipt
	if err := c.do(ctx, http.MethodPost, "/api/v1/log", nil, body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Verify checks chain integrity; pass from=0, to=-1 for the full chain.
func (c *Client) Verify(ctx context.Context, from, to int) (*VerifyResult, error) {
	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.Itoa(from))
	}
	if to >= 0 {
		q.Set("to", strconv.Itoa(to))
	}
	var res VerifyResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/verify", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Read returns filtered entries, most recent first.
func (c *Client) Read(ctx context.Context, opts ReadOptions) (*ReadResult, error) {
	var res ReadResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/logs", opts.query(), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Search returns entries containing the query text.
func (c *Client) Search(ctx context.Context, query string, opts ReadOptions) (*ReadResult, error) {
	q := opts.query()
	q.Set("q", query)
	var res ReadResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/search", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Stats fetches ledger statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ReplicationStatus fetches remote-mirror progress.
func (c *Client) ReplicationStatus(ctx context.Context) (*ReplicationStatus, error) {
	var st ReplicationStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/replication/status", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Restore rebuilds the chain from the remote mirror.
func (c *Client) Restore(ctx context.Context) (*RestoreResult, error) {
	var res RestoreResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/replication/restore", nil, map[string]any{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}
