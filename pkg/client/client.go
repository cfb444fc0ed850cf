// Package client uploads files to a chunkup server: it negotiates which
// chunks the server already holds, hashes the rest in parallel, uploads them
// concurrently with retries and asks the server to merge once every chunk
// has landed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zots0127/chunkup/internal/domain/entities"
	"github.com/zots0127/chunkup/pkg/chunkhash"
)

const (
	defaultConcurrency    = 4
	defaultMaxAttempts    = 5
	defaultAttemptTimeout = 2 * time.Minute
)

// Options configures a Client
type Options struct {
	BaseURL   string
	Algorithm chunkhash.Algorithm
	// Workers is the number of chunks a file is split into. Resuming an
	// upload requires the same value that started it.
	Workers int
	// Concurrency bounds simultaneous chunk uploads.
	Concurrency    int
	MaxAttempts    int
	AttemptTimeout time.Duration
	// VerifyResumed hashes chunks the server already holds instead of
	// trusting the server's list, and restarts the upload on a mismatch.
	VerifyResumed bool
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client talks to the upload API
type Client struct {
	baseURL        *url.URL
	algorithm      chunkhash.Algorithm
	workers        int
	concurrency    int
	maxAttempts    int
	attemptTimeout time.Duration
	verifyResumed  bool
	httpClient     *http.Client
	logger         *slog.Logger

	newBackOff func() backoff.BackOff
}

// New creates a client, filling unset options with defaults
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", opts.BaseURL)
	}

	alg, err := chunkhash.ParseAlgorithm(string(opts.Algorithm))
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:        base,
		algorithm:      alg,
		workers:        opts.Workers,
		concurrency:    opts.Concurrency,
		maxAttempts:    opts.MaxAttempts,
		attemptTimeout: opts.AttemptTimeout,
		verifyResumed:  opts.VerifyResumed,
		httpClient:     opts.HTTPClient,
		logger:         opts.Logger,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	if c.workers <= 0 {
		c.workers = chunkhash.DefaultWorkers()
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.attemptTimeout <= 0 {
		c.attemptTimeout = defaultAttemptTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Algorithm returns the digest algorithm the client hashes with
func (c *Client) Algorithm() chunkhash.Algorithm {
	return c.algorithm
}

// Workers returns the number of chunks files are split into
func (c *Client) Workers() int {
	return c.workers
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode    int
	Message       string
	CorruptChunks []int
}

func (e *APIError) Error() string {
	if len(e.CorruptChunks) > 0 {
		return fmt.Sprintf("server returned %d: %s (corrupt chunks %v)", e.StatusCode, e.Message, e.CorruptChunks)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether repeating the request may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusConflict ||
		e.StatusCode == http.StatusTooManyRequests
}

// ExistingChunks lists the chunks the server holds for name
func (c *Client) ExistingChunks(ctx context.Context, name string) ([]entities.ChunkRef, error) {
	var resp struct {
		ExistingChunks []entities.ChunkRef `json:"existingChunks"`
	}
	if err := c.getJSON(ctx, "/existing-chunks", url.Values{"fileName": {name}}, &resp); err != nil {
		return nil, err
	}
	return resp.ExistingChunks, nil
}

// ExistingFile reports whether name has been published
func (c *Client) ExistingFile(ctx context.Context, name string) (*entities.ArtifactInfo, error) {
	var info entities.ArtifactInfo
	if err := c.getJSON(ctx, "/existing-file", url.Values{"fileName": {name}}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Session returns the server's session view of name
func (c *Client) Session(ctx context.Context, name string) (*entities.Session, error) {
	var session entities.Session
	if err := c.getJSON(ctx, "/sessions/"+url.PathEscape(name), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Abort discards every chunk the server holds for name
func (c *Client) Abort(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("/chunks", url.Values{"fileName": {name}}), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// UploadChunk sends one chunk. The body is streamed, not buffered.
func (c *Client) UploadChunk(ctx context.Context, name string, index int, hash string, body io.Reader) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeChunkForm(mw, name, index, hash, body))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload", nil), pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, nil)
}

func writeChunkForm(mw *multipart.Writer, name string, index int, hash string, body io.Reader) error {
	for _, field := range [][2]string{
		{"fileName", name},
		{"index", strconv.Itoa(index)},
		{"chunkHash", hash},
	} {
		if err := mw.WriteField(field[0], field[1]); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("chunk", fmt.Sprintf("%s.%d", name, index))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

// Merge asks the server to assemble name and verify it against combined
func (c *Client) Merge(ctx context.Context, name, combined string) (*entities.MergeResult, error) {
	payload, err := json.Marshal(entities.MergeRequest{FileName: name, CombinedHash: combined})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/merge", nil), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		Hash string `json:"hash"`
		Size int64  `json:"size"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &entities.MergeResult{FileName: name, Hash: resp.Hash, Size: resp.Size}, nil
}

// retry runs op until it succeeds, fails permanently or runs out of attempts.
// Each attempt gets its own timeout.
func (c *Client) retry(ctx context.Context, what string, op func(ctx context.Context) error) error {
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()

		err := op(attemptCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		c.logger.Warn("transient failure, retrying",
			"operation", what,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
}

// isTransient treats transport failures and retryable statuses as transient
func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// do sends req and decodes a 2xx body into out, or the error body into an APIError
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error         string `json:"error"`
			CorruptChunks []int  `json:"corruptChunks"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error, CorruptChunks: body.CorruptChunks}
	}

	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
