// Package api implements the HTTP client for the jobs backend: submission,
// status, listing, cancellation, and the raw log stream transport.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lhoestq/hfjobs/internal/apperrors"
	"github.com/lhoestq/hfjobs/internal/config"
	"github.com/lhoestq/hfjobs/internal/job"
	"github.com/lhoestq/hfjobs/internal/observability"
)

const userAgent = "hfjobs/0.3.0"

// ErrJobNotFound reports that the backend no longer knows the job. Fatal for
// observation: there is nothing to retry against.
var ErrJobNotFound = errors.New("job not found")

// Client talks to the jobs backend. Safe for concurrent use.
type Client struct {
	base    string
	token   string
	http    *http.Client // bounded, for request/response calls
	stream  *http.Client // unbounded overall, for long-lived log streams
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a backend client from the resolved configuration.
func New(cfg *config.ClientConfig, metrics *observability.Metrics) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		base:  strings.TrimRight(cfg.Endpoint, "/"),
		token: cfg.Token,
		http: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: transport,
		},
		// No overall timeout: a log stream legitimately stays open for the
		// job's whole lifetime. Liveness is the reader's concern.
		stream: &http.Client{
			Transport: transport,
		},
		logger:  slog.With("component", "api"),
		metrics: metrics,
	}
}

// Whoami resolves the owner name for the configured token.
func (c *Client) Whoami(ctx context.Context) (string, error) {
	var out whoamiResponse
	if err := c.getJSON(ctx, "/api/whoami-v2", &out); err != nil {
		return "", err
	}
	if out.Name == "" {
		return "", apperrors.Auth("token resolved to no user")
	}
	return out.Name, nil
}

// Submit creates exactly one remote job for the spec and returns its handle.
//
// Retry contract: at most one automatic retry, and only when the failure
// provably happened before the backend could have accepted the request
// (connection refused, DNS failure, dial timeout). A lost response after the
// request went out is ambiguous and is never retried, as the job may already
// exist.
func (c *Client) Submit(ctx context.Context, owner string, spec job.Spec) (job.Handle, error) {
	req := submitRequest{
		Command:        spec.Command,
		Arguments:      []string{},
		Environment:    spec.Env,
		Secrets:        spec.Secrets,
		Flavor:         spec.Flavor,
		TimeoutSeconds: spec.TimeoutSeconds,
		DockerImage:    spec.Image,
		SpaceID:        spec.SpaceID,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return job.Handle{}, apperrors.Submission("api.submit", err)
	}

	path := "/api/jobs/" + url.PathEscape(owner)
	requestID := uuid.NewString()
	start := time.Now()

	var env jobEnvelope
	err = c.doJSON(ctx, http.MethodPost, path, requestID, body, &env)
	if err != nil && isPreAcceptFailure(err) {
		c.logger.Debug("Submission failed before reaching backend, retrying once", "error", err)
		c.metrics.RecordSubmissionRetry(ctx)
		err = c.doJSON(ctx, http.MethodPost, path, requestID, body, &env)
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrAuth) {
			return job.Handle{}, err
		}
		return job.Handle{}, apperrors.Submission("api.submit", err)
	}

	c.metrics.RecordSubmission(ctx, spec.Flavor, time.Since(start).Seconds())

	h := env.handle()
	if h.ID == "" {
		return job.Handle{}, apperrors.Submission("api.submit", errors.New("backend returned no job id"))
	}
	if h.Owner == "" {
		h.Owner = owner
	}
	return h, nil
}

// Status returns the current status of a job.
func (c *Client) Status(ctx context.Context, h job.Handle) (job.Status, error) {
	var env jobEnvelope
	if err := c.getJSON(ctx, jobPath(h), &env); err != nil {
		return job.Status{}, err
	}
	return env.status(), nil
}

// Inspect returns the backend's raw JSON document for a job.
func (c *Client) Inspect(ctx context.Context, h job.Handle) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, jobPath(h), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api.inspect: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("api.inspect: %w", err)
	}
	return raw, nil
}

// List returns the owner's jobs.
func (c *Client) List(ctx context.Context, owner string) ([]JobSummary, error) {
	var out listResponse
	if err := c.getJSON(ctx, "/api/jobs/"+url.PathEscape(owner), &out); err != nil {
		return nil, err
	}
	summaries := make([]JobSummary, 0, len(out.Jobs))
	for _, env := range out.Jobs {
		summaries = append(summaries, JobSummary{
			Handle:  env.handle(),
			Status:  env.status(),
			Image:   env.image(),
			Command: env.Metadata.Command,
			Flavor:  env.Metadata.Flavor,
		})
	}
	return summaries, nil
}

// Cancel requests termination of a job. Idempotent: cancelling a job that
// already reached a terminal state succeeds without effect.
func (c *Client) Cancel(ctx context.Context, h job.Handle) error {
	req, err := c.newRequest(ctx, http.MethodPost, jobPath(h)+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api.cancel: %w", err)
	}
	defer resp.Body.Close()
	// 409 means the job was already terminal; the contract treats that as
	// success.
	if resp.StatusCode == http.StatusConflict {
		drain(resp.Body)
		return nil
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	drain(resp.Body)
	return nil
}

// OpenLogStream opens the chunked log transport for a job, requesting
// continuation from the given sequence number (0 replays from the start when
// the backend supports it). The caller owns the returned body.
func (c *Client) OpenLogStream(ctx context.Context, h job.Handle, since uint64) (io.ReadCloser, error) {
	path := fmt.Sprintf("%s/logs-stream?since=%d", jobPath(h), since)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api.logs: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// EnsureScriptRepo creates a script repository if it does not exist yet.
func (c *Client) EnsureScriptRepo(ctx context.Context, repo string, private bool) error {
	body, err := json.Marshal(map[string]any{"repo": repo, "private": private})
	if err != nil {
		return err
	}
	err = c.doJSON(ctx, http.MethodPost, "/api/scripts", "", body, nil)
	if err != nil && !errors.Is(err, errConflict) {
		return fmt.Errorf("api.ensureScriptRepo: %w", err)
	}
	return nil
}

// UploadScript uploads a script file into a repository and returns the raw
// URL a job can fetch it from.
func (c *Client) UploadScript(ctx context.Context, repo, filename string, content []byte) (string, error) {
	path := fmt.Sprintf("/api/scripts/%s/upload/%s", repo, url.PathEscape(filename))
	req, err := c.newRequest(ctx, http.MethodPut, path, bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("api.uploadScript: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("api.uploadScript: %w", err)
	}
	if out.URL == "" {
		out.URL = fmt.Sprintf("%s/scripts/%s/resolve/%s", c.base, repo, filename)
	}
	return out.URL, nil
}

// MonitorURL returns the web page tracking a job.
func (c *Client) MonitorURL(h job.Handle) string {
	return fmt.Sprintf("%s/jobs/%s/%s", c.base, h.Owner, h.ID)
}

func jobPath(h job.Handle) string {
	return fmt.Sprintf("/api/jobs/%s/%s", url.PathEscape(h.Owner), url.PathEscape(h.ID))
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, "", nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path, requestID string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		drain(resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var errConflict = errors.New("conflict")

// checkStatus classifies an HTTP error response, reading the backend's error
// message when present.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	message := ""
	var body errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if json.Unmarshal(raw, &body) == nil {
		message = body.Error
	}
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.Auth(fmt.Sprintf("backend rejected credentials: %s", message))
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrJobNotFound, message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", errConflict, message)
	default:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, message)
	}
}

// isPreAcceptFailure reports whether the error happened strictly before the
// backend could have accepted the request, making a retry safe. Timeouts and
// dropped responses are ambiguous and excluded.
func isPreAcceptFailure(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 1<<20))
}
